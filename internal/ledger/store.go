// Package ledger records runs and their embeddings in a SQL database.
//
// The ledger is optional. SQLite is used for file paths and PostgreSQL (with
// pgvector) for postgres:// URLs.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// Store is an open ledger database.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger zerolog.Logger
}

// dialector picks the driver from the DSN. SQLite goes through the pure-Go
// modernc driver, registered as "sqlite".
func dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
}

// Open connects to dsn and runs migrations.
func Open(dsn string, log zerolog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty ledger dsn")
	}
	db, err := gorm.Open(dialector(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if db.Dialector.Name() == "sqlite" {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{
		db:     db,
		sqlDB:  sqlDB,
		logger: log.With().Str("component", "ledger").Logger(),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// RecordRun stores a run with its embeddings and skipped samples in one
// transaction. Recording the same run id twice fails.
func (s *Store) RecordRun(ctx context.Context, prov *models.Provenance, records []*models.EmbeddingRecord, skipped []*models.SampleError) error {
	raw, err := json.Marshal(prov)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	run := Run{
		ID:               prov.RunID,
		Name:             prov.Name,
		Software:         prov.Software,
		SoftwareVersion:  prov.SoftwareVersion,
		ModelPath:        prov.ModelPath,
		ModelSHA256:      prov.ModelSHA256,
		ModelBackend:     prov.ModelBackend,
		Device:           prov.Device,
		Dimensions:       prov.Dimensions,
		BatchSize:        prov.BatchSize,
		InputDir:         prov.InputDir,
		OutputDir:        prov.OutputDir,
		ManifestDigest:   prov.ManifestDigest,
		StartedAt:        prov.StartTime,
		FinishedAt:       prov.EndTime,
		SamplesTotal:     prov.SamplesTotal,
		SamplesProcessed: prov.SamplesProcessed,
		SamplesSkipped:   prov.SamplesSkipped,
		Cancelled:        prov.Cancelled,
		Provenance:       string(raw),
	}

	embeddings := make([]SampleEmbedding, len(records))
	for i, r := range records {
		embeddings[i] = SampleEmbedding{
			RunID:     prov.RunID,
			SampleID:  r.SampleID,
			Sources:   r.Sources,
			Embedding: pgvector.NewVector(r.Embedding),
		}
	}
	errs := make([]SampleError, len(skipped))
	for i, e := range skipped {
		errs[i] = SampleError{RunID: prov.RunID, SampleID: e.SampleID, Kind: string(e.Kind), Message: e.Message}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if len(embeddings) > 0 {
			if err := tx.CreateInBatches(embeddings, 100).Error; err != nil {
				return fmt.Errorf("insert embeddings: %w", err)
			}
		}
		if len(errs) > 0 {
			if err := tx.CreateInBatches(errs, 100).Error; err != nil {
				return fmt.Errorf("insert sample errors: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug().
		Str("run_id", prov.RunID).
		Int("embeddings", len(embeddings)).
		Int("skipped", len(errs)).
		Msg("Run recorded")
	return nil
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := s.db.WithContext(ctx).Order("started_at DESC").Find(&runs).Error
	return runs, err
}

// Embeddings returns a run's embeddings ordered by sample id.
func (s *Store) Embeddings(ctx context.Context, runID string) ([]SampleEmbedding, error) {
	var out []SampleEmbedding
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("sample_id").Find(&out).Error
	return out, err
}

// Skipped returns a run's skipped samples ordered by sample id.
func (s *Store) Skipped(ctx context.Context, runID string) ([]SampleError, error) {
	var out []SampleError
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("sample_id").Find(&out).Error
	return out, err
}
