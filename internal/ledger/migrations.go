package ledger

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension (postgres only)
		{
			ID: "001_vector_extension",
			Migrate: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != "postgres" {
					return nil
				}
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return nil
			},
		},

		// Migration 002: runs
		{
			ID: "002_runs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Run{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("runs")
			},
		},

		// Migration 003: per-sample results
		{
			ID: "003_sample_results",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&SampleEmbedding{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&SampleError{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sample_embeddings", "sample_errors")
			},
		},
	})
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}
	return nil
}
