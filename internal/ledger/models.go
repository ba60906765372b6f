package ledger

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Run is one pipeline execution.
type Run struct {
	ID               string `gorm:"primaryKey;size:36"`
	Name             string
	Software         string
	SoftwareVersion  string
	ModelPath        string
	ModelSHA256      string `gorm:"column:model_sha256;size:64;index"`
	ModelBackend     string
	Device           string
	Dimensions       int
	BatchSize        int
	InputDir         string
	OutputDir        string
	ManifestDigest   string `gorm:"size:64;index"`
	StartedAt        time.Time
	FinishedAt       time.Time
	SamplesTotal     int
	SamplesProcessed int
	SamplesSkipped   int
	Cancelled        bool
	// Provenance is the full provenance record as JSON.
	Provenance string `gorm:"type:text"`
}

// SampleEmbedding is the aggregated embedding of one sample in one run.
type SampleEmbedding struct {
	ID        uint            `gorm:"primaryKey"`
	RunID     string          `gorm:"size:36;not null;uniqueIndex:idx_sample_embeddings_run_sample"`
	SampleID  string          `gorm:"not null;uniqueIndex:idx_sample_embeddings_run_sample"`
	Sources   int             `gorm:"not null"`
	Embedding pgvector.Vector `gorm:"type:vector;not null"`
}

// SampleError records why a sample was skipped in a run.
type SampleError struct {
	ID       uint   `gorm:"primaryKey"`
	RunID    string `gorm:"size:36;not null;index"`
	SampleID string `gorm:"not null"`
	Kind     string `gorm:"not null"`
	Message  string `gorm:"type:text"`
}
