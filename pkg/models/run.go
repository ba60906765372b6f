package models

import "time"

// RunManifest lists the samples of a run and where their images live.
// It is produced upstream and read-only here.
type RunManifest struct {
	// Paths are the manifest files that were read, in order.
	Paths []string `json:"paths"`
	// Digest is the hex SHA-256 of the concatenated manifest bytes.
	Digest  string          `json:"digest"`
	Entries []ManifestEntry `json:"entries"`
}

// ManifestEntry describes one sample. Either Prefix (channel files resolved
// as <root>/<channel>/<prefix><channel><ext>) or explicit channel paths are set
// on each of its sets.
type ManifestEntry struct {
	SampleID   string        `json:"sample_id"`
	Represents string        `json:"represents,omitempty"`
	Antibody   string        `json:"antibody,omitempty"`
	Sets       []ManifestSet `json:"sets"`
}

// ManifestSet is one field of view as listed in the manifest.
type ManifestSet struct {
	Prefix   string             `json:"prefix,omitempty"`
	ImageURL string             `json:"image_url,omitempty"`
	Paths    map[Channel]string `json:"paths,omitempty"`
}

// Provenance describes what produced an embedding table.
type Provenance struct {
	RunID            string    `json:"run_id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Keywords         []string  `json:"keywords,omitempty"`
	ProjectName      string    `json:"project_name,omitempty"`
	OrganizationName string    `json:"organization_name,omitempty"`
	Software         string    `json:"software"`
	SoftwareVersion  string    `json:"software_version"`
	ModelPath        string    `json:"model_path"`
	ModelSHA256      string    `json:"model_sha256"`
	ModelBackend     string    `json:"model_backend"`
	Dimensions       int       `json:"dimensions"`
	Device           string    `json:"device"`
	BatchSize        int       `json:"batch_size"`
	Channels         []Channel `json:"channels"`
	Normalization    string    `json:"normalization"`
	Crop             string    `json:"crop"`
	InputSize        [2]int    `json:"input_size"`
	InputDir         string    `json:"input_dir"`
	ManifestPaths    []string  `json:"manifest_paths"`
	ManifestDigest   string    `json:"manifest_digest"`
	OutputDir        string    `json:"output_dir"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	SamplesTotal     int       `json:"samples_total"`
	SamplesProcessed int       `json:"samples_processed"`
	SamplesSkipped   int       `json:"samples_skipped"`
	Cancelled        bool      `json:"cancelled"`
}

// ExitStatus is the process outcome of a run.
type ExitStatus int

const (
	ExitSuccess ExitStatus = 0
	ExitPartial ExitStatus = 1
	ExitFatal   ExitStatus = 2
)

// RunSummary is the outcome of a pipeline run.
type RunSummary struct {
	Provenance Provenance     `json:"provenance"`
	Records    int            `json:"records"`
	Skipped    []*SampleError `json:"skipped"`
	Cancelled  bool           `json:"cancelled"`
	TablePath  string         `json:"table_path"`
}

// Status derives the exit status from the summary.
func (s *RunSummary) Status() ExitStatus {
	if s.Cancelled || len(s.Skipped) > 0 {
		return ExitPartial
	}
	return ExitSuccess
}
