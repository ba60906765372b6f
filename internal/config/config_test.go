package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

func validConfig() *Config {
	cfg := Default()
	cfg.InputDir = "/data/in"
	cfg.OutputDir = "/data/out"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, BackendONNX, cfg.Model.Backend)
	assert.Equal(t, DefaultBatchSize, cfg.Inference.BatchSize)
	assert.Equal(t, DeviceAuto, cfg.Inference.Device)
	assert.Equal(t, []string{"red", "green", "blue", "yellow"}, cfg.Preprocess.Channels)
	assert.True(t, cfg.Logging.ToFiles)

	ch, err := cfg.Channels()
	require.NoError(t, err)
	assert.Equal(t, models.DefaultChannels, ch)
}

func TestValidate_RequiredDirs(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), ErrOutputDirUnset)

	cfg.OutputDir = "out"
	assert.ErrorIs(t, cfg.Validate(), ErrInputDirUnset)

	cfg.Manifest = "manifest.tsv"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "manifest.tsv", cfg.ManifestPath())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch size", func(c *Config) { c.Inference.BatchSize = 0 }},
		{"device", func(c *Config) { c.Inference.Device = "tpu" }},
		{"backend", func(c *Config) { c.Model.Backend = "torch" }},
		{"normalization", func(c *Config) { c.Preprocess.Normalization.Method = "zscore" }},
		{"mean length", func(c *Config) { c.Preprocess.Normalization.Mean = []float64{0.5} }},
		{"zero std", func(c *Config) { c.Preprocess.Normalization.Std = []float64{1, 0, 1, 1} }},
		{"percentiles", func(c *Config) {
			c.Preprocess.Normalization.Method = NormPercentile
			c.Preprocess.Normalization.LowPercentile = 0.9
			c.Preprocess.Normalization.HighPercentile = 0.1
		}},
		{"crop", func(c *Config) { c.Preprocess.Crop.Mode = "random" }},
		{"five crop scale", func(c *Config) {
			c.Preprocess.Crop.Mode = CropFive
			c.Preprocess.Crop.Scale = 0.5
		}},
		{"minio without bucket", func(c *Config) { c.Storage.Type = StorageMinIO }},
		{"duplicate channel", func(c *Config) { c.Preprocess.Channels = []string{"red", "red"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_YAMLMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
input_dir: /in
output_dir: /out
model:
  backend: fake
  dimensions: 8
inference:
  batch_size: 3
preprocess:
  width: 64
  height: 32
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/in", cfg.InputDir)
	assert.Equal(t, BackendFake, cfg.Model.Backend)
	assert.Equal(t, 8, cfg.Model.Dimensions)
	assert.Equal(t, 3, cfg.Inference.BatchSize)
	assert.Equal(t, 64, cfg.Preprocess.Width)
	assert.Equal(t, 32, cfg.Preprocess.Height)
	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Inference.Workers)
	assert.Equal(t, CropCenter, cfg.Preprocess.Crop.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CELLMAPS_MODEL_PATH", "/models/x.onnx")
	t.Setenv("CELLMAPS_DEVICE", "CPU")
	t.Setenv("CELLMAPS_BATCH_SIZE", "7")
	t.Setenv("CELLMAPS_MINIO_ENDPOINT", "minio:9000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/models/x.onnx", cfg.Model.Path)
	assert.Equal(t, DeviceCPU, cfg.Inference.Device)
	assert.Equal(t, 7, cfg.Inference.BatchSize)
	require.NotNil(t, cfg.Storage.MinIO)
	assert.Equal(t, "minio:9000", cfg.Storage.MinIO.Endpoint)

	t.Setenv("CELLMAPS_BATCH_SIZE", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CELLMAPS_TEST_ENV_FILE=loaded\n"), 0600))
	t.Setenv("CELLMAPS_TEST_ENV_FILE", "")
	require.NoError(t, os.Unsetenv("CELLMAPS_TEST_ENV_FILE"))

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("CELLMAPS_TEST_ENV_FILE"))
}
