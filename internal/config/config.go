// Package config provides configuration management for cellmaps-embedding.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

const (
	// DefaultModelPath is where the container image places the DenseNet weights.
	DefaultModelPath = "/opt/densenet/models/model.onnx"

	// DefaultBatchSize bounds the number of tensors per forward pass.
	DefaultBatchSize = 16

	// DefaultDimensions is the embedding size of the DenseNet feature layer.
	DefaultDimensions = 1024

	// DefaultImageSize is the square input resolution of the model.
	DefaultImageSize = 1024
)

// Backend names.
const (
	BackendONNX = "onnx"
	BackendFake = "fake"
)

// Device preferences.
const (
	DeviceAuto = "auto"
	DeviceGPU  = "gpu"
	DeviceCPU  = "cpu"
)

// Normalization methods.
const (
	NormScale      = "scale"
	NormMinMax     = "minmax"
	NormPercentile = "percentile"
)

// Crop modes.
const (
	CropCenter = "center"
	CropResize = "resize"
	CropFive   = "five"
)

// Storage types.
const (
	StorageLocal = "local"
	StorageMinIO = "minio"
)

var (
	// ErrOutputDirUnset is returned by Validate when no output directory is configured.
	ErrOutputDirUnset = errors.New("outdir must be set")
	// ErrInputDirUnset is returned by Validate when neither input dir nor manifest is configured.
	ErrInputDirUnset = errors.New("inputdir must be set")
)

// ModelConfig selects and configures the inference backend.
type ModelConfig struct {
	Path    string `yaml:"path"`
	Backend string `yaml:"backend"` // "onnx" or "fake"
	// ORTLibraryPath is the onnxruntime shared library (empty = system default).
	ORTLibraryPath string `yaml:"ort_library_path"`
	// Dimensions is the output size of the fake backend; ONNX models report their own.
	Dimensions int    `yaml:"dimensions"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
}

// InferenceConfig controls batching and the preprocessing worker pool.
type InferenceConfig struct {
	Device    string `yaml:"device"`
	BatchSize int    `yaml:"batch_size"`
	Workers   int    `yaml:"workers"`    // preprocessing goroutines
	QueueSize int    `yaml:"queue_size"` // prepared samples buffered ahead of inference
}

// NormalizationConfig describes per-channel intensity normalization.
type NormalizationConfig struct {
	Method string `yaml:"method"`
	// MaxValue is the full-scale intensity used by the "scale" method, in source
	// units. Zero means the full scale of the decoded format (255 or 65535).
	MaxValue float64   `yaml:"max_value"`
	Mean     []float64 `yaml:"mean"`
	Std      []float64 `yaml:"std"`
	// LowPercentile and HighPercentile are in [0,1] and used by the "percentile" method.
	LowPercentile  float64 `yaml:"low_percentile"`
	HighPercentile float64 `yaml:"high_percentile"`
}

// CropConfig describes the geometric transform to the model resolution.
type CropConfig struct {
	Mode string `yaml:"mode"`
	// Scale is the resize factor relative to the target before five-cropping.
	Scale float64 `yaml:"scale"`
}

// PreprocessConfig holds the model input contract.
type PreprocessConfig struct {
	Channels      []string            `yaml:"channels"`
	Extensions    []string            `yaml:"extensions"`
	Width         int                 `yaml:"width"`
	Height        int                 `yaml:"height"`
	Normalization NormalizationConfig `yaml:"normalization"`
	Crop          CropConfig          `yaml:"crop"`
}

// MinIOConfig contains connection details for an S3-compatible image bucket.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StorageConfig selects where channel images are read from.
type StorageConfig struct {
	Type  string       `yaml:"type"`
	MinIO *MinIOConfig `yaml:"minio,omitempty"`
}

// LedgerConfig configures the optional run ledger database.
type LedgerConfig struct {
	// DSN is a SQLite file path or a postgres:// URL. Empty disables the ledger.
	DSN string `yaml:"dsn"`
}

// RunConfig carries descriptive provenance fields.
type RunConfig struct {
	Name             string   `yaml:"name"`
	ProjectName      string   `yaml:"project_name"`
	OrganizationName string   `yaml:"organization_name"`
	Description      string   `yaml:"description"`
	Keywords         []string `yaml:"keywords"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// ToFiles writes output.log and error.log into the output directory.
	ToFiles bool `yaml:"to_files"`
}

// Config holds the application configuration.
type Config struct {
	InputDir string `yaml:"input_dir"`
	// Manifest is a manifest file or a directory holding attribute files.
	// Empty means InputDir.
	Manifest  string `yaml:"manifest"`
	OutputDir string `yaml:"output_dir"`

	Model      ModelConfig      `yaml:"model"`
	Inference  InferenceConfig  `yaml:"inference"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Run        RunConfig        `yaml:"run"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns a Config with default values.
func Default() *Config {
	channels := make([]string, len(models.DefaultChannels))
	for i, c := range models.DefaultChannels {
		channels[i] = string(c)
	}
	return &Config{
		Model: ModelConfig{
			Path:       DefaultModelPath,
			Backend:    BackendONNX,
			Dimensions: DefaultDimensions,
		},
		Inference: InferenceConfig{
			Device:    DeviceAuto,
			BatchSize: DefaultBatchSize,
			Workers:   4,
			QueueSize: 32,
		},
		Preprocess: PreprocessConfig{
			Channels:   channels,
			Extensions: []string{".jpg", ".png", ".tif", ".tiff"},
			Width:      DefaultImageSize,
			Height:     DefaultImageSize,
			Normalization: NormalizationConfig{
				Method:         NormScale,
				LowPercentile:  0.01,
				HighPercentile: 0.99,
			},
			Crop: CropConfig{Mode: CropCenter, Scale: 1.25},
		},
		Storage: StorageConfig{Type: StorageLocal},
		Logging: LoggingConfig{Level: "info", ToFiles: true},
	}
}

// Load reads a YAML config from path, merging it over defaults.
// An empty path returns defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides fields from CELLMAPS_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("CELLMAPS_MODEL_PATH"); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv("CELLMAPS_MODEL_BACKEND"); v != "" {
		c.Model.Backend = v
	}
	if v := os.Getenv("CELLMAPS_ORT_LIBRARY"); v != "" {
		c.Model.ORTLibraryPath = v
	}
	if v := os.Getenv("CELLMAPS_DEVICE"); v != "" {
		c.Inference.Device = strings.ToLower(v)
	}
	if v := os.Getenv("CELLMAPS_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CELLMAPS_BATCH_SIZE: %w", err)
		}
		c.Inference.BatchSize = n
	}
	if v := os.Getenv("CELLMAPS_LEDGER_DSN"); v != "" {
		c.Ledger.DSN = v
	}
	if v := os.Getenv("CELLMAPS_MINIO_ENDPOINT"); v != "" {
		c.minio().Endpoint = v
	}
	if v := os.Getenv("CELLMAPS_MINIO_ACCESS_KEY"); v != "" {
		c.minio().AccessKey = v
	}
	if v := os.Getenv("CELLMAPS_MINIO_SECRET_KEY"); v != "" {
		c.minio().SecretKey = v
	}
	return nil
}

func (c *Config) minio() *MinIOConfig {
	if c.Storage.MinIO == nil {
		c.Storage.MinIO = &MinIOConfig{}
	}
	return c.Storage.MinIO
}

// ManifestPath returns the manifest location, defaulting to the input dir.
func (c *Config) ManifestPath() string {
	if c.Manifest != "" {
		return c.Manifest
	}
	return c.InputDir
}

// Channels returns the parsed channel order.
func (c *Config) Channels() ([]models.Channel, error) {
	return models.ParseChannels(c.Preprocess.Channels)
}

// Validate checks the configuration for a run.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return ErrOutputDirUnset
	}
	if c.InputDir == "" && c.Manifest == "" {
		return ErrInputDirUnset
	}
	channels, err := c.Channels()
	if err != nil {
		return fmt.Errorf("preprocess.channels: %w", err)
	}
	switch c.Model.Backend {
	case BackendONNX:
		if c.Model.Path == "" {
			return errors.New("model.path must be set")
		}
	case BackendFake:
		if c.Model.Dimensions < 1 {
			return fmt.Errorf("model.dimensions must be positive, got %d", c.Model.Dimensions)
		}
	default:
		return fmt.Errorf("unknown model.backend %q", c.Model.Backend)
	}
	switch c.Inference.Device {
	case DeviceAuto, DeviceGPU, DeviceCPU:
	default:
		return fmt.Errorf("unknown inference.device %q", c.Inference.Device)
	}
	if c.Inference.BatchSize < 1 {
		return fmt.Errorf("inference.batch_size must be at least 1, got %d", c.Inference.BatchSize)
	}
	if c.Inference.Workers < 1 {
		return fmt.Errorf("inference.workers must be at least 1, got %d", c.Inference.Workers)
	}
	if c.Inference.QueueSize < 1 {
		return fmt.Errorf("inference.queue_size must be at least 1, got %d", c.Inference.QueueSize)
	}
	if c.Preprocess.Width < 1 || c.Preprocess.Height < 1 {
		return fmt.Errorf("preprocess size must be positive, got %dx%d", c.Preprocess.Width, c.Preprocess.Height)
	}
	if len(c.Preprocess.Extensions) == 0 {
		return errors.New("preprocess.extensions must not be empty")
	}
	if err := c.validateNormalization(len(channels)); err != nil {
		return err
	}
	switch c.Preprocess.Crop.Mode {
	case CropCenter, CropResize:
	case CropFive:
		if c.Preprocess.Crop.Scale < 1 {
			return fmt.Errorf("preprocess.crop.scale must be >= 1 for five-crop, got %g", c.Preprocess.Crop.Scale)
		}
	default:
		return fmt.Errorf("unknown preprocess.crop.mode %q", c.Preprocess.Crop.Mode)
	}
	switch c.Storage.Type {
	case StorageLocal:
	case StorageMinIO:
		m := c.Storage.MinIO
		if m == nil || m.Endpoint == "" || m.Bucket == "" {
			return errors.New("storage.minio requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	return nil
}

func (c *Config) validateNormalization(channels int) error {
	n := c.Preprocess.Normalization
	switch n.Method {
	case NormScale:
		if n.MaxValue < 0 {
			return fmt.Errorf("normalization.max_value must not be negative, got %g", n.MaxValue)
		}
	case NormMinMax:
	case NormPercentile:
		if n.LowPercentile < 0 || n.HighPercentile > 1 || n.LowPercentile >= n.HighPercentile {
			return fmt.Errorf("normalization percentiles must satisfy 0 <= low < high <= 1, got %g/%g",
				n.LowPercentile, n.HighPercentile)
		}
	default:
		return fmt.Errorf("unknown normalization.method %q", n.Method)
	}
	if len(n.Mean) != 0 && len(n.Mean) != channels {
		return fmt.Errorf("normalization.mean has %d values for %d channels", len(n.Mean), channels)
	}
	if len(n.Std) != 0 && len(n.Std) != channels {
		return fmt.Errorf("normalization.std has %d values for %d channels", len(n.Std), channels)
	}
	for i, s := range n.Std {
		if s == 0 {
			return fmt.Errorf("normalization.std[%d] is zero", i)
		}
	}
	return nil
}
