package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/preprocess"
	"github.com/thebtf/cellmaps-embedding/internal/telemetry"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// Identity describes the loaded model for provenance.
type Identity struct {
	Backend    string
	Path       string
	SHA256     string
	Dimensions int
	Device     string
}

// Result is the outcome for one tensor. Exactly one of Vector and Err is set.
type Result struct {
	Tensor *preprocess.Tensor
	Vector []float32
	Err    *models.SampleError
}

// Engine owns the loaded model. The model is read-only once loaded.
type Engine struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *Registry
	metrics  *telemetry.Metrics

	once     sync.Once
	loadErr  error
	backend  Backend
	identity Identity
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry selects the backend registry (default DefaultRegistry).
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithMetrics records batch metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an unloaded engine.
func NewEngine(cfg *config.Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "inference").Logger(),
		registry: DefaultRegistry,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load loads the model once. Later calls return the first result. Failures
// are ModelLoadError, except that a cancelled ctx returns its error as is.
func (e *Engine) Load(ctx context.Context) error {
	e.once.Do(func() {
		e.loadErr = e.load(ctx)
		if e.loadErr == nil {
			return
		}
		if ctx.Err() != nil {
			e.loadErr = context.Cause(ctx)
			return
		}
		e.loadErr = models.NewFatalError(models.KindModelLoad, "load model", e.loadErr)
	})
	return e.loadErr
}

func (e *Engine) load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	factory, err := e.registry.Get(e.cfg.Model.Backend)
	if err != nil {
		return err
	}

	// The fake backend does not need a model file.
	sum, err := hashFile(e.cfg.Model.Path)
	if err != nil && e.cfg.Model.Backend != config.BackendFake {
		return err
	}

	b, err := factory(e.cfg, e.logger)
	if err != nil {
		return err
	}
	if err := e.checkShape(b); err != nil {
		_ = b.Close()
		return err
	}

	e.backend = b
	e.identity = Identity{
		Backend:    b.Name(),
		Path:       e.cfg.Model.Path,
		SHA256:     sum,
		Dimensions: b.Dimensions(),
		Device:     b.Device(),
	}
	e.logger.Info().
		Str("backend", b.Name()).
		Str("model", e.cfg.Model.Path).
		Str("device", b.Device()).
		Int("dimensions", b.Dimensions()).
		Msg("Model loaded")
	return nil
}

func (e *Engine) checkShape(b Backend) error {
	if b.Dimensions() < 1 {
		return fmt.Errorf("model reports %d output dimensions", b.Dimensions())
	}
	want := [3]int{len(e.cfg.Preprocess.Channels), e.cfg.Preprocess.Height, e.cfg.Preprocess.Width}
	got := b.InputShape()
	for i := range got {
		if got[i] != 0 && got[i] != want[i] {
			return fmt.Errorf("model input is %v (C,H,W), preprocessing produces %v", got, want)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open model: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("model path %s is a directory", path)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read model: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Identity returns the loaded model identity. Zero before a successful Load.
func (e *Engine) Identity() Identity {
	return e.identity
}

// BatchSize returns the configured maximum batch size.
func (e *Engine) BatchSize() int {
	return e.cfg.Inference.BatchSize
}

// Infer embeds tensors in chunks of at most BatchSize and returns one result
// per tensor in input order. A chunk whose forward pass fails is retried one
// tensor at a time so that a single bad input does not fail its neighbours.
// It returns ctx.Err() with the results so far if cancelled between chunks.
func (e *Engine) Infer(ctx context.Context, tensors []*preprocess.Tensor) ([]Result, error) {
	if e.backend == nil {
		return nil, fmt.Errorf("model not loaded")
	}
	bs := max(e.cfg.Inference.BatchSize, 1)
	results := make([]Result, 0, len(tensors))
	for start := 0; start < len(tensors); start += bs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		end := min(start+bs, len(tensors))
		results = append(results, e.runChunk(ctx, tensors[start:end])...)
	}
	return results, nil
}

func (e *Engine) runChunk(ctx context.Context, chunk []*preprocess.Tensor) []Result {
	out := make([]Result, len(chunk))
	vecs, err := e.run(ctx, chunk)
	if err == nil && len(vecs) != len(chunk) {
		err = fmt.Errorf("backend returned %d vectors for %d tensors", len(vecs), len(chunk))
	}
	if err != nil && len(chunk) > 1 {
		e.logger.Warn().Err(err).Int("batch", len(chunk)).Msg("Batch failed, retrying tensors individually")
		for i, t := range chunk {
			out[i] = e.runChunk(ctx, []*preprocess.Tensor{t})[0]
		}
		return out
	}
	for i, t := range chunk {
		out[i].Tensor = t
		if err != nil {
			out[i].Err = models.NewSampleError(t.SampleID(), models.KindInference, err)
			continue
		}
		if verr := e.validate(vecs[i]); verr != nil {
			out[i].Err = models.NewSampleError(t.SampleID(), models.KindInference, verr)
			continue
		}
		out[i].Vector = vecs[i]
	}
	return out
}

func (e *Engine) run(ctx context.Context, chunk []*preprocess.Tensor) ([][]float32, error) {
	start := time.Now()
	vecs, err := e.backend.Run(chunk)
	e.metrics.Batch(ctx, e.identity.Backend, len(chunk), time.Since(start))
	return vecs, err
}

func (e *Engine) validate(v []float32) error {
	if len(v) != e.identity.Dimensions {
		return fmt.Errorf("embedding has %d dimensions, expected %d", len(v), e.identity.Dimensions)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("non-finite value %v at dimension %d", x, i)
		}
	}
	return nil
}

// Close releases the model.
func (e *Engine) Close() error {
	if e.backend == nil {
		return nil
	}
	return e.backend.Close()
}
