// Package pipeline runs an embedding job end to end: manifest, model load,
// image resolution, preprocessing, batched inference, aggregation and output.
//
// A sample is embedded only when every one of its tensors is scored; a single
// failed tensor skips the whole sample, so partial means are never written.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/inference"
	"github.com/thebtf/cellmaps-embedding/internal/ledger"
	"github.com/thebtf/cellmaps-embedding/internal/manifest"
	"github.com/thebtf/cellmaps-embedding/internal/output"
	"github.com/thebtf/cellmaps-embedding/internal/preprocess"
	"github.com/thebtf/cellmaps-embedding/internal/resolver"
	"github.com/thebtf/cellmaps-embedding/internal/storage"
	"github.com/thebtf/cellmaps-embedding/internal/telemetry"
	"github.com/thebtf/cellmaps-embedding/internal/version"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// Recorder persists a finished run.
type Recorder interface {
	RecordRun(ctx context.Context, prov *models.Provenance, records []*models.EmbeddingRecord, skipped []*models.SampleError) error
}

// Pipeline holds the collaborators of a run.
type Pipeline struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   storage.Store
	engine  *inference.Engine
	writer  *output.Writer
	ledger  Recorder
	closers []func() error
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore overrides the image store built from configuration.
func WithStore(s storage.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithEngine overrides the inference engine built from configuration.
func WithEngine(e *inference.Engine) Option {
	return func(p *Pipeline) { p.engine = e }
}

// WithRecorder overrides the run ledger opened from configuration.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.ledger = r }
}

// WithMetrics records run metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now for provenance timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New validates cfg and assembles a pipeline. A ledger that cannot be opened
// is logged and disabled.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		s, err := storage.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("image store: %w", err)
		}
		p.store = s
	}
	if p.engine == nil {
		p.engine = inference.NewEngine(cfg, logger, inference.WithMetrics(p.metrics))
	}
	p.closers = append(p.closers, p.engine.Close)
	if p.ledger == nil && cfg.Ledger.DSN != "" {
		l, err := ledger.Open(cfg.Ledger.DSN, logger)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Run ledger unavailable, continuing without it")
		} else {
			p.ledger = l
			p.closers = append(p.closers, l.Close)
		}
	}
	p.writer = output.NewWriter(cfg.OutputDir, logger)
	return p, nil
}

// Close releases the model and the ledger.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	p.closers = nil
	return errors.Join(errs...)
}

// unit is one resolved sample ready for inference, or the reason it was skipped.
type unit struct {
	sampleID string
	tensors  []*preprocess.Tensor
	err      *models.SampleError
}

// Run executes the job. Fatal errors (manifest, model, output) are returned
// with a nil summary. Per-sample failures and cancellation are reported in
// the summary; on cancellation the samples completed so far are written and
// every other sample is reported as Cancelled.
func (p *Pipeline) Run(ctx context.Context) (*models.RunSummary, error) {
	start := p.now()
	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()

	m, err := manifest.Load(p.cfg.ManifestPath())
	if err != nil {
		return nil, err
	}
	logger.Info().Int("samples", len(m.Entries)).Strs("manifest", m.Paths).Msg("Manifest loaded")

	// The model is loaded before any image is read.
	if err := p.engine.Load(ctx); err != nil {
		return nil, err
	}

	opts, err := preprocess.OptionsFromConfig(p.cfg)
	if err != nil {
		return nil, fmt.Errorf("preprocess options: %w", err)
	}
	pre, err := preprocess.New(p.store, opts)
	if err != nil {
		return nil, fmt.Errorf("preprocessor: %w", err)
	}
	res := resolver.New(p.store, opts.Channels, p.cfg.Preprocess.Extensions, p.logger)

	st := &state{
		pending: make(map[string]*sampleState),
		metrics: p.metrics,
		logger:  logger,
	}
	cancelled := p.consume(ctx, p.produce(ctx, m, res, pre), st)
	if cancelled {
		n := st.cancelRemaining(ctx, m.Entries)
		logger.Warn().
			Int("completed", len(st.records)).
			Int("unfinished", n).
			Msg("Run cancelled, writing completed samples")
	}

	id := p.engine.Identity()
	prov := &models.Provenance{
		RunID:            runID,
		Name:             p.cfg.Run.Name,
		Description:      p.cfg.Run.Description,
		Keywords:         p.cfg.Run.Keywords,
		ProjectName:      p.cfg.Run.ProjectName,
		OrganizationName: p.cfg.Run.OrganizationName,
		Software:         version.Software,
		SoftwareVersion:  version.String(),
		ModelPath:        id.Path,
		ModelSHA256:      id.SHA256,
		ModelBackend:     id.Backend,
		Dimensions:       id.Dimensions,
		Device:           id.Device,
		BatchSize:        p.engine.BatchSize(),
		Channels:         opts.Channels,
		Normalization:    p.cfg.Preprocess.Normalization.Method,
		Crop:             p.cfg.Preprocess.Crop.Mode,
		InputSize:        [2]int{opts.Width, opts.Height},
		InputDir:         p.store.String(),
		ManifestPaths:    m.Paths,
		ManifestDigest:   m.Digest,
		OutputDir:        p.cfg.OutputDir,
		StartTime:        start,
		EndTime:          p.now(),
		SamplesTotal:     len(m.Entries),
		SamplesProcessed: len(st.records),
		SamplesSkipped:   len(st.skipped),
		Cancelled:        cancelled,
	}

	files, err := p.writer.Write(st.records, prov, st.skipped)
	if err != nil {
		return nil, err
	}

	if p.ledger != nil {
		// The outputs are already committed; a ledger failure only loses history.
		if err := p.ledger.RecordRun(context.WithoutCancel(ctx), prov, st.records, st.skipped); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run in ledger")
		}
	}

	logger.Info().
		Int("processed", prov.SamplesProcessed).
		Int("skipped", prov.SamplesSkipped).
		Bool("cancelled", cancelled).
		Dur("elapsed", prov.EndTime.Sub(start)).
		Msg("Run finished")

	return &models.RunSummary{
		Provenance: *prov,
		Records:    len(st.records),
		Skipped:    st.skipped,
		Cancelled:  cancelled,
		TablePath:  files.Table,
	}, nil
}

// produce resolves and preprocesses samples on a bounded worker pool and
// streams them into a channel of QueueSize units. The channel is closed once
// every sample is handled or ctx is done.
func (p *Pipeline) produce(ctx context.Context, m *models.RunManifest, res *resolver.Resolver, pre *preprocess.Preprocessor) <-chan unit {
	units := make(chan unit, p.cfg.Inference.QueueSize)
	send := func(u unit) bool {
		select {
		case units <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(units)
		var g errgroup.Group
		g.SetLimit(p.cfg.Inference.Workers)
		for sample, err := range res.Samples(ctx, m) {
			if err != nil {
				if !send(unit{err: models.AsSampleError(err, "", models.KindMissingChannel)}) {
					break
				}
				continue
			}
			g.Go(func() error {
				tensors, err := pre.Prepare(ctx, sample)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					p.logger.Warn().Err(err).Str("sample", sample.ID).Msg("Sample skipped")
					send(unit{sampleID: sample.ID, err: models.AsSampleError(err, sample.ID, models.KindPreprocess)})
					return nil
				}
				send(unit{sampleID: sample.ID, tensors: tensors})
				return nil
			})
		}
		_ = g.Wait()
	}()
	return units
}
