package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/thebtf/cellmaps-embedding/internal/aggregate"
	"github.com/thebtf/cellmaps-embedding/internal/inference"
	"github.com/thebtf/cellmaps-embedding/internal/preprocess"
	"github.com/thebtf/cellmaps-embedding/internal/telemetry"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// sampleState tracks a sample whose tensors are in flight.
type sampleState struct {
	remaining int
	vectors   [][]float32
	err       *models.SampleError
}

// state is owned by the consumer goroutine.
type state struct {
	pending map[string]*sampleState
	records []*models.EmbeddingRecord
	skipped []*models.SampleError
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func (s *state) skip(ctx context.Context, e *models.SampleError) {
	s.skipped = append(s.skipped, e)
	s.metrics.SampleSkipped(ctx, string(e.Kind))
}

// finish aggregates a sample whose last tensor has been scored.
func (s *state) finish(ctx context.Context, id string, st *sampleState) {
	delete(s.pending, id)
	if st.err != nil {
		s.logger.Warn().Err(st.err).Str("sample", id).Msg("Sample skipped")
		s.skip(ctx, st.err)
		return
	}
	rec, err := aggregate.Mean(id, st.vectors)
	if err != nil {
		se := models.AsSampleError(err, id, models.KindEmptyInput)
		s.logger.Warn().Err(se).Str("sample", id).Msg("Sample skipped")
		s.skip(ctx, se)
		return
	}
	s.records = append(s.records, rec)
	s.metrics.SampleProcessed(ctx)
	s.logger.Debug().Str("sample", id).Int("images", rec.Sources).Msg("Sample embedded")
}

// cancelRemaining reports every manifest sample that was neither embedded nor
// skipped when the run stopped, and returns how many there were.
func (s *state) cancelRemaining(ctx context.Context, entries []models.ManifestEntry) int {
	done := make(map[string]bool, len(s.records)+len(s.skipped))
	for _, r := range s.records {
		done[r.SampleID] = true
	}
	for _, e := range s.skipped {
		done[e.SampleID] = true
	}
	n := 0
	for _, e := range entries {
		if done[e.SampleID] {
			continue
		}
		err := fmt.Errorf("run stopped before the sample finished: %w", context.Cause(ctx))
		s.skip(ctx, models.NewSampleError(e.SampleID, models.KindCancelled, err))
		n++
	}
	return n
}

// add registers a prepared sample and returns its tensors.
func (s *state) add(ctx context.Context, u unit) []*preprocess.Tensor {
	if u.err != nil {
		s.skip(ctx, u.err)
		return nil
	}
	st := &sampleState{remaining: len(u.tensors)}
	s.pending[u.sampleID] = st
	if st.remaining == 0 {
		s.finish(ctx, u.sampleID, st)
	}
	return u.tensors
}

// score applies inference results to their samples.
func (s *state) score(ctx context.Context, results []inference.Result) {
	for _, r := range results {
		id := r.Tensor.SampleID()
		st := s.pending[id]
		if st == nil {
			continue
		}
		if r.Err != nil {
			if st.err == nil {
				st.err = r.Err
			}
		} else {
			st.vectors = append(st.vectors, r.Vector)
		}
		st.remaining--
		if st.remaining == 0 {
			s.finish(ctx, id, st)
		}
	}
}

// consume fills batches of up to BatchSize tensors across samples and scores
// them. Cancellation is checked between batches; it reports whether the run
// was cancelled. Samples still in flight at cancellation are left unfinished
// and reported by cancelRemaining.
func (p *Pipeline) consume(ctx context.Context, units <-chan unit, s *state) (cancelled bool) {
	bs := p.engine.BatchSize()
	var batch []*preprocess.Tensor

	run := func(b []*preprocess.Tensor) bool {
		if ctx.Err() != nil {
			return false
		}
		results, err := p.engine.Infer(ctx, b)
		s.score(ctx, results)
		return err == nil
	}

	defer func() {
		// Let the producer observe cancellation and close the channel.
		for range units {
		}
	}()

	for u := range units {
		if ctx.Err() != nil {
			return true
		}
		batch = append(batch, s.add(ctx, u)...)
		for len(batch) >= bs {
			if !run(batch[:bs]) {
				return true
			}
			batch = batch[bs:]
		}
	}
	if ctx.Err() != nil {
		return true
	}
	if len(batch) > 0 && !run(batch) {
		return true
	}
	return false
}
