package inference

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/preprocess"
)

// fakeBackend produces deterministic embeddings from tensor contents without
// a model. Feature k is the mean of the values whose flat index i satisfies
// i % dims == k, offset by k/dims so constant inputs still give distinct
// features. Each row depends only on its own tensor.
type fakeBackend struct {
	dims int
}

func newFakeBackend(cfg *config.Config, _ zerolog.Logger) (Backend, error) {
	if cfg.Model.Dimensions < 1 {
		return nil, fmt.Errorf("fake backend needs positive dimensions, got %d", cfg.Model.Dimensions)
	}
	return &fakeBackend{dims: cfg.Model.Dimensions}, nil
}

// NewFake returns a fake backend with the given dimensions.
func NewFake(dims int) Backend {
	return &fakeBackend{dims: dims}
}

func (f *fakeBackend) Name() string       { return config.BackendFake }
func (f *fakeBackend) Dimensions() int    { return f.dims }
func (f *fakeBackend) InputShape() [3]int { return [3]int{} }
func (f *fakeBackend) Device() string     { return config.DeviceCPU }
func (f *fakeBackend) Close() error       { return nil }

func (f *fakeBackend) Run(batch []*preprocess.Tensor) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, t := range batch {
		out[i] = f.embed(t.Data())
	}
	return out, nil
}

func (f *fakeBackend) embed(data []float32) []float32 {
	sums := make([]float64, f.dims)
	counts := make([]int, f.dims)
	for i, v := range data {
		sums[i%f.dims] += float64(v)
		counts[i%f.dims]++
	}
	vec := make([]float32, f.dims)
	for k := range vec {
		m := 0.0
		if counts[k] > 0 {
			m = sums[k] / float64(counts[k])
		}
		vec[k] = float32(m + float64(k)/float64(f.dims))
	}
	return vec
}
