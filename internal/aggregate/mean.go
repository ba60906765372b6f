// Package aggregate reduces per-image embeddings to one vector per sample.
package aggregate

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// ErrNoVectors is wrapped by the EmptyInputError returned for zero vectors.
var ErrNoVectors = errors.New("no embeddings to aggregate")

// Mean returns the element-wise arithmetic mean of vectors.
//
// The vectors are put into a canonical order and summed in float64, so the
// result is bit-identical for any ordering of the same input. The input is
// not modified.
func Mean(sampleID string, vectors [][]float32) (*models.EmbeddingRecord, error) {
	if len(vectors) == 0 {
		return nil, models.NewSampleError(sampleID, models.KindEmptyInput, ErrNoVectors)
	}
	dims := len(vectors[0])
	if dims == 0 {
		return nil, models.NewSampleError(sampleID, models.KindEmptyInput, fmt.Errorf("zero-length embedding"))
	}
	for i, v := range vectors {
		if len(v) != dims {
			return nil, models.NewSampleError(sampleID, models.KindInference,
				fmt.Errorf("dimension mismatch: vector %d has %d values, expected %d", i, len(v), dims))
		}
	}

	ordered := slices.Clone(vectors)
	slices.SortFunc(ordered, slices.Compare[[]float32])

	sum := make([]float64, dims)
	row := make([]float64, dims)
	for _, v := range ordered {
		for k, x := range v {
			row[k] = float64(x)
		}
		floats.Add(sum, row)
	}
	floats.Scale(1/float64(len(ordered)), sum)

	out := make([]float32, dims)
	for k, x := range sum {
		out[k] = float32(x)
	}
	return &models.EmbeddingRecord{SampleID: sampleID, Embedding: out, Sources: len(vectors)}, nil
}
