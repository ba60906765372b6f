package preprocess

import "fmt"

// Tensor is a normalized [channels, height, width] float32 array prepared
// from one crop of one image set. It is immutable after creation: Data
// returns the backing slice, which callers must treat as read-only.
type Tensor struct {
	sampleID string
	set      int
	crop     int
	shape    [3]int
	data     []float32
	digest   string
}

// NewTensor copies data into a new Tensor of the given [C,H,W] shape.
func NewTensor(sampleID string, set, crop int, shape [3]int, data []float32, digest string) (*Tensor, error) {
	n := shape[0] * shape[1] * shape[2]
	if shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return nil, fmt.Errorf("invalid tensor shape %v", shape)
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor shape %v needs %d values, got %d", shape, n, len(data))
	}
	owned := make([]float32, n)
	copy(owned, data)
	return &Tensor{sampleID: sampleID, set: set, crop: crop, shape: shape, data: owned, digest: digest}, nil
}

// SampleID returns the owning sample.
func (t *Tensor) SampleID() string { return t.sampleID }

// SetIndex returns the image set (field of view) index within the sample.
func (t *Tensor) SetIndex() int { return t.set }

// CropIndex returns the crop index within the image set.
func (t *Tensor) CropIndex() int { return t.crop }

// Shape returns [channels, height, width].
func (t *Tensor) Shape() [3]int { return t.shape }

// Len returns the number of values.
func (t *Tensor) Len() int { return len(t.data) }

// Data returns the values in channel-major order. Read-only.
func (t *Tensor) Data() []float32 { return t.data }

// Digest returns the hex BLAKE2b-256 digest of the source image bytes.
func (t *Tensor) Digest() string { return t.digest }
