// Package preprocess turns a sample's channel images into model-ready tensors.
//
// For every image set the channels are decoded, mapped to a common intensity
// range, cropped/resized to the model resolution and stacked in model channel
// order. The normalization and crop policy are configuration, see
// config.PreprocessConfig.
package preprocess

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"image"
	"io"

	// Registered image formats.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"

	"golang.org/x/crypto/blake2b"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/storage"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// Options is the model input contract.
type Options struct {
	Channels      []models.Channel
	Width         int
	Height        int
	Normalization config.NormalizationConfig
	Crop          config.CropConfig
}

// OptionsFromConfig extracts preprocessing options from the run config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	channels, err := cfg.Channels()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Channels:      channels,
		Width:         cfg.Preprocess.Width,
		Height:        cfg.Preprocess.Height,
		Normalization: cfg.Preprocess.Normalization,
		Crop:          cfg.Preprocess.Crop,
	}, nil
}

// Shape returns the [C,H,W] shape of every produced tensor.
func (o Options) Shape() [3]int {
	return [3]int{len(o.Channels), o.Height, o.Width}
}

// Preprocessor prepares tensors. It holds no mutable state and is safe for
// concurrent use.
type Preprocessor struct {
	store storage.Store
	opts  Options
}

// New creates a Preprocessor reading images from store.
func New(store storage.Store, opts Options) (*Preprocessor, error) {
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("no channels configured")
	}
	if opts.Width < 1 || opts.Height < 1 {
		return nil, fmt.Errorf("invalid target size %dx%d", opts.Width, opts.Height)
	}
	return &Preprocessor{store: store, opts: opts}, nil
}

// Options returns the preprocessing contract.
func (p *Preprocessor) Options() Options { return p.opts }

// TensorsPerSample returns how many tensors Prepare produces for s.
func (p *Preprocessor) TensorsPerSample(s *models.Sample) int {
	return len(s.ImageSets) * cropCount(p.opts.Crop)
}

// Prepare produces one tensor per crop per image set of the sample, ordered
// by set then crop. Any failure is a PreprocessError for the whole sample.
func (p *Preprocessor) Prepare(ctx context.Context, s *models.Sample) ([]*Tensor, error) {
	out := make([]*Tensor, 0, p.TensorsPerSample(s))
	for i := range s.ImageSets {
		tensors, err := p.prepareSet(ctx, s.ID, i, &s.ImageSets[i])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, models.NewSampleError(s.ID, models.KindPreprocess, err)
		}
		out = append(out, tensors...)
	}
	return out, nil
}

func (p *Preprocessor) prepareSet(ctx context.Context, sampleID string, setIndex int, set *models.ImageSet) ([]*Tensor, error) {
	if len(set.Channels) != len(p.opts.Channels) {
		return nil, fmt.Errorf("set %s has %d channels, model expects %d", set.Key, len(set.Channels), len(p.opts.Channels))
	}
	digest, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	tw, th := p.opts.Width, p.opts.Height
	plane := tw * th
	var rects []image.Rectangle
	var buffers [][]float32
	var bounds image.Rectangle

	for c, ci := range set.Channels {
		if ci.Channel != p.opts.Channels[c] {
			return nil, fmt.Errorf("set %s: channel %d is %s, model expects %s", set.Key, c, ci.Channel, p.opts.Channels[c])
		}
		ch, err := p.decode(ctx, ci.Path, digest)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ci.Path, err)
		}
		if c == 0 {
			bounds = ch.img.Bounds()
			rects = cropRects(p.opts.Crop, bounds, tw, th)
			buffers = make([][]float32, len(rects))
			for k := range buffers {
				buffers[k] = make([]float32, len(set.Channels)*plane)
			}
		} else if ch.img.Bounds().Size() != bounds.Size() {
			return nil, fmt.Errorf("%s is %v, expected %v", ci.Path, ch.img.Bounds().Size(), bounds.Size())
		}

		m, err := intensityMap(p.opts.Normalization, ch)
		if err != nil {
			return nil, err
		}
		for k, r := range rects {
			scaled := project(ch.img, r, tw, th)
			if scaled.Bounds().Dx() != tw || scaled.Bounds().Dy() != th {
				return nil, fmt.Errorf("crop %d of %s is %v after resize, expected %dx%d", k, ci.Path, scaled.Bounds().Size(), tw, th)
			}
			dst := buffers[k][c*plane : (c+1)*plane]
			fill(dst, scaled, ch, m, p.opts.Normalization, c)
		}
	}

	sum := hex.EncodeToString(digest.Sum(nil))
	out := make([]*Tensor, len(buffers))
	for k, buf := range buffers {
		// buf is owned here and never touched again, so it is handed over
		// without the copy NewTensor makes.
		out[k] = &Tensor{
			sampleID: sampleID,
			set:      setIndex,
			crop:     k,
			shape:    p.opts.Shape(),
			data:     buf,
			digest:   sum,
		}
	}
	return out, nil
}

func (p *Preprocessor) decode(ctx context.Context, name string, digest hash.Hash) (*channelImage, error) {
	rc, err := p.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, _, err := image.Decode(io.TeeReader(rc, digest))
	if err != nil {
		return nil, err
	}
	// Hash any trailing bytes the decoder did not consume.
	if _, err := io.Copy(digest, rc); err != nil {
		return nil, err
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return toGray16(img), nil
}

func fill(dst []float32, scaled *image.Gray16, ch *channelImage, m linearMap, norm config.NormalizationConfig, c int) {
	w := scaled.Bounds().Dx()
	for y := 0; y < scaled.Bounds().Dy(); y++ {
		row := scaled.Pix[y*scaled.Stride:]
		for x := 0; x < w; x++ {
			v := ch.native(uint16(row[2*x])<<8 | uint16(row[2*x+1]))
			dst[y*w+x] = float32(standardize(norm, c, m.apply(v)))
		}
	}
}
