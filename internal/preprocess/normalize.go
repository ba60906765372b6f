package preprocess

import (
	"fmt"
	"image"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/thebtf/cellmaps-embedding/internal/config"
)

// channelImage is a decoded channel in 16-bit gray with the native scale of
// its source format (255 for 8-bit sources, 65535 for 16-bit).
type channelImage struct {
	img       *image.Gray16
	fullScale float64
}

// native converts a 16-bit sample back to source units.
func (c *channelImage) native(v uint16) float64 {
	if c.fullScale == 255 {
		return float64(v) / 257
	}
	return float64(v)
}

func (c *channelImage) values() []float64 {
	pix := c.img.Pix
	out := make([]float64, 0, len(pix)/2)
	b := c.img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := pix[y*c.img.Stride : y*c.img.Stride+b.Dx()*2]
		for x := 0; x < len(row); x += 2 {
			out = append(out, c.native(uint16(row[x])<<8|uint16(row[x+1])))
		}
	}
	return out
}

// linearMap maps a native intensity v to (v-lo)/span, clamped to [0,1] when clamp is set.
type linearMap struct {
	lo, span float64
	clamp    bool
}

func (m linearMap) apply(v float64) float64 {
	if m.span == 0 {
		return 0
	}
	r := (v - m.lo) / m.span
	if m.clamp {
		if r < 0 {
			return 0
		}
		if r > 1 {
			return 1
		}
	}
	return r
}

// intensityMap derives the per-image mapping from the full decoded image, so
// every crop of the same image shares one mapping.
func intensityMap(cfg config.NormalizationConfig, ch *channelImage) (linearMap, error) {
	switch cfg.Method {
	case config.NormScale:
		full := cfg.MaxValue
		if full == 0 {
			full = ch.fullScale
		}
		return linearMap{lo: 0, span: full}, nil

	case config.NormMinMax:
		v := ch.values()
		lo, hi := floats.Min(v), floats.Max(v)
		return linearMap{lo: lo, span: hi - lo, clamp: true}, nil

	case config.NormPercentile:
		v := ch.values()
		sort.Float64s(v)
		lo := stat.Quantile(cfg.LowPercentile, stat.Empirical, v, nil)
		hi := stat.Quantile(cfg.HighPercentile, stat.Empirical, v, nil)
		return linearMap{lo: lo, span: hi - lo, clamp: true}, nil

	default:
		return linearMap{}, fmt.Errorf("unknown normalization method %q", cfg.Method)
	}
}

// standardize applies the optional per-channel mean/std after the intensity map.
func standardize(cfg config.NormalizationConfig, c int, v float64) float64 {
	if len(cfg.Mean) > c {
		v -= cfg.Mean[c]
	}
	if len(cfg.Std) > c {
		v /= cfg.Std[c]
	}
	return v
}
