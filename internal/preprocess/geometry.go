package preprocess

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/thebtf/cellmaps-embedding/internal/config"
)

// cropRects returns the source rectangles that are each scaled to the target
// size. All rectangles lie within bounds.
func cropRects(cfg config.CropConfig, bounds image.Rectangle, tw, th int) []image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	switch cfg.Mode {
	case config.CropResize:
		return []image.Rectangle{bounds}

	case config.CropFive:
		// Source extent of one target-sized crop after resizing the image so
		// that it covers the target by a factor of Scale.
		s := math.Max(float64(tw)/float64(w), float64(th)/float64(h)) * cfg.Scale
		cw := clampInt(int(math.Round(float64(tw)/s)), 1, w)
		ch := clampInt(int(math.Round(float64(th)/s)), 1, h)
		x0, y0 := bounds.Min.X, bounds.Min.Y
		x1, y1 := bounds.Max.X-cw, bounds.Max.Y-ch
		cx, cy := x0+(w-cw)/2, y0+(h-ch)/2
		return []image.Rectangle{
			image.Rect(x0, y0, x0+cw, y0+ch),
			image.Rect(x1, y0, x1+cw, y0+ch),
			image.Rect(x0, y1, x0+cw, y1+ch),
			image.Rect(x1, y1, x1+cw, y1+ch),
			image.Rect(cx, cy, cx+cw, cy+ch),
		}

	default: // center
		// Largest centered region with the target aspect ratio; scaling it to
		// the target equals resizing the short side and center-cropping.
		cw, ch := w, h
		if w*th > h*tw {
			cw = clampInt(int(math.Round(float64(h)*float64(tw)/float64(th))), 1, w)
		} else {
			ch = clampInt(int(math.Round(float64(w)*float64(th)/float64(tw))), 1, h)
		}
		cx, cy := bounds.Min.X+(w-cw)/2, bounds.Min.Y+(h-ch)/2
		return []image.Rectangle{image.Rect(cx, cy, cx+cw, cy+ch)}
	}
}

// cropCount returns the number of tensors produced per image set.
func cropCount(cfg config.CropConfig) int {
	if cfg.Mode == config.CropFive {
		return 5
	}
	return 1
}

// project scales src restricted to sr into a new tw×th image.
func project(src *image.Gray16, sr image.Rectangle, tw, th int) *image.Gray16 {
	dst := image.NewGray16(image.Rect(0, 0, tw, th))
	if sr.Dx() == tw && sr.Dy() == th {
		draw.Copy(dst, image.Point{}, src, sr, draw.Src, nil)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sr, draw.Src, nil)
	return dst
}

// toGray16 converts any decoded image to 16-bit gray, reporting the full
// scale of the source format.
func toGray16(img image.Image) *channelImage {
	switch m := img.(type) {
	case *image.Gray16:
		return &channelImage{img: m, fullScale: 65535}
	case *image.Gray:
		b := m.Bounds()
		out := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				v := uint16(m.Pix[m.PixOffset(b.Min.X+x, b.Min.Y+y)]) * 257
				i := out.PixOffset(x, y)
				out.Pix[i] = uint8(v >> 8)
				out.Pix[i+1] = uint8(v)
			}
		}
		return &channelImage{img: out, fullScale: 255}
	}

	b := img.Bounds()
	out := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	full := 255.0
	switch img.(type) {
	case *image.RGBA64, *image.NRGBA64:
		full = 65535
	}
	return &channelImage{img: out, fullScale: full}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
