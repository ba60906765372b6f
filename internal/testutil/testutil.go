// Package testutil provides shared test fixtures: synthetic channel images
// and manifests laid out the way upstream collection writes them.
package testutil

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// AttributeHeader is the header of an upstream attribute file.
const AttributeHeader = "name\trepresents\tambiguous\tantibody\tfilename\timageurl\n"

// Pattern returns a deterministic 8-bit intensity for pixel (x, y) of a
// channel image. seed varies the pattern between images.
func Pattern(seed, x, y int) uint8 {
	return uint8((x*7 + y*13 + seed*31) % 251)
}

// GrayImage builds a w×h 8-bit image filled with Pattern(seed, x, y).
func GrayImage(seed, w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: Pattern(seed, x, y)})
		}
	}
	return img
}

// WritePNG writes a patterned 8-bit grayscale PNG, creating parent dirs.
func WritePNG(tb testing.TB, path string, seed, w, h int) {
	tb.Helper()
	require.NoError(tb, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(tb, err)
	defer f.Close()
	require.NoError(tb, png.Encode(f, GrayImage(seed, w, h)))
}

// WriteTIFF16 writes a 16-bit grayscale TIFF where every pixel holds the
// Pattern value scaled by 256.
func WriteTIFF16(tb testing.TB, path string, seed, w, h int) {
	tb.Helper()
	require.NoError(tb, os.MkdirAll(filepath.Dir(path), 0755))
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(Pattern(seed, x, y)) * 256})
		}
	}
	f, err := os.Create(path)
	require.NoError(tb, err)
	defer f.Close()
	require.NoError(tb, tiff.Encode(f, img, nil))
}

// WriteSet writes one PNG per channel at <root>/<channel>/<prefix><channel>.png.
// Channels listed in skip are omitted.
func WriteSet(tb testing.TB, root, prefix string, channels []models.Channel, w, h int, skip ...models.Channel) {
	tb.Helper()
	omit := make(map[models.Channel]bool, len(skip))
	for _, c := range skip {
		omit[c] = true
	}
	for i, c := range channels {
		if omit[c] {
			continue
		}
		seed := i + len(prefix)*3 + int(prefix[0])
		WritePNG(tb, filepath.Join(root, string(c), prefix+string(c)+".png"), seed, w, h)
	}
}

// WriteCorrupt writes a file with an image extension but no image content.
func WriteCorrupt(tb testing.TB, path string) {
	tb.Helper()
	require.NoError(tb, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(tb, os.WriteFile(path, []byte("not an image"), 0644))
}

// AttributeRow is one row of an upstream attribute file.
type AttributeRow struct {
	Name   string
	Prefix string
}

// WriteAttributeFile writes <dir>/1_image_gene_node_attributes.tsv and returns its path.
func WriteAttributeFile(tb testing.TB, dir string, rows ...AttributeRow) string {
	tb.Helper()
	var b strings.Builder
	b.WriteString(AttributeHeader)
	for _, r := range rows {
		fmt.Fprintf(&b, "%s\tensembl:%s\t\tHPA_%s\t%s\thttp://images.proteinatlas.org/%s.jpg\n",
			r.Name, r.Name, r.Name, r.Prefix, r.Prefix)
	}
	path := filepath.Join(dir, "1_image_gene_node_attributes.tsv")
	require.NoError(tb, os.MkdirAll(dir, 0755))
	require.NoError(tb, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}
