// Package manifest reads Run Manifests that list samples and their images.
//
// Two tab-separated formats are recognized by their header:
//
//   - attribute files (name, represents, ambiguous, antibody, filename, imageurl),
//     one row per field of view, channel files resolved by prefix;
//   - explicit files (sample_id, channel, path[, set]), one row per channel image.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// AttributeFileSuffix names the per-fold attribute files written upstream,
// e.g. "1_image_gene_node_attributes.tsv".
const AttributeFileSuffix = "image_gene_node_attributes.tsv"

var (
	attributeColumns = []string{"name", "filename"}
	explicitColumns  = []string{"sample_id", "channel", "path"}
)

// Load reads the manifest at path. A directory is searched for attribute
// files, which are concatenated in name order. Any failure is a fatal
// ManifestError.
func Load(path string) (*models.RunManifest, error) {
	if path == "" {
		return nil, models.NewFatalError(models.KindManifest, "load manifest", errors.New("no manifest path"))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.NewFatalError(models.KindManifest, "stat "+path, err)
	}

	paths := []string{path}
	if info.IsDir() {
		paths, err = filepath.Glob(filepath.Join(path, "*"+AttributeFileSuffix))
		if err != nil {
			return nil, models.NewFatalError(models.KindManifest, "search "+path, err)
		}
		if len(paths) == 0 {
			return nil, models.NewFatalError(models.KindManifest, "search "+path,
				fmt.Errorf("no *%s files found", AttributeFileSuffix))
		}
		sort.Strings(paths)
	}

	b := newBuilder()
	hash := sha256.New()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, models.NewFatalError(models.KindManifest, "read "+p, err)
		}
		hash.Write(data)
		if err := b.parse(p, data); err != nil {
			return nil, models.NewFatalError(models.KindManifest, "parse "+p, err)
		}
	}
	if len(b.entries) == 0 {
		return nil, models.NewFatalError(models.KindManifest, "load manifest", errors.New("manifest lists no samples"))
	}

	return &models.RunManifest{
		Paths:   paths,
		Digest:  hex.EncodeToString(hash.Sum(nil)),
		Entries: b.result(),
	}, nil
}

type builder struct {
	entries []*models.ManifestEntry
	index   map[string]*models.ManifestEntry
	// seen tracks set keys per sample for de-duplication.
	seen map[string]map[string]int
}

func newBuilder() *builder {
	return &builder{
		index: make(map[string]*models.ManifestEntry),
		seen:  make(map[string]map[string]int),
	}
}

func (b *builder) entry(id string) *models.ManifestEntry {
	e, ok := b.index[id]
	if !ok {
		e = &models.ManifestEntry{SampleID: id}
		b.index[id] = e
		b.entries = append(b.entries, e)
		b.seen[id] = make(map[string]int)
	}
	return e
}

func (b *builder) result() []models.ManifestEntry {
	out := make([]models.ManifestEntry, len(b.entries))
	for i, e := range b.entries {
		out[i] = *e
	}
	return out
}

func (b *builder) parse(path string, data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = '\t'
	r.LazyQuotes = true
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty file")
		}
		return fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var add func(row []string) error
	switch {
	case hasColumns(cols, attributeColumns):
		add = func(row []string) error { return b.addAttributeRow(cols, row) }
	case hasColumns(cols, explicitColumns):
		add = func(row []string) error { return b.addExplicitRow(cols, row) }
	default:
		return fmt.Errorf("unrecognized header %q: need columns %v or %v",
			strings.Join(header, "\t"), attributeColumns, explicitColumns)
	}

	r.FieldsPerRecord = len(header)
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := add(row); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func hasColumns(cols map[string]int, want []string) bool {
	for _, w := range want {
		if _, ok := cols[w]; !ok {
			return false
		}
	}
	return true
}

func field(cols map[string]int, row []string, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (b *builder) addAttributeRow(cols map[string]int, row []string) error {
	name := field(cols, row, "name")
	prefix := field(cols, row, "filename")
	if name == "" {
		return errors.New("empty name")
	}
	if prefix == "" {
		return fmt.Errorf("sample %s: empty filename", name)
	}
	e := b.entry(name)
	if e.Represents == "" {
		e.Represents = field(cols, row, "represents")
	}
	if e.Antibody == "" {
		e.Antibody = field(cols, row, "antibody")
	}
	if _, dup := b.seen[name][prefix]; dup {
		return nil
	}
	b.seen[name][prefix] = len(e.Sets)
	e.Sets = append(e.Sets, models.ManifestSet{
		Prefix:   prefix,
		ImageURL: field(cols, row, "imageurl"),
	})
	return nil
}

func (b *builder) addExplicitRow(cols map[string]int, row []string) error {
	id := field(cols, row, "sample_id")
	channel := models.Channel(strings.ToLower(field(cols, row, "channel")))
	path := field(cols, row, "path")
	if id == "" {
		return errors.New("empty sample_id")
	}
	if channel == "" || path == "" {
		return fmt.Errorf("sample %s: empty channel or path", id)
	}
	set := field(cols, row, "set")
	if set == "" {
		set = "0"
	}

	e := b.entry(id)
	idx, ok := b.seen[id][set]
	if !ok {
		idx = len(e.Sets)
		b.seen[id][set] = idx
		e.Sets = append(e.Sets, models.ManifestSet{Prefix: set, Paths: make(map[models.Channel]string)})
	}
	if _, dup := e.Sets[idx].Paths[channel]; dup {
		return fmt.Errorf("sample %s set %s: channel %s listed twice", id, set, channel)
	}
	e.Sets[idx].Paths[channel] = path
	return nil
}
