// Package output writes the embedding table, the skipped-sample report and
// the run provenance into the output directory.
//
// Every file is written to a temporary file in the same directory and synced.
// Only when all of them are staged are they renamed into place, the table
// last, so a failed run never publishes a table without its provenance.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

var errNoProvenance = errors.New("no provenance record in metadata")

// File names inside the output directory.
const (
	TableFile      = "image_emd.tsv"
	ProvenanceFile = "ro-crate-metadata.json"
	SkippedFile    = "skipped_samples.tsv"
)

// Files lists the paths written by one call to Write.
type Files struct {
	Table      string
	Skipped    string
	Provenance string
}

// Writer writes run outputs into a directory.
type Writer struct {
	dir    string
	logger zerolog.Logger
}

// NewWriter creates a Writer for dir. The directory is created on Write.
func NewWriter(dir string, logger zerolog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger.With().Str("component", "output").Logger()}
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Write serializes records, the skipped report and the provenance record.
// Any failure is an OutputWriteError and leaves no temporary files behind.
func (w *Writer) Write(records []*models.EmbeddingRecord, prov *models.Provenance, skipped []*models.SampleError) (*Files, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return nil, writeError("create output dir", err)
	}

	sorted, dims, err := prepareRecords(records, prov.Dimensions)
	if err != nil {
		return nil, writeError("write "+TableFile, err)
	}

	files := &Files{
		Table:      filepath.Join(w.dir, TableFile),
		Skipped:    filepath.Join(w.dir, SkippedFile),
		Provenance: filepath.Join(w.dir, ProvenanceFile),
	}
	staged := []staging{
		{path: files.Skipped, fill: func(bw *bufio.Writer) error { return writeSkipped(bw, skipped) }},
		{path: files.Provenance, fill: func(bw *bufio.Writer) error { return writeProvenance(bw, prov) }},
		{path: files.Table, fill: func(bw *bufio.Writer) error { return writeTable(bw, sorted, dims) }},
	}
	if err := publish(staged); err != nil {
		return nil, err
	}

	w.logger.Info().
		Int("samples", len(sorted)).
		Int("skipped", len(skipped)).
		Str("table", files.Table).
		Msg("Outputs written")
	return files, nil
}

func writeError(op string, err error) error {
	return models.NewFatalError(models.KindOutputWrite, op, err)
}

// prepareRecords sorts records by sample id and checks that every row has the
// same dimensions. With no records the dimensions fall back to want.
func prepareRecords(records []*models.EmbeddingRecord, want int) ([]*models.EmbeddingRecord, int, error) {
	sorted := make([]*models.EmbeddingRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SampleID < sorted[j].SampleID })

	dims := want
	if len(sorted) > 0 {
		dims = sorted[0].Dimensions()
	}
	for i, r := range sorted {
		if r.Dimensions() != dims {
			return nil, 0, fmt.Errorf("sample %s has %d dimensions, expected %d", r.SampleID, r.Dimensions(), dims)
		}
		if strings.ContainsAny(r.SampleID, "\t\r\n") || r.SampleID == "" {
			return nil, 0, fmt.Errorf("sample id %q cannot be written to a TSV row", r.SampleID)
		}
		if i > 0 && sorted[i-1].SampleID == r.SampleID {
			return nil, 0, fmt.Errorf("duplicate sample %s", r.SampleID)
		}
	}
	return sorted, dims, nil
}

// writeTable writes a header of an empty cell followed by the dimension
// indices, then one row per record.
func writeTable(w *bufio.Writer, records []*models.EmbeddingRecord, dims int) error {
	var line []byte
	for k := 0; k < dims; k++ {
		line = append(line, '\t')
		line = strconv.AppendInt(line, int64(k), 10)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return err
	}
	for _, r := range records {
		line = append(line[:0], r.SampleID...)
		for _, v := range r.Embedding {
			line = append(line, '\t')
			line = strconv.AppendFloat(line, float64(v), 'g', -1, 32)
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func writeSkipped(w *bufio.Writer, skipped []*models.SampleError) error {
	sorted := make([]*models.SampleError, len(skipped))
	copy(sorted, skipped)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SampleID != sorted[j].SampleID {
			return sorted[i].SampleID < sorted[j].SampleID
		}
		return sorted[i].Kind < sorted[j].Kind
	})
	if _, err := w.WriteString("sample_id\tkind\tmessage\n"); err != nil {
		return err
	}
	clean := strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")
	for _, s := range sorted {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", clean.Replace(s.SampleID), s.Kind, clean.Replace(s.Message)); err != nil {
			return err
		}
	}
	return nil
}

// staging is one output file waiting to be published.
type staging struct {
	path string
	fill func(*bufio.Writer) error
	tmp  string
}

// publish stages every file, then renames them in order. If a rename fails,
// files already renamed by this call are removed along with the remaining
// temporaries.
func publish(files []staging) error {
	cleanup := func(from int) {
		for _, f := range files[from:] {
			if f.tmp != "" {
				_ = os.Remove(f.tmp)
			}
		}
	}
	for i := range files {
		tmp, err := stage(files[i].path, files[i].fill)
		if err != nil {
			cleanup(0)
			return writeError("write "+filepath.Base(files[i].path), err)
		}
		files[i].tmp = tmp
	}
	for i, f := range files {
		if err := os.Rename(f.tmp, f.path); err != nil {
			for _, done := range files[:i] {
				_ = os.Remove(done.path)
			}
			cleanup(i)
			return writeError("write "+filepath.Base(f.path), err)
		}
	}
	return nil
}

// stage writes a synced temporary file next to path and returns its name.
func stage(path string, fill func(*bufio.Writer) error) (tmp string, err error) {
	dir, name := filepath.Split(path)
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", err
	}
	tmp = f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = fill(bw); err != nil {
		return "", err
	}
	if err = bw.Flush(); err != nil {
		return "", err
	}
	if err = f.Sync(); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	// #nosec G302 -- output files are shared with downstream pipeline stages
	if err = os.Chmod(tmp, 0644); err != nil {
		return "", err
	}
	return tmp, nil
}

// ReadTable parses an embedding table written by Write.
func ReadTable(r io.Reader) ([]*models.EmbeddingRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty table")
	}
	header := strings.Split(sc.Text(), "\t")
	if header[0] != "" {
		return nil, fmt.Errorf("table header must start with an empty cell")
	}
	dims := len(header) - 1

	var out []*models.EmbeddingRecord
	for line := 2; sc.Scan(); line++ {
		cells := strings.Split(sc.Text(), "\t")
		if len(cells) != dims+1 {
			return nil, fmt.Errorf("line %d has %d values, expected %d", line, len(cells)-1, dims)
		}
		rec := &models.EmbeddingRecord{SampleID: cells[0], Embedding: make([]float32, dims)}
		for k, c := range cells[1:] {
			v, err := strconv.ParseFloat(c, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, k, err)
			}
			rec.Embedding[k] = float32(v)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
