package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/ledger"
	"github.com/thebtf/cellmaps-embedding/internal/output"
	"github.com/thebtf/cellmaps-embedding/internal/storage"
	"github.com/thebtf/cellmaps-embedding/internal/testutil"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

// countingStore counts reads and can run a hook before each Open.
type countingStore struct {
	storage.Store
	reads  atomic.Int64
	onOpen func(name string)
}

func (s *countingStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	s.reads.Add(1)
	if s.onOpen != nil {
		s.onOpen(name)
	}
	return s.Store.Open(ctx, name)
}

func (s *countingStore) Exists(ctx context.Context, name string) (bool, error) {
	s.reads.Add(1)
	return s.Store.Exists(ctx, name)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls int
	prov  *models.Provenance
	err   error
}

func (r *fakeRecorder) RecordRun(_ context.Context, prov *models.Provenance, _ []*models.EmbeddingRecord, _ []*models.SampleError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prov = prov
	return r.err
}

func testConfig(in, out string) *config.Config {
	cfg := config.Default()
	cfg.InputDir = in
	cfg.OutputDir = out
	cfg.Model.Backend = config.BackendFake
	cfg.Model.Path = ""
	cfg.Model.Dimensions = 8
	cfg.Inference.BatchSize = 2
	cfg.Inference.Workers = 2
	cfg.Inference.QueueSize = 2
	cfg.Preprocess.Width = 8
	cfg.Preprocess.Height = 8
	cfg.Logging.ToFiles = false
	return cfg
}

// writeInput writes one image set per named sample; samples listed in
// missing lack their yellow channel.
func writeInput(t *testing.T, root string, names []string, missing ...string) {
	t.Helper()
	skip := make(map[string]bool)
	for _, m := range missing {
		skip[m] = true
	}
	var rows []testutil.AttributeRow
	for _, n := range names {
		prefix := strings.ToLower(n) + "_1_"
		var omit []models.Channel
		if skip[n] {
			omit = append(omit, models.ChannelYellow)
		}
		testutil.WriteSet(t, root, prefix, models.DefaultChannels, 12, 10, omit...)
		rows = append(rows, testutil.AttributeRow{Name: n, Prefix: prefix})
	}
	testutil.WriteAttributeFile(t, root, rows...)
}

func run(t *testing.T, cfg *config.Config, opts ...Option) (*models.RunSummary, error) {
	t.Helper()
	p, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p.Run(context.Background())
}

func readTable(t *testing.T, path string) []*models.EmbeddingRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := output.ReadTable(f)
	require.NoError(t, err)
	return recs
}

func TestRun_AllSamples(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeInput(t, in, []string{"A", "B", "C"})

	summary, err := run(t, testConfig(in, out))
	require.NoError(t, err)
	assert.Equal(t, models.ExitSuccess, summary.Status())
	assert.Equal(t, 3, summary.Records)
	assert.Empty(t, summary.Skipped)

	recs := readTable(t, filepath.Join(out, output.TableFile))
	require.Len(t, recs, 3)
	for i, id := range []string{"A", "B", "C"} {
		assert.Equal(t, id, recs[i].SampleID)
		assert.Len(t, recs[i].Embedding, 8)
	}

	prov := summary.Provenance
	assert.NotEmpty(t, prov.RunID)
	assert.Equal(t, config.BackendFake, prov.ModelBackend)
	assert.Equal(t, 8, prov.Dimensions)
	assert.Equal(t, 3, prov.SamplesTotal)
	assert.Equal(t, 3, prov.SamplesProcessed)
	assert.NotEmpty(t, prov.ManifestDigest)
	assert.False(t, prov.EndTime.Before(prov.StartTime))
}

func TestRun_PartialFailure(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeInput(t, in, []string{"A", "B"}, "B")
	rec := &fakeRecorder{}

	summary, err := run(t, testConfig(in, out), WithRecorder(rec))
	require.NoError(t, err)
	assert.Equal(t, models.ExitPartial, summary.Status())
	assert.Equal(t, 1, summary.Records)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, "B", summary.Skipped[0].SampleID)
	assert.Equal(t, models.KindMissingChannel, summary.Skipped[0].Kind)

	recs := readTable(t, summary.TablePath)
	require.Len(t, recs, 1)
	assert.Equal(t, "A", recs[0].SampleID)

	skipped, err := os.ReadFile(filepath.Join(out, output.SkippedFile))
	require.NoError(t, err)
	assert.Contains(t, string(skipped), "B\tMissingChannelError\t")

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 1, rec.prov.SamplesSkipped)
}

func TestRun_MissingModel(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	writeInput(t, in, []string{"A"})
	cfg := testConfig(in, out)
	cfg.Model.Backend = config.BackendONNX
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing.onnx")
	store := &countingStore{Store: storage.NewLocalStore(in)}

	summary, err := run(t, cfg, WithStore(store))
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.ErrorIs(t, err, models.ErrModelLoad)
	assert.Zero(t, store.reads.Load(), "no image may be read before the model loads")
	assert.NoFileExists(t, filepath.Join(out, output.TableFile))
}

func TestRun_BadManifest(t *testing.T) {
	in := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "1_image_gene_node_attributes.tsv"), []byte("unexpected\tcolumns\n"), 0644))

	_, err := run(t, testConfig(in, t.TempDir()))
	assert.ErrorIs(t, err, models.ErrManifest)
}

func TestRun_UnwritableOutput(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, []string{"A"})
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	_, err := run(t, testConfig(in, filepath.Join(blocker, "out")))
	assert.ErrorIs(t, err, models.ErrOutputWrite)
}

func TestRun_Idempotent(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, []string{"A", "B", "C", "D"}, "C")

	first, err := run(t, testConfig(in, t.TempDir()))
	require.NoError(t, err)
	second, err := run(t, testConfig(in, t.TempDir()))
	require.NoError(t, err)

	a, err := os.ReadFile(first.TablePath)
	require.NoError(t, err)
	b, err := os.ReadFile(second.TablePath)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, first.Provenance.RunID, second.Provenance.RunID)
}

func TestRun_BatchSizeInvariant(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, []string{"A", "B", "C", "D", "E"})

	one := testConfig(in, t.TempDir())
	one.Inference.BatchSize = 1
	one.Inference.Workers = 1
	many := testConfig(in, t.TempDir())
	many.Inference.BatchSize = 4
	many.Inference.Workers = 3
	many.Preprocess.Crop = config.CropConfig{Mode: config.CropFive, Scale: 1.25}
	one.Preprocess.Crop = many.Preprocess.Crop

	s1, err := run(t, one)
	require.NoError(t, err)
	sN, err := run(t, many)
	require.NoError(t, err)

	a, err := os.ReadFile(s1.TablePath)
	require.NoError(t, err)
	b, err := os.ReadFile(sN.TablePath)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_CancelledWritesCompletedSamples(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	names := []string{"S0", "S1", "S2", "S3", "S4", "S5"}
	writeInput(t, in, names)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The resolver opens s5_1_red first to read its header; the second open is
	// the preprocessor decoding it, by which point S0..S4 have been queued.
	var lateOpens atomic.Int32
	store := &countingStore{Store: storage.NewLocalStore(in)}
	store.onOpen = func(name string) {
		if strings.Contains(name, "s5_1_red") && lateOpens.Add(1) == 2 {
			cancel()
		}
	}
	cfg := testConfig(in, out)
	cfg.Inference.Workers = 1
	cfg.Inference.BatchSize = 1

	p, err := New(cfg, zerolog.Nop(), WithStore(store))
	require.NoError(t, err)
	defer p.Close()

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, lateOpens.Load())
	assert.True(t, summary.Cancelled)
	assert.True(t, summary.Provenance.Cancelled)
	assert.Equal(t, models.ExitPartial, summary.Status())
	assert.GreaterOrEqual(t, summary.Records, 2)
	assert.Less(t, summary.Records, len(names))

	prov := summary.Provenance
	assert.Equal(t, prov.SamplesTotal, prov.SamplesProcessed+prov.SamplesSkipped)

	recs := readTable(t, summary.TablePath)
	require.Len(t, recs, summary.Records)
	embedded := make(map[string]bool)
	for _, r := range recs {
		embedded[r.SampleID] = true
	}
	assert.True(t, embedded["S0"])
	assert.True(t, embedded["S1"])
	assert.False(t, embedded["S5"])

	cancelled := make(map[string]bool)
	for _, s := range summary.Skipped {
		assert.Equal(t, models.KindCancelled, s.Kind)
		cancelled[s.SampleID] = true
	}
	report, err := os.ReadFile(filepath.Join(out, output.SkippedFile))
	require.NoError(t, err)
	for _, n := range names {
		assert.NotEqual(t, embedded[n], cancelled[n], "sample %s must be either embedded or reported", n)
		if !embedded[n] {
			assert.Contains(t, string(report), n+"	Cancelled	")
		}
	}
}

func TestRun_LedgerFailureIsNotFatal(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, []string{"A"})
	rec := &fakeRecorder{err: errors.New("database is locked")}

	summary, err := run(t, testConfig(in, t.TempDir()), WithRecorder(rec))
	require.NoError(t, err)
	assert.Equal(t, models.ExitSuccess, summary.Status())
	assert.Equal(t, 1, rec.calls)
}

func TestRun_SQLiteLedger(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, []string{"A", "B"}, "B")
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	cfg := testConfig(in, t.TempDir())
	cfg.Ledger.DSN = dsn

	p, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	l, err := ledger.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()
	runs, err := l.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.Provenance.RunID, runs[0].ID)

	emb, err := l.Embeddings(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, emb, 1)
	assert.Equal(t, "A", emb[0].SampleID)

	skipped, err := l.Skipped(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "B", skipped[0].SampleID)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir(), "")
	_, err := New(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrOutputDirUnset)
}
