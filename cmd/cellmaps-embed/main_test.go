package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cellmaps-embedding/internal/config"
	"github.com/thebtf/cellmaps-embedding/internal/logging"
	"github.com/thebtf/cellmaps-embedding/internal/output"
	"github.com/thebtf/cellmaps-embedding/internal/testutil"
	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

func TestExpandVerbose(t *testing.T) {
	assert.Equal(t,
		[]string{"-v", "-v", "-v", "out", "-v", "--version"},
		expandVerbose([]string{"-vvv", "out", "-v", "--version"}))
	assert.Equal(t, []string{"-verbose"}, expandVerbose([]string{"-verbose"}))
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	o, outdir, err := parseFlags([]string{"-vv", "-fake_embedder", "-dimensions", "16", "-inputdir", "/in", "/out"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "/out", outdir)
	assert.Equal(t, verbosity(2), o.verbose)

	cfg := config.Default()
	o.apply(cfg, outdir)
	assert.Equal(t, config.BackendFake, cfg.Model.Backend)
	assert.Equal(t, 16, cfg.Model.Dimensions)
	assert.Equal(t, "/in", cfg.InputDir)
	assert.Equal(t, "/out", cfg.OutputDir)

	_, _, err = parseFlags([]string{"-inputdir", "/in"}, &stderr)
	assert.Error(t, err)
}

func TestParseFlags_HelpDocumentsDefaultVerbosity(t *testing.T) {
	var stderr bytes.Buffer
	_, _, err := parseFlags([]string{"-h"}, &stderr)
	require.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, stderr.String(), "-vvvv debug")
	assert.Contains(t, stderr.String(), "info when unset")

	level, err := logging.Level(0, "")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "cellmaps-embedding")
}

func TestRun_PartialExitCode(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	testutil.WriteSet(t, in, "a_", models.DefaultChannels, 12, 12)
	testutil.WriteSet(t, in, "b_", models.DefaultChannels, 12, 12, models.ChannelBlue)
	testutil.WriteAttributeFile(t, in,
		testutil.AttributeRow{Name: "A", Prefix: "a_"},
		testutil.AttributeRow{Name: "B", Prefix: "b_"})

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("preprocess:\n  width: 8\n  height: 8\n"), 0600))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-config", cfgPath,
		"-env", filepath.Join(t.TempDir(), "none.env"),
		"-fake_embedder", "-dimensions", "4",
		"-inputdir", in,
		"-vvv",
		out,
	}, &stdout, &stderr)
	assert.Equal(t, int(models.ExitPartial), code, stderr.String())

	assert.FileExists(t, filepath.Join(out, output.TableFile))
	assert.FileExists(t, filepath.Join(out, output.ProvenanceFile))
	errLog, err := os.ReadFile(filepath.Join(out, logging.ErrorLog))
	require.NoError(t, err)
	assert.Empty(t, errLog)
	outLog, err := os.ReadFile(filepath.Join(out, logging.OutputLog))
	require.NoError(t, err)
	assert.Contains(t, string(outLog), "Run finished")
}

func TestRun_MissingModelIsFatal(t *testing.T) {
	in := t.TempDir()
	testutil.WriteSet(t, in, "a_", models.DefaultChannels, 12, 12)
	testutil.WriteAttributeFile(t, in, testutil.AttributeRow{Name: "A", Prefix: "a_"})
	out := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-env", filepath.Join(t.TempDir(), "none.env"),
		"-model_path", filepath.Join(t.TempDir(), "missing.onnx"),
		"-inputdir", in,
		"-no_log_files",
		out,
	}, &stdout, &stderr)
	assert.Equal(t, int(models.ExitFatal), code)
	assert.Contains(t, stderr.String(), "ModelLoadError")
	assert.NoFileExists(t, filepath.Join(out, output.TableFile))
}
