package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		v          int
		configured string
		want       zerolog.Level
	}{
		{0, "", zerolog.InfoLevel},
		{0, "debug", zerolog.DebugLevel},
		{1, "debug", zerolog.ErrorLevel},
		{2, "", zerolog.WarnLevel},
		{3, "", zerolog.InfoLevel},
		{4, "", zerolog.DebugLevel},
		{7, "", zerolog.DebugLevel},
	}
	for _, tt := range tests {
		got, err := Level(tt.v, tt.configured)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "v=%d configured=%q", tt.v, tt.configured)
	}

	_, err := Level(0, "loud")
	assert.Error(t, err)
}

func TestNew_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, zerolog.WarnLevel, "")
	require.NoError(t, err)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	require.NoError(t, l.Close())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_RunFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	var buf bytes.Buffer
	l, err := New(&buf, zerolog.InfoLevel, dir)
	require.NoError(t, err)
	l.Debug().Msg("debug message")
	l.Info().Msg("info message")
	l.Error().Msg("error message")
	require.NoError(t, l.Close())

	out, err := os.ReadFile(filepath.Join(dir, OutputLog))
	require.NoError(t, err)
	assert.NotContains(t, string(out), "debug message")
	assert.Contains(t, string(out), "info message")
	assert.Contains(t, string(out), "error message")

	errs, err := os.ReadFile(filepath.Join(dir, ErrorLog))
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "info message")
	assert.Contains(t, string(errs), "error message")
}
