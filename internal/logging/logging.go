// Package logging configures zerolog for the command line tool.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Log file names written into the output directory.
const (
	OutputLog = "output.log"
	ErrorLog  = "error.log"
)

// Level returns the log level for a -v count. Zero keeps the configured
// level, info when none is set; 1 is error, 2 warn, 3 info and 4 or more debug.
func Level(verbosity int, configured string) (zerolog.Level, error) {
	switch {
	case verbosity <= 0:
		if configured == "" {
			return zerolog.InfoLevel, nil
		}
		lvl, err := zerolog.ParseLevel(configured)
		if err != nil {
			return zerolog.NoLevel, fmt.Errorf("log level %q: %w", configured, err)
		}
		return lvl, nil
	case verbosity == 1:
		return zerolog.ErrorLevel, nil
	case verbosity == 2:
		return zerolog.WarnLevel, nil
	case verbosity == 3:
		return zerolog.InfoLevel, nil
	default:
		return zerolog.DebugLevel, nil
	}
}

// Logger is a configured logger and the files it writes to.
type Logger struct {
	zerolog.Logger
	files []*os.File
}

// New builds a logger writing human-readable output to console. When dir is
// not empty, output.log receives every event at or above level and error.log
// receives errors only.
func New(console io.Writer, level zerolog.Level, dir string) (*Logger, error) {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	l := &Logger{}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		out, err := openLog(filepath.Join(dir, OutputLog))
		if err != nil {
			return nil, err
		}
		errs, err := openLog(filepath.Join(dir, ErrorLog))
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		l.files = []*os.File{out, errs}
		writers = append(writers,
			out,
			&zerolog.FilteredLevelWriter{
				Writer: zerolog.LevelWriterAdapter{Writer: errs},
				Level:  zerolog.ErrorLevel,
			})
	}
	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return l, nil
}

func openLog(path string) (*os.File, error) {
	// #nosec G302 G304 -- log files live next to the run outputs
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Close closes the log files.
func (l *Logger) Close() error {
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	return errors.Join(errs...)
}
