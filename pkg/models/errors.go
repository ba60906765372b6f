package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindManifest       ErrorKind = "ManifestError"
	KindModelLoad      ErrorKind = "ModelLoadError"
	KindMissingChannel ErrorKind = "MissingChannelError"
	KindCorruptImage   ErrorKind = "CorruptImageError"
	KindPreprocess     ErrorKind = "PreprocessError"
	KindInference      ErrorKind = "InferenceError"
	KindEmptyInput     ErrorKind = "EmptyInputError"
	KindOutputWrite    ErrorKind = "OutputWriteError"
	// KindCancelled marks samples the run stopped before finishing.
	KindCancelled ErrorKind = "Cancelled"
)

// Fatal reports whether errors of this kind abort the run.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindManifest, KindModelLoad, KindOutputWrite:
		return true
	default:
		return false
	}
}

// Sentinels usable with errors.Is against both FatalError and SampleError.
var (
	ErrManifest       = errors.New("manifest error")
	ErrModelLoad      = errors.New("model load error")
	ErrMissingChannel = errors.New("missing channel")
	ErrCorruptImage   = errors.New("corrupt image")
	ErrPreprocess     = errors.New("preprocess error")
	ErrInference      = errors.New("inference error")
	ErrEmptyInput     = errors.New("empty input")
	ErrOutputWrite    = errors.New("output write error")
	ErrCancelled      = errors.New("cancelled")
)

func sentinel(k ErrorKind) error {
	switch k {
	case KindManifest:
		return ErrManifest
	case KindModelLoad:
		return ErrModelLoad
	case KindMissingChannel:
		return ErrMissingChannel
	case KindCorruptImage:
		return ErrCorruptImage
	case KindPreprocess:
		return ErrPreprocess
	case KindInference:
		return ErrInference
	case KindEmptyInput:
		return ErrEmptyInput
	case KindOutputWrite:
		return ErrOutputWrite
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// FatalError is a run-level failure that aborts processing.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type FatalError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewFatalError wraps err as a run-level error of the given kind.
func NewFatalError(kind ErrorKind, op string, err error) *FatalError {
	return &FatalError{Kind: kind, Op: op, Err: err}
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *FatalError) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}

// SampleError is a recoverable failure scoped to one sample. The sample is
// skipped and the error is reported in the run summary.
type SampleError struct {
	SampleID string    `json:"sample_id"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
}

// NewSampleError builds a SampleError; the message defaults to err's text.
func NewSampleError(sampleID string, kind ErrorKind, err error) *SampleError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &SampleError{SampleID: sampleID, Kind: kind, Message: msg, Err: err}
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("%s: sample %s: %s", e.Kind, e.SampleID, e.Message)
}

func (e *SampleError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *SampleError) Is(target error) bool {
	return target != nil && target == sentinel(e.Kind)
}

// AsSampleError extracts a SampleError from err, attributing unknown errors
// to sampleID with the fallback kind.
func AsSampleError(err error, sampleID string, fallback ErrorKind) *SampleError {
	var se *SampleError
	if errors.As(err, &se) {
		return se
	}
	return NewSampleError(sampleID, fallback, err)
}
