package core

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by every pipeline stage.
var (
	// ErrParseFailure marks malformed stage output or payload. Callers fall
	// back to a deterministic path instead of failing the pipeline.
	ErrParseFailure = errors.New("parse failure")

	// ErrUpstreamTimeout marks a model or search call that exceeded its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamFailure marks any other failed model or search call
	// (non-2xx, open circuit, transport error). Handled like a timeout.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrStoreUnavailable marks an unreachable shared keyspace.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StageError attaches the failing stage to one of the taxonomy errors.
type StageError struct {
	Stage StageName
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the taxonomy kind and the underlying cause to errors.Is.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStageError builds a StageError.
func NewStageError(stage StageName, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// UpstreamKind classifies a model or search error into the taxonomy.
func UpstreamKind(err error) error {
	switch {
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrUpstreamTimeout
	case errors.Is(err, ErrParseFailure):
		return ErrParseFailure
	default:
		return ErrUpstreamFailure
	}
}
