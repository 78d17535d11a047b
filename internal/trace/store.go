// Package trace persists the append-only audit trail of every event.
package trace

import (
	"context"
	"errors"
	"time"

	"github.com/ocx/sentinel-auditor/internal/core"
)

var (
	// ErrTraceNotFound is returned by Load and Append for an unknown event.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrStageWritten is returned when a stage record already exists.
	// Stage records are write-once.
	ErrStageWritten = errors.New("stage already recorded")
)

// Store is implemented by every trace backend.
type Store interface {
	// Begin creates the trace header. created is false when a trace for the
	// event already exists, which is the idempotency signal.
	Begin(ctx context.Context, eventID, actorID string, receivedAt time.Time) (created bool, err error)
	// Append adds one stage record after the ones already written.
	Append(ctx context.Context, rec core.StageRecord) error
	Load(ctx context.Context, eventID string) (*core.Trace, error)
}

// Pruner is implemented by backends without native expiry.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}
