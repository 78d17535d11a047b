package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/database"
)

// stageReceived labels the mirror row written when a trace is opened.
const stageReceived = "RECEIVED"

// RowInserter is the write side of the dashboard mirror table.
type RowInserter interface {
	InsertTraceRow(table string, row database.TraceRow) error
}

// MirrorStore writes through to a primary store and copies every record to
// the Supabase dashboard table. Mirror failures are logged and never surface
// to the pipeline.
type MirrorStore struct {
	Store
	sink   RowInserter
	table  string
	logger *slog.Logger
}

func NewMirrorStore(primary Store, sink RowInserter, table string) *MirrorStore {
	return &MirrorStore{
		Store:  primary,
		sink:   sink,
		table:  table,
		logger: slog.Default().With("component", "trace-mirror"),
	}
}

func (m *MirrorStore) Begin(ctx context.Context, eventID, actorID string, receivedAt time.Time) (bool, error) {
	created, err := m.Store.Begin(ctx, eventID, actorID, receivedAt)
	if err != nil || !created {
		return created, err
	}
	m.mirror(database.TraceRow{
		ID:        uuid.NewString(),
		EventID:   eventID,
		ActorID:   actorID,
		Stage:     stageReceived,
		Status:    string(core.StatusCompleted),
		CreatedAt: receivedAt.UTC().Format(time.RFC3339Nano),
	})
	return true, nil
}

func (m *MirrorStore) Append(ctx context.Context, rec core.StageRecord) error {
	if err := m.Store.Append(ctx, rec); err != nil {
		return err
	}
	m.mirror(database.TraceRow{
		ID:        rec.ID,
		EventID:   rec.EventID,
		Stage:     string(rec.Stage),
		Status:    string(rec.Status),
		Payload:   rec.Output,
		CreatedAt: rec.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	return nil
}

func (m *MirrorStore) mirror(row database.TraceRow) {
	if err := m.sink.InsertTraceRow(m.table, row); err != nil {
		m.logger.Warn("trace mirror insert failed", "event_id", row.EventID, "stage", row.Stage, "error", err)
	}
}

// Prune forwards to the primary when it supports pruning.
func (m *MirrorStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if p, ok := m.Store.(Pruner); ok {
		return p.Prune(ctx, before)
	}
	return 0, nil
}

var (
	_ Store  = (*MirrorStore)(nil)
	_ Pruner = (*MirrorStore)(nil)
)
