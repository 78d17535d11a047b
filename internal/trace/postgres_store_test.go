package trace

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel-auditor/internal/core"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Begin(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_traces")).
		WithArgs("evt-1", "U1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_traces")).
		WithArgs("evt-1", "U1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := store.Begin(ctx, "evt-1", "U1", at)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Begin(ctx, "evt-1", "U1", at)
	require.NoError(t, err)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginStoreDown(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_traces")).
		WillReturnError(errors.New("connection reset"))

	_, err := store.Begin(context.Background(), "evt-1", "U1", time.Now())
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}

func TestPostgresStore_Append(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	rec := core.StageRecord{
		ID:        "6f1c9a0e-2b1f-4c55-9d59-0f4c5c8f7b11",
		EventID:   "evt-1",
		Stage:     core.StageJudgment,
		Status:    core.StatusCompleted,
		Output:    map[string]any{"decision": "BLOCK"},
		Timestamp: time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_stage_records")).
		WithArgs(rec.ID, "evt-1", "JUDGMENT", "COMPLETED", []byte(`{"decision":"BLOCK"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Append(ctx, rec))

	// second write of the same stage
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_stage_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	assert.ErrorIs(t, store.Append(ctx, rec), ErrStageWritten)

	// no header
	rec.EventID = "evt-unknown"
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_stage_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("evt-unknown").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	assert.ErrorIs(t, store.Append(ctx, rec), ErrTraceNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load(t *testing.T) {
	store, mock := newMockStore(t)
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT event_id, actor_id, received_at FROM audit_traces WHERE event_id = $1")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "actor_id", "received_at"}).
			AddRow("evt-1", "U1", received))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, stage, status, output, created_at FROM audit_stage_records")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "stage", "status", "output", "created_at"}).
			AddRow("a", "RATE_LIMITER", "COMPLETED", []byte(`{"allowed":true}`), received).
			AddRow("b", "SHIELD", "COMPLETED", []byte(`{"state":"PROVISIONAL"}`), received.Add(time.Millisecond)))

	tr, err := store.Load(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "U1", tr.ActorID)
	assert.Equal(t, received, tr.ReceivedAt)
	require.Len(t, tr.Stages, 2)
	assert.Equal(t, core.StageRateLimiter, tr.Stages[0].Stage)
	assert.Equal(t, true, tr.Stages[0].Output["allowed"])
	assert.Equal(t, "PROVISIONAL", tr.Stages[1].Output["state"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT event_id, actor_id, received_at FROM audit_traces")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "actor_id", "received_at"}))

	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestPostgresStore_Prune(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_traces WHERE received_at < $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.Prune(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	body, err := migrations.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- +goose Up")
	assert.Contains(t, string(body), "UNIQUE (event_id, stage)")
}
