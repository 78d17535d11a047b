package trace

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/ledger"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, ledger.Keys{Namespace: "test:"}, time.Hour), mr
}

func stageRecord(eventID string, stage core.StageName, status core.StageStatus) core.StageRecord {
	return core.StageRecord{
		ID:        string(stage) + "-id",
		EventID:   eventID,
		Stage:     stage,
		Status:    status,
		Output:    map[string]any{"stage": string(stage)},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRedisStore_BeginIsOncePerEvent(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	created, err := s.Begin(ctx, "evt-1", "U1", at)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Begin(ctx, "evt-1", "U1", at)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, time.Hour, mr.TTL("test:trace:evt-1:meta"))
}

func TestRedisStore_AppendKeepsOrderAndIsWriteOnce(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	_, err := s.Begin(ctx, "evt-2", "U2", time.Now())
	require.NoError(t, err)

	order := []core.StageName{core.StageRateLimiter, core.StageShield, core.StageTriage, core.StageRetrieval}
	for _, st := range order {
		require.NoError(t, s.Append(ctx, stageRecord("evt-2", st, core.StatusCompleted)))
	}

	err = s.Append(ctx, stageRecord("evt-2", core.StageTriage, core.StatusFailed))
	assert.ErrorIs(t, err, ErrStageWritten)

	tr, err := s.Load(ctx, "evt-2")
	require.NoError(t, err)
	assert.Equal(t, "U2", tr.ActorID)
	require.Len(t, tr.Stages, len(order))
	for i, st := range order {
		assert.Equal(t, st, tr.Stages[i].Stage)
	}
	triage, ok := tr.Stage(core.StageTriage)
	require.True(t, ok)
	assert.Equal(t, core.StatusCompleted, triage.Status)
	assert.Equal(t, "TRIAGE", triage.Output["stage"])
}

func TestRedisStore_UnknownTrace(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrTraceNotFound)

	err = s.Append(ctx, stageRecord("missing", core.StageShield, core.StatusCompleted))
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestRedisStore_RetentionExpiresTrace(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	_, err := s.Begin(ctx, "evt-3", "U3", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, stageRecord("evt-3", core.StageShield, core.StatusCompleted)))

	mr.FastForward(2 * time.Hour)

	_, err = s.Load(ctx, "evt-3")
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestRedisStore_StoreDown(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	_, err := s.Begin(context.Background(), "evt-4", "U4", time.Now())
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}
