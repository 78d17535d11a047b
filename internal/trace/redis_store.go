package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/ledger"
)

// KEYS: meta. ARGV: event_id, actor_id, received_at, retention ms.
var beginScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'event_id', ARGV[1], 'actor_id', ARGV[2], 'received_at', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// KEYS: meta, stages, order. ARGV: stage, record json, retention ms.
// Returns -1 for an unknown trace, 0 when the stage exists, 1 when written.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[3], ARGV[1])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return 1
`)

// RedisStore keeps traces under the instance namespace with a retention TTL.
type RedisStore struct {
	rdb       redis.UniversalClient
	keys      ledger.Keys
	retention time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, keys ledger.Keys, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, keys: keys, retention: retention}
}

func (s *RedisStore) Begin(ctx context.Context, eventID, actorID string, receivedAt time.Time) (bool, error) {
	n, err := beginScript.Run(ctx, s.rdb,
		[]string{s.keys.TraceMeta(eventID)},
		eventID, actorID, receivedAt.UTC().Format(time.RFC3339Nano), s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: begin trace %s: %v", core.ErrStoreUnavailable, eventID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Append(ctx context.Context, rec core.StageRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal stage %s: %w", rec.Stage, err)
	}

	keys := []string{
		s.keys.TraceMeta(rec.EventID),
		s.keys.TraceStages(rec.EventID),
		s.keys.TraceOrder(rec.EventID),
	}
	n, err := appendScript.Run(ctx, s.rdb, keys, string(rec.Stage), payload, s.retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: append %s/%s: %v", core.ErrStoreUnavailable, rec.EventID, rec.Stage, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("%w: %s", ErrTraceNotFound, rec.EventID)
	case 0:
		return fmt.Errorf("%w: %s/%s", ErrStageWritten, rec.EventID, rec.Stage)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, eventID string) (*core.Trace, error) {
	pipe := s.rdb.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keys.TraceMeta(eventID))
	orderCmd := pipe.LRange(ctx, s.keys.TraceOrder(eventID), 0, -1)
	stagesCmd := pipe.HGetAll(ctx, s.keys.TraceStages(eventID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: load trace %s: %v", core.ErrStoreUnavailable, eventID, err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, eventID)
	}

	t := &core.Trace{EventID: meta["event_id"], ActorID: meta["actor_id"]}
	if ts, err := time.Parse(time.RFC3339Nano, meta["received_at"]); err == nil {
		t.ReceivedAt = ts
	}

	stages := stagesCmd.Val()
	for _, name := range orderCmd.Val() {
		raw, ok := stages[name]
		if !ok {
			continue
		}
		var rec core.StageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: decode stage %s/%s: %v", core.ErrParseFailure, eventID, name, err)
		}
		t.Stages = append(t.Stages, rec)
	}
	return t, nil
}

var _ Store = (*RedisStore)(nil)
