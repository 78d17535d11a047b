// Package ratelimit admits at most Capacity events per actor per window on
// the rate_limit: keys shared with the upstream scorer.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/sentinel-auditor/internal/ledger"
)

// The window starts at the first admitted request. A rejected request does
// not touch the counter, so rejection never extends the window.
//
// KEYS[1] counter; ARGV[1] capacity, ARGV[2] window ms
// Returns {allowed, count, pttl}.
var admitScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl == -1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    ttl = tonumber(ARGV[2])
  end
  return {0, current, ttl}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl == -1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {1, current, ttl}
`)

// Admission is the result of one Admit call.
type Admission struct {
	Allowed bool          `json:"allowed"`
	Count   int64         `json:"count"`
	Limit   int           `json:"limit"`
	ResetIn time.Duration `json:"reset_in_ns,omitempty"`
	// Degraded is set when the store could not be reached and the request was
	// admitted without counting.
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Config struct {
	Capacity int
	Window   time.Duration
	// Timeout bounds the store call; the limiter fails open past it.
	Timeout time.Duration
}

type Limiter struct {
	rdb    redis.UniversalClient
	keys   ledger.Keys
	cfg    Config
	logger *log.Logger
}

func New(rdb redis.UniversalClient, keys ledger.Keys, cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Limiter{
		rdb:    rdb,
		keys:   keys,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Admit counts one request for actorID. It never returns an error: an
// unreachable store admits the request with Degraded set.
func (l *Limiter) Admit(ctx context.Context, actorID string) Admission {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	vals, err := admitScript.Run(ctx, l.rdb, []string{l.keys.RateLimit(actorID)},
		l.cfg.Capacity, l.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 3 {
		if err == nil {
			err = errUnexpectedReply
		}
		l.logger.Printf("store unavailable, failing open: actor=%s err=%v", actorID, err)
		return Admission{Allowed: true, Limit: l.cfg.Capacity, Degraded: true, Error: err.Error()}
	}

	adm := Admission{
		Allowed: vals[0] == 1,
		Count:   vals[1],
		Limit:   l.cfg.Capacity,
	}
	if vals[2] > 0 {
		adm.ResetIn = time.Duration(vals[2]) * time.Millisecond
	}
	if !adm.Allowed {
		l.logger.Printf("limit exceeded: actor=%s count=%d limit=%d", actorID, adm.Count, adm.Limit)
	}
	return adm
}

// Reset clears the window for actorID so its next event starts a new one.
func (l *Limiter) Reset(ctx context.Context, actorID string) error {
	return l.rdb.Del(ctx, l.keys.RateLimit(actorID)).Err()
}
