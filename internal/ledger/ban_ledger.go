// Package ledger reads and mutates the ban and strike records shared with the
// upstream risk scorer. Every mutation is a single Lua script so concurrent
// workers and the upstream writer never lose updates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/sentinel-auditor/internal/config"
	"github.com/ocx/sentinel-auditor/internal/core"
)

const maxReasonLen = 200

// TierPolicy holds the TTLs that drive the confirm transition.
type TierPolicy struct {
	StrikeTTL         time.Duration
	StandardBanTTL    time.Duration
	ExtendedBanTTL    time.Duration
	ExtendedThreshold int64
	// MarkerTTL bounds how long an event id is remembered as applied.
	MarkerTTL time.Duration
}

// DefaultTierPolicy is 7 days of strikes, 1h for strikes 1-2 and 24h from 3.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		StrikeTTL:         7 * 24 * time.Hour,
		StandardBanTTL:    time.Hour,
		ExtendedBanTTL:    24 * time.Hour,
		ExtendedThreshold: 3,
		MarkerTTL:         7 * 24 * time.Hour,
	}
}

func (p TierPolicy) withDefaults() TierPolicy {
	d := DefaultTierPolicy()
	if p.StrikeTTL <= 0 {
		p.StrikeTTL = d.StrikeTTL
	}
	if p.StandardBanTTL <= 0 {
		p.StandardBanTTL = d.StandardBanTTL
	}
	if p.ExtendedBanTTL <= 0 {
		p.ExtendedBanTTL = d.ExtendedBanTTL
	}
	if p.ExtendedThreshold <= 0 {
		p.ExtendedThreshold = d.ExtendedThreshold
	}
	if p.MarkerTTL <= 0 {
		p.MarkerTTL = d.MarkerTTL
	}
	return p
}

// TTLFor returns the ban TTL selected by a post-increment strike count.
func (p TierPolicy) TTLFor(strikes int64) time.Duration {
	if strikes >= p.ExtendedThreshold {
		return p.ExtendedBanTTL
	}
	return p.StandardBanTTL
}

type ConfirmRequest struct {
	EventID string
	ActorID string
	Reason  string
}

type ConfirmResult struct {
	// AlreadyApplied is true when this event id was confirmed before; nothing
	// was written by this call.
	AlreadyApplied bool
	Strikes        int64
	// BanWritten is false when an equal or longer CONFIRMED ban was kept.
	BanWritten bool
	TTL        time.Duration
	Prior      core.BanState
}

type PardonRequest struct {
	EventID string
	ActorID string
	// Observed is the ban state the verdict was reached against. A ban that
	// became CONFIRMED after that observation is newer and is kept.
	Observed core.BanState
}

// PardonStatus is the result of a pardon attempt.
type PardonStatus string

const (
	PardonRemoved        PardonStatus = "REMOVED"
	PardonIdle           PardonStatus = "IDLE"
	PardonSuperseded     PardonStatus = "SUPERSEDED"
	PardonAlreadyApplied PardonStatus = "ALREADY_APPLIED"
)

type PardonResult struct {
	Status PardonStatus
	Prior  core.BanState
}

// Ledger is the Redis-backed ban ledger.
type Ledger struct {
	rdb    redis.UniversalClient
	keys   Keys
	policy TierPolicy
}

// New builds a ledger. Zero fields of policy take their DefaultTierPolicy value.
func New(rdb redis.UniversalClient, keys Keys, policy TierPolicy) *Ledger {
	return &Ledger{rdb: rdb, keys: keys, policy: policy.withDefaults()}
}

// PolicyFromConfig maps the enforcement settings onto a TierPolicy.
func PolicyFromConfig(cfg config.EnforcementConfig) TierPolicy {
	return TierPolicy{
		StrikeTTL:         cfg.StrikeTTL(),
		StandardBanTTL:    cfg.StandardBanTTL(),
		ExtendedBanTTL:    cfg.ExtendedBanTTL(),
		ExtendedThreshold: int64(cfg.ExtendedStrikeThreshold),
		MarkerTTL:         cfg.AppliedMarkerTTL(),
	}
}

func (l *Ledger) Keys() Keys { return l.keys }

func (l *Ledger) Policy() TierPolicy { return l.policy }

// Snapshot reads the ban record and strike count in one round trip.
func (l *Ledger) Snapshot(ctx context.Context, actorID string) (core.BanRecord, error) {
	rec := core.BanRecord{ActorID: actorID}

	pipe := l.rdb.Pipeline()
	banCmd := pipe.Get(ctx, l.keys.Ban(actorID))
	ttlCmd := pipe.PTTL(ctx, l.keys.Ban(actorID))
	strikeCmd := pipe.Get(ctx, l.keys.Strikes(actorID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return rec, fmt.Errorf("%w: snapshot %s: %v", core.ErrStoreUnavailable, actorID, err)
	}

	value, err := banCmd.Result()
	switch {
	case errors.Is(err, redis.Nil):
		rec.State = core.BanNone
	case err != nil:
		return rec, fmt.Errorf("%w: read ban %s: %v", core.ErrStoreUnavailable, actorID, err)
	default:
		rec.Value = value
		rec.State = StateOf(value)
		if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
			rec.TTL = ttl
		}
	}

	if n, err := strikeCmd.Int64(); err == nil {
		rec.Strikes = n
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("[Ledger] unreadable strike counter", "actor_id", actorID, "error", err)
	}
	return rec, nil
}

// Confirm increments the strike counter and writes a CONFIRMED ban with the
// tier TTL, unless an equal or longer CONFIRMED ban already exists.
func (l *Ledger) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	keys := []string{l.keys.Ban(req.ActorID), l.keys.Strikes(req.ActorID), l.keys.Applied(req.EventID)}
	args := []interface{}{
		l.policy.StrikeTTL.Milliseconds(),
		l.policy.StandardBanTTL.Milliseconds(),
		l.policy.ExtendedBanTTL.Milliseconds(),
		l.policy.ExtendedThreshold,
		sanitizeReason(req.Reason),
		l.policy.MarkerTTL.Milliseconds(),
	}

	vals, err := confirmScript.Run(ctx, l.rdb, keys, args...).Int64Slice()
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("%w: confirm %s: %v", core.ErrStoreUnavailable, req.ActorID, err)
	}
	if len(vals) != 5 {
		return ConfirmResult{}, fmt.Errorf("%w: confirm %s: unexpected script reply %v", core.ErrStoreUnavailable, req.ActorID, vals)
	}

	res := ConfirmResult{
		AlreadyApplied: vals[0] == -1,
		Strikes:        vals[1],
		BanWritten:     vals[2] == 1,
		Prior:          core.BanState(vals[4]),
	}
	if vals[3] > 0 {
		res.TTL = time.Duration(vals[3]) * time.Millisecond
	}
	return res, nil
}

// Pardon deletes the ban key. Strikes are never touched.
func (l *Ledger) Pardon(ctx context.Context, req PardonRequest) (PardonResult, error) {
	// A provisional ban is always removable by a pardon. A CONFIRMED ban only
	// when the verdict was reached while it was already visible.
	ceiling := req.Observed
	if ceiling < core.BanProvisional {
		ceiling = core.BanProvisional
	}

	keys := []string{l.keys.Ban(req.ActorID), l.keys.Applied(req.EventID)}
	vals, err := pardonScript.Run(ctx, l.rdb, keys, int64(ceiling), l.policy.MarkerTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return PardonResult{}, fmt.Errorf("%w: pardon %s: %v", core.ErrStoreUnavailable, req.ActorID, err)
	}
	if len(vals) != 3 {
		return PardonResult{}, fmt.Errorf("%w: pardon %s: unexpected script reply %v", core.ErrStoreUnavailable, req.ActorID, vals)
	}

	res := PardonResult{Prior: core.BanState(vals[1])}
	switch vals[0] {
	case pardonDuplicate:
		res.Status = PardonAlreadyApplied
	case pardonIdle:
		res.Status = PardonIdle
	case pardonRemoved:
		res.Status = PardonRemoved
	case pardonSuperseded:
		res.Status = PardonSuperseded
	default:
		return PardonResult{}, fmt.Errorf("%w: pardon %s: unknown status %d", core.ErrStoreUnavailable, req.ActorID, vals[0])
	}
	return res, nil
}

// StateOf classifies a stored ban value.
func StateOf(value string) core.BanState {
	switch {
	case value == "":
		return core.BanNone
	case strings.HasPrefix(value, "auditor_"):
		return core.BanConfirmed
	default:
		return core.BanProvisional
	}
}

// ParseStrike extracts N from a "...|strike_N|..." ban value.
func ParseStrike(value string) (int64, bool) {
	for _, part := range strings.Split(value, "|") {
		if n, ok := strings.CutPrefix(part, "strike_"); ok {
			v, err := strconv.ParseInt(n, 10, 64)
			return v, err == nil
		}
	}
	return 0, false
}

func sanitizeReason(reason string) string {
	reason = strings.ToValidUTF8(reason, "")
	reason = strings.ReplaceAll(strings.TrimSpace(reason), "|", "/")
	reason = strings.ReplaceAll(reason, "\n", " ")
	if len(reason) > maxReasonLen {
		cut := maxReasonLen
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	if reason == "" {
		reason = "policy violation"
	}
	return reason
}
