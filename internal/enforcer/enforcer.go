// Package enforcer turns a verdict into a ban ledger transition.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/sentinel-auditor/internal/config"
	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/events"
	"github.com/ocx/sentinel-auditor/internal/ledger"
	"github.com/ocx/sentinel-auditor/internal/metrics"
	"github.com/ocx/sentinel-auditor/internal/retry"
)

const eventSource = "sentinel-auditor/enforcer"

// Action is the enforcement outcome recorded in the trace.
type Action string

const (
	ActionConfirmed        Action = "CONFIRMED"
	ActionAlreadyApplied   Action = "ALREADY_APPLIED"
	ActionPardoned         Action = "PARDONED"
	ActionPardonSuperseded Action = "PARDON_SUPERSEDED"
	ActionIdle             Action = "IDLE"
	ActionNoAction         Action = "NO_ACTION"
	ActionFailed           Action = "FAILED"
)

// Ledger is the subset of the ban ledger the enforcer mutates through.
type Ledger interface {
	Confirm(ctx context.Context, req ledger.ConfirmRequest) (ledger.ConfirmResult, error)
	Pardon(ctx context.Context, req ledger.PardonRequest) (ledger.PardonResult, error)
}

type Input struct {
	EventID string
	ActorID string
	// Observed is the ban state read by the shield before any reasoning.
	Observed core.BanState
	// Verdict is nil when no reasoning stage produced one.
	Verdict *core.Verdict
	Reason  string
	Email   string
}

type Outcome struct {
	Action     Action        `json:"action"`
	Strikes    int64         `json:"strikes,omitempty"`
	TTL        time.Duration `json:"ttl_ns,omitempty"`
	BanWritten bool          `json:"ban_written,omitempty"`
	Prior      core.BanState `json:"prior"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Output renders the outcome for a stage record.
func (o Outcome) Output() map[string]any {
	out := map[string]any{
		"action": string(o.Action),
		"prior":  o.Prior.String(),
	}
	if o.Attempts > 0 {
		out["attempts"] = o.Attempts
	}
	if o.Action == ActionConfirmed || o.Action == ActionAlreadyApplied {
		out["strikes"] = o.Strikes
		out["ttl_seconds"] = int64(o.TTL / time.Second)
		out["ban_written"] = o.BanWritten
	}
	if o.Error != "" {
		out["error"] = o.Error
	}
	return out
}

type Config struct {
	Retry retry.Policy
	// StoreTimeout bounds each ledger attempt.
	StoreTimeout time.Duration
}

func ConfigFrom(cfg config.EnforcementConfig) Config {
	return Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
		},
		StoreTimeout: cfg.StoreTimeout(),
	}
}

type Enforcer struct {
	ledger  Ledger
	cfg     Config
	events  events.EventEmitter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(l Ledger, cfg Config, emitter events.EventEmitter, m *metrics.Metrics) *Enforcer {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Enforcer{
		ledger:  l,
		cfg:     cfg,
		events:  emitter,
		metrics: m,
		logger:  slog.Default().With("component", "enforcer"),
	}
}

// Apply performs the transition selected by the observed ban state and the
// verdict. A store failure that outlives the retry policy yields ActionFailed
// and an error wrapping core.ErrStoreUnavailable.
func (e *Enforcer) Apply(ctx context.Context, in Input) (Outcome, error) {
	var (
		out Outcome
		err error
	)

	switch {
	case in.Verdict == nil:
		out = Outcome{Action: ActionNoAction, Prior: in.Observed}
	case in.Verdict.Decision == core.DecisionBlock:
		out, err = e.confirm(ctx, in)
	case in.Observed == core.BanNone:
		out = Outcome{Action: ActionIdle, Prior: core.BanNone}
	default:
		out, err = e.pardon(ctx, in, false)
	}

	e.metrics.Enforcements.WithLabelValues(string(out.Action)).Inc()
	return out, err
}

// ManualPardon removes any ban for actorID, CONFIRMED included. It is the
// operator override and never touches strikes.
func (e *Enforcer) ManualPardon(ctx context.Context, actorID, reason string) (Outcome, error) {
	in := Input{
		EventID:  "manual-pardon-" + uuid.NewString(),
		ActorID:  actorID,
		Observed: core.BanConfirmed,
		Reason:   reason,
	}
	out, err := e.pardon(ctx, in, true)
	e.metrics.Enforcements.WithLabelValues(string(out.Action)).Inc()
	return out, err
}

func (e *Enforcer) confirm(ctx context.Context, in Input) (Outcome, error) {
	var res ledger.ConfirmResult
	attempts, err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.ledger.Confirm(ctx, ledger.ConfirmRequest{
			EventID: in.EventID,
			ActorID: in.ActorID,
			Reason:  in.Reason,
		})
		return err
	})
	if err != nil {
		return e.failed(in, "confirm", attempts, err)
	}

	out := Outcome{
		Action:     ActionConfirmed,
		Strikes:    res.Strikes,
		TTL:        res.TTL,
		BanWritten: res.BanWritten,
		Prior:      res.Prior,
		Attempts:   attempts,
	}
	if res.AlreadyApplied {
		out.Action = ActionAlreadyApplied
		e.logger.Info("confirm already applied", "event_id", in.EventID, "actor_id", in.ActorID)
		return out, nil
	}

	e.metrics.StrikesOnBlock.Observe(float64(res.Strikes))
	e.logger.Info("ban confirmed",
		"event_id", in.EventID,
		"actor_id", in.ActorID,
		"strikes", res.Strikes,
		"ttl", res.TTL,
		"ban_written", res.BanWritten,
		"prior", res.Prior.String(),
	)
	e.events.Emit(events.TypeBanConfirmed, eventSource, in.ActorID, map[string]interface{}{
		"event_id":    in.EventID,
		"strikes":     res.Strikes,
		"ttl_seconds": int64(res.TTL / time.Second),
		"ban_written": res.BanWritten,
		"prior":       res.Prior.String(),
		"reason":      in.Reason,
	})
	return out, nil
}

func (e *Enforcer) pardon(ctx context.Context, in Input, manual bool) (Outcome, error) {
	var res ledger.PardonResult
	attempts, err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.ledger.Pardon(ctx, ledger.PardonRequest{
			EventID:  in.EventID,
			ActorID:  in.ActorID,
			Observed: in.Observed,
		})
		return err
	})
	if err != nil {
		return e.failed(in, "pardon", attempts, err)
	}

	out := Outcome{Prior: res.Prior, Attempts: attempts}
	switch res.Status {
	case ledger.PardonRemoved:
		out.Action = ActionPardoned
	case ledger.PardonSuperseded:
		out.Action = ActionPardonSuperseded
	case ledger.PardonAlreadyApplied:
		out.Action = ActionAlreadyApplied
	default:
		out.Action = ActionIdle
	}

	e.logger.Info("pardon evaluated",
		"event_id", in.EventID,
		"actor_id", in.ActorID,
		"action", out.Action,
		"prior", res.Prior.String(),
		"manual", manual,
	)
	if out.Action == ActionPardoned {
		data := map[string]interface{}{
			"event_id": in.EventID,
			"prior":    res.Prior.String(),
			"manual":   manual,
		}
		if in.Email != "" {
			data["email"] = in.Email
		}
		if in.Reason != "" {
			data["reason"] = in.Reason
		}
		e.events.Emit(events.TypeActorPardoned, eventSource, in.ActorID, data)
	}
	return out, nil
}

func (e *Enforcer) failed(in Input, op string, attempts int, err error) (Outcome, error) {
	if !errors.Is(err, core.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	e.metrics.StoreFailures.WithLabelValues(op).Inc()
	e.logger.Error("enforcement failed",
		"event_id", in.EventID,
		"actor_id", in.ActorID,
		"op", op,
		"attempts", attempts,
		"error", err,
	)
	e.events.Emit(events.TypeEnforcementFailed, eventSource, in.ActorID, map[string]interface{}{
		"event_id": in.EventID,
		"op":       op,
		"attempts": attempts,
		"error":    err.Error(),
	})
	return Outcome{
		Action:   ActionFailed,
		Prior:    in.Observed,
		Attempts: attempts,
		Error:    err.Error(),
	}, err
}

func (e *Enforcer) withRetry(ctx context.Context, fn func(context.Context) error) (int, error) {
	return retry.Do(ctx, e.cfg.Retry, func(attempt int) error {
		attemptCtx := ctx
		if e.cfg.StoreTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
			defer cancel()
		}
		err := fn(attemptCtx)
		if err != nil && attempt < e.cfg.Retry.MaxAttempts {
			e.logger.Warn("ledger attempt failed, retrying", "attempt", attempt, "error", err)
		}
		return err
	})
}
