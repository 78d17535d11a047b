// Package orchestrator runs one event through the audit pipeline and owns its
// trace.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/enforcer"
	"github.com/ocx/sentinel-auditor/internal/events"
	"github.com/ocx/sentinel-auditor/internal/metrics"
	"github.com/ocx/sentinel-auditor/internal/ratelimit"
	"github.com/ocx/sentinel-auditor/internal/stages"
	"github.com/ocx/sentinel-auditor/internal/telemetry"
	"github.com/ocx/sentinel-auditor/internal/trace"
)

const eventSource = "sentinel-auditor/orchestrator"

type RateLimiter interface {
	Admit(ctx context.Context, actorID string) ratelimit.Admission
}

type BanReader interface {
	Snapshot(ctx context.Context, actorID string) (core.BanRecord, error)
}

type TriageRunner interface {
	Run(ctx context.Context, ev *core.Event) stages.TriageResult
}

type RetrievalRunner interface {
	Run(ctx context.Context, terms []string) stages.RetrievalResult
}

type JudgmentRunner interface {
	Run(ctx context.Context, ev *core.Event, policies []core.Policy) (core.Verdict, error)
}

type EscalationRunner interface {
	Run(ctx context.Context, ev *core.Event, policies []core.Policy, prior *core.Verdict) (core.Verdict, error)
}

type Enforcer interface {
	Apply(ctx context.Context, in enforcer.Input) (enforcer.Outcome, error)
}

// Deps are the pipeline collaborators. Events and Metrics may be nil.
type Deps struct {
	Traces     trace.Store
	Limiter    RateLimiter
	Bans       BanReader
	Triage     TriageRunner
	Retrieval  RetrievalRunner
	Judgment   JudgmentRunner
	Escalation EscalationRunner
	Enforcer   Enforcer
	Events     events.EventEmitter
	Metrics    *metrics.Metrics
}

type Config struct {
	ConfidenceThreshold int
	// SkipLowRisk ends the pipeline after triage for low-risk events of
	// actors without a ban.
	SkipLowRisk bool
	// Timeout bounds one Process call. Zero means no bound.
	Timeout time.Duration
}

type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Events == nil {
		deps.Events = events.NopEmitter{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 90
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: slog.Default().With("component", "orchestrator"),
		now:    time.Now,
	}
}

// Process audits one event. An event whose trace already exists returns that
// trace with Duplicate set and runs nothing. The only error is a trace store
// that cannot open the trace; every stage failure is recorded in the trace.
func (o *Orchestrator) Process(ctx context.Context, ev *core.Event) (*core.Trace, error) {
	start := o.now()
	ctx, span := telemetry.StartSpan(ctx, "auditor.process",
		telemetry.EventID(ev.EventID), telemetry.ActorID(ev.Actor.UserID))
	defer span.End()

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	created, err := o.deps.Traces.Begin(ctx, ev.EventID, ev.Actor.UserID, start)
	if err != nil {
		o.finish("error", start)
		telemetry.RecordError(span, err)
		o.logger.Error("cannot open trace", "event_id", ev.EventID, "error", err)
		return nil, fmt.Errorf("open trace %s: %w", ev.EventID, err)
	}
	if !created {
		return o.duplicate(ctx, ev, start)
	}

	r := &run{
		o:  o,
		ev: ev,
		trace: &core.Trace{
			EventID:    ev.EventID,
			ActorID:    ev.Actor.UserID,
			ReceivedAt: start,
		},
	}
	outcome := r.execute(ctx)
	o.finish(outcome, start)
	o.logger.Info("event audited",
		"event_id", ev.EventID,
		"actor_id", ev.Actor.UserID,
		"outcome", outcome,
		"stages", len(r.trace.Stages),
		"duration", time.Since(start),
	)
	return r.trace, nil
}

func (o *Orchestrator) duplicate(ctx context.Context, ev *core.Event, start time.Time) (*core.Trace, error) {
	o.finish("duplicate", start)
	t, err := o.deps.Traces.Load(ctx, ev.EventID)
	if err != nil {
		// The header exists but cannot be read back; still never re-run.
		o.logger.Warn("duplicate event, trace unreadable", "event_id", ev.EventID, "error", err)
		return &core.Trace{EventID: ev.EventID, ActorID: ev.Actor.UserID, Duplicate: true}, nil
	}
	o.logger.Info("duplicate event ignored", "event_id", ev.EventID)
	t.Duplicate = true
	return t, nil
}

func (o *Orchestrator) finish(outcome string, start time.Time) {
	o.deps.Metrics.EventsTotal.WithLabelValues(outcome).Inc()
	o.deps.Metrics.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// run is the state of one Process call.
type run struct {
	o             *Orchestrator
	ev            *core.Event
	trace         *core.Trace
	traceDegraded bool
}

func (r *run) execute(ctx context.Context) string {
	anonymous := r.ev.AnonymousActor()

	if !r.rateLimit(ctx, anonymous) {
		return "rate_limited"
	}

	observed := r.shield(ctx, anonymous)

	terms, skipped := r.triage(ctx, observed)
	if skipped {
		return "low_risk"
	}

	policies := r.retrieve(ctx, terms)
	verdict := r.reason(ctx, policies)
	r.enforce(ctx, anonymous, observed, verdict)
	return "completed"
}

func (r *run) rateLimit(ctx context.Context, anonymous bool) bool {
	start := r.o.now()
	if anonymous {
		r.record(ctx, core.StageRateLimiter, core.StatusCompleted, map[string]any{
			"allowed": true,
			"skipped": "anonymous actor",
		}, start)
		return true
	}

	adm := r.o.deps.Limiter.Admit(ctx, r.ev.Actor.UserID)
	out := map[string]any{
		"allowed": adm.Allowed,
		"count":   adm.Count,
		"limit":   adm.Limit,
	}
	status := core.StatusCompleted
	if adm.Degraded {
		status = core.StatusDegraded
		out["degraded"] = true
		out["error"] = adm.Error
	}
	if !adm.Allowed {
		out["reset_in_seconds"] = int64(adm.ResetIn / time.Second)
	}
	r.record(ctx, core.StageRateLimiter, status, out, start)

	if !adm.Allowed {
		r.o.deps.Metrics.RateLimited.Inc()
		r.o.deps.Events.Emit(events.TypeEventRateLimited, eventSource, r.ev.Actor.UserID, map[string]interface{}{
			"event_id": r.ev.EventID,
			"count":    adm.Count,
			"limit":    adm.Limit,
		})
		r.o.logger.Info("event rate limited", "event_id", r.ev.EventID, "actor_id", r.ev.Actor.UserID, "count", adm.Count)
		return false
	}
	return true
}

// shield records the actor's ban state. Every state continues to reasoning;
// a CONFIRMED actor can still gain a strike or be pardoned.
func (r *run) shield(ctx context.Context, anonymous bool) core.BanState {
	start := r.o.now()
	if anonymous {
		r.record(ctx, core.StageShield, core.StatusCompleted, map[string]any{
			"state":   core.BanNone.String(),
			"skipped": "anonymous actor",
		}, start)
		return core.BanNone
	}

	rec, err := r.o.deps.Bans.Snapshot(ctx, r.ev.Actor.UserID)
	if err != nil {
		r.o.deps.Metrics.StoreFailures.WithLabelValues("snapshot").Inc()
		r.o.logger.Error("ban snapshot failed", "event_id", r.ev.EventID, "error", err)
		r.record(ctx, core.StageShield, core.StatusDegraded, map[string]any{
			"state": core.BanNone.String(),
			"error": err.Error(),
		}, start)
		return core.BanNone
	}

	out := map[string]any{
		"state":   rec.State.String(),
		"strikes": rec.Strikes,
	}
	if rec.State != core.BanNone {
		out["ttl_seconds"] = int64(rec.TTL / time.Second)
	}
	r.record(ctx, core.StageShield, core.StatusCompleted, out, start)
	return rec.State
}

func (r *run) triage(ctx context.Context, observed core.BanState) ([]string, bool) {
	start := r.o.now()
	if r.o.cfg.SkipLowRisk && observed == core.BanNone && stages.LowRisk(r.ev) {
		r.record(ctx, core.StageTriage, core.StatusCompleted, map[string]any{
			"risk_level":   stages.RiskLevel(r.ev.Sentinel.RiskScore),
			"risk_summary": stages.HeuristicSummary(r.ev),
			"skipped":      "low risk",
		}, start)
		return nil, true
	}

	ctx, span := telemetry.StartSpan(ctx, "auditor.triage", telemetry.Stage(string(core.StageTriage)))
	res := r.o.deps.Triage.Run(ctx, r.ev)
	span.End()

	out := map[string]any{
		"risk_level":   res.RiskLevel,
		"risk_summary": res.RiskSummary,
		"search_terms": res.SearchTerms,
		"fallback":     res.Fallback,
	}
	if res.Model != "" {
		out["model"] = res.Model
	}
	status := core.StatusCompleted
	if res.Fallback {
		status = core.StatusDegraded
		if res.Error != "" {
			out["error"] = res.Error
		}
	}
	r.record(ctx, core.StageTriage, status, out, start)
	return res.SearchTerms, false
}

func (r *run) retrieve(ctx context.Context, terms []string) []core.Policy {
	start := r.o.now()
	ctx, span := telemetry.StartSpan(ctx, "auditor.retrieval", telemetry.Stage(string(core.StageRetrieval)))
	res := r.o.deps.Retrieval.Run(ctx, terms)
	span.End()

	ids := make([]string, 0, len(res.Policies))
	for _, p := range res.Policies {
		ids = append(ids, p.ID)
	}
	out := map[string]any{
		"policy_ids":        ids,
		"count":             len(res.Policies),
		"attempts":          res.Attempts,
		"standard_protocol": len(res.Policies) == 0,
	}
	status := core.StatusCompleted
	if res.Failed {
		status = core.StatusDegraded
		out["error"] = res.Error
	}
	r.record(ctx, core.StageRetrieval, status, out, start)
	return res.Policies
}

// reason runs Judgment and, when needed, Escalation. It returns the verdict
// that drives enforcement, or nil when neither stage produced one.
func (r *run) reason(ctx context.Context, policies []core.Policy) *core.Verdict {
	var judged *core.Verdict

	start := r.o.now()
	v, err := r.verdict(ctx, core.StageJudgment, func(ctx context.Context) (core.Verdict, error) {
		return r.o.deps.Judgment.Run(ctx, r.ev, policies)
	})
	r.recordVerdict(ctx, core.StageJudgment, v, err, start)
	if err == nil {
		judged = &v
	}

	if !stages.ShouldEscalate(judged, r.o.cfg.ConfidenceThreshold) {
		return judged
	}

	r.o.deps.Metrics.Escalations.Inc()
	escalation := map[string]interface{}{"event_id": r.ev.EventID}
	if judged != nil {
		escalation["judgment_confidence"] = judged.Confidence
	} else {
		escalation["judgment_failed"] = true
	}
	r.o.deps.Events.Emit(events.TypeVerdictEscalated, eventSource, r.ev.Actor.UserID, escalation)

	start = r.o.now()
	final, err := r.verdict(ctx, core.StageEscalation, func(ctx context.Context) (core.Verdict, error) {
		return r.o.deps.Escalation.Run(ctx, r.ev, policies, judged)
	})
	r.recordVerdict(ctx, core.StageEscalation, final, err, start)
	if err != nil {
		// best available verdict
		return judged
	}
	return &final
}

func (r *run) verdict(ctx context.Context, stage core.StageName, fn func(context.Context) (core.Verdict, error)) (core.Verdict, error) {
	ctx, span := telemetry.StartSpan(ctx, "auditor."+string(stage), telemetry.Stage(string(stage)))
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return v, err
	}
	span.SetAttributes(telemetry.Decision(string(v.Decision)), telemetry.Confidence(v.Confidence))
	r.o.deps.Metrics.Verdicts.WithLabelValues(string(stage), string(v.Decision)).Inc()
	r.o.deps.Metrics.VerdictConfidence.WithLabelValues(string(stage)).Observe(float64(v.Confidence))
	return v, nil
}

func (r *run) recordVerdict(ctx context.Context, stage core.StageName, v core.Verdict, err error, start time.Time) {
	if err != nil {
		out := map[string]any{"error": err.Error()}
		var se *core.StageError
		if errors.As(err, &se) {
			out["kind"] = se.Kind.Error()
		}
		r.o.logger.Warn("reasoning stage failed", "event_id", r.ev.EventID, "stage", stage, "error", err)
		r.record(ctx, stage, core.StatusFailed, out, start)
		return
	}
	r.record(ctx, stage, core.StatusCompleted, verdictOutput(v), start)
}

func verdictOutput(v core.Verdict) map[string]any {
	out := map[string]any{
		"decision":   string(v.Decision),
		"confidence": v.Confidence,
		"rationale":  v.Rationale,
		"grounded":   v.Grounded,
	}
	if len(v.CitedPolicies) > 0 {
		out["cited_policies"] = v.CitedPolicies
	}
	if v.Salvaged {
		out["salvaged"] = true
	}
	return out
}

func (r *run) enforce(ctx context.Context, anonymous bool, observed core.BanState, verdict *core.Verdict) {
	start := r.o.now()
	if anonymous {
		r.record(ctx, core.StageEnforcer, core.StatusCompleted, map[string]any{
			"action":  string(enforcer.ActionNoAction),
			"skipped": "anonymous actor",
		}, start)
		return
	}

	in := enforcer.Input{
		EventID:  r.ev.EventID,
		ActorID:  r.ev.Actor.UserID,
		Observed: observed,
		Verdict:  verdict,
		Email:    r.ev.Actor.Email,
	}
	if verdict != nil {
		in.Reason = verdict.Rationale
	}

	ctx, span := telemetry.StartSpan(ctx, "auditor.enforce", telemetry.Stage(string(core.StageEnforcer)))
	outcome, err := r.o.deps.Enforcer.Apply(ctx, in)
	telemetry.RecordError(span, err)
	span.End()

	out := outcome.Output()
	if verdict != nil {
		out["verdict_source"] = string(verdict.Source)
		out["decision"] = string(verdict.Decision)
	}
	status := core.StatusCompleted
	if err != nil {
		status = core.StatusDegraded
	}
	r.record(ctx, core.StageEnforcer, status, out, start)
}

// record appends a stage record to the store and to the in-memory trace. A
// store failure keeps the pipeline going; the in-memory trace stays complete.
func (r *run) record(ctx context.Context, stage core.StageName, status core.StageStatus, output map[string]any, start time.Time) {
	rec := core.StageRecord{
		ID:        uuid.NewString(),
		EventID:   r.ev.EventID,
		Stage:     stage,
		Status:    status,
		Output:    output,
		Timestamp: r.o.now().UTC(),
	}
	r.trace.Stages = append(r.trace.Stages, rec)
	r.o.deps.Metrics.StageStatus.WithLabelValues(string(stage), string(status)).Inc()
	r.o.deps.Metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	if err := r.o.deps.Traces.Append(ctx, rec); err != nil {
		r.o.deps.Metrics.StoreFailures.WithLabelValues("trace").Inc()
		r.o.logger.Error("trace append failed", "event_id", r.ev.EventID, "stage", stage, "error", err)
		if !r.traceDegraded {
			r.traceDegraded = true
			r.o.deps.Events.Emit(events.TypeTraceStoreDegraded, eventSource, r.ev.Actor.UserID, map[string]interface{}{
				"event_id": r.ev.EventID,
				"stage":    string(stage),
				"error":    err.Error(),
			})
		}
	}
}
