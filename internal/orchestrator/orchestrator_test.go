package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/enforcer"
	"github.com/ocx/sentinel-auditor/internal/events"
	"github.com/ocx/sentinel-auditor/internal/ledger"
	"github.com/ocx/sentinel-auditor/internal/llm"
	"github.com/ocx/sentinel-auditor/internal/metrics"
	"github.com/ocx/sentinel-auditor/internal/ratelimit"
	"github.com/ocx/sentinel-auditor/internal/retry"
	"github.com/ocx/sentinel-auditor/internal/stages"
	"github.com/ocx/sentinel-auditor/internal/trace"
)

// fixedReasoner answers every prompt with the same reply.
type fixedReasoner struct {
	reply string
	err   error
	calls atomic.Int32
}

func (f *fixedReasoner) Model() string { return "fixed" }

func (f *fixedReasoner) Complete(context.Context, llm.Prompt) (*llm.Completion, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Content: f.reply, Model: "fixed"}, nil
}

type staticSearcher struct {
	policies []core.Policy
	err      error
}

func (s staticSearcher) Search(context.Context, []string, int) ([]core.Policy, error) {
	return s.policies, s.err
}

var fin07 = core.Policy{ID: "FIN-07", Text: "Wire transfers to sanctioned countries are prohibited.", Similarity: 0.8}

type harness struct {
	mr         *miniredis.Miniredis
	orch       *Orchestrator
	bus        *events.EventBus
	triage     *fixedReasoner
	judge      *fixedReasoner
	escalation *fixedReasoner
}

func newHarness(t *testing.T, cfg Config, judgeReply, escalationReply string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	keys := ledger.Keys{Namespace: "test:"}
	l := ledger.New(rdb, keys, ledger.DefaultTierPolicy())
	bus := events.NewEventBus()
	m := metrics.NewNop()

	h := &harness{
		mr:         mr,
		bus:        bus,
		triage:     &fixedReasoner{reply: `{"risk_summary":"wire to sanctioned country","search_terms":["sanctioned wire transfer"]}`},
		judge:      &fixedReasoner{reply: judgeReply},
		escalation: &fixedReasoner{reply: escalationReply},
	}
	h.orch = New(Deps{
		Traces:     trace.NewRedisStore(rdb, keys, time.Hour),
		Limiter:    ratelimit.New(rdb, keys, ratelimit.Config{Capacity: 5, Window: time.Minute, Timeout: time.Second}),
		Bans:       l,
		Triage:     stages.NewTriage(h.triage, 5),
		Retrieval:  stages.NewRetrieval(staticSearcher{policies: []core.Policy{fin07}}, stages.RetrievalConfig{TopK: 5, Timeout: time.Second, RetryDelay: time.Millisecond}),
		Judgment:   stages.NewJudgment(h.judge, 75),
		Escalation: stages.NewEscalation(h.escalation, 75),
		Enforcer: enforcer.New(l, enforcer.Config{
			Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
			StoreTimeout: time.Second,
		}, bus, m),
		Events:  bus,
		Metrics: m,
	}, cfg)
	return h
}

func event(t *testing.T, eventID, actor string) *core.Event {
	t.Helper()
	ev, err := core.ParseEvent([]byte(fmt.Sprintf(`{
		"event_id": %q,
		"actor": {"user_id": %q, "email": "u@example.com"},
		"action_context": {"action_type": "WIRE_TRANSFER", "details": {"amount": 25000, "recipient_country": "KP"}},
		"sentinel_analysis": {"risk_score": 0.91, "decision": "BLOCK", "anomaly_vectors": ["velocity_spike"]}
	}`, eventID, actor)))
	require.NoError(t, err)
	return ev
}

func stageNames(tr *core.Trace) []core.StageName {
	names := make([]core.StageName, 0, len(tr.Stages))
	for _, s := range tr.Stages {
		names = append(names, s.Stage)
	}
	return names
}

const (
	blockHigh  = `{"decision":"BLOCK","confidence":95,"reasoning":"violates FIN-07","cited_policies":["FIN-07"]}`
	allowLow   = `{"decision":"ALLOW","confidence":60,"reasoning":"possibly legitimate","cited_policies":["FIN-07"]}`
	allowFinal = `{"decision":"ALLOW","confidence":96,"reasoning":"known payroll recipient, FIN-07 exemption","cited_policies":["FIN-07"]}`
)

func TestProcess_ProvisionalBlockIsConfirmed(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, blockHigh, allowFinal)
	h.mr.Set("blacklist:U1", "sentinel_block")
	h.mr.SetTTL("blacklist:U1", 5*time.Minute)
	ctx := context.Background()

	tr, err := h.orch.Process(ctx, event(t, "evt-u1", "U1"))
	require.NoError(t, err)

	assert.Equal(t, []core.StageName{
		core.StageRateLimiter, core.StageShield, core.StageTriage,
		core.StageRetrieval, core.StageJudgment, core.StageEnforcer,
	}, stageNames(tr))
	assert.Equal(t, int32(0), h.escalation.calls.Load())

	shield, _ := tr.Stage(core.StageShield)
	assert.Equal(t, "PROVISIONAL", shield.Output["state"])

	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, core.StatusCompleted, enf.Status)
	assert.Equal(t, "CONFIRMED", enf.Output["action"])
	assert.Equal(t, int64(3600), enf.Output["ttl_seconds"])

	h.mr.CheckGet(t, "blacklist:U1", "auditor_confirmed_ban|strike_1|violates FIN-07")
	assert.Equal(t, time.Hour, h.mr.TTL("blacklist:U1"))
	h.mr.CheckGet(t, "global_strikes:U1", "1")

	// persisted trace matches
	stored, err := h.orch.deps.Traces.Load(ctx, "evt-u1")
	require.NoError(t, err)
	assert.Equal(t, stageNames(tr), stageNames(stored))
}

func TestProcess_LowConfidenceAllowEscalatesAndPardons(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, allowLow, allowFinal)
	sub := h.bus.Subscribe(events.TypeActorPardoned)
	h.mr.Set("blacklist:U1", "sentinel_block")
	h.mr.Set("global_strikes:U1", "2")

	tr, err := h.orch.Process(context.Background(), event(t, "evt-u1p", "U1"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.escalation.calls.Load())
	esc, ok := tr.Stage(core.StageEscalation)
	require.True(t, ok)
	assert.Equal(t, "ALLOW", esc.Output["decision"])

	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, "PARDONED", enf.Output["action"])
	assert.Equal(t, "ESCALATION", enf.Output["verdict_source"])

	assert.False(t, h.mr.Exists("blacklist:U1"))
	h.mr.CheckGet(t, "global_strikes:U1", "2")

	ev := <-sub
	assert.Equal(t, "u@example.com", ev.Data["email"])
}

func TestProcess_SixthEventInWindowIsRateLimited(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, allowFinal, allowFinal)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		tr, err := h.orch.Process(ctx, event(t, fmt.Sprintf("evt-u2-%d", i), "U2"))
		require.NoError(t, err)
		_, ok := tr.Stage(core.StageTriage)
		assert.True(t, ok, "event %d should reach triage", i)
	}
	triageCalls := h.triage.calls.Load()

	tr, err := h.orch.Process(ctx, event(t, "evt-u2-6", "U2"))
	require.NoError(t, err)
	assert.Equal(t, []core.StageName{core.StageRateLimiter}, stageNames(tr))
	rl, _ := tr.Stage(core.StageRateLimiter)
	assert.Equal(t, false, rl.Output["allowed"])
	assert.Equal(t, triageCalls, h.triage.calls.Load())
}

func TestProcess_DuplicateEventRunsNothing(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, blockHigh, allowFinal)
	ctx := context.Background()

	first, err := h.orch.Process(ctx, event(t, "evt-dup", "U3"))
	require.NoError(t, err)
	judgeCalls := h.judge.calls.Load()

	second, err := h.orch.Process(ctx, event(t, "evt-dup", "U3"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.False(t, first.Duplicate)
	assert.Equal(t, stageNames(first), stageNames(second))
	assert.Equal(t, judgeCalls, h.judge.calls.Load())
	h.mr.CheckGet(t, "global_strikes:U3", "1")
	h.mr.CheckGet(t, "rate_limit:U3", "1")
}

func TestProcess_ConfirmedActorCanBePardoned(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, blockHigh, allowFinal)
	ctx := context.Background()
	h.mr.Set("blacklist:U4", "sentinel_block")

	_, err := h.orch.Process(ctx, event(t, "evt-u4-1", "U4"))
	require.NoError(t, err)
	h.mr.CheckGet(t, "blacklist:U4", "auditor_confirmed_ban|strike_1|violates FIN-07")
	h.mr.CheckGet(t, "global_strikes:U4", "1")

	h.judge.reply = allowFinal
	tr, err := h.orch.Process(ctx, event(t, "evt-u4-2", "U4"))
	require.NoError(t, err)

	shield, _ := tr.Stage(core.StageShield)
	assert.Equal(t, "CONFIRMED", shield.Output["state"])
	_, ok := tr.Stage(core.StageJudgment)
	assert.True(t, ok)
	enf, ok := tr.Stage(core.StageEnforcer)
	require.True(t, ok)
	assert.Equal(t, "PARDONED", enf.Output["action"])

	assert.False(t, h.mr.Exists("blacklist:U4"))
	h.mr.CheckGet(t, "global_strikes:U4", "1")
}

func TestProcess_ConfirmedActorGainsStrike(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, blockHigh, allowFinal)
	ctx := context.Background()
	h.mr.Set("blacklist:U4", "auditor_confirmed_ban|strike_1|fraud")
	h.mr.SetTTL("blacklist:U4", 10*time.Minute)
	h.mr.Set("global_strikes:U4", "1")

	tr, err := h.orch.Process(ctx, event(t, "evt-u4-3", "U4"))
	require.NoError(t, err)

	shield, _ := tr.Stage(core.StageShield)
	assert.Equal(t, "CONFIRMED", shield.Output["state"])
	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, "CONFIRMED", enf.Output["action"])

	h.mr.CheckGet(t, "blacklist:U4", "auditor_confirmed_ban|strike_2|violates FIN-07")
	assert.Equal(t, time.Hour, h.mr.TTL("blacklist:U4"))
	h.mr.CheckGet(t, "global_strikes:U4", "2")
}

func TestProcess_BothReasoningStagesFailTakesNoAction(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, "", "")
	h.judge.err = context.DeadlineExceeded
	h.escalation.err = errors.New("503 from provider")
	h.mr.Set("blacklist:U5", "sentinel_block")

	tr, err := h.orch.Process(context.Background(), event(t, "evt-u5", "U5"))
	require.NoError(t, err)

	judgment, _ := tr.Stage(core.StageJudgment)
	assert.Equal(t, core.StatusFailed, judgment.Status)
	assert.Equal(t, core.ErrUpstreamTimeout.Error(), judgment.Output["kind"])

	esc, ok := tr.Stage(core.StageEscalation)
	require.True(t, ok)
	assert.Equal(t, core.StatusFailed, esc.Status)

	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, "NO_ACTION", enf.Output["action"])
	h.mr.CheckGet(t, "blacklist:U5", "sentinel_block")
}

func TestProcess_FailedEscalationFallsBackToJudgment(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, `{"decision":"BLOCK","confidence":80,"reasoning":"FIN-07 pattern"}`, "")
	h.escalation.err = errors.New("circuit open")

	tr, err := h.orch.Process(context.Background(), event(t, "evt-u6", "U6"))
	require.NoError(t, err)

	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, "CONFIRMED", enf.Output["action"])
	assert.Equal(t, "JUDGMENT", enf.Output["verdict_source"])
}

func TestProcess_LowRiskFastPath(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90, SkipLowRisk: true}, blockHigh, allowFinal)
	ev, err := core.ParseEvent([]byte(`{"event_id":"evt-low","actor":{"user_id":"U7"},"sentinel_analysis":{"risk_score":0.1}}`))
	require.NoError(t, err)

	tr, err := h.orch.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []core.StageName{core.StageRateLimiter, core.StageShield, core.StageTriage}, stageNames(tr))
	assert.Equal(t, int32(0), h.triage.calls.Load())
	assert.Equal(t, int32(0), h.judge.calls.Load())
}

func TestProcess_RetrievalFailureIsDegraded(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, `{"decision":"ALLOW","confidence":95,"reasoning":"standard protocol"}`, allowFinal)
	h.orch.deps.Retrieval = stages.NewRetrieval(staticSearcher{err: errors.New("rpc down")},
		stages.RetrievalConfig{TopK: 5, Timeout: time.Second, RetryDelay: time.Millisecond})

	tr, err := h.orch.Process(context.Background(), event(t, "evt-u8", "U8"))
	require.NoError(t, err)

	ret, _ := tr.Stage(core.StageRetrieval)
	assert.Equal(t, core.StatusDegraded, ret.Status)
	assert.Equal(t, 2, ret.Output["attempts"])
	assert.Equal(t, true, ret.Output["standard_protocol"])

	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, "IDLE", enf.Output["action"])
}

type failingEnforcer struct{}

func (failingEnforcer) Apply(_ context.Context, in enforcer.Input) (enforcer.Outcome, error) {
	err := fmt.Errorf("%w: connection refused", core.ErrStoreUnavailable)
	return enforcer.Outcome{Action: enforcer.ActionFailed, Prior: in.Observed, Attempts: 3, Error: err.Error()}, err
}

func TestProcess_EnforcementFailureIsDegraded(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, blockHigh, allowFinal)
	h.orch.deps.Enforcer = failingEnforcer{}

	tr, err := h.orch.Process(context.Background(), event(t, "evt-u9", "U9"))
	require.NoError(t, err)

	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, core.StatusDegraded, enf.Status)
	assert.Equal(t, "FAILED", enf.Output["action"])
	assert.Contains(t, enf.Output["error"], "store unavailable")
}

func TestProcess_AnonymousActorIsNeverEnforced(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, blockHigh, allowFinal)
	ev, err := core.ParseEvent([]byte(`{"event_id":"evt-anon","sentinel_analysis":{"risk_score":0.95}}`))
	require.NoError(t, err)

	tr, err := h.orch.Process(context.Background(), ev)
	require.NoError(t, err)

	enf, _ := tr.Stage(core.StageEnforcer)
	assert.Equal(t, "NO_ACTION", enf.Output["action"])
	assert.False(t, h.mr.Exists("blacklist:"+core.UnknownActor))
	assert.False(t, h.mr.Exists("rate_limit:"+core.UnknownActor))
}

func TestProcess_TraceStoreDownIsAnError(t *testing.T) {
	h := newHarness(t, Config{ConfidenceThreshold: 90}, blockHigh, allowFinal)
	h.mr.Close()

	_, err := h.orch.Process(context.Background(), event(t, "evt-down", "U10"))
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}
