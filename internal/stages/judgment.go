package stages

import (
	"context"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/llm"
)

// Judgment is the fast-model verdict. It is not retried.
type Judgment struct {
	reasoner      llm.Reasoner
	ungroundedCap int
}

func NewJudgment(reasoner llm.Reasoner, ungroundedCap int) *Judgment {
	return &Judgment{reasoner: reasoner, ungroundedCap: ungroundedCap}
}

func (j *Judgment) Model() string { return j.reasoner.Model() }

// Run returns a *core.StageError on model failure or unusable output.
func (j *Judgment) Run(ctx context.Context, ev *core.Event, policies []core.Policy) (core.Verdict, error) {
	system, user := judgmentPrompt(ev, policies)
	return complete(ctx, j.reasoner, core.StageJudgment, system, user, policies, j.ungroundedCap)
}

// Escalation is the high-fidelity verdict for low-confidence judgments. Its
// verdict is final regardless of its own confidence.
type Escalation struct {
	reasoner      llm.Reasoner
	ungroundedCap int
}

func NewEscalation(reasoner llm.Reasoner, ungroundedCap int) *Escalation {
	return &Escalation{reasoner: reasoner, ungroundedCap: ungroundedCap}
}

func (e *Escalation) Model() string { return e.reasoner.Model() }

// Run takes the judgment verdict when one exists; prior is nil when the
// judgment itself failed.
func (e *Escalation) Run(ctx context.Context, ev *core.Event, policies []core.Policy, prior *core.Verdict) (core.Verdict, error) {
	system, user := escalationPrompt(ev, policies, prior)
	return complete(ctx, e.reasoner, core.StageEscalation, system, user, policies, e.ungroundedCap)
}

// ShouldEscalate reports whether a judgment outcome needs the high-fidelity
// tier. A failed judgment counts as confidence 0.
func ShouldEscalate(v *core.Verdict, threshold int) bool {
	return v == nil || v.Confidence < threshold
}

func complete(ctx context.Context, r llm.Reasoner, stage core.StageName, system, user string, policies []core.Policy, ungroundedCap int) (core.Verdict, error) {
	out, err := r.Complete(ctx, llm.Prompt{System: system, User: user})
	if err != nil {
		return core.Verdict{Source: stage}, core.NewStageError(stage, core.UpstreamKind(err), err)
	}
	v, err := parseVerdict(out.Content, stage, policies, ungroundedCap)
	if err != nil {
		return v, core.NewStageError(stage, core.ErrParseFailure, err)
	}
	return v, nil
}
