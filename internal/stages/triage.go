package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/llm"
)

type TriageResult struct {
	RiskLevel   string   `json:"risk_level"`
	RiskSummary string   `json:"risk_summary"`
	SearchTerms []string `json:"search_terms"`
	// Fallback is set when the terms came from HeuristicTerms.
	Fallback bool   `json:"fallback"`
	Error    string `json:"error,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Triage asks the fast model for search terms and falls back to heuristics.
type Triage struct {
	reasoner llm.Reasoner
	maxTerms int
}

func NewTriage(reasoner llm.Reasoner, maxTerms int) *Triage {
	if maxTerms <= 0 {
		maxTerms = 5
	}
	return &Triage{reasoner: reasoner, maxTerms: maxTerms}
}

// Run never fails: any model error or unusable output yields the heuristic
// result with Fallback set.
func (t *Triage) Run(ctx context.Context, ev *core.Event) TriageResult {
	res := TriageResult{RiskLevel: RiskLevel(ev.Sentinel.RiskScore)}
	if t.reasoner == nil {
		return t.fallback(ev, res, fmt.Errorf("no triage model configured"))
	}
	res.Model = t.reasoner.Model()

	system, user := triagePrompt(ev, t.maxTerms)
	out, err := t.reasoner.Complete(ctx, llm.Prompt{System: system, User: user})
	if err != nil {
		return t.fallback(ev, res, err)
	}

	obj, err := llm.ExtractObject(out.Content)
	if err == nil {
		err = triageSchema.Validate(obj)
	}
	if err != nil {
		return t.fallback(ev, res, fmt.Errorf("%w: %v", core.ErrParseFailure, err))
	}

	terms := cleanTerms(obj["search_terms"], t.maxTerms)
	if len(terms) == 0 {
		return t.fallback(ev, res, fmt.Errorf("%w: no usable search terms", core.ErrParseFailure))
	}
	res.SearchTerms = terms
	res.RiskSummary, _ = obj["risk_summary"].(string)
	if res.RiskSummary == "" {
		res.RiskSummary = HeuristicSummary(ev)
	}
	return res
}

func (t *Triage) fallback(ev *core.Event, res TriageResult, cause error) TriageResult {
	slog.Warn("[Triage] using heuristic extraction", "event_id", ev.EventID, "error", cause)
	res.Fallback = true
	res.Error = cause.Error()
	res.RiskSummary = HeuristicSummary(ev)
	res.SearchTerms = HeuristicTerms(ev, t.maxTerms)
	return res
}

func cleanTerms(v any, max int) []string {
	items, _ := v.([]any)
	var out []string
	seen := make(map[string]bool)
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}
