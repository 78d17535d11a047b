package stages

import (
	"fmt"
	"strings"

	"github.com/ocx/sentinel-auditor/internal/core"
)

// Risk levels derived from the upstream risk score.
const (
	RiskLow      = "LOW"
	RiskElevated = "ELEVATED"
	RiskHigh     = "HIGH"
)

// DefaultSearchTerms is used when an event carries no usable signal at all.
var DefaultSearchTerms = []string{"general security policy", "suspicious activity"}

func RiskLevel(score float64) string {
	switch {
	case score < 0.5:
		return RiskLow
	case score < 0.8:
		return RiskElevated
	default:
		return RiskHigh
	}
}

// LowRisk matches the fast-path condition: low score and no anomaly vectors.
func LowRisk(ev *core.Event) bool {
	return ev.Sentinel.RiskScore < 0.5 && len(ev.Sentinel.AnomalyVectors) == 0
}

// HeuristicTerms derives search terms from event fields without a model.
func HeuristicTerms(ev *core.Event, max int) []string {
	var terms []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		for _, t := range terms {
			if strings.EqualFold(t, s) {
				return
			}
		}
		terms = append(terms, s)
	}

	if a := ev.Action.ActionType; a != "" {
		add(humanize(a) + " policy")
	}
	if c := ev.Network.Country; c != "" {
		add("access from " + c)
	}
	if c := ev.Action.RecipientCountry; c != "" && !strings.EqualFold(c, ev.Network.Country) {
		add("transfer to " + c)
	}
	if r := ev.Network.IPReputation; r != "" {
		add(humanize(r) + " ip reputation")
	}
	if ev.Action.Amount > 0 {
		add(amountBracket(ev.Action.Amount))
	}
	if r := ev.Actor.Role; r != "" {
		add(humanize(r) + " role permissions")
	}
	for _, v := range ev.Sentinel.AnomalyVectors {
		add(anomalyTerm(v))
	}

	if len(terms) == 0 {
		terms = append(terms, DefaultSearchTerms...)
	}
	if max > 0 && len(terms) > max {
		terms = terms[:max]
	}
	return terms
}

// HeuristicSummary is the risk summary used when the model is unavailable.
func HeuristicSummary(ev *core.Event) string {
	summary := fmt.Sprintf("%s risk (score %.2f)", RiskLevel(ev.Sentinel.RiskScore), ev.Sentinel.RiskScore)
	if ev.Sentinel.Decision != "" {
		summary += ", upstream decision " + ev.Sentinel.Decision
	}
	if n := len(ev.Sentinel.AnomalyVectors); n > 0 {
		summary += fmt.Sprintf(", %d anomaly vector(s)", n)
	}
	return summary
}

func amountBracket(amount float64) string {
	switch {
	case amount < 1000:
		return "low value transaction"
	case amount < 10000:
		return "medium value transaction limits"
	default:
		return "high value transaction limits"
	}
}

// anomalyTerm strips numeric suffixes such as "_0.82_confidence_0.9" so the
// vector family is searched rather than one exact reading.
func anomalyTerm(v string) string {
	parts := strings.Split(strings.ToLower(v), "_")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "confidence" || isNumeric(p) {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, " ")
}

func humanize(s string) string {
	return strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(s))
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
