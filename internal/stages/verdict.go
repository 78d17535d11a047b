package stages

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/llm"
)

var (
	decisionRe   = regexp.MustCompile(`(?i)(?:decision|verdict)["'\s]*[:=]\s*["']?(BLOCK(?:ED)?|ALLOW(?:ED)?|CHALLENGE|DENY|APPROVE)\b`)
	confidenceRe = regexp.MustCompile(`(?i)confidence["'\s]*[:=]\s*["']?(\d{1,3})`)
	reasoningRe  = regexp.MustCompile(`(?i)reason(?:ing)?["'\s]*[:=]\s*"([^"]+)"`)
)

// parseVerdict turns model text into a Verdict. Well-formed JSON is used
// directly. Otherwise the decision, confidence and reasoning are salvaged
// with regular expressions; a missing decision is a parse failure and a
// missing confidence salvages as 0.
func parseVerdict(text string, source core.StageName, policies []core.Policy, ungroundedCap int) (core.Verdict, error) {
	v := core.Verdict{Source: source}

	obj, err := llm.ExtractObject(text)
	if err == nil {
		normalizeVerdictKeys(obj)
		err = verdictSchema.Validate(obj)
	}

	if err == nil {
		decision, ok := core.ParseDecision(fmt.Sprint(obj["decision"]))
		if !ok {
			return v, fmt.Errorf("%w: unknown decision %q", core.ErrParseFailure, obj["decision"])
		}
		v.Decision = decision
		v.Confidence = parseConfidence(obj["confidence"])
		v.Rationale, _ = obj["reasoning"].(string)
		v.CitedPolicies = stringList(obj["cited_policies"])
	} else {
		salvaged, ok := salvage(text)
		if !ok {
			return v, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
		}
		v = salvaged
		v.Source = source
	}

	if strings.TrimSpace(v.Rationale) == "" {
		v.Rationale = fmt.Sprintf("%s verdict %s with confidence %d", source, v.Decision, v.Confidence)
	}
	applyGroundingGuard(&v, policies, ungroundedCap)
	return v, nil
}

func normalizeVerdictKeys(obj map[string]any) {
	rename := map[string]string{
		"verdict":    "decision",
		"reason":     "reasoning",
		"rationale":  "reasoning",
		"policy_ids": "cited_policies",
		"policies":   "cited_policies",
		"cited":      "cited_policies",
		"policy_id":  "cited_policies",
	}
	for from, to := range rename {
		val, ok := obj[from]
		if !ok {
			continue
		}
		if _, exists := obj[to]; !exists {
			if s, isString := val.(string); isString && to == "cited_policies" {
				val = []any{s}
			}
			obj[to] = val
		}
		delete(obj, from)
	}
}

func salvage(text string) (core.Verdict, bool) {
	m := decisionRe.FindStringSubmatch(text)
	if m == nil {
		return core.Verdict{}, false
	}
	decision, ok := core.ParseDecision(m[1])
	if !ok {
		return core.Verdict{}, false
	}
	v := core.Verdict{Decision: decision, Salvaged: true}
	if c := confidenceRe.FindStringSubmatch(text); c != nil {
		v.Confidence = clampConfidence(atof(c[1]))
	}
	if r := reasoningRe.FindStringSubmatch(text); r != nil {
		v.Rationale = r[1]
	}
	return v, true
}

// applyGroundingGuard marks the verdict grounded when it cites at least one
// retrieved policy id, in cited_policies or in the rationale text. An
// ungrounded verdict reached against a non-empty policy set has its
// confidence capped.
func applyGroundingGuard(v *core.Verdict, policies []core.Policy, ungroundedCap int) {
	known := make(map[string]bool, len(policies))
	for _, p := range policies {
		known[strings.ToUpper(p.ID)] = true
	}

	var cited []string
	for _, id := range v.CitedPolicies {
		if known[strings.ToUpper(strings.TrimSpace(id))] {
			cited = append(cited, strings.TrimSpace(id))
		}
	}
	rationale := strings.ToUpper(v.Rationale)
	for _, p := range policies {
		if p.ID != "" && strings.Contains(rationale, strings.ToUpper(p.ID)) && !containsFold(cited, p.ID) {
			cited = append(cited, p.ID)
		}
	}

	v.CitedPolicies = cited
	v.Grounded = len(cited) > 0
	if len(policies) > 0 && !v.Grounded && v.Confidence > ungroundedCap {
		v.Confidence = ungroundedCap
	}
}

func parseConfidence(v any) int {
	switch c := v.(type) {
	case float64:
		if c > 0 && c < 1 {
			// some models answer on a 0-1 scale
			c *= 100
		}
		return clampConfidence(c)
	case string:
		return clampConfidence(atof(strings.TrimSuffix(strings.TrimSpace(c), "%")))
	default:
		return 0
	}
}

func clampConfidence(f float64) int {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return int(math.Round(f))
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}
