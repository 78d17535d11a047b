package stages

import (
	"fmt"
	"strings"

	"github.com/ocx/sentinel-auditor/internal/core"
)

// StandardProtocol is given to the reasoning models when retrieval found no
// policy. It is prompt text only and never appears in the policy list.
const StandardProtocol = "Policy STD-00: Standard Security Protocol. If behavior is suspicious and no specific exemption exists, BLOCK the request."

const triageSystem = `You are the triage analyst of a fraud and abuse audit pipeline.
You receive one security event emitted by an upstream behavioral risk engine.
Summarize the risk in one sentence and produce short search phrases that will be
used to look up the internal security policies relevant to this event.

Respond with ONLY a JSON object, no markdown:
{"risk_summary": "<one sentence>", "search_terms": ["<phrase>", ...]}
Return at most %d search terms.`

const signalGuide = `SIGNAL GUIDE:
- sentinel_analysis.decision "CHALLENGE" means the engine forced re-verification; it is an elevated risk signal.
- keystroke_anomaly / keystroke_elevated vectors mean typing deviates from the user's baseline.
- mouse_teleportation vectors mean clicks happened without preceding pointer movement.
- unknown_user_agent alone is weak evidence; several vectors together are cumulative evidence of automation.`

const judgmentSystem = `You are a security analyst reviewing a provisional block placed by an automated risk engine.
Decide whether the actor should be BLOCKED or ALLOWED based strictly on the policies provided.

` + signalGuide + `

RULES:
1. If a policy explicitly permits the behavior, ALLOW.
2. If a policy prohibits it, BLOCK.
3. Cite the policy ids you relied on. Do not invent policy ids.
4. If you are not certain, give a low confidence.

Respond with ONLY a JSON object, no markdown:
{"decision": "BLOCK" or "ALLOW", "confidence": <integer 0-100>, "reasoning": "<one sentence citing the policy>", "cited_policies": ["<policy id>", ...]}`

const escalationSystem = `You are the CISO making the final decision on a case a junior analyst was unsure about.
Your decision is final; there is no further review.

` + signalGuide + `

Weigh the anomaly vectors as a whole and decide whether this is a false positive or an attack.
Cite the policy ids you relied on. Do not invent policy ids.

Respond with ONLY a JSON object, no markdown:
{"decision": "BLOCK" or "ALLOW", "confidence": <integer 0-100>, "reasoning": "<one sentence citing the policy>", "cited_policies": ["<policy id>", ...]}`

func triagePrompt(ev *core.Event, maxTerms int) (string, string) {
	return fmt.Sprintf(triageSystem, maxTerms), "EVENT:\n" + string(ev.Raw)
}

func judgmentPrompt(ev *core.Event, policies []core.Policy) (string, string) {
	return judgmentSystem, "EVENT:\n" + string(ev.Raw) + "\n\nPOLICIES:\n" + formatPolicies(policies)
}

func escalationPrompt(ev *core.Event, policies []core.Policy, prior *core.Verdict) (string, string) {
	var b strings.Builder
	b.WriteString("EVENT:\n")
	b.Write(ev.Raw)
	b.WriteString("\n\nPOLICIES:\n")
	b.WriteString(formatPolicies(policies))
	b.WriteString("\n\nJUNIOR ANALYST OPINION:\n")
	if prior == nil {
		b.WriteString("The junior analyst could not reach a verdict.")
	} else {
		fmt.Fprintf(&b, "%s with confidence %d: %q", prior.Decision, prior.Confidence, prior.Rationale)
	}
	return escalationSystem, b.String()
}

func formatPolicies(policies []core.Policy) string {
	if len(policies) == 0 {
		return StandardProtocol
	}
	var b strings.Builder
	for i, p := range policies {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", p.ID, strings.TrimSpace(p.Text))
	}
	return b.String()
}
