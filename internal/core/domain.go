package core

import (
	"strings"
	"time"
)

// Decision is the outcome of a reasoning stage.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionBlock Decision = "BLOCK"
)

// ParseDecision normalizes model spellings of a decision. CHALLENGE is the
// upstream scorer's "needs verification" signal and is treated as BLOCK.
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOW", "ALLOWED", "APPROVE", "PERMIT":
		return DecisionAllow, true
	case "BLOCK", "BLOCKED", "DENY", "CHALLENGE":
		return DecisionBlock, true
	default:
		return "", false
	}
}

// StageName identifies one step of the audit pipeline in the trace.
type StageName string

const (
	StageRateLimiter StageName = "RATE_LIMITER"
	StageShield      StageName = "SHIELD"
	StageTriage      StageName = "TRIAGE"
	StageRetrieval   StageName = "RETRIEVAL"
	StageJudgment    StageName = "JUDGMENT"
	StageEscalation  StageName = "ESCALATION"
	StageEnforcer    StageName = "ENFORCER"
)

// StageStatus is the terminal status of a stage record.
type StageStatus string

const (
	StatusCompleted StageStatus = "COMPLETED"
	StatusFailed    StageStatus = "FAILED"
	StatusDegraded  StageStatus = "DEGRADED"
)

// BanState is totally ordered: NONE < PROVISIONAL < CONFIRMED.
type BanState int

const (
	BanNone BanState = iota
	BanProvisional
	BanConfirmed
)

func (s BanState) String() string {
	switch s {
	case BanNone:
		return "NONE"
	case BanProvisional:
		return "PROVISIONAL"
	case BanConfirmed:
		return "CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON output.
func (s BanState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Verdict is emitted by Judgment or Escalation and never mutated afterwards.
type Verdict struct {
	Decision      Decision  `json:"decision"`
	Confidence    int       `json:"confidence"`
	Rationale     string    `json:"rationale"`
	Source        StageName `json:"source"`
	CitedPolicies []string  `json:"cited_policies,omitempty"`
	Grounded      bool      `json:"grounded"`
	Salvaged      bool      `json:"salvaged,omitempty"`
}

// Policy is one retrieved policy passage.
type Policy struct {
	ID         string  `json:"policy_id"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// BanRecord is a read snapshot of an actor's enforcement state.
type BanRecord struct {
	ActorID string        `json:"actor_id"`
	State   BanState      `json:"state"`
	Value   string        `json:"value,omitempty"`
	TTL     time.Duration `json:"ttl_ns"`
	Strikes int64         `json:"strikes"`
}

// StageRecord is one write-once entry of an audit trace.
type StageRecord struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id"`
	Stage     StageName      `json:"stage"`
	Status    StageStatus    `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Trace is the append-only audit record for one event.
type Trace struct {
	EventID    string        `json:"event_id"`
	ActorID    string        `json:"actor_id"`
	ReceivedAt time.Time     `json:"received_at"`
	Stages     []StageRecord `json:"stages"`
	Duplicate  bool          `json:"duplicate,omitempty"`
}

// Stage returns the record for a stage if it was written.
func (t *Trace) Stage(name StageName) (StageRecord, bool) {
	for _, r := range t.Stages {
		if r.Stage == name {
			return r, true
		}
	}
	return StageRecord{}, false
}
