package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnknownActor is assigned when the payload carries no actor identity.
const UnknownActor = "unknown"

// Event is the normalized, immutable form of an upstream audit log entry.
type Event struct {
	EventID       string           `json:"event_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	Actor         Actor            `json:"actor"`
	Network       NetworkContext   `json:"network_context"`
	Action        ActionContext    `json:"action_context"`
	Sentinel      SentinelAnalysis `json:"sentinel_analysis"`

	// DerivedID is set when event_id was missing and computed from the payload.
	DerivedID bool `json:"-"`
	// Raw is the compacted original payload, forwarded to the model tiers.
	Raw json.RawMessage `json:"-"`
}

type Actor struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Email     string `json:"email,omitempty"`
}

type NetworkContext struct {
	IPAddress    string `json:"ip_address,omitempty"`
	IPReputation string `json:"ip_reputation,omitempty"`
	Country      string `json:"country,omitempty"`
	City         string `json:"city,omitempty"`
}

type ActionContext struct {
	Service          string  `json:"service,omitempty"`
	ActionType       string  `json:"action_type,omitempty"`
	ResourceTarget   string  `json:"resource_target,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	RecipientCountry string  `json:"recipient_country,omitempty"`
}

type SentinelAnalysis struct {
	RiskScore      float64  `json:"risk_score"`
	Decision       string   `json:"decision,omitempty"`
	AnomalyVectors []string `json:"anomaly_vectors,omitempty"`
	EngineVersion  string   `json:"engine_version,omitempty"`
}

// AnonymousActor reports whether the event could not be attributed.
func (e *Event) AnonymousActor() bool {
	return e.Actor.UserID == "" || e.Actor.UserID == UnknownActor
}

// ParseEvent normalizes a raw payload into an Event. Supabase database-webhook
// envelopes ({"record":{"payload":...}}) are unwrapped first. Only a payload
// that is not a JSON object is rejected; every field is optional and
// type-tolerant.
func ParseEvent(data []byte) (*Event, error) {
	payload, err := unwrapEnvelope(data)
	if err != nil {
		return nil, err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, fmt.Errorf("%w: event is not a JSON object: %v", ErrParseFailure, err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	ev := &Event{
		EventID:       flexString(top["event_id"]),
		CorrelationID: flexString(top["correlation_id"]),
		Timestamp:     flexTime(top["timestamp"]),
		Raw:           json.RawMessage(compact.Bytes()),
	}

	actor := object(top["actor"])
	ev.Actor = Actor{
		UserID:    flexString(actor["user_id"]),
		Role:      flexString(actor["role"]),
		SessionID: flexString(actor["session_id"]),
		Email:     flexString(actor["email"]),
	}
	if ev.Actor.UserID == "" {
		ev.Actor.UserID = UnknownActor
	}

	network := object(top["network_context"])
	geo := object(network["geo_location"])
	ev.Network = NetworkContext{
		IPAddress:    flexString(network["ip_address"]),
		IPReputation: flexString(network["ip_reputation"]),
		Country:      flexString(geo["country"]),
		City:         flexString(geo["city"]),
	}
	if ev.Network.Country == "" {
		ev.Network.Country = flexString(network["country"])
	}

	action := object(top["action_context"])
	details := object(action["details"])
	ev.Action = ActionContext{
		Service:          flexString(action["service"]),
		ActionType:       flexString(action["action_type"]),
		ResourceTarget:   flexString(action["resource_target"]),
		Amount:           flexFloat(details["amount"]),
		Currency:         flexString(details["currency"]),
		RecipientCountry: flexString(details["recipient_country"]),
	}

	sentinel := object(top["sentinel_analysis"])
	ev.Sentinel = SentinelAnalysis{
		RiskScore:      flexFloat(sentinel["risk_score"]),
		Decision:       strings.ToUpper(flexString(sentinel["decision"])),
		AnomalyVectors: flexStrings(sentinel["anomaly_vectors"]),
		EngineVersion:  flexString(sentinel["engine_version"]),
	}

	if ev.EventID == "" {
		sum := sha256.Sum256(ev.Raw)
		ev.EventID = "evt_sha256_" + hex.EncodeToString(sum[:16])
		ev.DerivedID = true
	}
	return ev, nil
}

// HasLogPayload reports whether a webhook body carries an event: a non-empty
// record.payload, or a top-level actor key on a directly posted event.
func HasLogPayload(data []byte) bool {
	var env struct {
		Record *struct {
			Payload json.RawMessage `json:"payload"`
		} `json:"record"`
		Actor json.RawMessage `json:"actor"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	if env.Actor != nil {
		return true
	}
	if env.Record == nil {
		return false
	}
	switch string(bytes.TrimSpace(env.Record.Payload)) {
	case "", "null", `""`, "{}", "[]", "0", "false":
		return false
	}
	return true
}

func unwrapEnvelope(data []byte) ([]byte, error) {
	var env struct {
		Record *struct {
			Payload json.RawMessage `json:"payload"`
		} `json:"record"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	if env.Record == nil || len(env.Record.Payload) == 0 || string(env.Record.Payload) == "null" {
		return data, nil
	}
	// Some webhook senders store the payload column as a JSON string.
	var nested string
	if err := json.Unmarshal(env.Record.Payload, &nested); err == nil {
		return []byte(nested), nil
	}
	return env.Record.Payload, nil
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func flexFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	if s := flexString(raw); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

func flexStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if s := flexString(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := flexString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func flexTime(raw json.RawMessage) time.Time {
	s := flexString(raw)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
