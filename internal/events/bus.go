package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the auditor.
const (
	TypeBanConfirmed       = "auditor.ban.confirmed"
	TypeActorPardoned      = "auditor.actor.pardoned"
	TypeEnforcementFailed  = "auditor.enforcement.failed"
	TypeEventRateLimited   = "auditor.event.rate_limited"
	TypeVerdictEscalated   = "auditor.verdict.escalated"
	TypeTraceStoreDegraded = "auditor.trace.degraded"
)

// EventEmitter is the interface for publishing CloudEvents.
// Both the in-memory EventBus and PubSubEventBus satisfy this interface.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, string, map[string]interface{}) {}

// CloudEvent is the CloudEvents 1.0 envelope. Subject is the actor id.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat returns the event in Server-Sent Events format
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// EventBus is an in-process pub/sub event bus feeding the SSE stream.
// Slow subscribers drop events rather than block enforcement.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel of matching events. No types means all events.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)
	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		eb.subscribers[et] = append(eb.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		eb.subscribers[et] = without(subs, ch)
	}
	eb.allSubs = without(eb.allSubs, ch)
	close(ch)
}

func without(subs []chan *CloudEvent, ch chan *CloudEvent) []chan *CloudEvent {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers an event to every matching subscriber without blocking.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	deliver := func(ch chan *CloudEvent) {
		select {
		case ch <- event:
		default:
			eb.logger.Printf("subscriber full, dropped %s (%s)", event.ID, event.Type)
		}
	}
	for _, ch := range eb.subscribers[event.Type] {
		deliver(ch)
	}
	for _, ch := range eb.allSubs {
		deliver(ch)
	}
}

func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of live subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	seen := make(map[chan *CloudEvent]bool)
	for _, subs := range eb.subscribers {
		for _, ch := range subs {
			seen[ch] = true
		}
	}
	for _, ch := range eb.allSubs {
		seen[ch] = true
	}
	return len(seen)
}

var _ EventEmitter = (*EventBus)(nil)
