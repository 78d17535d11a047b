// Package circuitbreaker stops calling an upstream model or search service
// after repeated failures so a dead dependency fails fast instead of burning
// every stage timeout.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Config struct {
	Name string
	// HalfOpenRequests is how many probes may run while half-open, and how
	// many consecutive successes close the circuit again.
	HalfOpenRequests uint32
	// Interval clears closed-state counts periodically. Zero never clears.
	Interval time.Duration
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	ReadyToTrip func(Counts) bool
	// IsFailure decides whether an error counts against the upstream.
	// Context cancellation by the caller does not by default.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after 5 consecutive failures and probes after 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		HalfOpenRequests: 1,
		Interval:         time.Minute,
		OpenTimeout:      30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to State) {
			slog.Warn("[CircuitBreaker] state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = def.ReadyToTrip
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	cb.toNewGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Do runs fn when the circuit allows it and records the outcome.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	generation, err := cb.before()
	if err != nil {
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(generation, false)
			panic(r)
		}
	}()

	result, err := fn(ctx)
	cb.after(generation, err == nil || !cb.cfg.IsFailure(err))
	return result, err
}

func (cb *CircuitBreaker) before() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.now())
	switch {
	case state == StateOpen:
		return generation, ErrCircuitOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.cfg.HalfOpenRequests:
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) after(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, current := cb.currentState(now)
	if generation != current {
		return
	}

	if success {
		cb.counts.success()
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.HalfOpenRequests {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.failure()
	switch state {
	case StateClosed:
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.expiry = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.OpenTimeout)
	}
}

// Registry keeps one breaker per upstream dependency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	base     Config
}

func NewRegistry(base Config) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), base: base}
}

// Get returns the breaker for name, creating it from the base config.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cfg := r.base
	cfg.Name = name
	cb = New(cfg)
	r.breakers[name] = cb
	return cb
}

// Health reports DEGRADED when any breaker is open.
func (r *Registry) Health() (string, map[string]string) {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	status := "HEALTHY"
	states := make(map[string]string, len(names))
	for _, name := range names {
		s := r.Get(name).State()
		states[name] = s.String()
		if s == StateOpen {
			status = "DEGRADED"
		}
	}
	return status, states
}
