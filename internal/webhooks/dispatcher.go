package webhooks

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/metrics"
)

var (
	ErrQueueFull      = errors.New("audit queue full")
	ErrDispatcherDown = errors.New("dispatcher shutting down")
)

// Processor audits one event.
type Processor interface {
	Process(ctx context.Context, ev *core.Event) (*core.Trace, error)
}

// Dispatcher runs queued events through the processor on a fixed worker pool.
// Each event is handled by exactly one worker.
type Dispatcher struct {
	proc    Processor
	queue   chan *core.Event
	logger  *log.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
	workers int

	mu     sync.RWMutex
	closed bool

	// ctx is cancelled when a graceful shutdown runs out of time.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts workers goroutines reading from a queue of queueSize.
func NewDispatcher(proc Processor, workers, queueSize int, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if m == nil {
		m = metrics.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		proc:    proc,
		queue:   make(chan *core.Event, queueSize),
		logger:  log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		metrics: m,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// Enqueue hands an event to the pool without blocking.
func (d *Dispatcher) Enqueue(ev *core.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherDown
	}

	select {
	case d.queue <- ev:
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.logger.Printf("queue full, rejecting event %s", ev.EventID)
		return ErrQueueFull
	}
}

// Pending returns the number of queued events not yet picked up.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for ev := range d.queue {
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		d.handle(id, ev)
	}
}

func (d *Dispatcher) handle(id int, ev *core.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("worker %d: panic auditing %s: %v", id, ev.EventID, r)
		}
	}()

	if _, err := d.proc.Process(d.ctx, ev); err != nil {
		d.logger.Printf("worker %d: audit of %s failed: %v", id, ev.EventID, err)
	}
}

// Shutdown stops accepting events and drains the queue. If ctx ends first,
// in-flight audits are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
