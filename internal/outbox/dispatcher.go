// Package outbox drains the transactional outbox and dispatches events to
// registered handlers. Delivery is at-least-once: handlers must tolerate
// redelivery, and every outcome is an explicit result kind rather than an
// error with a retryable flag.
package outbox

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/agentcloud/agentcloud/internal/db"
	"github.com/agentcloud/agentcloud/internal/metrics"
)

// Kind classifies a handler outcome.
type Kind int

const (
	// KindDone means the event is finished and must not be redelivered.
	KindDone Kind = iota
	// KindRetry means a transient failure; the event returns to the queue
	// until the retry budget is exhausted.
	KindRetry
	// KindFatal means a definitive failure; the event is dead-lettered
	// immediately.
	KindFatal
)

// Result is a handler's verdict on one delivery.
type Result struct {
	Kind   Kind
	Detail string
}

func Done() Result               { return Result{Kind: KindDone} }
func Retry(detail string) Result { return Result{Kind: KindRetry, Detail: detail} }
func Fatal(detail string) Result { return Result{Kind: KindFatal, Detail: detail} }

// Handler processes one event payload.
type Handler func(ctx context.Context, payload json.RawMessage) Result

// ExhaustedHook runs when an event's retry budget runs out, so the owning
// component can reconcile durable state (e.g. mark a machine failed).
type ExhaustedHook func(ctx context.Context, payload json.RawMessage, detail string)

// Queue is the slice of the store the dispatcher drains.
type Queue interface {
	ClaimOutboxEvents(ctx context.Context, limit int) ([]db.OutboxEvent, error)
	CompleteOutboxEvent(ctx context.Context, id uuid.UUID) error
	RetryOutboxEvent(ctx context.Context, id uuid.UUID, backoff time.Duration, errMsg string) error
	FailOutboxEvent(ctx context.Context, id uuid.UUID, errMsg string) error
	RequeueStaleOutboxEvents(ctx context.Context, olderThan time.Duration) (int, error)
	CountPendingOutboxEvents(ctx context.Context) (int, error)
}

// Options tune the dispatcher.
type Options struct {
	PollInterval time.Duration // default 2s
	MaxAttempts  int           // retry budget, default 5
	RetryBackoff time.Duration // base backoff between redeliveries, default 5s
	BatchSize    int           // default 16
	StaleAfter   time.Duration // processing claims older than this are requeued, default 5m
	NATSURL      string        // optional wake channel + event mirror
}

// Dispatcher polls the outbox, dispatches claimed events, and reconciles
// their rows with the handler verdicts. Polling is the source of truth;
// the NATS wake subject only shortens the latency between an API enqueue
// and the next poll.
type Dispatcher struct {
	queue     Queue
	opts      Options
	handlers  map[string]Handler
	exhausted map[string]ExhaustedHook
	nc        *nats.Conn
	wake      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given queue.
func NewDispatcher(queue Queue, opts Options) (*Dispatcher, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}

	d := &Dispatcher{
		queue:     queue,
		opts:      opts,
		handlers:  make(map[string]Handler),
		exhausted: make(map[string]ExhaustedHook),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}

	if opts.NATSURL != "" {
		nc, err := nats.Connect(opts.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Printf("dispatcher: NATS not available: %v (continuing with polling only)", err)
		} else {
			d.nc = nc
		}
	}

	return d, nil
}

// Register binds a handler to an event name. Must be called before Start.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// OnExhausted binds a retry-budget-exhausted hook to an event name.
func (d *Dispatcher) OnExhausted(name string, hook ExhaustedHook) {
	d.exhausted[name] = hook
}

// Start begins the poll loop.
func (d *Dispatcher) Start() {
	if d.nc != nil {
		if _, err := d.nc.Subscribe("outbox.wake", func(*nats.Msg) { d.Wake() }); err != nil {
			log.Printf("dispatcher: failed to subscribe to outbox.wake: %v", err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.poll()
			case <-d.wake:
				d.poll()
			case <-d.stop:
				return
			}
		}
	}()
}

// Wake triggers an immediate poll. Safe to call from any goroutine; a wake
// during an in-flight poll coalesces into one more poll.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop halts the poll loop and closes the NATS connection.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
	if d.nc != nil {
		d.nc.Close()
	}
}

func (d *Dispatcher) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if n, err := d.queue.RequeueStaleOutboxEvents(ctx, d.opts.StaleAfter); err != nil {
		log.Printf("dispatcher: failed to requeue stale events: %v", err)
	} else if n > 0 {
		log.Printf("dispatcher: requeued %d stale events", n)
	}

	events, err := d.queue.ClaimOutboxEvents(ctx, d.opts.BatchSize)
	if err != nil {
		log.Printf("dispatcher: failed to claim events: %v", err)
		return
	}

	for _, event := range events {
		d.dispatch(ctx, event)
	}

	if pending, err := d.queue.CountPendingOutboxEvents(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event db.OutboxEvent) {
	handler, ok := d.handlers[event.Name]
	if !ok {
		log.Printf("dispatcher: no handler for %s, dead-lettering event %s", event.Name, event.ID)
		d.fail(ctx, event, "no handler registered for "+event.Name)
		return
	}

	result := handler(ctx, event.Payload)

	switch result.Kind {
	case KindDone:
		if err := d.queue.CompleteOutboxEvent(ctx, event.ID); err != nil {
			log.Printf("dispatcher: failed to complete event %s: %v", event.ID, err)
			return
		}
		metrics.OutboxEventsTotal.WithLabelValues(event.Name, "done").Inc()
		d.mirror(event)

	case KindRetry:
		// Attempts counts completed deliveries; this delivery is one more.
		if event.Attempts+1 >= d.opts.MaxAttempts {
			log.Printf("dispatcher: %s event %s exhausted %d attempts: %s",
				event.Name, event.ID, event.Attempts+1, result.Detail)
			d.fail(ctx, event, result.Detail)
			return
		}
		backoff := time.Duration(event.Attempts+1) * d.opts.RetryBackoff
		if err := d.queue.RetryOutboxEvent(ctx, event.ID, backoff, result.Detail); err != nil {
			log.Printf("dispatcher: failed to requeue event %s: %v", event.ID, err)
			return
		}
		metrics.OutboxEventsTotal.WithLabelValues(event.Name, "retry").Inc()

	case KindFatal:
		log.Printf("dispatcher: %s event %s failed fatally: %s", event.Name, event.ID, result.Detail)
		d.fail(ctx, event, result.Detail)
	}
}

func (d *Dispatcher) fail(ctx context.Context, event db.OutboxEvent, detail string) {
	if err := d.queue.FailOutboxEvent(ctx, event.ID, detail); err != nil {
		log.Printf("dispatcher: failed to dead-letter event %s: %v", event.ID, err)
		return
	}
	metrics.OutboxEventsTotal.WithLabelValues(event.Name, "failed").Inc()
	if hook, ok := d.exhausted[event.Name]; ok {
		hook(ctx, event.Payload, detail)
	}
}

// mirror publishes a completed event to NATS for external observers.
// Best-effort: the DB row is the durable record.
func (d *Dispatcher) mirror(event db.OutboxEvent) {
	if d.nc == nil {
		return
	}
	data, _ := json.Marshal(map[string]interface{}{
		"name":      event.Name,
		"payload":   event.Payload,
		"timestamp": time.Now().UTC(),
	})
	if err := d.nc.Publish("machines.events."+event.Name, data); err != nil {
		log.Printf("dispatcher: failed to mirror event %s: %v", event.Name, err)
	}
}
