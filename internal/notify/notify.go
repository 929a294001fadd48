// Package notify fans lifecycle events out to notification channels.
// Delivery is best effort: failures are logged and counted, never returned
// to the state machine.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jordanhubbard/holly/pkg/models"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventPlanned            EventType = "planned"
	EventDecided            EventType = "decided"
	EventReviewRequested    EventType = "review_requested"
	EventGuardrailViolation EventType = "guardrail_violation"
	EventPRCreated          EventType = "pr_created"
	EventMerged             EventType = "merged"
	EventRejected           EventType = "rejected"
	EventClosed             EventType = "closed"
	EventDeployed           EventType = "deployed"
	EventFailed             EventType = "failed"
	EventRolledBack         EventType = "rolled_back"
)

// Event is one notification.
type Event struct {
	Type          EventType      `json:"type"`
	ImprovementID string         `json:"improvement_id"`
	Status        models.Status  `json:"status"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	PRURL         string         `json:"pr_url,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Sink accepts events without blocking the caller on delivery.
type Sink interface {
	Notify(ctx context.Context, ev Event)
}

// Channel delivers an event to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(context.Context, Event) {}

// Dispatcher sends every event to every registered channel concurrently,
// each under its own timeout.
type Dispatcher struct {
	mu        sync.RWMutex
	channels  []Channel
	timeout   time.Duration
	logger    *slog.Logger
	onFailure func(channel string, err error)
	wg        sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each channel send.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithFailureHook is called once per failed delivery, e.g. to count it.
func WithFailureHook(fn func(channel string, err error)) Option {
	return func(x *Dispatcher) { x.onFailure = fn }
}

// NewDispatcher creates a dispatcher with the given channels.
func NewDispatcher(channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: append([]Channel(nil), channels...),
		timeout:  10 * time.Second,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ Sink = (*Dispatcher)(nil)

// Register adds a channel.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
}

// Notify implements Sink. It returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	channels := append([]Channel(nil), d.channels...)
	d.mu.RUnlock()

	// Delivery outlives the request that triggered it.
	base := context.WithoutCancel(ctx)
	for _, ch := range channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, ev); err != nil {
				d.logger.Warn("notification failed",
					"channel", ch.Name(), "event", ev.Type, "improvement_id", ev.ImprovementID, "error", err)
				if d.onFailure != nil {
					d.onFailure(ch.Name(), err)
				}
			}
		}(ch)
	}
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
