package messaging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher wires named handlers onto a bus. Every handler runs through the
// dispatcher's middleware chain; a handler that still fails is recorded in
// the dead letter queue.
type Dispatcher struct {
	eventBus    shared.EventSubscriber
	middlewares []Middleware
	deadLetterQ *DeadLetterQueue
	logger      *slog.Logger
	mu          sync.RWMutex
	registered  map[string]shared.EventType
}

// HandlerRegistration contains handler metadata.
type HandlerRegistration struct {
	Name    string
	Handler shared.EventHandler

	// Timeout bounds a single execution. Zero means no bound.
	Timeout time.Duration
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// EventBus is the underlying event bus
	EventBus shared.EventSubscriber

	// DeadLetterQueueSize is the max size of the DLQ; zero disables it.
	DeadLetterQueueSize int

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig(eventBus shared.EventSubscriber) DispatcherConfig {
	return DispatcherConfig{
		EventBus:            eventBus,
		DeadLetterQueueSize: 500,
	}
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	d := &Dispatcher{
		eventBus:   config.EventBus,
		logger:     config.Logger.With("component", "dispatcher"),
		registered: make(map[string]shared.EventType),
	}
	if config.DeadLetterQueueSize > 0 {
		d.deadLetterQ = NewDeadLetterQueue(config.DeadLetterQueueSize)
	}
	return d
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// RegisterHandler subscribes a handler for an event type. Middleware added
// with Use after registration does not apply to it.
func (d *Dispatcher) RegisterHandler(eventType shared.EventType, reg HandlerRegistration) error {
	if reg.Handler == nil {
		return fmt.Errorf("handler %q is nil", reg.Name)
	}
	if reg.Name == "" {
		return fmt.Errorf("handler for %s needs a name", eventType)
	}

	d.mu.Lock()
	if _, dup := d.registered[reg.Name]; dup {
		d.mu.Unlock()
		return fmt.Errorf("handler %q already registered", reg.Name)
	}
	d.registered[reg.Name] = eventType
	chain := reg.Handler
	if reg.Timeout > 0 {
		chain = TimeoutMiddleware(reg.Timeout)(chain)
	}
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		chain = d.middlewares[i](chain)
	}
	d.mu.Unlock()

	name := reg.Name
	err := d.eventBus.Subscribe(eventType, func(event shared.Event) error {
		err := chain(event)
		if err != nil && d.deadLetterQ != nil {
			d.deadLetterQ.Add(DeadLetterEntry{
				Event:       event,
				HandlerName: name,
				Error:       err,
				FailedAt:    time.Now(),
			})
		}
		return err
	})
	if err != nil {
		d.mu.Lock()
		delete(d.registered, reg.Name)
		d.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", reg.Name, err)
	}

	d.logger.Debug("handler registered",
		"handler", reg.Name,
		"event_type", eventType,
	)
	return nil
}

// Register is RegisterHandler with default settings.
func (d *Dispatcher) Register(eventType shared.EventType, name string, handler shared.EventHandler) error {
	return d.RegisterHandler(eventType, HandlerRegistration{Name: name, Handler: handler})
}

// Handlers returns registered handler names with their event types.
func (d *Dispatcher) Handlers() map[string]shared.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]shared.EventType, len(d.registered))
	for k, v := range d.registered {
		out[k] = v
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// Use adds middleware for handlers registered afterwards.
func (d *Dispatcher) Use(middleware Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware)
}

// LoggingMiddleware logs handler execution.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			duration := time.Since(start)

			if err != nil {
				logger.Error("handler failed",
					"event_type", event.EventType(),
					"aggregate_id", event.AggregateID(),
					"duration", duration,
					"error", err,
				)
			} else {
				logger.Debug("handler completed",
					"event_type", event.EventType(),
					"aggregate_id", event.AggregateID(),
					"duration", duration,
				)
			}

			return err
		}
	}
}

// TimeoutMiddleware stops waiting for a handler after timeout. The handler
// goroutine is left to finish on its own.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			done := make(chan error, 1)

			go func() {
				done <- safeCall(next, event)
			}()

			timer := time.NewTimer(timeout)
			defer timer.Stop()

			select {
			case err := <-done:
				return err
			case <-timer.C:
				return fmt.Errorf("handler timeout after %v", timeout)
			}
		}
	}
}

// DeadLetterQueue returns the dead letter queue, nil when disabled.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a failed event.
type DeadLetterEntry struct {
	Event       shared.Event
	HandlerName string
	Error       error
	FailedAt    time.Time
}

// DeadLetterQueue keeps the most recent failures, oldest dropped first.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add adds an entry to the queue.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}
