// Package messaging implements the in-process event bus that carries session
// events from orchestrators to their subscribers.
package messaging

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// EventBus delivers events asynchronously on a fixed set of workers. Events of
// one aggregate always land on the same worker, so a session's snapshots
// reach subscribers in the order they were published. Publish does not block
// for ordinary events: when a worker's queue is full the event is dropped and
// counted. Guaranteed event types wait up to GuaranteedWait for room first.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler

	queues   []chan shared.Event
	logger   *slog.Logger
	observer BusObserver

	guaranteed map[shared.EventType]bool
	wait       time.Duration

	closed bool
	wg     sync.WaitGroup
}

// BusObserver receives bus activity for metrics.
type BusObserver interface {
	EventPublished(eventType shared.EventType)
	EventDropped(eventType shared.EventType)
	HandlerDone(eventType shared.EventType, duration time.Duration, err error)
}

// EventBusConfig contains configuration for EventBus.
type EventBusConfig struct {
	// Workers is the number of delivery goroutines.
	Workers int

	// QueueSize is the per-worker buffer.
	QueueSize int

	// Logger for structured logging
	Logger *slog.Logger

	// Observer is optional.
	Observer BusObserver

	// Guaranteed lists event types whose loss would lose data, such as the
	// recap carried by session.ended. Nil means the default list.
	Guaranteed []shared.EventType

	// GuaranteedWait bounds how long Publish waits for queue room for a
	// guaranteed event.
	GuaranteedWait time.Duration
}

// DefaultEventBusConfig returns sensible defaults.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Workers:        4,
		QueueSize:      256,
		Guaranteed:     []shared.EventType{shared.EventSessionEnded},
		GuaranteedWait: 2 * time.Second,
	}
}

// NewEventBus creates an event bus and starts its workers.
func NewEventBus(config EventBusConfig) *EventBus {
	def := DefaultEventBusConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Guaranteed == nil {
		config.Guaranteed = def.Guaranteed
	}
	if config.GuaranteedWait <= 0 {
		config.GuaranteedWait = def.GuaranteedWait
	}

	bus := &EventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		queues:     make([]chan shared.Event, config.Workers),
		logger:     config.Logger.With("component", "event_bus"),
		observer:   config.Observer,
		guaranteed: make(map[shared.EventType]bool, len(config.Guaranteed)),
		wait:       config.GuaranteedWait,
	}
	for _, t := range config.Guaranteed {
		bus.guaranteed[t] = true
	}
	for i := range bus.queues {
		bus.queues[i] = make(chan shared.Event, config.QueueSize)
		bus.wg.Add(1)
		go bus.worker(bus.queues[i])
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *EventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("subscribed handler", "event_type", eventType)

	return nil
}

// SubscribeAll registers a handler for all events.
func (b *EventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	b.logger.Debug("subscribed global handler")

	return nil
}

// Publish queues an event for delivery.
func (b *EventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrEventBusClosed
	}

	queue := b.queues[shard(event.AggregateID(), len(b.queues))]
	select {
	case queue <- event:
		b.published(event)
		return nil
	default:
	}

	if b.guaranteed[event.EventType()] {
		timer := time.NewTimer(b.wait)
		defer timer.Stop()
		select {
		case queue <- event:
			b.published(event)
			return nil
		case <-timer.C:
		}
		if b.observer != nil {
			b.observer.EventDropped(event.EventType())
		}
		b.logger.Error("event queue full, guaranteed event lost",
			"event_type", event.EventType(),
			"aggregate_id", event.AggregateID(),
			"waited", b.wait,
		)
		return ErrQueueFull
	}

	if b.observer != nil {
		b.observer.EventDropped(event.EventType())
	}
	b.logger.Warn("event queue full, dropping event",
		"event_type", event.EventType(),
		"aggregate_id", event.AggregateID(),
	)
	return ErrQueueFull
}

func (b *EventBus) published(event shared.Event) {
	if b.observer != nil {
		b.observer.EventPublished(event.EventType())
	}
}

func (b *EventBus) worker(queue <-chan shared.Event) {
	defer b.wg.Done()
	for event := range queue {
		b.deliver(event)
	}
}

func (b *EventBus) deliver(event shared.Event) {
	b.mu.RLock()
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		start := time.Now()
		err := safeCall(handler, event)
		duration := time.Since(start)

		if b.observer != nil {
			b.observer.HandlerDone(event.EventType(), duration, err)
		}
		if err != nil {
			b.logger.Error("handler error",
				"event_type", event.EventType(),
				"aggregate_id", event.AggregateID(),
				"duration", duration,
				"error", err,
			)
		}
	}
}

// Close stops accepting events, delivers everything already queued and waits
// for the workers to finish.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.logger.Info("event bus closed")
	return nil
}

// Pending returns the number of queued, undelivered events.
func (b *EventBus) Pending() int {
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrQueueFull is returned when an event could not be queued.
	ErrQueueFull = errors.New("event queue is full")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
)

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func safeCall(handler shared.EventHandler, event shared.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return handler(event)
}

type panicError struct{ value any }

func (e panicError) Error() string        { return fmt.Sprintf("handler panicked: %v", e.value) }
func (e panicError) Is(target error) bool { return target == ErrHandlerPanic }
