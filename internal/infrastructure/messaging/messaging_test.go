package messaging_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/messaging"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

func stateEvent(session string, version int64) shared.Event {
	return teaching.NewStateChangedEvent(teaching.Snapshot{
		SessionID: shared.SessionID(session),
		Version:   version,
		UpdatedAt: time.Now(),
	})
}

type countingObserver struct {
	published, dropped, failed atomic.Int64
}

func (o *countingObserver) EventPublished(shared.EventType) { o.published.Add(1) }
func (o *countingObserver) EventDropped(shared.EventType)   { o.dropped.Add(1) }
func (o *countingObserver) HandlerDone(_ shared.EventType, _ time.Duration, err error) {
	if err != nil {
		o.failed.Add(1)
	}
}

func TestEventBus_PreservesOrderPerSession(t *testing.T) {
	bus := messaging.NewEventBus(messaging.EventBusConfig{Workers: 4, QueueSize: 512, Logger: logger.Discard()})

	var mu sync.Mutex
	seen := map[string][]int64{}
	require.NoError(t, bus.Subscribe(shared.EventSessionStateChanged, func(ev shared.Event) error {
		sc := ev.(teaching.StateChangedEvent)
		mu.Lock()
		seen[sc.AggregateID()] = append(seen[sc.AggregateID()], sc.Snapshot.Version)
		mu.Unlock()
		return nil
	}))

	sessions := []string{"s1", "s2", "s3", "s4", "s5"}
	for v := int64(1); v <= 50; v++ {
		for _, s := range sessions {
			require.NoError(t, bus.Publish(stateEvent(s, v)))
		}
	}
	require.NoError(t, bus.Close())

	for _, s := range sessions {
		got := seen[s]
		require.Len(t, got, 50, s)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], s)
		}
	}
}

func TestEventBus_DropsWhenQueueFull(t *testing.T) {
	obs := &countingObserver{}
	bus := messaging.NewEventBus(messaging.EventBusConfig{Workers: 1, QueueSize: 1, Logger: logger.Discard(), Observer: obs})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))

	require.NoError(t, bus.Publish(stateEvent("s1", 1)))
	<-started
	require.NoError(t, bus.Publish(stateEvent("s1", 2)))
	assert.ErrorIs(t, bus.Publish(stateEvent("s1", 3)), messaging.ErrQueueFull)

	close(release)
	require.NoError(t, bus.Close())
	assert.Equal(t, int64(2), obs.published.Load())
	assert.Equal(t, int64(1), obs.dropped.Load())
	assert.ErrorIs(t, bus.Publish(stateEvent("s1", 4)), messaging.ErrEventBusClosed)
}

func TestEventBus_WaitsForRoomForSessionEnded(t *testing.T) {
	obs := &countingObserver{}
	bus := messaging.NewEventBus(messaging.EventBusConfig{Workers: 1, QueueSize: 1, Logger: logger.Discard(), Observer: obs})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var ended atomic.Int64
	require.NoError(t, bus.SubscribeAll(func(ev shared.Event) error {
		once.Do(func() { close(started) })
		<-release
		if ev.EventType() == shared.EventSessionEnded {
			ended.Add(1)
		}
		return nil
	}))

	require.NoError(t, bus.Publish(stateEvent("s1", 1)))
	<-started
	require.NoError(t, bus.Publish(stateEvent("s1", 2)))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	recap := teaching.Recap{SessionID: "s1", UserID: "u1", Reason: teaching.EndRequested}
	require.NoError(t, bus.Publish(teaching.NewSessionEndedEvent(recap, 3)))

	require.NoError(t, bus.Close())
	assert.Equal(t, int64(1), ended.Load())
	assert.Zero(t, obs.dropped.Load())
}

func TestEventBus_GivesUpOnGuaranteedEventAfterWait(t *testing.T) {
	obs := &countingObserver{}
	bus := messaging.NewEventBus(messaging.EventBusConfig{
		Workers:        1,
		QueueSize:      1,
		Logger:         logger.Discard(),
		Observer:       obs,
		GuaranteedWait: 20 * time.Millisecond,
	})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))

	require.NoError(t, bus.Publish(stateEvent("s1", 1)))
	<-started
	require.NoError(t, bus.Publish(stateEvent("s1", 2)))

	recap := teaching.Recap{SessionID: "s1", UserID: "u1", Reason: teaching.EndRequested}
	assert.ErrorIs(t, bus.Publish(teaching.NewSessionEndedEvent(recap, 3)), messaging.ErrQueueFull)
	assert.Equal(t, int64(1), obs.dropped.Load())

	close(release)
	require.NoError(t, bus.Close())
}

func TestEventBus_RecoversFromPanics(t *testing.T) {
	obs := &countingObserver{}
	bus := messaging.NewEventBus(messaging.EventBusConfig{Workers: 1, Logger: logger.Discard(), Observer: obs})

	var after atomic.Int64
	require.NoError(t, bus.Subscribe(shared.EventSessionEnded, func(shared.Event) error { panic("boom") }))
	require.NoError(t, bus.Subscribe(shared.EventSessionEnded, func(shared.Event) error {
		after.Add(1)
		return nil
	}))

	require.NoError(t, bus.Publish(teaching.NewSessionEndedEvent(teaching.Recap{SessionID: "s1"}, 3)))
	require.NoError(t, bus.Close())

	assert.Equal(t, int64(1), after.Load())
	assert.Equal(t, int64(1), obs.failed.Load())
}

func TestDispatcher_DeadLettersFailures(t *testing.T) {
	bus := messaging.NewEventBus(messaging.EventBusConfig{Workers: 2, Logger: logger.Discard()})
	d := messaging.NewDispatcher(messaging.DispatcherConfig{EventBus: bus, DeadLetterQueueSize: 10, Logger: logger.Discard()})
	d.Use(messaging.LoggingMiddleware(logger.Discard()))

	require.NoError(t, d.Register(shared.EventSessionEnded, "recap_writer", func(shared.Event) error {
		return errors.New("db down")
	}))
	require.NoError(t, d.RegisterHandler(shared.EventSessionStateChanged, messaging.HandlerRegistration{
		Name:    "slow_cache",
		Timeout: 20 * time.Millisecond,
		Handler: func(shared.Event) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}))
	assert.Error(t, d.Register(shared.EventSessionEnded, "recap_writer", func(shared.Event) error { return nil }))

	require.NoError(t, bus.Publish(teaching.NewSessionEndedEvent(teaching.Recap{SessionID: "s1"}, 1)))
	require.NoError(t, bus.Publish(stateEvent("s2", 1)))
	require.NoError(t, bus.Close())

	dlq := d.DeadLetterQueue()
	require.Equal(t, 2, dlq.Size())
	names := map[string]bool{}
	for _, e := range dlq.Entries() {
		names[e.HandlerName] = true
	}
	assert.True(t, names["recap_writer"])
	assert.True(t, names["slow_cache"])
	assert.Len(t, d.Handlers(), 2)

	first, ok := dlq.Pop()
	require.True(t, ok)
	assert.Error(t, first.Error)
	assert.Equal(t, 1, dlq.Size())
}
