package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conveyor/internal/bus"
)

func collectEvents(t *testing.T, b bus.Bus, subject, group string) (<-chan bus.Event, bus.Subscription) {
	t.Helper()
	events := make(chan bus.Event, 16)
	sub, err := b.Subscribe(subject, group, func(_ context.Context, evt bus.Event) error {
		events <- evt
		return nil
	})
	require.NoError(t, err)
	return events, sub
}

func waitForEvent(t *testing.T, events <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestMemoryPublishReachesSubscriber(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()

	subject := bus.DispatchSubject("intake")
	events, _ := collectEvents(t, b, subject, "invoker")

	sent := bus.Event{
		RequestID:  "req-1",
		Stage:      "intake",
		Type:       bus.EventDispatched,
		PayloadRef: "payload://1",
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, b.Publish(context.Background(), subject, sent))

	got := waitForEvent(t, events)
	require.Equal(t, sent.RequestID, got.RequestID)
	require.Equal(t, bus.EventDispatched, got.Type)
}

func TestMemoryGroupsEachReceiveEvents(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()

	subject := bus.ResultSubject("safety")
	orchestrator, _ := collectEvents(t, b, subject, "orchestrator")
	audit, _ := collectEvents(t, b, subject, "audit")

	require.NoError(t, b.Publish(context.Background(), subject, bus.Event{RequestID: "req-2", Stage: "safety", Type: bus.EventSucceeded}))

	require.Equal(t, "req-2", waitForEvent(t, orchestrator).RequestID)
	require.Equal(t, "req-2", waitForEvent(t, audit).RequestID)
}

func TestMemoryRedeliversOnHandlerError(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()

	subject := bus.ResultSubject("runner")
	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{})
	_, err := b.Subscribe(subject, "orchestrator", func(_ context.Context, evt bus.Event) error {
		mu.Lock()
		deliveries++
		count := deliveries
		mu.Unlock()
		if count < 3 {
			return errors.New("transient handler failure")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), subject, bus.Event{RequestID: "req-3", Stage: "runner", Type: bus.EventFailed}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not redelivered until success")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, deliveries)
}

func TestMemoryPreservesPublishOrder(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()

	subject := bus.DispatchSubject("classifier")
	events, _ := collectEvents(t, b, subject, "invoker")

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), subject, bus.Event{RequestID: "req-order", Stage: "classifier", Attempt: i, Type: bus.EventDispatched}))
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, i, waitForEvent(t, events).Attempt)
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()

	subject := bus.DispatchSubject("registrar")
	events, sub := collectEvents(t, b, subject, "invoker")
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), subject, bus.Event{RequestID: "req-4", Stage: "registrar"}))

	select {
	case evt := <-events:
		t.Fatalf("unexpected delivery after unsubscribe: %#v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryRejectsDuplicateGroup(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()

	subject := bus.DispatchSubject("intake")
	_, err := b.Subscribe(subject, "invoker", func(context.Context, bus.Event) error { return nil })
	require.NoError(t, err)
	_, err = b.Subscribe(subject, "invoker", func(context.Context, bus.Event) error { return nil })
	require.Error(t, err)
}

func TestEventTypeTerminal(t *testing.T) {
	require.False(t, bus.EventDispatched.Terminal())
	require.True(t, bus.EventSucceeded.Terminal())
	require.True(t, bus.EventFailed.Terminal())
	require.True(t, bus.EventTimedOut.Terminal())
}
