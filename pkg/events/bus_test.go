package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, token := bus.Subscribe(TypeWorkerReady, PriorityNormal, 4)
	defer bus.Unsubscribe(token)

	bus.Publish(New(TypeWorkerReady, "cluster", WorkerPayload{WorkerID: 1, PID: 4321}))

	select {
	case e := <-ch:
		payload, ok := e.Payload.(WorkerPayload)
		if !ok {
			t.Fatalf("unexpected payload type: %T", e.Payload)
		}
		if payload.WorkerID != 1 {
			t.Errorf("WorkerID = %d, want 1", payload.WorkerID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_UnrelatedTypeNotDelivered(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, token := bus.Subscribe(TypeWorkerReady, PriorityNormal, 4)
	defer bus.Unsubscribe(token)

	bus.Publish(New(TypeWorkerCrashed, "cluster", WorkerPayload{WorkerID: 2}))

	select {
	case e := <-ch:
		t.Fatalf("unexpected event delivered: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_MultipleSubscribersSameType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, t1 := bus.Subscribe(TypeRoutePromoted, PriorityHigh, 4)
	ch2, t2 := bus.Subscribe(TypeRoutePromoted, PriorityLow, 4)
	defer bus.Unsubscribe(t1)
	defer bus.Unsubscribe(t2)

	bus.Publish(New(TypeRoutePromoted, "precompiler", RoutePromotionPayload{Pattern: "/users/:id", ToTier: "advanced"}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, token := bus.Subscribe(TypeCacheEntryEvicted, PriorityNormal, 4)
	bus.Unsubscribe(token)

	bus.Publish(New(TypeCacheEntryEvicted, "cache", CacheEvictionPayload{KeyHash: "abc"}))

	_, open := <-ch
	if open {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slowCh, slowToken := bus.Subscribe(TypeRouteStatsUpdated, PriorityNormal, 1)
	fastCh, fastToken := bus.Subscribe(TypeRouteStatsUpdated, PriorityNormal, 4)
	defer bus.Unsubscribe(slowToken)
	defer bus.Unsubscribe(fastToken)

	// Fill the slow subscriber's buffer without draining it.
	for i := 0; i < 4; i++ {
		bus.Publish(New(TypeRouteStatsUpdated, "precompiler", RouteStatsPayload{Pattern: "/p"}))
	}

	drained := 0
	for drained < 4 {
		select {
		case <-fastCh:
			drained++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber only received %d/4 events", drained)
		}
	}

	_ = slowCh
}

func TestBus_PriorityOrderingOnSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, lowToken := bus.Subscribe(TypeWorkerParked, PriorityLow, 4)
	_, highToken := bus.Subscribe(TypeWorkerParked, PriorityCritical, 4)
	defer bus.Unsubscribe(lowToken)
	defer bus.Unsubscribe(highToken)

	bus.mu.RLock()
	subs := bus.subscribers[TypeWorkerParked]
	bus.mu.RUnlock()

	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}
	if subs[0].priority < subs[1].priority {
		t.Error("subscribers should be sorted by descending priority")
	}
}
