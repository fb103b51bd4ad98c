package server

import (
	"context"
	"testing"
	"time"

	"github.com/nimbuschat/feedsync/internal/feed"
	"github.com/nimbuschat/feedsync/internal/live"
)

func testEvent(id string) live.Event {
	return live.Event{
		ScopeKey: "chat:42",
		Item: feed.Item{
			ID:              id,
			Kind:            feed.KindChatMessage,
			ScopeKey:        "chat:42",
			CreatedAtMillis: 1000,
			Version:         1,
		},
	}
}

func TestDispatcherDeliversToEverySubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, firstCleanup := dispatcher.Subscribe(ctx, "alice")
	defer firstCleanup()
	second, secondCleanup := dispatcher.Subscribe(ctx, "alice")
	defer secondCleanup()

	dispatcher.Publish("alice", testEvent("m1"))

	for _, stream := range []<-chan live.Event{first, second} {
		select {
		case event := <-stream:
			if event.Item.ID != "m1" {
				t.Fatalf("unexpected event: %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected event delivery")
		}
	}
}

func TestDispatcherIsolatesUsers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "bob")
	defer cleanup()

	dispatcher.Publish("alice", testEvent("m1"))

	select {
	case event := <-stream:
		t.Fatalf("unexpected cross-user delivery: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "alice")
	cleanup()

	dispatcher.Publish("alice", testEvent("m1"))

	select {
	case event, open := <-stream:
		if open {
			t.Fatalf("unexpected delivery after cleanup: %+v", event)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherDropsEventsForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "alice")
	defer cleanup()

	// Nobody drains the stream; the dispatcher must not block.
	for i := 0; i < 100; i++ {
		dispatcher.Publish("alice", testEvent("m1"))
	}

	drained := 0
	for {
		select {
		case <-stream:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained > 16 {
		t.Fatalf("expected buffered delivery only, drained %d", drained)
	}
}
