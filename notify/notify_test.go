package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gifconv/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func progressEvent(owner, id string, p int) models.Event {
	return models.Event{ConversionID: id, OwnerID: owner, Status: models.StatusProcessing, Progress: &p}
}

func TestHub_DeliversOnlyToOwner(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	mine, leaveMine := hub.Subscribe("u1")
	defer leaveMine()
	theirs, leaveTheirs := hub.Subscribe("u2")
	defer leaveTheirs()

	_ = hub.Publish(context.Background(), progressEvent("u1", "c1", 10))

	select {
	case ev := <-mine:
		if ev.ConversionID != "c1" || *ev.Progress != 10 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("owner did not receive event")
	}
	select {
	case ev := <-theirs:
		t.Fatalf("other owner received %+v", ev)
	default:
	}
}

func TestHub_FansOutToEveryConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a, leaveA := hub.Subscribe("u1")
	defer leaveA()
	b, leaveB := hub.Subscribe("u1")
	defer leaveB()

	if hub.Connected("u1") != 2 {
		t.Fatalf("expected 2 connections, got %d", hub.Connected("u1"))
	}
	_ = hub.Publish(context.Background(), progressEvent("u1", "c1", 5))

	for _, ch := range []<-chan models.Event{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("connection missed event")
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, leave := hub.Subscribe("u1")
	defer leave()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			_ = hub.Publish(context.Background(), progressEvent("u1", "c1", i%100))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHub_UnsubscribeClosesAndLeaves(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ch, leave := hub.Subscribe("u1")
	leave()
	leave()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if hub.Connected("u1") != 0 {
		t.Fatal("owner group should be empty")
	}
	_ = hub.Publish(context.Background(), progressEvent("u1", "c1", 1))
}

func TestWireEvent_KeepsOwner(t *testing.T) {
	payload, _ := json.Marshal(wireEvent{OwnerID: "u1", Event: progressEvent("u1", "c1", 3)})

	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if w.OwnerID != "u1" || w.ConversionID != "c1" || *w.Progress != 3 {
		t.Fatalf("unexpected wire event: %+v", w)
	}

	client, _ := json.Marshal(w.Event)
	var fields map[string]any
	_ = json.Unmarshal(client, &fields)
	if _, ok := fields["ownerId"]; ok {
		t.Fatal("owner must not reach clients")
	}
}

func TestRedisRelay_ForwardsIntoHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(zerolog.Nop())
	relay := NewRedisRelay(client, "conversion:events", hub, zerolog.Nop())
	events, leave := hub.Subscribe("u1")
	defer leave()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("conversion:events")["conversion:events"] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := relay.Publish(ctx, progressEvent("u1", "c1", 42)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.OwnerID != "u1" || ev.ConversionID != "c1" || *ev.Progress != 42 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not relayed")
	}
}
