package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/presence"
)

type fakePusher struct {
	mu     sync.Mutex
	pushed []event.Event
	err    error
}

func (f *fakePusher) Push(_ context.Context, _ int64, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, ev)
	return nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func newTestDispatcher(t *testing.T, pusher Pusher) (*Dispatcher, *presence.Registry) {
	t.Helper()
	reg := presence.New(time.Minute, zerolog.Nop())
	d := New(reg, pusher, zerolog.Nop())
	d.sendTimeout = 50 * time.Millisecond
	return d, reg
}

// waitForPushes polls until the background fallback has handed n events to
// the pusher.
func waitForPushes(t *testing.T, pusher *fakePusher, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for pusher.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pushes, got %d", n, pusher.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeliverLive(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakePusher{})
	ch := reg.Connect(7)

	ev := event.Event{Kind: event.KindCallIncoming, SessionID: "s1", CalleeID: 7}
	if got := d.Deliver(context.Background(), 7, ev); got != DeliveredLive {
		t.Fatalf("expected DeliveredLive, got %v", got)
	}

	select {
	case received := <-ch.Events:
		if received.SessionID != "s1" {
			t.Fatalf("wrong event delivered: %+v", received)
		}
	default:
		t.Fatal("event not on the live channel")
	}
}

func TestDeliverOfflineFallsBack(t *testing.T) {
	pusher := &fakePusher{}
	d, _ := newTestDispatcher(t, pusher)

	ev := event.Event{Kind: event.KindCallIncoming, SessionID: "s1"}
	if got := d.Deliver(context.Background(), 7, ev); got != QueuedFallback {
		t.Fatalf("expected QueuedFallback, got %v", got)
	}
	waitForPushes(t, pusher, 1)
}

func TestDeliverOfflineDropsProgressEvents(t *testing.T) {
	pusher := &fakePusher{}
	d, _ := newTestDispatcher(t, pusher)

	// A ringing confirmation is useless to an offline user.
	ev := event.Event{Kind: event.KindCallRinging, SessionID: "s1"}
	if got := d.Deliver(context.Background(), 7, ev); got != Dropped {
		t.Fatalf("expected Dropped, got %v", got)
	}
	if pusher.count() != 0 {
		t.Fatalf("expected no pushes, got %d", pusher.count())
	}
}

func TestDeliverFullChannelFallsBack(t *testing.T) {
	pusher := &fakePusher{}
	d, reg := newTestDispatcher(t, pusher)

	ch := reg.Connect(7)
	// Fill the buffer so the live send cannot complete.
	for i := 0; i < cap(ch.Events); i++ {
		ch.Events <- event.Event{Kind: event.KindCallRinging}
	}

	ev := event.Event{Kind: event.KindCallIncoming, SessionID: "s1"}
	if got := d.Deliver(context.Background(), 7, ev); got != QueuedFallback {
		t.Fatalf("expected QueuedFallback on a full channel, got %v", got)
	}
	waitForPushes(t, pusher, 1)
}

func TestDeliverPushFailureIsAbsorbed(t *testing.T) {
	pusher := &fakePusher{err: errors.New("gateway down")}
	d, _ := newTestDispatcher(t, pusher)

	// The push runs in the background; its failure is logged, never
	// surfaced to the caller.
	ev := event.Event{Kind: event.KindCallMissed, SessionID: "s1"}
	if got := d.Deliver(context.Background(), 7, ev); got != QueuedFallback {
		t.Fatalf("expected QueuedFallback, got %v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if pusher.count() != 0 {
		t.Fatalf("expected no recorded pushes, got %d", pusher.count())
	}
}

func TestDeliverReplacedChannel(t *testing.T) {
	pusher := &fakePusher{}
	d, reg := newTestDispatcher(t, pusher)

	// Replace the connection; a racing Deliver may still hold the old
	// channel, but a fresh lookup finds the new one.
	reg.Connect(7)
	reg.Connect(7)

	ev := event.Event{Kind: event.KindCallIncoming, SessionID: "s1"}
	if got := d.Deliver(context.Background(), 7, ev); got != DeliveredLive {
		t.Fatalf("expected DeliveredLive on replacement channel, got %v", got)
	}
}

func TestDeliverAbandonsRetiredChannel(t *testing.T) {
	pusher := &fakePusher{}
	d, reg := newTestDispatcher(t, pusher)
	d.sendTimeout = 5 * time.Second

	ch := reg.Connect(7)
	// Fill the buffer so the send blocks, then retire the channel while
	// the delivery is parked on it.
	for i := 0; i < cap(ch.Events); i++ {
		ch.Events <- event.Event{Kind: event.KindCallRinging}
	}

	results := make(chan Outcome, 1)
	go func() {
		results <- d.Deliver(context.Background(), 7, event.Event{Kind: event.KindCallIncoming, SessionID: "s1"})
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Connect(7)

	select {
	case got := <-results:
		if got != QueuedFallback {
			t.Fatalf("expected QueuedFallback after retirement, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery did not abandon the retired channel")
	}
	waitForPushes(t, pusher, 1)
}
