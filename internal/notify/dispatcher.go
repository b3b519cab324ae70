// Package notify routes call events to their recipient: over the live
// channel when the user is online, through the push fallback otherwise.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/presence"
)

// Outcome reports how an event reached (or failed to reach) its recipient.
type Outcome int

const (
	// DeliveredLive means the event was handed to a live channel.
	DeliveredLive Outcome = iota
	// QueuedFallback means the recipient was offline or unresponsive and
	// the event was handed to the push fallback.
	QueuedFallback
	// Dropped means the user was unreachable and the event is not worth
	// a push.
	Dropped
)

// Dispatcher fans call events out to users.
type Dispatcher struct {
	registry *presence.Registry
	pusher   Pusher
	log      zerolog.Logger

	// sendTimeout bounds how long a full live channel may stall delivery
	// before the dispatcher gives up on the live path.
	sendTimeout time.Duration
	// pushTimeout bounds the background push attempt.
	pushTimeout time.Duration
}

// New creates a dispatcher over the given registry and push fallback.
func New(registry *presence.Registry, pusher Pusher, log zerolog.Logger) *Dispatcher {
	if pusher == nil {
		pusher = NopPusher{}
	}
	return &Dispatcher{
		registry:    registry,
		pusher:      pusher,
		log:         log.With().Str("component", "notify").Logger(),
		sendTimeout: 2 * time.Second,
		pushTimeout: 10 * time.Second,
	}
}

// Deliver sends ev to userID. Live delivery is attempted first; a user who
// is offline, or whose channel stays full past the send timeout, gets the
// push fallback instead. Delivery never blocks call orchestration beyond
// the send timeout.
func (d *Dispatcher) Deliver(ctx context.Context, userID int64, ev event.Event) Outcome {
	ch, ok := d.registry.Lookup(userID)
	if !ok {
		return d.fallback(userID, ev)
	}

	timer := time.NewTimer(d.sendTimeout)
	defer timer.Stop()

	delivered := false
	select {
	case ch.Events <- ev:
		delivered = true
	case <-ch.Done():
		// The registry retired this channel while we held it.
	case <-timer.C:
	case <-ctx.Done():
	}

	if delivered {
		d.log.Debug().
			Int64("user_id", userID).
			Str("kind", string(ev.Kind)).
			Str("session_id", ev.SessionID).
			Msg("delivered live")
		return DeliveredLive
	}

	d.log.Warn().
		Int64("user_id", userID).
		Str("kind", string(ev.Kind)).
		Str("session_id", ev.SessionID).
		Msg("live channel unresponsive")
	return d.fallback(userID, ev)
}

// DeliverAsync runs Deliver without blocking the caller. Used for
// notifications whose outcome does not change orchestration.
func (d *Dispatcher) DeliverAsync(userID int64, ev event.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout*2)
		defer cancel()
		d.Deliver(ctx, userID, ev)
	}()
}

// fallback hands the event to the push collaborator in the background.
// The call site never waits on the push result; a failed push is logged
// for reconciliation, not surfaced.
func (d *Dispatcher) fallback(userID int64, ev event.Event) Outcome {
	if !fallbackWorthy(ev.Kind) {
		return Dropped
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.pushTimeout)
		defer cancel()
		if err := d.pusher.Push(ctx, userID, ev); err != nil {
			d.log.Error().Err(err).
				Int64("user_id", userID).
				Str("kind", string(ev.Kind)).
				Str("session_id", ev.SessionID).
				Msg("push fallback failed")
		}
	}()
	d.log.Debug().
		Int64("user_id", userID).
		Str("kind", string(ev.Kind)).
		Msg("queued push fallback")
	return QueuedFallback
}

// fallbackWorthy reports whether an event still matters to an offline user.
// Progress events are meaningless once the user cannot act on them.
func fallbackWorthy(kind event.Kind) bool {
	switch kind {
	case event.KindCallIncoming, event.KindCallMissed, event.KindCallEnded:
		return true
	default:
		return false
	}
}
