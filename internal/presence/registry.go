// Package presence tracks which users currently hold a live event channel.
// The registry is the single source of truth for "is this user reachable":
// the dispatcher consults it before sending, and the orchestrator consults
// it to decide between ringing and an immediate missed call.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/utils"
)

// Channel is one live connection able to receive events for a user.
type Channel struct {
	Handle   string
	UserID   int64
	Events   chan event.Event
	done     chan struct{}
	lastSeen time.Time
}

// Done is closed when the registry retires this channel: replaced by a
// newer connection, disconnected, or evicted by the janitor. Senders and
// the connection's writer select on it instead of racing a channel close.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Registry maps user IDs to their live channel. One channel per user:
// a newer connection replaces and closes the older one.
type Registry struct {
	mu       sync.Mutex
	channels map[int64]*Channel

	eventBuffer      int
	heartbeatTimeout time.Duration
	log              zerolog.Logger
}

// New creates a registry. heartbeatTimeout bounds how long a silent
// channel counts as online before the janitor evicts it.
func New(heartbeatTimeout time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		channels:         make(map[int64]*Channel),
		eventBuffer:      16,
		heartbeatTimeout: heartbeatTimeout,
		log:              log.With().Str("component", "presence").Logger(),
	}
}

// Connect registers a live channel for the user and returns it.
// Any previous channel for the same user is marked done so its reader
// exits; the Events channel itself is never closed, which keeps racing
// senders safe.
func (r *Registry) Connect(userID int64) *Channel {
	ch := &Channel{
		Handle:   utils.NewID(),
		UserID:   userID,
		Events:   make(chan event.Event, r.eventBuffer),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}

	r.mu.Lock()
	prev := r.channels[userID]
	r.channels[userID] = ch
	if prev != nil {
		close(prev.done)
	}
	r.mu.Unlock()

	if prev != nil {
		r.log.Debug().Int64("user_id", userID).Str("handle", prev.Handle).Msg("replaced stale channel")
	}
	r.log.Debug().Int64("user_id", userID).Str("handle", ch.Handle).Msg("user online")
	return ch
}

// Disconnect removes the channel identified by handle. A handle that was
// already replaced by a newer Connect is ignored, so a slow-closing old
// connection cannot knock the new one offline.
func (r *Registry) Disconnect(userID int64, handle string) {
	r.mu.Lock()
	ch, ok := r.channels[userID]
	if ok && ch.Handle == handle {
		delete(r.channels, userID)
		close(ch.done)
	} else {
		ch = nil
	}
	r.mu.Unlock()

	if ch != nil {
		r.log.Debug().Int64("user_id", userID).Str("handle", handle).Msg("user offline")
	}
}

// Heartbeat refreshes the liveness of the user's channel.
// Returns false if the handle no longer owns the registration.
func (r *Registry) Heartbeat(userID int64, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[userID]
	if !ok || ch.Handle != handle {
		return false
	}
	ch.lastSeen = time.Now()
	return true
}

// Lookup returns the user's live channel, or false if the user is offline
// or has been silent past the heartbeat timeout.
func (r *Registry) Lookup(userID int64) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[userID]
	if !ok {
		return nil, false
	}
	if time.Since(ch.lastSeen) > r.heartbeatTimeout {
		return nil, false
	}
	return ch, true
}

// Online reports whether the user is currently reachable.
func (r *Registry) Online(userID int64) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Run sweeps silent channels until ctx is cancelled. Eviction marks the
// channel done, which unblocks the connection's writer loop.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var stale []*Channel
	for userID, ch := range r.channels {
		if ch.lastSeen.Before(cutoff) {
			stale = append(stale, ch)
			delete(r.channels, userID)
			close(ch.done)
		}
	}
	r.mu.Unlock()

	for _, ch := range stale {
		r.log.Info().Int64("user_id", ch.UserID).Str("handle", ch.Handle).Msg("evicted silent channel")
	}
}
