package notify

import (
	"context"

	"github.com/meetline/callbridge/internal/event"
)

// Pusher delivers a notification through an out-of-band channel (mobile
// push, SMS gateway) when the user has no live connection.
type Pusher interface {
	Push(ctx context.Context, userID int64, ev event.Event) error
}

// NopPusher discards everything. Used when no push provider is configured.
type NopPusher struct{}

func (NopPusher) Push(context.Context, int64, event.Event) error { return nil }
