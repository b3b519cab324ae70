package callengine

import (
	"context"

	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/store"
)

// Engine abstracts the media backend a connected call runs on. The
// signaling layer only hands out join credentials; media flows elsewhere.
type Engine interface {
	// RoomName derives the media room for a session.
	RoomName(session *store.CallSession) string

	// JoinInfo creates join credentials for one participant.
	JoinInfo(ctx context.Context, session *store.CallSession, userID int64, username string) (*event.JoinInfo, error)
}

// Nop is used when no media backend is configured; clients negotiate
// media out of band.
type Nop struct{}

func (Nop) RoomName(session *store.CallSession) string { return session.ID }

func (Nop) JoinInfo(_ context.Context, session *store.CallSession, _ int64, _ string) (*event.JoinInfo, error) {
	return nil, nil
}
