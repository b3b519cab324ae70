// Package livekit provides join credentials for LiveKit media rooms.
// Rooms are created on demand when the first participant connects, so
// the engine only mints tokens.
package livekit

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/meetline/callbridge/internal/callengine"
	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/store"
)

// Engine implements callengine.Engine against a LiveKit deployment.
type Engine struct {
	apiKey    string
	apiSecret string
	wsURL     string
	tokenTTL  time.Duration
}

// New creates a LiveKit engine.
func New(apiKey, apiSecret, wsURL string) *Engine {
	return &Engine{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		wsURL:     wsURL,
		tokenTTL:  time.Hour,
	}
}

// RoomName derives a stable room name from the session.
func (e *Engine) RoomName(session *store.CallSession) string {
	return fmt.Sprintf("callbridge-%s-%s", session.Kind, session.ID)
}

// JoinInfo mints a room-scoped access token for one participant.
func (e *Engine) JoinInfo(_ context.Context, session *store.CallSession, userID int64, username string) (*event.JoinInfo, error) {
	room := e.RoomName(session)
	identity := fmt.Sprintf("user-%d", userID)

	at := auth.NewAccessToken(e.apiKey, e.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(username).
		SetValidFor(e.tokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("generate join token: %w", err)
	}

	return &event.JoinInfo{
		URL:      e.wsURL,
		Token:    token,
		RoomName: room,
		Identity: identity,
	}, nil
}

var _ callengine.Engine = (*Engine)(nil)
