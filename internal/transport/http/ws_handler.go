package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/auth"
	"github.com/meetline/callbridge/internal/presence"
	"github.com/meetline/callbridge/internal/proto"
)

// heartbeatLimit bounds how many inbound frames a connection may send per
// minute before it is dropped.
const heartbeatLimit = 120

// WSHandler upgrades HTTP connections and bridges them to the presence
// registry: one authenticated connection is one live event channel.
type WSHandler struct {
	authService *auth.Service
	registry    *presence.Registry
	log         *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(authService *auth.Service, registry *presence.Registry, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{authService: authService, registry: registry, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	claims, err := h.handshake(ctx, conn)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws handshake failed")
		conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	channel := h.registry.Connect(claims.UserID)
	defer h.registry.Disconnect(claims.UserID, channel.Handle)

	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type: proto.OutboundTypeWelcome,
		Data: proto.WelcomeData{
			UserID:   claims.UserID,
			Username: claims.Username,
			Protocol: proto.ProtocolVersion,
		},
	}); err != nil {
		h.log.Warn().Err(err).Msg("write ws welcome")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, channel)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, channel)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Int64("user_id", claims.UserID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// handshake reads the first frame, which must be a hello carrying a valid
// JWT, and returns the authenticated identity.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn) (*auth.Claims, error) {
	var inbound proto.Inbound
	if err := wsjson.Read(ctx, conn, &inbound); err != nil {
		return nil, err
	}
	if inbound.Type != proto.InboundTypeHello {
		return nil, errors.New("first message must be hello")
	}

	hello, err := decodeHello(inbound)
	if err != nil {
		return nil, err
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		return nil, errors.New("unsupported protocol version")
	}

	claims, err := h.authService.ValidateToken(hello.Token)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, channel *presence.Channel) error {
	limiter := newRateLimiter(heartbeatLimit)
	stop := make(chan struct{})
	defer close(stop)
	limiter.startReset(stop)

	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}
		if !limiter.allow() {
			return errors.New("rate limit exceeded")
		}

		switch inbound.Type {
		case proto.InboundTypeHeartbeat:
			if !h.registry.Heartbeat(channel.UserID, channel.Handle) {
				// The registry replaced this connection; let it die.
				return errors.New("connection superseded")
			}
		default:
			if err := wsjson.Write(ctx, conn, proto.Outbound{
				Type:  proto.OutboundTypeError,
				Error: &proto.Error{Code: "invalid_message", Msg: "unknown message type"},
			}); err != nil {
				return err
			}
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, channel *presence.Channel) error {
	for {
		select {
		case ev := <-channel.Events:
			if err := wsjson.Write(ctx, conn, outboundFromEvent(ev)); err != nil {
				h.log.Error().Err(err).Int64("user_id", channel.UserID).Msg("write ws event")
				return err
			}
		case <-channel.Done():
			// Replaced by a newer connection or evicted by the registry.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
