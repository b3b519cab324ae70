package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello     = "hello"
	InboundTypeHeartbeat = "heartbeat"

	OutboundTypeWelcome = "welcome"
	OutboundTypeEvent   = "event"
	OutboundTypeError   = "error"
)

// HelloData is sent by the client to authenticate the connection.
type HelloData struct {
	Token    string `json:"token"`
	Protocol int    `json:"protocol,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// WelcomeData confirms a successful hello.
type WelcomeData struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Protocol int    `json:"protocol"`
}

// CallEvent is the payload for every call.* event.
type CallEvent struct {
	SessionID string `json:"session_id"`
	CallerID  int64  `json:"caller_id"`
	CalleeID  int64  `json:"callee_id"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`

	BilledSeconds int64 `json:"billed_seconds,omitempty"`
	BilledAmount  int64 `json:"billed_amount,omitempty"`

	JoinInfo *JoinInfo `json:"join_info,omitempty"`

	TS int64 `json:"ts"`
}

// JoinInfo carries media room credentials.
type JoinInfo struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	RoomName string `json:"room_name"`
	Identity string `json:"identity"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
