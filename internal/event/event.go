// Package event defines the notifications the call orchestrator emits to
// session participants. Both the presence registry and the dispatcher speak
// this type, so it lives in its own package.
package event

import "time"

// Kind identifies a call notification.
type Kind string

const (
	// KindCallIncoming notifies the callee of an incoming call.
	KindCallIncoming Kind = "call.incoming"
	// KindCallRinging confirms to the caller that the callee is being rung.
	KindCallRinging Kind = "call.ringing"
	// KindCallAccepted notifies the caller that the call was accepted.
	KindCallAccepted Kind = "call.accepted"
	// KindCallRejected notifies the caller that the call was rejected.
	KindCallRejected Kind = "call.rejected"
	// KindCallCancelled notifies the callee that the caller hung up first.
	KindCallCancelled Kind = "call.cancelled"
	// KindCallMissed notifies the caller that the callee never answered.
	KindCallMissed Kind = "call.missed"
	// KindCallEnded notifies the other party that the call finished normally.
	KindCallEnded Kind = "call.ended"
	// KindCallFailed notifies both parties of a transport failure.
	KindCallFailed Kind = "call.failed"
)

// Event is one notification addressed to a single user.
type Event struct {
	Kind      Kind
	SessionID string
	CallerID  int64
	CalleeID  int64
	CallKind  string // "voice" or "video"
	Reason    string // for rejected/cancelled/ended/failed

	// Billing figures, present on call.ended and billable call.failed.
	BilledSeconds int64
	BilledAmount  int64

	// JoinInfo carries media credentials, present on call.accepted.
	JoinInfo *JoinInfo

	CreatedAt time.Time
}

// JoinInfo contains the credentials a client needs to join the media room.
type JoinInfo struct {
	URL      string
	Token    string
	RoomName string
	Identity string
}
