package call

import "errors"

// ErrInvalidTransition is returned when an event is not allowed for the
// session's current state, or the actor has no right to trigger it.
var ErrInvalidTransition = errors.New("invalid call transition")

// State is the lifecycle state of a call session.
type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateActive    State = "active"
	StateRejected  State = "rejected"
	StateMissed    State = "missed"
	StateCancelled State = "cancelled"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are accepted.
func (s State) IsTerminal() bool {
	switch s {
	case StateRejected, StateMissed, StateCancelled, StateEnded, StateFailed:
		return true
	default:
		return false
	}
}

// Billable reports whether a terminal state requires settlement.
// Only sessions that connected are billed; the orchestrator additionally
// checks that ConnectedAt is set before invoking the billing engine.
func (s State) Billable() bool {
	return s == StateEnded || s == StateFailed
}

// Kind is the media kind of a call, fixed at creation.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// ValidKind reports whether k is a known call kind.
func ValidKind(k Kind) bool {
	return k == KindVoice || k == KindVideo
}

// Event is something that happens to a call session.
type Event string

const (
	EventDeliver          Event = "deliver"           // system: callee reachable, start ringing
	EventAccept           Event = "accept"            // callee picks up
	EventReject           Event = "reject"            // callee declines
	EventCancel           Event = "cancel"            // caller gives up before answer
	EventTimeout          Event = "timeout"           // system: ring window elapsed
	EventUnreachable      Event = "unreachable"       // system: callee has no live channel
	EventHangUp           Event = "hang_up"           // either party ends an active call
	EventTransportFailure Event = "transport_failure" // system: media path lost
)

// Role identifies who is triggering an event.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
	RoleSystem
)

type transition struct {
	event Event
	from  State
}

type outcome struct {
	to State
	// roles allowed to trigger the transition
	caller, callee, system bool
}

var transitions = map[transition]outcome{
	{EventDeliver, StateInitiated}:       {to: StateRinging, system: true},
	{EventAccept, StateRinging}:          {to: StateActive, callee: true},
	{EventReject, StateRinging}:          {to: StateRejected, callee: true},
	{EventCancel, StateRinging}:          {to: StateCancelled, caller: true},
	{EventTimeout, StateRinging}:         {to: StateMissed, system: true},
	{EventUnreachable, StateInitiated}:   {to: StateMissed, system: true},
	{EventUnreachable, StateRinging}:     {to: StateMissed, system: true},
	{EventHangUp, StateActive}:           {to: StateEnded, caller: true, callee: true},
	{EventTransportFailure, StateActive}: {to: StateFailed, system: true},
}

// Transition returns the next state for (current, event, actor), or
// ErrInvalidTransition. It is pure: no I/O, no clock, no session mutation.
// Events against terminal states always fail here, which is what makes a
// late ring-timeout or a duplicate hang-up a harmless no-op upstream.
func Transition(current State, ev Event, actor Role) (State, error) {
	out, ok := transitions[transition{ev, current}]
	if !ok {
		return current, ErrInvalidTransition
	}
	allowed := false
	switch actor {
	case RoleCaller:
		allowed = out.caller
	case RoleCallee:
		allowed = out.callee
	case RoleSystem:
		allowed = out.system
	}
	if !allowed {
		return current, ErrInvalidTransition
	}
	return out.to, nil
}
