package call

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		event Event
		actor Role
		want  State
	}{
		{"deliver to ringing", StateInitiated, EventDeliver, RoleSystem, StateRinging},
		{"callee accepts", StateRinging, EventAccept, RoleCallee, StateActive},
		{"callee rejects", StateRinging, EventReject, RoleCallee, StateRejected},
		{"caller cancels", StateRinging, EventCancel, RoleCaller, StateCancelled},
		{"ring timeout", StateRinging, EventTimeout, RoleSystem, StateMissed},
		{"unreachable before ringing", StateInitiated, EventUnreachable, RoleSystem, StateMissed},
		{"unreachable while ringing", StateRinging, EventUnreachable, RoleSystem, StateMissed},
		{"caller hangs up", StateActive, EventHangUp, RoleCaller, StateEnded},
		{"callee hangs up", StateActive, EventHangUp, RoleCallee, StateEnded},
		{"transport failure", StateActive, EventTransportFailure, RoleSystem, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event, tt.actor)
			if err != nil {
				t.Fatalf("Transition(%s, %s) failed: %v", tt.from, tt.event, err)
			}
			if got != tt.want {
				t.Fatalf("Transition(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
			}
		})
	}
}

func TestTransitionRejectsWrongActor(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		event Event
		actor Role
	}{
		{"caller cannot accept", StateRinging, EventAccept, RoleCaller},
		{"callee cannot cancel", StateRinging, EventCancel, RoleCallee},
		{"system cannot hang up", StateActive, EventHangUp, RoleSystem},
		{"caller cannot time out a ring", StateRinging, EventTimeout, RoleCaller},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Transition(tt.from, tt.event, tt.actor); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	terminals := []State{StateRejected, StateMissed, StateCancelled, StateEnded, StateFailed}
	events := []Event{EventDeliver, EventAccept, EventReject, EventCancel, EventTimeout, EventUnreachable, EventHangUp, EventTransportFailure}
	actors := []Role{RoleCaller, RoleCallee, RoleSystem}

	for _, st := range terminals {
		if !st.IsTerminal() {
			t.Fatalf("%s should be terminal", st)
		}
		for _, ev := range events {
			for _, actor := range actors {
				next, err := Transition(st, ev, actor)
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("Transition(%s, %s) should be invalid, got state %s err %v", st, ev, next, err)
				}
				if next != st {
					t.Fatalf("rejected transition must not move state: %s -> %s", st, next)
				}
			}
		}
	}
}

func TestNonTerminalStates(t *testing.T) {
	for _, st := range []State{StateInitiated, StateRinging, StateActive} {
		if st.IsTerminal() {
			t.Fatalf("%s should not be terminal", st)
		}
	}
}

func TestBillableStates(t *testing.T) {
	if !StateEnded.Billable() || !StateFailed.Billable() {
		t.Fatal("ended and failed must be billable")
	}
	for _, st := range []State{StateRejected, StateMissed, StateCancelled, StateRinging} {
		if st.Billable() {
			t.Fatalf("%s must not be billable", st)
		}
	}
}
