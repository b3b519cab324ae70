// Package calls orchestrates the call session lifecycle: initiation,
// ringing, answer, teardown and settlement. All state transitions go
// through the pure transition table and are persisted with conditional
// updates, so concurrent signals race in the database and exactly one
// wins.
package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/billing"
	"github.com/meetline/callbridge/internal/call"
	"github.com/meetline/callbridge/internal/callengine"
	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/notify"
	"github.com/meetline/callbridge/internal/presence"
	"github.com/meetline/callbridge/internal/store"
)

// Common errors for call operations.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrSessionNotFound     = errors.New("call session not found")
	ErrCannotCallSelf      = errors.New("cannot call yourself")
	ErrBusy                = errors.New("participant already in a call")
	ErrInsufficientBalance = errors.New("balance below one minute of talk time")
	ErrNotParticipant      = errors.New("not a participant in this call")
	ErrBadKind             = errors.New("unknown call kind")
)

// Result is the outcome of an operation that may settle the session.
type Result struct {
	Session    *store.CallSession
	Settlement *store.SettlementResult // nil when the operation did not settle
	JoinInfo   *event.JoinInfo         // set on Accept for the accepting side
}

// Service coordinates sessions across the store, billing, presence and
// notification layers.
type Service struct {
	store      store.Store
	billing    *billing.Engine
	registry   *presence.Registry
	dispatcher *notify.Dispatcher
	engine     callengine.Engine
	log        zerolog.Logger

	ringTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	locks  map[string]*sessionLock
	timers map[string]*time.Timer
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates the orchestrator. engine may be nil when no media backend
// is configured.
func New(st store.Store, bill *billing.Engine, reg *presence.Registry, disp *notify.Dispatcher, engine callengine.Engine, ringTimeout time.Duration, log zerolog.Logger) *Service {
	if engine == nil {
		engine = callengine.Nop{}
	}
	return &Service{
		store:       st,
		billing:     bill,
		registry:    reg,
		dispatcher:  disp,
		engine:      engine,
		log:         log.With().Str("component", "calls").Logger(),
		ringTimeout: ringTimeout,
		now:         time.Now,
		locks:       make(map[string]*sessionLock),
		timers:      make(map[string]*time.Timer),
	}
}

// lockSession serializes operations on one session within this process.
// The conditional store update remains the real arbiter; the lock only
// keeps local timer and notification handling coherent.
func (s *Service) lockSession(id string) func() {
	s.mu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Initiate starts a call from caller to callee. The session is persisted
// before any notification goes out; if the callee is offline the call is
// recorded as missed without ever ringing.
func (s *Service) Initiate(ctx context.Context, callerID, calleeID int64, kind call.Kind) (*store.CallSession, error) {
	if !call.ValidKind(kind) {
		return nil, ErrBadKind
	}
	if callerID == calleeID {
		return nil, ErrCannotCallSelf
	}

	callee, err := s.store.GetUserByID(ctx, calleeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load callee: %w", err)
	}

	for _, userID := range []int64{callerID, calleeID} {
		_, err := s.store.FindActiveSession(ctx, userID)
		if err == nil {
			return nil, ErrBusy
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check active session: %w", err)
		}
	}

	rate := callee.RateFor(kind)
	balance, err := s.store.GetBalance(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if rate > 0 && balance < rate {
		return nil, ErrInsufficientBalance
	}

	session := &store.CallSession{
		ID:            uuid.NewString(),
		CallerID:      callerID,
		CalleeID:      calleeID,
		Kind:          kind,
		State:         call.StateInitiated,
		RatePerMinute: rate,
		MaxDuration:   billing.Quote(balance, rate),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrSessionConflict) {
			// A concurrent initiate won the race between the busy check
			// and the insert.
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	if !s.registry.Online(calleeID) {
		return s.missWithoutRinging(ctx, session)
	}

	next, err := call.Transition(session.State, call.EventDeliver, call.RoleSystem)
	if err != nil {
		return nil, err
	}
	err = s.store.UpdateSessionState(ctx, session.ID, store.StateChange{
		From: []call.State{call.StateInitiated},
		To:   next,
	})
	if err != nil {
		return nil, fmt.Errorf("mark ringing: %w", err)
	}
	session.State = next

	s.startRingTimer(session.ID)

	incoming := s.eventFor(session, event.KindCallIncoming, "")
	if s.dispatcher.Deliver(ctx, calleeID, incoming) != notify.DeliveredLive {
		// The callee dropped offline between the presence check and
		// delivery. Treat it as unreachable rather than ring a void.
		s.cancelRingTimer(session.ID)
		return s.missAfterRinging(ctx, session)
	}
	s.dispatcher.DeliverAsync(callerID, s.eventFor(session, event.KindCallRinging, ""))

	s.log.Info().
		Str("session_id", session.ID).
		Int64("caller_id", callerID).
		Int64("callee_id", calleeID).
		Str("kind", string(kind)).
		Int64("rate", rate).
		Msg("call ringing")
	return session, nil
}

// missWithoutRinging finalizes a session whose callee was offline at
// initiation. The caller never observes a ringing state.
func (s *Service) missWithoutRinging(ctx context.Context, session *store.CallSession) (*store.CallSession, error) {
	next, err := call.Transition(session.State, call.EventUnreachable, call.RoleSystem)
	if err != nil {
		return nil, err
	}
	ended := s.now().UTC()
	err = s.store.UpdateSessionState(ctx, session.ID, store.StateChange{
		From:      []call.State{call.StateInitiated},
		To:        next,
		EndedAt:   &ended,
		EndReason: store.EndReasonUnreachable,
	})
	if err != nil {
		return nil, fmt.Errorf("mark missed: %w", err)
	}
	session.State = next
	session.EndedAt = &ended
	session.EndReason = store.EndReasonUnreachable

	if _, err := s.billing.Settle(ctx, session); err != nil && !errors.Is(err, store.ErrAlreadySettled) {
		return nil, err
	}

	// Offline callee gets the missed-call note through the push fallback.
	s.dispatcher.DeliverAsync(session.CalleeID, s.eventFor(session, event.KindCallMissed, store.EndReasonUnreachable))

	s.log.Info().
		Str("session_id", session.ID).
		Int64("callee_id", session.CalleeID).
		Msg("callee unreachable, call missed")
	return session, nil
}

func (s *Service) missAfterRinging(ctx context.Context, session *store.CallSession) (*store.CallSession, error) {
	next, err := call.Transition(session.State, call.EventUnreachable, call.RoleSystem)
	if err != nil {
		return nil, err
	}
	ended := s.now().UTC()
	err = s.store.UpdateSessionState(ctx, session.ID, store.StateChange{
		From:      []call.State{call.StateRinging},
		To:        next,
		EndedAt:   &ended,
		EndReason: store.EndReasonUnreachable,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return s.reload(ctx, session.ID)
		}
		return nil, fmt.Errorf("mark missed: %w", err)
	}
	session.State = next
	session.EndedAt = &ended
	session.EndReason = store.EndReasonUnreachable

	if _, err := s.billing.Settle(ctx, session); err != nil && !errors.Is(err, store.ErrAlreadySettled) {
		return nil, err
	}
	s.dispatcher.DeliverAsync(session.CalleeID, s.eventFor(session, event.KindCallMissed, store.EndReasonUnreachable))
	return session, nil
}

// Accept answers a ringing call. Only the callee may accept. On success
// both sides receive media join credentials: the callee through the
// returned Result, the caller through the call.accepted event.
func (s *Service) Accept(ctx context.Context, sessionID string, userID int64) (*Result, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.loadForParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	role, _ := session.RoleOf(userID)
	next, err := call.Transition(session.State, call.EventAccept, role)
	if err != nil {
		return nil, err
	}

	connected := s.now().UTC()
	err = s.store.UpdateSessionState(ctx, sessionID, store.StateChange{
		From:        []call.State{call.StateRinging},
		To:          next,
		ConnectedAt: &connected,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, call.ErrInvalidTransition
		}
		return nil, fmt.Errorf("mark active: %w", err)
	}
	session.State = next
	session.ConnectedAt = &connected

	s.cancelRingTimer(sessionID)

	calleeJoin, callerJoin, err := s.joinInfoPair(ctx, session)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("join info generation failed")
	}

	accepted := s.eventFor(session, event.KindCallAccepted, "")
	accepted.JoinInfo = callerJoin
	s.dispatcher.DeliverAsync(session.CallerID, accepted)

	s.log.Info().
		Str("session_id", sessionID).
		Int64("callee_id", userID).
		Msg("call accepted")
	return &Result{Session: session, JoinInfo: calleeJoin}, nil
}

// Reject declines a ringing call. Only the callee may reject.
func (s *Service) Reject(ctx context.Context, sessionID string, userID int64) (*Result, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.loadForParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	role, _ := session.RoleOf(userID)
	next, err := call.Transition(session.State, call.EventReject, role)
	if err != nil {
		return nil, err
	}

	res, err := s.finalize(ctx, session, []call.State{call.StateRinging}, next, store.EndReasonRejected)
	if err != nil {
		return nil, err
	}
	s.cancelRingTimer(sessionID)
	s.dispatcher.DeliverAsync(session.CallerID, s.eventFor(session, event.KindCallRejected, store.EndReasonRejected))

	s.log.Info().Str("session_id", sessionID).Msg("call rejected")
	return res, nil
}

// Cancel withdraws a call before it connects. Only the caller may cancel.
func (s *Service) Cancel(ctx context.Context, sessionID string, userID int64) (*Result, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.loadForParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	role, _ := session.RoleOf(userID)
	next, err := call.Transition(session.State, call.EventCancel, role)
	if err != nil {
		return nil, err
	}

	res, err := s.finalize(ctx, session, []call.State{call.StateInitiated, call.StateRinging}, next, store.EndReasonCancelled)
	if err != nil {
		return nil, err
	}
	s.cancelRingTimer(sessionID)
	s.dispatcher.DeliverAsync(session.CalleeID, s.eventFor(session, event.KindCallCancelled, store.EndReasonCancelled))

	s.log.Info().Str("session_id", sessionID).Msg("call cancelled")
	return res, nil
}

// End hangs up an active call and settles it. Either participant may end.
// End is idempotent on sessions that connected: calling it again on an
// ended or failed session returns the original figures without charging
// twice, and one that terminated without settling (say the process died
// mid-teardown) is settled here. A session that never connected has no
// hang-up to apply and gets ErrInvalidTransition.
func (s *Service) End(ctx context.Context, sessionID string, userID int64) (*Result, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.loadForParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if session.State == call.StateActive {
		role, _ := session.RoleOf(userID)
		next, err := call.Transition(session.State, call.EventHangUp, role)
		if err != nil {
			return nil, err
		}
		ended := s.now().UTC()
		err = s.store.UpdateSessionState(ctx, sessionID, store.StateChange{
			From:      []call.State{call.StateActive},
			To:        next,
			EndedAt:   &ended,
			EndReason: store.EndReasonHangUp,
		})
		if err != nil && !errors.Is(err, store.ErrStaleState) {
			return nil, fmt.Errorf("mark ended: %w", err)
		}
		// On a lost race the other side already ended it; fall through to
		// settlement with the durable state.
		session, err = s.reload(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}

	if !session.State.Billable() {
		// Still ringing, or terminated without ever connecting: there is
		// no hang-up to apply and nothing to settle.
		return nil, call.ErrInvalidTransition
	}

	settlement, settledNow, err := s.settleOnce(ctx, session)
	if err != nil {
		return nil, err
	}
	session, err = s.reload(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if settledNow {
		other := session.CallerID
		if userID == session.CallerID {
			other = session.CalleeID
		}
		endedEv := s.eventFor(session, event.KindCallEnded, session.EndReason)
		endedEv.BilledSeconds, endedEv.BilledAmount = billedFigures(session)
		s.dispatcher.DeliverAsync(other, endedEv)

		s.log.Info().
			Str("session_id", sessionID).
			Int64("debited", settlement.AmountDebited).
			Msg("call ended")
	}
	return &Result{Session: session, Settlement: settlement}, nil
}

// Fail tears down an active call after a transport failure report. The
// connected span up to now is still billable.
func (s *Service) Fail(ctx context.Context, sessionID string, userID int64) (*Result, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.loadForParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	next, err := call.Transition(session.State, call.EventTransportFailure, call.RoleSystem)
	if err != nil {
		return nil, err
	}

	ended := s.now().UTC()
	err = s.store.UpdateSessionState(ctx, sessionID, store.StateChange{
		From:      []call.State{call.StateActive},
		To:        next,
		EndedAt:   &ended,
		EndReason: store.EndReasonTransport,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, call.ErrInvalidTransition
		}
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	session.State = next
	session.EndedAt = &ended
	session.EndReason = store.EndReasonTransport

	settlement, _, err := s.settleOnce(ctx, session)
	if err != nil {
		return nil, err
	}
	session, err = s.reload(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	failedEv := s.eventFor(session, event.KindCallFailed, store.EndReasonTransport)
	failedEv.BilledSeconds, failedEv.BilledAmount = billedFigures(session)
	s.dispatcher.DeliverAsync(session.CallerID, failedEv)
	s.dispatcher.DeliverAsync(session.CalleeID, failedEv)

	s.log.Warn().Str("session_id", sessionID).Msg("call failed in transport")
	return &Result{Session: session, Settlement: settlement}, nil
}

// ExpireRinging fires when the ring timer elapses. A timer that lost the
// race to an accept or cancel finds the session out of the ringing state
// and does nothing.
func (s *Service) ExpireRinging(ctx context.Context, sessionID string) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("ring expiry lookup failed")
		return
	}

	next, err := call.Transition(session.State, call.EventTimeout, call.RoleSystem)
	if err != nil {
		return // already answered or torn down
	}

	_, err = s.finalize(ctx, session, []call.State{call.StateRinging}, next, store.EndReasonTimeout)
	if err != nil {
		if !errors.Is(err, call.ErrInvalidTransition) {
			s.log.Error().Err(err).Str("session_id", sessionID).Msg("ring expiry failed")
		}
		return
	}

	s.dispatcher.DeliverAsync(session.CallerID, s.eventFor(session, event.KindCallMissed, store.EndReasonTimeout))
	s.dispatcher.DeliverAsync(session.CalleeID, s.eventFor(session, event.KindCallMissed, store.EndReasonTimeout))

	s.log.Info().Str("session_id", sessionID).Msg("call missed on ring timeout")
}

// Status returns the session as seen by one of its participants.
func (s *Service) Status(ctx context.Context, sessionID string, userID int64) (*store.CallSession, error) {
	return s.loadForParticipant(ctx, sessionID, userID)
}

// History lists the user's past and present sessions, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int, beforeID *string) ([]*store.CallSession, error) {
	sessions, err := s.store.ListHistory(ctx, userID, limit, beforeID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return sessions, nil
}

// Shutdown stops all pending ring timers.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// ==== internals ====

func (s *Service) loadForParticipant(ctx context.Context, sessionID string, userID int64) (*store.CallSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !session.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return session, nil
}

func (s *Service) reload(ctx context.Context, sessionID string) (*store.CallSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	return session, nil
}

// finalize persists a transition into a non-billable terminal state and
// settles the session at zero so nothing can bill it later.
func (s *Service) finalize(ctx context.Context, session *store.CallSession, from []call.State, to call.State, reason string) (*Result, error) {
	ended := s.now().UTC()
	err := s.store.UpdateSessionState(ctx, session.ID, store.StateChange{
		From:      from,
		To:        to,
		EndedAt:   &ended,
		EndReason: reason,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, call.ErrInvalidTransition
		}
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	session.State = to
	session.EndedAt = &ended
	session.EndReason = reason

	settlement, _, err := s.settleOnce(ctx, session)
	if err != nil {
		return nil, err
	}
	return &Result{Session: session, Settlement: settlement}, nil
}

// settleOnce settles the session, tolerating a concurrent or earlier
// settlement: in that case the durable figures are reconstructed and
// returned with settledNow=false.
func (s *Service) settleOnce(ctx context.Context, session *store.CallSession) (*store.SettlementResult, bool, error) {
	res, err := s.billing.Settle(ctx, session)
	if err == nil {
		return res, true, nil
	}
	if !errors.Is(err, store.ErrAlreadySettled) {
		return nil, false, err
	}

	durable, err := s.reload(ctx, session.ID)
	if err != nil {
		return nil, false, err
	}
	recovered := &store.SettlementResult{Shortfall: durable.Shortfall}
	if durable.BilledAmount != nil {
		recovered.AmountDebited = *durable.BilledAmount - durable.Shortfall
	}
	entry, err := s.store.GetLedgerEntry(ctx, session.ID)
	if err == nil {
		recovered.Entry = entry
		recovered.BalanceBefore = entry.BalanceBefore
		recovered.BalanceAfter = entry.BalanceAfter
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("load ledger entry: %w", err)
	}
	return recovered, false, nil
}

func (s *Service) joinInfoPair(ctx context.Context, session *store.CallSession) (callee, caller *event.JoinInfo, err error) {
	calleeUser, err := s.store.GetUserByID(ctx, session.CalleeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load callee: %w", err)
	}
	callerUser, err := s.store.GetUserByID(ctx, session.CallerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load caller: %w", err)
	}

	callee, err = s.engine.JoinInfo(ctx, session, calleeUser.ID, calleeUser.Username)
	if err != nil {
		return nil, nil, fmt.Errorf("callee join info: %w", err)
	}
	caller, err = s.engine.JoinInfo(ctx, session, callerUser.ID, callerUser.Username)
	if err != nil {
		return nil, nil, fmt.Errorf("caller join info: %w", err)
	}
	return callee, caller, nil
}

func billedFigures(session *store.CallSession) (seconds, amount int64) {
	if session.BilledSeconds != nil {
		seconds = *session.BilledSeconds
	}
	if session.BilledAmount != nil {
		amount = *session.BilledAmount
	}
	return seconds, amount
}

func (s *Service) eventFor(session *store.CallSession, kind event.Kind, reason string) event.Event {
	return event.Event{
		Kind:      kind,
		SessionID: session.ID,
		CallerID:  session.CallerID,
		CalleeID:  session.CalleeID,
		CallKind:  string(session.Kind),
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
}

func (s *Service) startRingTimer(sessionID string) {
	timer := time.AfterFunc(s.ringTimeout, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.ExpireRinging(ctx, sessionID)
	})

	s.mu.Lock()
	s.timers[sessionID] = timer
	s.mu.Unlock()
}

func (s *Service) cancelRingTimer(sessionID string) {
	s.mu.Lock()
	timer, ok := s.timers[sessionID]
	if ok {
		delete(s.timers, sessionID)
	}
	s.mu.Unlock()
	if ok {
		timer.Stop()
	}
}
