package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meetline/callbridge/internal/call"
	"github.com/meetline/callbridge/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLiteStore, username string, voiceRate int64) *store.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, "hash", voiceRate, voiceRate*2)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func seedSession(t *testing.T, s *SQLiteStore, caller, callee *store.User, state call.State) *store.CallSession {
	t.Helper()
	cs := &store.CallSession{
		ID:            uuid.NewString(),
		CallerID:      caller.ID,
		CalleeID:      callee.ID,
		Kind:          call.KindVoice,
		State:         call.StateInitiated,
		RatePerMinute: callee.VoiceRateMinor,
		MaxDuration:   600,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.CreateSession(context.Background(), cs); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if state != call.StateInitiated {
		err := s.UpdateSessionState(context.Background(), cs.ID, store.StateChange{
			From: []call.State{call.StateInitiated},
			To:   state,
		})
		if err != nil {
			t.Fatalf("UpdateSessionState to %s: %v", state, err)
		}
		cs.State = state
	}
	return cs
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice", 300)
	if u.VoiceRateMinor != 300 || u.VideoRateMinor != 600 {
		t.Fatalf("unexpected rates: voice=%d video=%d", u.VoiceRateMinor, u.VideoRateMinor)
	}

	byName, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if byName.ID != u.ID {
		t.Fatalf("expected id %d, got %d", u.ID, byName.ID)
	}

	if _, err := s.GetUserByUsername(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserRates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice", 300)
	if err := s.UpdateUserRates(ctx, u.ID, 500, 900); err != nil {
		t.Fatalf("UpdateUserRates: %v", err)
	}
	got, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got.VoiceRateMinor != 500 || got.VideoRateMinor != 900 {
		t.Fatalf("rates not updated: voice=%d video=%d", got.VoiceRateMinor, got.VideoRateMinor)
	}

	if err := s.UpdateUserRates(ctx, 9999, 1, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 200)
	cs := seedSession(t, s, alice, bob, call.StateInitiated)

	got, err := s.GetSession(ctx, cs.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != call.StateInitiated {
		t.Fatalf("expected state initiated, got %s", got.State)
	}
	if got.ConnectedAt != nil || got.EndedAt != nil || got.BilledAmount != nil {
		t.Fatalf("fresh session has terminal fields set: %+v", got)
	}
	if got.RatePerMinute != 200 {
		t.Fatalf("expected rate 200, got %d", got.RatePerMinute)
	}

	if _, err := s.GetSession(ctx, uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSessionStateConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 200)
	cs := seedSession(t, s, alice, bob, call.StateRinging)

	now := time.Now().UTC()
	err := s.UpdateSessionState(ctx, cs.ID, store.StateChange{
		From:        []call.State{call.StateRinging},
		To:          call.StateActive,
		ConnectedAt: &now,
	})
	if err != nil {
		t.Fatalf("ringing->active: %v", err)
	}

	// The same transition again must lose: state is no longer ringing.
	err = s.UpdateSessionState(ctx, cs.ID, store.StateChange{
		From: []call.State{call.StateRinging},
		To:   call.StateMissed,
	})
	if !errors.Is(err, store.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	got, err := s.GetSession(ctx, cs.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != call.StateActive {
		t.Fatalf("expected active, got %s", got.State)
	}
	if got.ConnectedAt == nil {
		t.Fatal("connected_at not persisted")
	}

	err = s.UpdateSessionState(ctx, uuid.NewString(), store.StateChange{
		From: []call.State{call.StateRinging},
		To:   call.StateMissed,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindActiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 200)
	carol := seedUser(t, s, "carol", 100)

	if _, err := s.FindActiveSession(ctx, alice.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any session, got %v", err)
	}

	cs := seedSession(t, s, alice, bob, call.StateRinging)

	for _, id := range []int64{alice.ID, bob.ID} {
		got, err := s.FindActiveSession(ctx, id)
		if err != nil {
			t.Fatalf("FindActiveSession(%d): %v", id, err)
		}
		if got.ID != cs.ID {
			t.Fatalf("expected session %s, got %s", cs.ID, got.ID)
		}
	}

	if _, err := s.FindActiveSession(ctx, carol.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("carol should have no active session, got %v", err)
	}

	// Terminal sessions do not count as active.
	err := s.UpdateSessionState(ctx, cs.ID, store.StateChange{
		From:      []call.State{call.StateRinging},
		To:        call.StateCancelled,
		EndReason: store.EndReasonCancelled,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.FindActiveSession(ctx, alice.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after cancel, got %v", err)
	}
}

func TestCreateSessionRejectsOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 200)
	carol := seedUser(t, s, "carol", 100)

	first := seedSession(t, s, alice, bob, call.StateRinging)

	overlap := &store.CallSession{
		ID:            uuid.NewString(),
		CallerID:      carol.ID,
		CalleeID:      alice.ID,
		Kind:          call.KindVoice,
		State:         call.StateInitiated,
		RatePerMinute: alice.VoiceRateMinor,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.CreateSession(ctx, overlap); !errors.Is(err, store.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict while alice is ringing, got %v", err)
	}

	err := s.UpdateSessionState(ctx, first.ID, store.StateChange{
		From:      []call.State{call.StateRinging},
		To:        call.StateCancelled,
		EndReason: store.EndReasonCancelled,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateSession(ctx, overlap); err != nil {
		t.Fatalf("CreateSession after terminal: %v", err)
	}
}

func TestWalletCreditAndBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)

	balance, err := s.GetBalance(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected empty wallet, got %d", balance)
	}

	after, err := s.Credit(ctx, alice.ID, 5000, "recharge")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if after != 5000 {
		t.Fatalf("expected balance 5000, got %d", after)
	}

	after, err = s.Credit(ctx, alice.ID, 1500, "recharge")
	if err != nil {
		t.Fatalf("second Credit: %v", err)
	}
	if after != 6500 {
		t.Fatalf("expected balance 6500, got %d", after)
	}

	if _, err := s.Credit(ctx, alice.ID, 0, "recharge"); err == nil {
		t.Fatal("expected error for zero credit")
	}

	txns, err := s.ListTransactions(ctx, alice.ID, 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if txns[0].AmountMinor != 1500 || txns[1].AmountMinor != 5000 {
		t.Fatalf("transactions out of order: %+v", txns)
	}
}

func TestApplySettlementFullDebit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 300)
	cs := seedSession(t, s, alice, bob, call.StateEnded)

	if _, err := s.Credit(ctx, alice.ID, 2000, "recharge"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	res, err := s.ApplySettlement(ctx, store.Settlement{
		SessionID:     cs.ID,
		PayerID:       alice.ID,
		BilledSeconds: 125,
		BilledAmount:  900,
	})
	if err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}
	if res.AmountDebited != 900 || res.BalanceBefore != 2000 || res.BalanceAfter != 1100 || res.Shortfall != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Entry == nil {
		t.Fatal("expected a ledger entry")
	}
	if res.Entry.BalanceAfter != res.Entry.BalanceBefore-res.Entry.AmountDebited {
		t.Fatalf("ledger identity violated: %+v", res.Entry)
	}

	got, err := s.GetSession(ctx, cs.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.BilledAmount == nil || *got.BilledAmount != 900 {
		t.Fatalf("billed amount not persisted: %+v", got)
	}
	if got.BilledSeconds == nil || *got.BilledSeconds != 125 {
		t.Fatalf("billed seconds not persisted: %+v", got)
	}

	entry, err := s.GetLedgerEntry(ctx, cs.ID)
	if err != nil {
		t.Fatalf("GetLedgerEntry: %v", err)
	}
	if entry.AmountDebited != 900 {
		t.Fatalf("expected debit 900, got %d", entry.AmountDebited)
	}
}

func TestApplySettlementClampsToBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 300)
	cs := seedSession(t, s, alice, bob, call.StateEnded)

	if _, err := s.Credit(ctx, alice.ID, 500, "recharge"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	res, err := s.ApplySettlement(ctx, store.Settlement{
		SessionID:     cs.ID,
		PayerID:       alice.ID,
		BilledSeconds: 180,
		BilledAmount:  900,
	})
	if err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}
	if res.AmountDebited != 500 || res.BalanceAfter != 0 || res.Shortfall != 400 {
		t.Fatalf("expected clamped debit 500 shortfall 400, got %+v", res)
	}

	got, err := s.GetSession(ctx, cs.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Shortfall != 400 {
		t.Fatalf("shortfall not persisted: %d", got.Shortfall)
	}
	// Session records the full amount owed even when the debit was clamped.
	if got.BilledAmount == nil || *got.BilledAmount != 900 {
		t.Fatalf("billed amount not persisted: %+v", got)
	}
}

func TestApplySettlementIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 300)
	cs := seedSession(t, s, alice, bob, call.StateEnded)

	if _, err := s.Credit(ctx, alice.ID, 2000, "recharge"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	st := store.Settlement{SessionID: cs.ID, PayerID: alice.ID, BilledSeconds: 60, BilledAmount: 300}
	if _, err := s.ApplySettlement(ctx, st); err != nil {
		t.Fatalf("first ApplySettlement: %v", err)
	}

	if _, err := s.ApplySettlement(ctx, st); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	// The second attempt must not touch the wallet.
	balance, err := s.GetBalance(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 1700 {
		t.Fatalf("expected balance 1700 after single debit, got %d", balance)
	}

	unknown := store.Settlement{SessionID: uuid.NewString(), PayerID: alice.ID, BilledAmount: 100}
	if _, err := s.ApplySettlement(ctx, unknown); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplySettlementZeroAmount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 0)
	bob := seedUser(t, s, "bob", 0)
	cs := seedSession(t, s, alice, bob, call.StateEnded)

	res, err := s.ApplySettlement(ctx, store.Settlement{
		SessionID:     cs.ID,
		PayerID:       alice.ID,
		BilledSeconds: 42,
		BilledAmount:  0,
	})
	if err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}
	if res.AmountDebited != 0 || res.Entry != nil {
		t.Fatalf("zero settlement must not debit or write a ledger entry: %+v", res)
	}
	if _, err := s.GetLedgerEntry(ctx, cs.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no ledger entry, got %v", err)
	}

	// Still marks the session settled.
	if _, err := s.ApplySettlement(ctx, store.Settlement{SessionID: cs.ID, PayerID: alice.ID}); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestListHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", 300)
	bob := seedUser(t, s, "bob", 200)
	carol := seedUser(t, s, "carol", 100)

	var ids []string
	for i := 0; i < 3; i++ {
		cs := &store.CallSession{
			ID:            uuid.NewString(),
			CallerID:      alice.ID,
			CalleeID:      bob.ID,
			Kind:          call.KindVoice,
			State:         call.StateEnded,
			RatePerMinute: 200,
			CreatedAt:     time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateSession(ctx, cs); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		ids = append(ids, cs.ID)
	}

	history, err := s.ListHistory(ctx, alice.ID, 10, nil)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(history))
	}
	if history[0].ID != ids[2] {
		t.Fatalf("expected newest first, got %s", history[0].ID)
	}

	// Cursor pagination: everything created before the newest.
	older, err := s.ListHistory(ctx, alice.ID, 10, &ids[2])
	if err != nil {
		t.Fatalf("ListHistory with cursor: %v", err)
	}
	if len(older) != 2 {
		t.Fatalf("expected 2 older sessions, got %d", len(older))
	}

	empty, err := s.ListHistory(ctx, carol.ID, 10, nil)
	if err != nil {
		t.Fatalf("ListHistory(carol): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no history for carol, got %d", len(empty))
	}
}
