package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/call"
	"github.com/meetline/callbridge/internal/store"
	"github.com/meetline/callbridge/internal/store/sqlite"
)

func TestCharge(t *testing.T) {
	cases := []struct {
		name        string
		seconds     int64
		rate        int64
		wantSeconds int64
		wantAmount  int64
	}{
		{"partial minute rounds up", 125, 300, 125, 900},
		{"exact minute", 60, 300, 60, 300},
		{"exact two minutes", 120, 300, 120, 600},
		{"one second costs a full minute", 1, 300, 1, 300},
		{"just over a boundary", 61, 300, 61, 600},
		{"just under a boundary", 59, 300, 59, 300},
		{"zero duration", 0, 300, 0, 0},
		{"negative span clamps to zero", -10, 300, 0, 0},
		{"free rate", 90, 0, 90, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			connected := int64(1_000_000)
			seconds, amount := Charge(connected, connected+tc.seconds, tc.rate)
			if seconds != tc.wantSeconds || amount != tc.wantAmount {
				t.Fatalf("Charge(%d, %d) = (%d, %d), want (%d, %d)",
					tc.seconds, tc.rate, seconds, amount, tc.wantSeconds, tc.wantAmount)
			}
		})
	}
}

func TestQuote(t *testing.T) {
	cases := []struct {
		balance int64
		rate    int64
		want    int64
	}{
		{900, 300, 180},
		{899, 300, 120},
		{300, 300, 60},
		{299, 300, 0},
		{0, 300, 0},
		{1000, 0, 0},
	}
	for _, tc := range cases {
		if got := Quote(tc.balance, tc.rate); got != tc.want {
			t.Fatalf("Quote(%d, %d) = %d, want %d", tc.balance, tc.rate, got, tc.want)
		}
	}
}

func setupEngine(t *testing.T) (*Engine, *sqlite.SQLiteStore, *store.User, *store.User) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	caller, err := s.CreateUser(ctx, "caller", "hash", 300, 600)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	callee, err := s.CreateUser(ctx, "callee", "hash", 300, 600)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return New(s, zerolog.Nop()), s, caller, callee
}

func endedSession(t *testing.T, s *sqlite.SQLiteStore, caller, callee *store.User, talkSeconds int64) *store.CallSession {
	t.Helper()
	ctx := context.Background()

	connected := time.Now().UTC().Add(-time.Duration(talkSeconds+10) * time.Second)
	ended := connected.Add(time.Duration(talkSeconds) * time.Second)

	cs := &store.CallSession{
		ID:            uuid.NewString(),
		CallerID:      caller.ID,
		CalleeID:      callee.ID,
		Kind:          call.KindVoice,
		State:         call.StateEnded,
		RatePerMinute: 300,
		CreatedAt:     connected.Add(-5 * time.Second),
		ConnectedAt:   &connected,
		EndedAt:       &ended,
	}
	if err := s.CreateSession(ctx, cs); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	err := s.UpdateSessionState(ctx, cs.ID, store.StateChange{
		From:        []call.State{call.StateEnded},
		To:          call.StateEnded,
		ConnectedAt: &connected,
		EndedAt:     &ended,
		EndReason:   store.EndReasonHangUp,
	})
	if err != nil {
		t.Fatalf("persist timestamps: %v", err)
	}
	return cs
}

func TestSettleDebitsCeilMinute(t *testing.T) {
	engine, s, caller, callee := setupEngine(t)
	ctx := context.Background()

	if _, err := s.Credit(ctx, caller.ID, 2000, "recharge"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	cs := endedSession(t, s, caller, callee, 125)
	res, err := engine.Settle(ctx, cs)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.AmountDebited != 900 {
		t.Fatalf("expected debit 900 for 125s at 300/min, got %d", res.AmountDebited)
	}
	if res.BalanceAfter != 1100 {
		t.Fatalf("expected balance 1100, got %d", res.BalanceAfter)
	}
	if res.Entry == nil || res.Entry.BalanceAfter != res.Entry.BalanceBefore-res.Entry.AmountDebited {
		t.Fatalf("bad ledger entry: %+v", res.Entry)
	}
}

func TestSettleClampsAndFlagsShortfall(t *testing.T) {
	engine, s, caller, callee := setupEngine(t)
	ctx := context.Background()

	if _, err := s.Credit(ctx, caller.ID, 500, "recharge"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	cs := endedSession(t, s, caller, callee, 125)
	res, err := engine.Settle(ctx, cs)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.AmountDebited != 500 || res.BalanceAfter != 0 || res.Shortfall != 400 {
		t.Fatalf("expected clamp to 500 with shortfall 400, got %+v", res)
	}
}

func TestSettleNeverConnectedIsFree(t *testing.T) {
	engine, s, caller, callee := setupEngine(t)
	ctx := context.Background()

	if _, err := s.Credit(ctx, caller.ID, 2000, "recharge"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	cs := &store.CallSession{
		ID:            uuid.NewString(),
		CallerID:      caller.ID,
		CalleeID:      callee.ID,
		Kind:          call.KindVoice,
		State:         call.StateMissed,
		RatePerMinute: 300,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.CreateSession(ctx, cs); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	res, err := engine.Settle(ctx, cs)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.AmountDebited != 0 || res.Entry != nil {
		t.Fatalf("missed call must settle at zero: %+v", res)
	}

	balance, err := s.GetBalance(ctx, caller.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 2000 {
		t.Fatalf("missed call changed the balance: %d", balance)
	}
}

func TestSettleTwiceReturnsAlreadySettled(t *testing.T) {
	engine, s, caller, callee := setupEngine(t)
	ctx := context.Background()

	if _, err := s.Credit(ctx, caller.ID, 2000, "recharge"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	cs := endedSession(t, s, caller, callee, 60)
	if _, err := engine.Settle(ctx, cs); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	if _, err := engine.Settle(ctx, cs); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	balance, err := s.GetBalance(ctx, caller.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 1700 {
		t.Fatalf("expected a single debit of 300, balance %d", balance)
	}
}
