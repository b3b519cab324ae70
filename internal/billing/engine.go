// Package billing turns a finished call session into a wallet debit.
// The pricing rule is ceil-to-minute: any started minute is charged in
// full, so a 125 second call at 300 minor units per minute costs 900.
package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/store"
)

// Engine computes and applies settlements. Settlement is idempotent at the
// store level; the engine only decides the figures.
type Engine struct {
	wallets store.WalletStore
	log     zerolog.Logger
}

// New creates a billing engine over the wallet store.
func New(wallets store.WalletStore, log zerolog.Logger) *Engine {
	return &Engine{
		wallets: wallets,
		log:     log.With().Str("component", "billing").Logger(),
	}
}

// Quote returns how many whole seconds of talk time the balance buys at
// the given per-minute rate. Used as the pre-call affordability ceiling.
func Quote(balance, ratePerMinute int64) int64 {
	if ratePerMinute <= 0 {
		return 0
	}
	minutes := balance / ratePerMinute
	return minutes * 60
}

// Charge returns the billed seconds and amount for a connected span.
// A negative span is treated as zero; clock skew must never produce a
// negative charge.
func Charge(connected, ended int64, ratePerMinute int64) (seconds, amount int64) {
	seconds = ended - connected
	if seconds < 0 {
		seconds = 0
	}
	if seconds == 0 || ratePerMinute <= 0 {
		return seconds, 0
	}
	minutes := (seconds + 59) / 60
	return seconds, minutes * ratePerMinute
}

// Settle computes the charge for a terminal session and applies it. Calls
// that never connected settle at zero; the session is still marked so a
// later retry cannot bill it. The debit is clamped to the caller's balance
// and any remainder is recorded as shortfall rather than failing the call.
func (e *Engine) Settle(ctx context.Context, s *store.CallSession) (*store.SettlementResult, error) {
	var seconds, amount int64
	if s.State.Billable() && s.ConnectedAt != nil && s.EndedAt != nil {
		seconds, amount = Charge(s.ConnectedAt.Unix(), s.EndedAt.Unix(), s.RatePerMinute)
	}

	res, err := e.wallets.ApplySettlement(ctx, store.Settlement{
		SessionID:     s.ID,
		PayerID:       s.CallerID,
		BilledSeconds: seconds,
		BilledAmount:  amount,
	})
	if err != nil {
		return nil, fmt.Errorf("apply settlement for session %s: %w", s.ID, err)
	}

	logEvent := e.log.Info()
	if res.Shortfall > 0 {
		logEvent = e.log.Warn()
	}
	logEvent.
		Str("session_id", s.ID).
		Int64("caller_id", s.CallerID).
		Int64("billed_seconds", seconds).
		Int64("billed_amount", amount).
		Int64("debited", res.AmountDebited).
		Int64("shortfall", res.Shortfall).
		Msg("session settled")

	return res, nil
}
