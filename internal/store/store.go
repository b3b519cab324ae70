package store

import (
	"context"
	"errors"
	"time"

	"github.com/meetline/callbridge/internal/call"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned when a conditional session update matched no
	// row: another transition committed first. Callers treat it as losing the
	// race, never as corruption.
	ErrStaleState = errors.New("session state changed concurrently")
	// ErrAlreadySettled is returned when a settlement has already been
	// recorded for the session.
	ErrAlreadySettled = errors.New("session already settled")
	// ErrSessionConflict is returned when creating a session would overlap
	// a non-terminal session of either participant.
	ErrSessionConflict = errors.New("participant already in a session")
	// ErrLedgerInvariant is returned when a ledger entry fails the
	// balance_after = balance_before - amount identity check.
	ErrLedgerInvariant = errors.New("ledger balance identity violated")
)

// User is an account that can place and receive calls.
// Per-minute rates are the price other users pay to call this user.
type User struct {
	ID             int64
	Username       string
	PasswordHash   string
	VoiceRateMinor int64
	VideoRateMinor int64
	CreatedAt      time.Time
}

// RateFor returns the published per-minute rate for a call kind.
func (u *User) RateFor(kind call.Kind) int64 {
	if kind == call.KindVideo {
		return u.VideoRateMinor
	}
	return u.VoiceRateMinor
}

// CallSession is the aggregate root for one call attempt.
// State is the single authoritative value; transitions only happen through
// UpdateSessionState so the durable record is always the source of truth.
type CallSession struct {
	ID            string
	CallerID      int64
	CalleeID      int64
	Kind          call.Kind
	State         call.State
	RatePerMinute int64 // minor units, fixed at creation
	MaxDuration   int64 // seconds the caller's balance covered at initiation

	CreatedAt   time.Time
	ConnectedAt *time.Time // set iff the session ever reached active
	EndedAt     *time.Time // set on terminal states

	// Settlement figures, written exactly once.
	BilledSeconds *int64
	BilledAmount  *int64
	Shortfall     int64 // amount that could not be debited (under-funded flag)

	EndReason string
}

// IsParticipant reports whether userID is a party to this session.
func (s *CallSession) IsParticipant(userID int64) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// RoleOf maps a participant to the state-machine role it may act as.
func (s *CallSession) RoleOf(userID int64) (call.Role, bool) {
	switch userID {
	case s.CallerID:
		return call.RoleCaller, true
	case s.CalleeID:
		return call.RoleCallee, true
	default:
		return call.RoleSystem, false
	}
}

// Settled reports whether settlement figures have been written.
func (s *CallSession) Settled() bool {
	return s.BilledAmount != nil
}

// End reasons persisted on terminal sessions.
const (
	EndReasonHangUp      = "hang_up"
	EndReasonRejected    = "rejected"
	EndReasonCancelled   = "cancelled"
	EndReasonTimeout     = "no_answer"
	EndReasonUnreachable = "unreachable"
	EndReasonTransport   = "transport_failure"
)

// StateChange describes one conditional session transition.
// The update applies only while the session is still in one of From;
// otherwise the store returns ErrStaleState and writes nothing.
type StateChange struct {
	From        []call.State
	To          call.State
	ConnectedAt *time.Time // set when entering active
	EndedAt     *time.Time // set when entering a terminal state
	EndReason   string
}

// Settlement is the one-time billing outcome applied to a session.
type Settlement struct {
	SessionID     string
	PayerID       int64
	BilledSeconds int64
	BilledAmount  int64 // amount owed before any clamp
}

// SettlementResult reports what was actually debited.
type SettlementResult struct {
	AmountDebited int64
	BalanceBefore int64
	BalanceAfter  int64
	Shortfall     int64
	Entry         *LedgerEntry // nil when the billed amount was zero
}

// LedgerEntry is an immutable record of one debit tied to one session.
type LedgerEntry struct {
	ID            string
	SessionID     string
	PayerID       int64
	AmountDebited int64
	BalanceBefore int64
	BalanceAfter  int64
	CreatedAt     time.Time
}

// Transaction is one wallet balance change (credit or debit), append-only.
type Transaction struct {
	ID           int64
	UserID       int64
	Type         string // "recharge" or "call_charge"
	AmountMinor  int64  // signed: credits positive, debits negative
	BalanceAfter int64
	SessionID    *string
	CreatedAt    time.Time
}

// UserStore handles account persistence.
type UserStore interface {
	// CreateUser creates a user with a hashed password and published rates.
	CreateUser(ctx context.Context, username, passwordHash string, voiceRate, videoRate int64) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// UpdateUserRates updates a user's published per-minute rates.
	UpdateUserRates(ctx context.Context, userID, voiceRate, videoRate int64) error
}

// SessionStore handles call session persistence.
type SessionStore interface {
	// CreateSession persists a freshly initiated session. It returns
	// ErrSessionConflict when either participant already has a
	// non-terminal session; the check and insert are atomic.
	CreateSession(ctx context.Context, s *CallSession) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*CallSession, error)

	// UpdateSessionState applies a conditional transition. Returns
	// ErrStaleState when the session already left every state in ch.From.
	UpdateSessionState(ctx context.Context, id string, ch StateChange) error

	// FindActiveSession returns a non-terminal session the user participates
	// in, or ErrNotFound.
	FindActiveSession(ctx context.Context, userID int64) (*CallSession, error)

	// ListHistory returns the user's sessions, newest first. When beforeID is
	// set only sessions created before that session are returned.
	ListHistory(ctx context.Context, userID int64, limit int, beforeID *string) ([]*CallSession, error)
}

// WalletStore handles balances and the money trail.
// All mutations are single atomic read-modify-write transactions and every
// balance change writes a Transaction row.
type WalletStore interface {
	// GetBalance returns the user's balance in minor units. A user with no
	// wallet row yet has balance zero.
	GetBalance(ctx context.Context, userID int64) (int64, error)

	// Credit adds amount to the user's balance and records a transaction.
	Credit(ctx context.Context, userID, amount int64, txType string) (balanceAfter int64, err error)

	// ApplySettlement atomically: marks the session settled (guarded so a
	// second call returns ErrAlreadySettled), debits the payer up to the
	// available balance, and appends the ledger entry. The ledger identity
	// balance_after = balance_before - amount_debited is verified at write.
	ApplySettlement(ctx context.Context, st Settlement) (*SettlementResult, error)

	// GetLedgerEntry returns the ledger entry for a session, or ErrNotFound.
	GetLedgerEntry(ctx context.Context, sessionID string) (*LedgerEntry, error)

	// ListTransactions returns the user's wallet transactions, newest first.
	ListTransactions(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	SessionStore
	WalletStore

	// Close closes the underlying database connection.
	Close() error
}
