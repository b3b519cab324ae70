package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/meetline/callbridge/internal/call"
	"github.com/meetline/callbridge/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	voice_rate    INTEGER NOT NULL DEFAULT 0,
	video_rate    INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wallets (
	user_id    INTEGER PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       INTEGER NOT NULL,
	type          TEXT NOT NULL,
	amount        INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	session_id    TEXT,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS call_sessions (
	id              TEXT PRIMARY KEY,
	caller_id       INTEGER NOT NULL,
	callee_id       INTEGER NOT NULL,
	kind            TEXT NOT NULL,
	state           TEXT NOT NULL,
	rate_per_minute INTEGER NOT NULL,
	max_duration    INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	connected_at    DATETIME,
	ended_at        DATETIME,
	billed_seconds  INTEGER,
	billed_amount   INTEGER,
	shortfall       INTEGER NOT NULL DEFAULT 0,
	end_reason      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_caller ON call_sessions (caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_call_sessions_callee ON call_sessions (callee_id, created_at);

CREATE TABLE IF NOT EXISTS call_ledger (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL UNIQUE,
	payer_id       INTEGER NOT NULL,
	amount_debited INTEGER NOT NULL,
	balance_before INTEGER NOT NULL,
	balance_after  INTEGER NOT NULL,
	created_at     DATETIME NOT NULL
);
`

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema or seed data.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single writer connection; this also
	// serializes the settlement transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a user with a hashed password and published rates.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string, voiceRate, videoRate int64) (*store.User, error) {
	query := `
		INSERT INTO users (username, password_hash, voice_rate, video_rate)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, passwordHash, voiceRate, videoRate)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, voice_rate, video_rate, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, voice_rate, video_rate, created_at
		FROM users
		WHERE username = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.VoiceRateMinor,
		&user.VideoRateMinor,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// UpdateUserRates updates a user's published per-minute rates.
func (s *SQLiteStore) UpdateUserRates(ctx context.Context, userID, voiceRate, videoRate int64) error {
	query := `UPDATE users SET voice_rate = ?, video_rate = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, voiceRate, videoRate, userID)
	if err != nil {
		return fmt.Errorf("update rates: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ==== SessionStore implementation ====

const sessionColumns = `
	id, caller_id, callee_id, kind, state, rate_per_minute, max_duration,
	created_at, connected_at, ended_at, billed_seconds, billed_amount, shortfall, end_reason
`

// CreateSession persists a freshly initiated session. The overlap check
// and the insert run in one transaction so two concurrent initiates for
// the same party cannot both slip past the busy constraint.
func (s *SQLiteStore) CreateSession(ctx context.Context, cs *store.CallSession) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		check := `
			SELECT COUNT(1)
			FROM call_sessions
			WHERE (caller_id IN (?, ?) OR callee_id IN (?, ?))
			  AND state IN (?, ?, ?)
		`
		var busy int
		err := tx.QueryRowContext(ctx, check,
			cs.CallerID, cs.CalleeID, cs.CallerID, cs.CalleeID,
			string(call.StateInitiated), string(call.StateRinging), string(call.StateActive),
		).Scan(&busy)
		if err != nil {
			return fmt.Errorf("check session overlap: %w", err)
		}
		if busy > 0 {
			return store.ErrSessionConflict
		}

		query := `
			INSERT INTO call_sessions (id, caller_id, callee_id, kind, state, rate_per_minute, max_duration, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			cs.ID,
			cs.CallerID,
			cs.CalleeID,
			string(cs.Kind),
			string(cs.State),
			cs.RatePerMinute,
			cs.MaxDuration,
			cs.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*store.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = ?`
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.CallSession, error) {
	var (
		cs            store.CallSession
		kind, state   string
		connectedAt   sql.NullTime
		endedAt       sql.NullTime
		billedSeconds sql.NullInt64
		billedAmount  sql.NullInt64
	)
	err := row.Scan(
		&cs.ID,
		&cs.CallerID,
		&cs.CalleeID,
		&kind,
		&state,
		&cs.RatePerMinute,
		&cs.MaxDuration,
		&cs.CreatedAt,
		&connectedAt,
		&endedAt,
		&billedSeconds,
		&billedAmount,
		&cs.Shortfall,
		&cs.EndReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	cs.Kind = call.Kind(kind)
	cs.State = call.State(state)
	if connectedAt.Valid {
		cs.ConnectedAt = &connectedAt.Time
	}
	if endedAt.Valid {
		cs.EndedAt = &endedAt.Time
	}
	if billedSeconds.Valid {
		cs.BilledSeconds = &billedSeconds.Int64
	}
	if billedAmount.Valid {
		cs.BilledAmount = &billedAmount.Int64
	}
	return &cs, nil
}

// UpdateSessionState applies a conditional transition: the row is updated
// only while it is still in one of ch.From. Whichever concurrent transition
// commits first wins; everyone else gets ErrStaleState.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id string, ch store.StateChange) error {
	if len(ch.From) == 0 {
		return fmt.Errorf("state change without from states")
	}

	placeholders := strings.Repeat("?,", len(ch.From))
	placeholders = placeholders[:len(placeholders)-1]

	query := `
		UPDATE call_sessions
		SET state = ?,
		    connected_at = COALESCE(?, connected_at),
		    ended_at = COALESCE(?, ended_at),
		    end_reason = CASE WHEN ? != '' THEN ? ELSE end_reason END
		WHERE id = ? AND state IN (` + placeholders + `)`

	args := []any{
		string(ch.To),
		nullTime(ch.ConnectedAt),
		nullTime(ch.EndedAt),
		ch.EndReason,
		ch.EndReason,
		id,
	}
	for _, from := range ch.From {
		args = append(args, string(from))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a lost race from a missing session.
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return store.ErrStaleState
	}
	return nil
}

// FindActiveSession returns a non-terminal session the user participates in.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, userID int64) (*store.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE (caller_id = ? OR callee_id = ?)
		  AND state IN (?, ?, ?)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanSession(s.db.QueryRowContext(ctx, query,
		userID, userID,
		string(call.StateInitiated), string(call.StateRinging), string(call.StateActive),
	))
}

// ListHistory returns the user's sessions, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, userID int64, limit int, beforeID *string) ([]*store.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE (caller_id = ? OR callee_id = ?)
	`
	args := []any{userID, userID}

	if beforeID != nil {
		query += ` AND created_at < (SELECT created_at FROM call_sessions WHERE id = ?)`
		args = append(args, *beforeID)
	}

	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var sessions []*store.CallSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return sessions, nil
}

// ==== WalletStore implementation ====

// GetBalance returns the user's balance in minor units.
func (s *SQLiteStore) GetBalance(ctx context.Context, userID int64) (int64, error) {
	query := `SELECT COALESCE((SELECT balance FROM wallets WHERE user_id = ?), 0)`
	var balance int64
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Credit adds amount to the user's balance and records a transaction.
func (s *SQLiteStore) Credit(ctx context.Context, userID, amount int64, txType string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var balanceAfter int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertWalletDelta(ctx, tx, userID, amount); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = ?`, userID).Scan(&balanceAfter); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		return insertTransaction(ctx, tx, userID, txType, amount, balanceAfter, nil)
	})
	if err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// ApplySettlement marks the session settled, debits the payer up to the
// available balance, and appends the ledger entry, all in one transaction.
// The settled-guard runs first so duplicate terminal events cannot double
// charge: the second caller sees ErrAlreadySettled and nothing is written.
func (s *SQLiteStore) ApplySettlement(ctx context.Context, st store.Settlement) (*store.SettlementResult, error) {
	var out store.SettlementResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		guard := `
			UPDATE call_sessions
			SET billed_seconds = ?, billed_amount = ?
			WHERE id = ? AND billed_amount IS NULL
		`
		result, err := tx.ExecContext(ctx, guard, st.BilledSeconds, st.BilledAmount, st.SessionID)
		if err != nil {
			return fmt.Errorf("mark settled: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM call_sessions WHERE id = ?`, st.SessionID).Scan(&exists); err != nil {
				return fmt.Errorf("check session: %w", err)
			}
			if exists == 0 {
				return store.ErrNotFound
			}
			return store.ErrAlreadySettled
		}

		var balanceBefore int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE((SELECT balance FROM wallets WHERE user_id = ?), 0)`, st.PayerID,
		).Scan(&balanceBefore); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		// Charge what is available; the remainder is recorded as shortfall
		// rather than failing a call that already happened.
		debited := st.BilledAmount
		if debited > balanceBefore {
			debited = balanceBefore
		}
		shortfall := st.BilledAmount - debited
		balanceAfter := balanceBefore - debited

		if debited > 0 {
			if err := upsertWalletDelta(ctx, tx, st.PayerID, -debited); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, st.PayerID, "call_charge", -debited, balanceAfter, &st.SessionID); err != nil {
				return err
			}
		}

		out = store.SettlementResult{
			AmountDebited: debited,
			BalanceBefore: balanceBefore,
			BalanceAfter:  balanceAfter,
			Shortfall:     shortfall,
		}

		if st.BilledAmount > 0 {
			entry := &store.LedgerEntry{
				ID:            uuid.NewString(),
				SessionID:     st.SessionID,
				PayerID:       st.PayerID,
				AmountDebited: debited,
				BalanceBefore: balanceBefore,
				BalanceAfter:  balanceAfter,
				CreatedAt:     time.Now().UTC(),
			}
			if err := insertLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}
			out.Entry = entry
		}

		if shortfall > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE call_sessions SET shortfall = ? WHERE id = ?`, shortfall, st.SessionID,
			); err != nil {
				return fmt.Errorf("record shortfall: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLedgerEntry returns the ledger entry for a session.
func (s *SQLiteStore) GetLedgerEntry(ctx context.Context, sessionID string) (*store.LedgerEntry, error) {
	query := `
		SELECT id, session_id, payer_id, amount_debited, balance_before, balance_after, created_at
		FROM call_ledger
		WHERE session_id = ?
	`
	var e store.LedgerEntry
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&e.ID,
		&e.SessionID,
		&e.PayerID,
		&e.AmountDebited,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}
	return &e, nil
}

// ListTransactions returns the user's wallet transactions, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, userID int64, limit int) ([]*store.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, type, amount, balance_after, session_id, created_at
		FROM wallet_transactions
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*store.Transaction
	for rows.Next() {
		var (
			t         store.Transaction
			sessionID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.AmountMinor, &t.BalanceAfter, &sessionID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if sessionID.Valid {
			t.SessionID = &sessionID.String
		}
		txns = append(txns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txns, nil
}

// ==== helpers ====

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func upsertWalletDelta(ctx context.Context, tx *sql.Tx, userID, delta int64) error {
	query := `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id)
		DO UPDATE SET balance = balance + excluded.balance, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := tx.ExecContext(ctx, query, userID, delta); err != nil {
		return fmt.Errorf("apply wallet delta: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, userID int64, txType string, amount, balanceAfter int64, sessionID *string) error {
	query := `
		INSERT INTO wallet_transactions (user_id, type, amount, balance_after, session_id)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, userID, txType, amount, balanceAfter, sessionID); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, e *store.LedgerEntry) error {
	if e.BalanceAfter != e.BalanceBefore-e.AmountDebited {
		return store.ErrLedgerInvariant
	}
	query := `
		INSERT INTO call_ledger (id, session_id, payer_id, amount_debited, balance_before, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		e.ID, e.SessionID, e.PayerID, e.AmountDebited, e.BalanceBefore, e.BalanceAfter, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Ensure SQLiteStore implements store.Store.
var _ store.Store = (*SQLiteStore)(nil)
