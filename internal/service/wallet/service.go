// Package wallet exposes balance queries, recharges and rate lookups.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/store"
)

// Common errors for wallet operations.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInvalidAmount = errors.New("recharge amount must be positive")
)

// Balance is a user's wallet snapshot.
type Balance struct {
	UserID       int64
	BalanceMinor int64
}

// RateInfo lists a user's published per-minute prices.
type RateInfo struct {
	UserID         int64
	Username       string
	VoiceRateMinor int64
	VideoRateMinor int64
}

// Service provides wallet business logic.
type Service struct {
	store store.Store
	log   zerolog.Logger
}

// New creates a wallet service.
func New(st store.Store, log zerolog.Logger) *Service {
	return &Service{
		store: st,
		log:   log.With().Str("component", "wallet").Logger(),
	}
}

// GetBalance returns the user's current balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &Balance{UserID: userID, BalanceMinor: balance}, nil
}

// Recharge credits the user's wallet and returns the new balance.
func (s *Service) Recharge(ctx context.Context, userID, amount int64) (*Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	after, err := s.store.Credit(ctx, userID, amount, "recharge")
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}

	s.log.Info().
		Int64("user_id", userID).
		Int64("amount", amount).
		Int64("balance", after).
		Msg("wallet recharged")
	return &Balance{UserID: userID, BalanceMinor: after}, nil
}

// Transactions lists the user's wallet history, newest first.
func (s *Service) Transactions(ctx context.Context, userID int64, limit int) ([]*store.Transaction, error) {
	txns, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

// Rates returns the published per-minute prices for calling a user.
func (s *Service) Rates(ctx context.Context, userID int64) (*RateInfo, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &RateInfo{
		UserID:         user.ID,
		Username:       user.Username,
		VoiceRateMinor: user.VoiceRateMinor,
		VideoRateMinor: user.VideoRateMinor,
	}, nil
}

// SetRates updates the user's own published prices.
func (s *Service) SetRates(ctx context.Context, userID, voiceRate, videoRate int64) error {
	if voiceRate < 0 || videoRate < 0 {
		return ErrInvalidAmount
	}
	if err := s.store.UpdateUserRates(ctx, userID, voiceRate, videoRate); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("update rates: %w", err)
	}
	return nil
}
