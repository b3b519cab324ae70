package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/service/wallet"
)

// WalletHandlers provides HTTP handlers for wallet and rate endpoints.
type WalletHandlers struct {
	service *wallet.Service
	log     *zerolog.Logger
}

// NewWalletHandlers creates a new wallet handlers instance.
func NewWalletHandlers(svc *wallet.Service, logger *zerolog.Logger) *WalletHandlers {
	return &WalletHandlers{
		service: svc,
		log:     logger,
	}
}

// RechargeRequest represents the request body for a wallet top-up.
type RechargeRequest struct {
	AmountMinor int64 `json:"amount_minor" binding:"required"`
}

// BalanceResponse represents a wallet snapshot in API responses.
type BalanceResponse struct {
	UserID       int64 `json:"user_id"`
	BalanceMinor int64 `json:"balance_minor"`
}

// RatesRequest represents the request body for publishing new rates.
type RatesRequest struct {
	VoiceRateMinor int64 `json:"voice_rate_minor"`
	VideoRateMinor int64 `json:"video_rate_minor"`
}

// RatesResponse represents a user's published rates in API responses.
type RatesResponse struct {
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	VoiceRateMinor int64  `json:"voice_rate_minor"`
	VideoRateMinor int64  `json:"video_rate_minor"`
}

// TransactionResponse represents one wallet movement in API responses.
type TransactionResponse struct {
	ID           int64   `json:"id"`
	Type         string  `json:"type"`
	AmountMinor  int64   `json:"amount_minor"`
	BalanceAfter int64   `json:"balance_after"`
	SessionID    *string `json:"session_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// Balance returns the caller's wallet balance.
// GET /api/wallet
func (h *WalletHandlers) Balance(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	b, err := h.service.GetBalance(c.Request.Context(), uid)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", uid).Msg("failed to get balance")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{UserID: b.UserID, BalanceMinor: b.BalanceMinor})
}

// Recharge credits the caller's wallet.
// POST /api/wallet/recharge
func (h *WalletHandlers) Recharge(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid recharge request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	b, err := h.service.Recharge(c.Request.Context(), uid, req.AmountMinor)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "amount must be positive"})
		case errors.Is(err, wallet.ErrUserNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
		default:
			h.log.Error().Err(err).Int64("user_id", uid).Msg("failed to recharge")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{UserID: b.UserID, BalanceMinor: b.BalanceMinor})
}

// Transactions lists the caller's wallet history.
// GET /api/wallet/transactions
func (h *WalletHandlers) Transactions(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = parsed
	}

	txns, err := h.service.Transactions(c.Request.Context(), uid, limit)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", uid).Msg("failed to list transactions")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	out := make([]TransactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, TransactionResponse{
			ID:           t.ID,
			Type:         t.Type,
			AmountMinor:  t.AmountMinor,
			BalanceAfter: t.BalanceAfter,
			SessionID:    t.SessionID,
			CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

// Rates returns another user's published per-minute prices.
// GET /api/rates/:user_id
func (h *WalletHandlers) Rates(c *gin.Context) {
	targetID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user id"})
		return
	}

	info, err := h.service.Rates(c.Request.Context(), targetID)
	if err != nil {
		if errors.Is(err, wallet.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
			return
		}
		h.log.Error().Err(err).Int64("user_id", targetID).Msg("failed to get rates")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, RatesResponse{
		UserID:         info.UserID,
		Username:       info.Username,
		VoiceRateMinor: info.VoiceRateMinor,
		VideoRateMinor: info.VideoRateMinor,
	})
}

// SetRates updates the caller's published per-minute prices.
// PUT /api/rates
func (h *WalletHandlers) SetRates(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req RatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid rates request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.service.SetRates(c.Request.Context(), uid, req.VoiceRateMinor, req.VideoRateMinor); err != nil {
		switch {
		case errors.Is(err, wallet.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "rates must not be negative"})
		case errors.Is(err, wallet.ErrUserNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
		default:
			h.log.Error().Err(err).Int64("user_id", uid).Msg("failed to set rates")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}
