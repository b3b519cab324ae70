package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/call"
	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/service/calls"
	"github.com/meetline/callbridge/internal/store"
)

// CallsHandlers provides HTTP handlers for call session endpoints.
type CallsHandlers struct {
	service *calls.Service
	log     *zerolog.Logger
}

// NewCallsHandlers creates a new calls handlers instance.
func NewCallsHandlers(svc *calls.Service, logger *zerolog.Logger) *CallsHandlers {
	return &CallsHandlers{
		service: svc,
		log:     logger,
	}
}

// InitiateCallRequest represents the request body for starting a call.
type InitiateCallRequest struct {
	CalleeID int64  `json:"callee_id" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
}

// SessionResponse represents a call session in API responses.
type SessionResponse struct {
	ID            string  `json:"id"`
	CallerID      int64   `json:"caller_id"`
	CalleeID      int64   `json:"callee_id"`
	Kind          string  `json:"kind"`
	State         string  `json:"state"`
	RatePerMinute int64   `json:"rate_per_minute"`
	MaxDuration   int64   `json:"max_duration,omitempty"`
	CreatedAt     string  `json:"created_at"`
	ConnectedAt   *string `json:"connected_at,omitempty"`
	EndedAt       *string `json:"ended_at,omitempty"`
	EndReason     string  `json:"end_reason,omitempty"`
	BilledSeconds *int64  `json:"billed_seconds,omitempty"`
	BilledAmount  *int64  `json:"billed_amount,omitempty"`
	Shortfall     int64   `json:"shortfall,omitempty"`
}

// SettlementResponse reports billing figures in API responses.
type SettlementResponse struct {
	AmountDebited int64 `json:"amount_debited"`
	BalanceBefore int64 `json:"balance_before"`
	BalanceAfter  int64 `json:"balance_after"`
	Shortfall     int64 `json:"shortfall,omitempty"`
}

// CallResultResponse is the body for operations that may settle the call.
type CallResultResponse struct {
	Session    SessionResponse     `json:"session"`
	Settlement *SettlementResponse `json:"settlement,omitempty"`
	JoinInfo   *JoinInfoResponse   `json:"join_info,omitempty"`
}

// JoinInfoResponse represents media room credentials in API responses.
type JoinInfoResponse struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	RoomName string `json:"room_name"`
	Identity string `json:"identity"`
}

func sessionToResponse(s *store.CallSession) SessionResponse {
	resp := SessionResponse{
		ID:            s.ID,
		CallerID:      s.CallerID,
		CalleeID:      s.CalleeID,
		Kind:          string(s.Kind),
		State:         string(s.State),
		RatePerMinute: s.RatePerMinute,
		MaxDuration:   s.MaxDuration,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		EndReason:     s.EndReason,
		BilledSeconds: s.BilledSeconds,
		BilledAmount:  s.BilledAmount,
		Shortfall:     s.Shortfall,
	}
	if s.ConnectedAt != nil {
		v := s.ConnectedAt.Format(time.RFC3339)
		resp.ConnectedAt = &v
	}
	if s.EndedAt != nil {
		v := s.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &v
	}
	return resp
}

func resultToResponse(res *calls.Result) CallResultResponse {
	out := CallResultResponse{Session: sessionToResponse(res.Session)}
	if res.Settlement != nil {
		out.Settlement = &SettlementResponse{
			AmountDebited: res.Settlement.AmountDebited,
			BalanceBefore: res.Settlement.BalanceBefore,
			BalanceAfter:  res.Settlement.BalanceAfter,
			Shortfall:     res.Settlement.Shortfall,
		}
	}
	out.JoinInfo = joinInfoToResponse(res.JoinInfo)
	return out
}

func joinInfoToResponse(ji *event.JoinInfo) *JoinInfoResponse {
	if ji == nil {
		return nil
	}
	return &JoinInfoResponse{
		URL:      ji.URL,
		Token:    ji.Token,
		RoomName: ji.RoomName,
		Identity: ji.Identity,
	}
}

// Initiate starts a call to another user.
// POST /api/calls
func (h *CallsHandlers) Initiate(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid initiate call request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	session, err := h.service.Initiate(c.Request.Context(), uid, req.CalleeID, call.Kind(req.Kind))
	if err != nil {
		switch {
		case errors.Is(err, calls.ErrBadKind):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "kind must be voice or video"})
		case errors.Is(err, calls.ErrCannotCallSelf):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "cannot call yourself"})
		case errors.Is(err, calls.ErrUserNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
		case errors.Is(err, calls.ErrBusy):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "participant already in a call"})
		case errors.Is(err, calls.ErrInsufficientBalance):
			c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: "insufficient balance"})
		default:
			h.log.Error().Err(err).Int64("caller_id", uid).Int64("callee_id", req.CalleeID).Msg("failed to initiate call")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	c.JSON(http.StatusCreated, sessionToResponse(session))
}

// Accept answers a ringing call.
// POST /api/calls/:id/accept
func (h *CallsHandlers) Accept(c *gin.Context) {
	h.lifecycle(c, h.service.Accept)
}

// Reject declines a ringing call.
// POST /api/calls/:id/reject
func (h *CallsHandlers) Reject(c *gin.Context) {
	h.lifecycle(c, h.service.Reject)
}

// Cancel withdraws an unanswered call.
// POST /api/calls/:id/cancel
func (h *CallsHandlers) Cancel(c *gin.Context) {
	h.lifecycle(c, h.service.Cancel)
}

// End hangs up an active call and settles it.
// POST /api/calls/:id/end
func (h *CallsHandlers) End(c *gin.Context) {
	h.lifecycle(c, h.service.End)
}

// Fail reports a transport failure on an active call.
// POST /api/calls/:id/fail
func (h *CallsHandlers) Fail(c *gin.Context) {
	h.lifecycle(c, h.service.Fail)
}

func (h *CallsHandlers) lifecycle(c *gin.Context, op func(ctx context.Context, sessionID string, userID int64) (*calls.Result, error)) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}
	sessionID := c.Param("id")

	res, err := op(c.Request.Context(), sessionID, uid)
	if err != nil {
		h.writeLifecycleError(c, sessionID, err)
		return
	}
	c.JSON(http.StatusOK, resultToResponse(res))
}

func (h *CallsHandlers) writeLifecycleError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, calls.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "call not found"})
	case errors.Is(err, calls.ErrNotParticipant):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not a participant in this call"})
	case errors.Is(err, call.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "call is not in a state that allows this"})
	default:
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("call operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// Status returns the session as seen by a participant.
// GET /api/calls/:id
func (h *CallsHandlers) Status(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	session, err := h.service.Status(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		h.writeLifecycleError(c, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(session))
}

// History lists the user's sessions, newest first.
// GET /api/calls/history
func (h *CallsHandlers) History(c *gin.Context) {
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
	var beforeID *string
	if raw := c.Query("before"); raw != "" {
		beforeID = &raw
	}

	sessions, err := h.service.History(c.Request.Context(), uid, limit, beforeID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", uid).Msg("failed to list history")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}
