package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/stakehouse/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/lock", h.LockEscrow)
	r.POST("/escrow/:wagerId/resolve", h.ResolveEscrow)
	r.POST("/escrow/:wagerId/refund", h.RefundEscrow)
	r.GET("/escrow/settlements", h.ListSettlements)
	r.GET("/escrow/:wagerId", h.GetEscrow)
}

// LockEscrow handles POST /v1/escrow/lock
func (h *Handler) LockEscrow(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := validation.Validate(
		validation.WagerID("wager_id", req.WagerID),
		validation.WalletID("challenger_id", req.ChallengerID),
		validation.WalletID("opponent_id", req.OpponentID),
		validation.Amount("amount", req.Amount),
	); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.Lock(c.Request.Context(), req)
	if err != nil {
		var denial *DenialError
		switch {
		case errors.As(err, &denial):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   denial.Reason,
				"message": denial.Detail,
			})
		case errors.Is(err, ErrSameParticipant), errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		case errors.Is(err, ErrWagerMismatch), errors.Is(err, ErrAlreadySettled):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_failed", "message": err.Error()})
		}
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// ResolveRequest contains the parameters for resolving a wager.
type ResolveRequest struct {
	WinnerID string `json:"winner_id" binding:"required"`
	FeeBps   *int64 `json:"fee_bps"` // default fee when omitted
}

// ResolveEscrow handles POST /v1/escrow/:wagerId/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	wagerID := c.Param("wagerId")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner_id is required",
		})
		return
	}

	if err := validation.Validate(
		validation.WagerID("wager_id", wagerID),
		validation.WalletID("winner_id", req.WinnerID),
	); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	feeBps := h.service.DefaultFeeBps()
	if req.FeeBps != nil {
		feeBps = *req.FeeBps
	}

	stl, err := h.service.Resolve(c.Request.Context(), wagerID, req.WinnerID, feeBps)
	if err != nil {
		h.settlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": stl})
}

// RefundEscrow handles POST /v1/escrow/:wagerId/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	wagerID := c.Param("wagerId")

	stl, err := h.service.Refund(c.Request.Context(), wagerID)
	if err != nil {
		h.settlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": stl})
}

// GetEscrow handles GET /v1/escrow/:wagerId
func (h *Handler) GetEscrow(c *gin.Context) {
	lock, err := h.service.Get(c.Request.Context(), c.Param("wagerId"))
	if err != nil {
		if errors.Is(err, ErrWagerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wager escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"lock": lock})
}

// ListSettlements handles GET /v1/escrow/settlements
func (h *Handler) ListSettlements(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	settlements, err := h.service.Settlements(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settlements": settlements,
		"count":       len(settlements),
	})
}

func (h *Handler) settlementError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrWagerNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadySettled):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrWinnerNotParticipant):
		status = http.StatusUnprocessableEntity
		code = "winner_wallet_not_participant"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
