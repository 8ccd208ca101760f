package bridge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakehouse/internal/validation"
	"github.com/mbd888/stakehouse/internal/wallet"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
	wallets *wallet.Store
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, wallets *wallet.Store) *Handler {
	return &Handler{service: service, wallets: wallets}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets", h.ListWallets)
	r.GET("/wallets/:id", h.GetWallet)
	r.POST("/wallets/:id/fund", h.Fund)
	r.POST("/wallets/:id/withdraw", h.Withdraw)
	r.POST("/wallets/:id/transfer", h.Transfer)
	r.POST("/escrow/prepare", h.PrepareEscrow)
}

// CreateRequest registers a wallet. Role defaults to player. PrivateKey
// is sealed before storage and never echoed back.
type CreateRequest struct {
	ID         string `json:"id" binding:"required"`
	Role       string `json:"role"`
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// AmountRequest carries a single decimal amount.
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// TransferRequest moves funds to another wallet.
type TransferRequest struct {
	ToWalletID string `json:"to_wallet_id" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
}

// PrepareRequest asks for escrow allowance covering each wallet's stake.
type PrepareRequest struct {
	WalletIDs []string `json:"wallet_ids" binding:"required"`
	Amount    string   `json:"amount" binding:"required"`
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	validators := []validation.Validator{validation.WalletID("id", req.ID)}
	if req.Address != "" {
		validators = append(validators, validation.EthAddress("address", req.Address))
	}
	if err := validation.Validate(validators...); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	role := wallet.RolePlayer
	switch req.Role {
	case "", string(wallet.RolePlayer):
	case string(wallet.RoleHouse):
		role = wallet.RoleHouse
	case string(wallet.RoleSystem):
		role = wallet.RoleSystem
	default:
		badRequest(c, "Unknown role: "+req.Role)
		return
	}

	sealed := ""
	if req.PrivateKey != "" {
		var err error
		sealed, err = h.service.SealWalletKey(req.PrivateKey)
		if err != nil {
			if errors.Is(err, ErrNoKeySealing) {
				c.JSON(http.StatusConflict, gin.H{"error": "key_sealing_unavailable", "message": err.Error()})
				return
			}
			badRequest(c, "Invalid private key")
			return
		}
	}

	rec, err := h.wallets.Put(c.Request.Context(), req.ID, role, req.Address, sealed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListWallets handles GET /v1/wallets
func (h *Handler) ListWallets(c *gin.Context) {
	records, err := h.service.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": records, "count": len(records)})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "chain_unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Fund handles POST /v1/wallets/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	walletID := c.Param("id")
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := validation.Validate(validation.Amount("amount", req.Amount)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	receipt, err := h.service.Fund(c.Request.Context(), walletID, req.Amount)
	if err != nil {
		operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Withdraw handles POST /v1/wallets/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	walletID := c.Param("id")
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := validation.Validate(validation.Amount("amount", req.Amount)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	receipt, err := h.service.Withdraw(c.Request.Context(), walletID, req.Amount)
	if err != nil {
		operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Transfer handles POST /v1/wallets/:id/transfer
func (h *Handler) Transfer(c *gin.Context) {
	fromID := c.Param("id")
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := validation.Validate(
		validation.WalletID("to_wallet_id", req.ToWalletID),
		validation.Amount("amount", req.Amount),
	); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	receipt, err := h.service.Transfer(c.Request.Context(), fromID, req.ToWalletID, req.Amount)
	if err != nil {
		operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// PrepareEscrow handles POST /v1/escrow/prepare
func (h *Handler) PrepareEscrow(c *gin.Context) {
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if len(req.WalletIDs) == 0 {
		badRequest(c, "wallet_ids must not be empty")
		return
	}
	validators := []validation.Validator{validation.Amount("amount", req.Amount)}
	for _, id := range req.WalletIDs {
		validators = append(validators, validation.WalletID("wallet_ids", id))
	}
	if err := validation.Validate(validators...); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	result, err := h.service.PrepareEscrow(c.Request.Context(), req.WalletIDs, req.Amount)
	if err != nil {
		operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func operationError(c *gin.Context, err error) {
	var denial *DenialError
	if errors.As(err, &denial) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": denial.Reason, "message": denial.Detail})
		return
	}
	switch {
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": err.Error()})
	case errors.Is(err, wallet.ErrInvalidAmount), errors.Is(err, ErrSameWallet):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrNoChainAddress):
		c.JSON(http.StatusConflict, gin.H{"error": "no_chain_address", "message": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "chain_error", "message": err.Error()})
	}
}
