package activity

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakehouse/internal/wallet"
)

// AddressResolver maps wallet IDs to chain addresses.
type AddressResolver interface {
	Get(ctx context.Context, id string) (*wallet.Record, error)
}

// Handler provides HTTP endpoints for wallet activity.
type Handler struct {
	indexer         *Indexer
	wallets         AddressResolver
	defaultLookback int64
}

// NewHandler creates a new activity handler.
func NewHandler(indexer *Indexer, wallets AddressResolver, defaultLookback int64) *Handler {
	return &Handler{indexer: indexer, wallets: wallets, defaultLookback: defaultLookback}
}

// RegisterRoutes sets up activity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:id/activity", h.GetActivity)
}

// GetActivity handles GET /v1/wallets/:id/activity
func (h *Handler) GetActivity(c *gin.Context) {
	rec, err := h.wallets.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if rec.Address == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_chain_address",
			"message": "Wallet has no chain address; activity is only available in chain mode",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	lookback := h.defaultLookback
	if lb := c.Query("lookback_blocks"); lb != "" {
		if parsed, err := strconv.ParseInt(lb, 10, 64); err == nil {
			lookback = parsed
		}
	}

	records, err := h.indexer.Query(c.Request.Context(), common.HexToAddress(rec.Address), limit, lookback)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_unavailable",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"activity": records,
		"count":    len(records),
	}
	if chainID, err := h.indexer.ChainID(c.Request.Context()); err == nil {
		resp["chainId"] = chainID.Int64()
	}
	c.JSON(http.StatusOK, resp)
}
