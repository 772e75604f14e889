package purchase

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seyidev/vtucore/internal/fulfillment"
	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/logging"
	"github.com/seyidev/vtucore/internal/txlog"
)

// Handlers exposes purchase endpoints over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates purchase HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts purchase routes on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.createPurchase)
	r.POST("/purchases/:id/reverse", h.reversePurchase)
}

func (h *Handlers) createPurchase(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	rec, err := h.service.Purchase(c.Request.Context(), &req)
	if err == nil {
		c.JSON(http.StatusCreated, rec)
		return
	}

	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrDuplicateOrder):
		// Replays of a finished order get the original outcome.
		if rec != nil && rec.Status == txlog.StatusCompleted {
			c.JSON(http.StatusOK, rec)
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_reference", "message": "this order reference was already used"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "account not found"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "available balance cannot cover this purchase"})
	case errors.Is(err, fulfillment.ErrRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "provider_rejected", "transaction": rec, "message": err.Error()})
	case errors.Is(err, fulfillment.ErrTimeout),
		errors.Is(err, fulfillment.ErrUnavailable),
		errors.Is(err, fulfillment.ErrCircuitOpen):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "transaction": rec, "message": "fulfillment provider is unavailable, funds were not charged"})
	default:
		logging.FromContext(c.Request.Context()).Error("purchase failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "purchase failed"})
	}
}

type reverseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handlers) reversePurchase(c *gin.Context) {
	var req reverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	rec, err := h.service.Reverse(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, txlog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "purchase not found"})
		case errors.Is(err, ErrAlreadyReversed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_reversed", "message": "this purchase was already reversed"})
		case errors.Is(err, ErrNotReversible):
			c.JSON(http.StatusConflict, gin.H{"error": "not_reversible", "message": "only completed purchases can be reversed"})
		default:
			logging.FromContext(c.Request.Context()).Error("reversal failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reversal failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, rec)
}
