package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seyidev/vtucore/internal/logging"
	"github.com/seyidev/vtucore/internal/validation"
)

// Handlers exposes account endpoints over HTTP.
type Handlers struct {
	ledger *Ledger
}

// NewHandlers creates account HTTP handlers.
func NewHandlers(ledger *Ledger) *Handlers {
	return &Handlers{ledger: ledger}
}

// RegisterRoutes mounts account routes on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.createAccount)
	r.GET("/accounts/:id", h.getAccount)
	r.GET("/accounts/:id/balance", h.getBalance)
}

type createAccountRequest struct {
	Email string `json:"email" binding:"required"`
}

func (h *Handlers) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidEmail(req.Email) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email", "message": "email address is not valid"})
		return
	}

	acct, err := h.ledger.CreateAccount(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			c.JSON(http.StatusConflict, gin.H{"error": "account_exists", "message": "an account with this email already exists"})
			return
		}
		logging.FromContext(c.Request.Context()).Error("create account failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create account"})
		return
	}

	c.JSON(http.StatusCreated, acct)
}

func (h *Handlers) getAccount(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		logging.FromContext(c.Request.Context()).Error("get account failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load account"})
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handlers) getBalance(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		logging.FromContext(c.Request.Context()).Error("get balance failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId": acct.ID,
		"available": acct.Available,
		"held":      acct.Held,
	})
}
