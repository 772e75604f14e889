package funding

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/logging"
	"github.com/seyidev/vtucore/internal/money"
)

// maxWebhookBody caps gateway payloads.
const maxWebhookBody = 256 * 1024

// WebhookHandler receives payment gateway events. The gateway signs the
// raw body with HMAC-SHA512 over a shared secret; anything unsigned or
// mis-signed is rejected before parsing.
type WebhookHandler struct {
	service *Service
	secret  []byte
}

// NewWebhookHandler creates the gateway webhook endpoint.
func NewWebhookHandler(service *Service, secret string) *WebhookHandler {
	return &WebhookHandler{service: service, secret: []byte(secret)}
}

// RegisterRoutes mounts the webhook route on the given router group.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.handlePaymentEvent)
}

// gatewayEvent is the subset of the gateway payload we consume.
// Amounts arrive as integer kobo.
type gatewayEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

func (h *WebhookHandler) handlePaymentEvent(c *gin.Context) {
	logger := logging.FromContext(c.Request.Context())

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "failed to read request body"})
		return
	}

	if !h.verifySignature(body, c.GetHeader("X-Signature")) {
		logger.Warn("webhook signature verification failed", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	}

	var event gatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "malformed event payload"})
		return
	}

	// Only successful charges fund wallets. Everything else is
	// acknowledged so the gateway stops redelivering it.
	if event.Event != "charge.success" {
		logger.Debug("ignoring gateway event", "event", event.Event)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if event.Data.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be positive"})
		return
	}

	rec, err := h.service.Apply(c.Request.Context(), &Credit{
		AccountRef: event.Data.Customer.Email,
		Amount:     money.Format(big.NewInt(event.Data.Amount)),
		Reference:  event.Data.Reference,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "applied", "transactionId": rec.ID})
	case errors.Is(err, ErrAlreadyProcessed):
		// Redelivery of an applied payment is success, not an error.
		c.JSON(http.StatusOK, gin.H{"status": "already_applied", "transactionId": rec.ID})
	case errors.Is(err, ledger.ErrAccountNotFound):
		// Acknowledge so the gateway stops retrying, but flag it: this
		// is real money with no wallet to land in.
		logger.Error("payment for unknown account",
			"email", event.Data.Customer.Email, "reference", event.Data.Reference)
		h.service.notifier.Notify(c.Request.Context(), "orphan_payment", "payment received for unknown account", map[string]any{
			"email":     event.Data.Customer.Email,
			"reference": event.Data.Reference,
			"amount":    event.Data.Amount,
		})
		c.JSON(http.StatusOK, gin.H{"status": "unmatched"})
	case errors.Is(err, ErrInvalidCredit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": err.Error()})
	default:
		logger.Error("credit apply failed", "reference", event.Data.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to apply credit"})
	}
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
