package txlog

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seyidev/vtucore/internal/logging"
)

// Handlers exposes transaction history over HTTP.
type Handlers struct {
	log *Log
}

// NewHandlers creates transaction HTTP handlers.
func NewHandlers(log *Log) *Handlers {
	return &Handlers{log: log}
}

// RegisterRoutes mounts transaction routes on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.listTransactions)
	r.GET("/transactions/:id", h.getTransaction)
}

func (h *Handlers) listTransactions(c *gin.Context) {
	q := Query{
		AccountID: c.Query("accountId"),
		Type:      Type(c.Query("type")),
		Status:    Status(c.Query("status")),
		Cursor:    c.Query("cursor"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from", "message": "from must be RFC3339"})
			return
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to", "message": "to must be RFC3339"})
			return
		}
		q.To = t
	}

	records, next, err := h.log.List(c.Request.Context(), q)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("list transactions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list transactions"})
		return
	}
	if records == nil {
		records = []*Record{}
	}

	resp := gin.H{"transactions": records}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) getTransaction(c *gin.Context) {
	rec, err := h.log.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "transaction not found"})
			return
		}
		logging.FromContext(c.Request.Context()).Error("get transaction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load transaction"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
