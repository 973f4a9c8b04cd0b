package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/models"
	"chat-sync/internal/transport"
)

// UnreadLedger is the unread tracker as exposed over the API.
type UnreadLedger interface {
	Entries() []models.UnreadEntry
	Total() int
	MarkAsRead(ctx context.Context, key string) error
}

type UnreadHandler struct {
	ledger UnreadLedger
	logger *slog.Logger
}

func NewUnreadHandler(ledger UnreadLedger, logger *slog.Logger) *UnreadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnreadHandler{ledger: ledger, logger: logger.With("component", "api")}
}

func (h *UnreadHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"total":   h.ledger.Total(),
		"entries": h.ledger.Entries(),
	})
}

// MarkRead clears the entry even when the receipt cannot be sent.
func (h *UnreadHandler) MarkRead(c *gin.Context) {
	key := c.Param("key")
	err := h.ledger.MarkAsRead(c.Request.Context(), key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "read", "receipt_sent": true})
	case errors.Is(err, transport.ErrNotConnected):
		c.JSON(http.StatusAccepted, gin.H{"status": "read", "receipt_sent": false})
	default:
		h.logger.Warn("mark as read failed", "request_id", requestIDFromContext(c), "key", key, "error", err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
	}
}
