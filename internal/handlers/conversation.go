package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/conversation"
	"chat-sync/internal/models"
)

// ConversationService is the open-conversation engine driven by the API.
type ConversationService interface {
	Open(ctx context.Context, conv models.Conversation) error
	Close()
	LoadOlder(ctx context.Context) error
	Retry(ctx context.Context) error
	Send(ctx context.Context, content string) error
	Snapshot() conversation.Snapshot
}

type ConversationHandler struct {
	sync   ConversationService
	logger *slog.Logger
}

func NewConversationHandler(sync ConversationService, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{sync: sync, logger: logger.With("component", "api")}
}

type openRequest struct {
	Kind string `json:"kind" binding:"required"`
	Key  string `json:"key" binding:"required"`
}

type sendRequest struct {
	Content string `json:"content"`
}

// Open makes the requested conversation current. A failed first page still
// opens the conversation; the failure is reported in last_error.
func (h *ConversationHandler) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	kind, err := models.ParseConversationKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	err = h.sync.Open(c.Request.Context(), models.Conversation{Kind: kind, Key: key})
	if err != nil && !errors.Is(err, conversation.ErrFetchFailed) {
		h.fail(c, "open conversation", err)
		return
	}
	c.JSON(http.StatusOK, h.sync.Snapshot())
}

func (h *ConversationHandler) Close(c *gin.Context) {
	h.sync.Close()
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Current(c *gin.Context) {
	snap := h.sync.Snapshot()
	if snap.Conversation.IsZero() {
		c.JSON(http.StatusConflict, gin.H{"error": conversation.ErrNotOpen.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *ConversationHandler) LoadOlder(c *gin.Context) {
	if err := h.sync.LoadOlder(c.Request.Context()); err != nil {
		h.fail(c, "load older", err)
		return
	}
	c.JSON(http.StatusOK, h.sync.Snapshot())
}

func (h *ConversationHandler) Retry(c *gin.Context) {
	if err := h.sync.Retry(c.Request.Context()); err != nil {
		h.fail(c, "retry", err)
		return
	}
	c.JSON(http.StatusOK, h.sync.Snapshot())
}

func (h *ConversationHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.sync.Send(c.Request.Context(), req.Content); err != nil {
		h.fail(c, "send message", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *ConversationHandler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn(op+" failed", "request_id", requestIDFromContext(c), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
