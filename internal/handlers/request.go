package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-sync/internal/conversation"
	"chat-sync/internal/history"
	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

const requestIDContextKey = "request_id"

// RequestID makes sure every request carries an id and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Request-ID", requestIDFromContext(c))
		c.Next()
	}
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotOpen), errors.Is(err, conversation.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversation.ErrFetchFailed), errors.Is(err, history.ErrUnauthorized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func pagingFromQuery(c *gin.Context, defaultSize int) (page, size int, ok bool) {
	page, size = 1, defaultSize
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, false
		}
		page = v
	}
	if raw := c.Query("size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			return 0, 0, false
		}
		size = v
	}
	return page, size, true
}
