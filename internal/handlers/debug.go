package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/observability"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, selfID string, enabled bool) {
	if !enabled {
		return
	}

	router.POST("/debug/event-test", func(c *gin.Context) {
		requestID := requestIDFromContext(c)
		event := observability.TransportEvent("debug_test", "control-api", requestID, "manual")
		if err := observability.PublishEvent(c.Request.Context(), "transport_events.debug", event, observability.BuildHeaders(requestID, selfID)); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event publish failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestID})
	})
}
