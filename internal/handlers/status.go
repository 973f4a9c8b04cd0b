package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/transport"
)

// TransportStatus reports the broker connection state.
type TransportStatus interface {
	State() transport.State
}

// SubscriptionStatus reports what the registry holds.
type SubscriptionStatus interface {
	Active() []string
	Wanted() []string
}

type StatusHandler struct {
	conn   TransportStatus
	subs   SubscriptionStatus
	ledger UnreadLedger
}

func NewStatusHandler(conn TransportStatus, subs SubscriptionStatus, ledger UnreadLedger) *StatusHandler {
	return &StatusHandler{conn: conn, subs: subs, ledger: ledger}
}

func (h *StatusHandler) Status(c *gin.Context) {
	active := h.subs.Active()
	wanted := h.subs.Wanted()
	if active == nil {
		active = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transport":     h.conn.State().String(),
		"subscriptions": gin.H{"active": active, "wanted": wanted},
		"unread_total":  h.ledger.Total(),
	})
}

func (h *StatusHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz succeeds only while the broker connection is up.
func (h *StatusHandler) Readyz(c *gin.Context) {
	state := h.conn.State()
	if state != transport.StateConnected {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "transport": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
