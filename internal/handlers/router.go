package handlers

import (
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-sync/internal/history"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
)

type RouterConfig struct {
	ServiceName  string
	SelfID       string
	ControlToken string
	CORSOrigins  []string
	RateLimit    middleware.RateConfig
	Debug        bool
}

// Services are the components the control API drives. Directory may be nil.
type Services struct {
	Conversation  ConversationService
	Unread        UnreadLedger
	Directory     history.Directory
	Transport     TransportStatus
	Subscriptions SubscriptionStatus
}

// NewRouter builds the control API. Health and metrics stay outside the
// auth and rate limit middleware.
func NewRouter(cfg RouterConfig, svc Services, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(observability.HTTPMetricsMiddleware())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "Content-Type", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))

	status := NewStatusHandler(svc.Transport, svc.Subscriptions, svc.Unread)
	router.GET("/healthz", status.Healthz)
	router.GET("/readyz", status.Readyz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/")
	api.Use(middleware.AuthMiddleware(cfg.ControlToken))
	api.Use(middleware.RateLimit(cfg.RateLimit))

	api.GET("/status", status.Status)

	conv := NewConversationHandler(svc.Conversation, logger)
	api.POST("/conversations/open", conv.Open)
	api.GET("/conversations/current", conv.Current)
	api.DELETE("/conversations/current", conv.Close)
	api.POST("/conversations/current/older", conv.LoadOlder)
	api.POST("/conversations/current/retry", conv.Retry)
	api.POST("/conversations/current/messages", conv.Send)

	unread := NewUnreadHandler(svc.Unread, logger)
	api.GET("/unread", unread.List)
	api.POST("/unread/:key/read", unread.MarkRead)

	dir := NewDirectoryHandler(svc.Directory, logger)
	api.GET("/rooms", dir.Rooms)
	api.GET("/users", dir.Users)

	RegisterDebugRoutes(api, cfg.SelfID, cfg.Debug)
	return router
}
