package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/config"
	"chat-sync/internal/conversation"
	"chat-sync/internal/db"
	"chat-sync/internal/handlers"
	"chat-sync/internal/history"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/registry"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/transport"
	"chat-sync/internal/unread"
	"chat-sync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("tracing unavailable", "error", err)
	}

	if events := observability.NewEventPublisher(cfg.EventsAMQPURL, cfg.EventsExchange, logger); events != nil {
		observability.SetPublisher(events)
		defer events.Close()
	}

	conn := newTransport(cfg, logger)
	reg := registry.New(conn, registry.Config{
		PollInterval: cfg.SubscribePollInterval,
		PollAttempts: cfg.SubscribePollAttempts,
	}, logger)
	tracker := unread.NewTracker(cfg.SelfID, conn, logger)
	tracker.Start(reg)

	backend := history.NewHTTPClient(history.HTTPConfig{
		BaseURL:    cfg.BackendURL,
		Credential: cfg.Credential,
		SelfID:     cfg.SelfID,
		Timeout:    cfg.BackendTimeout,
	}, logger)

	var fetcher history.Fetcher = backend
	if cfg.HistorySource == config.HistorySQL {
		database, err := db.Connect(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to connect to db", "error", err)
			os.Exit(1)
		}
		defer database.Close()
		fetcher = history.NewSQLFetcher(repositories.NewMessageRepo(database), cfg.SelfID)
	}

	sync := conversation.New(conversation.Config{
		SelfID:   cfg.SelfID,
		SelfName: cfg.SelfName,
		PageSize: cfg.PageSize,
	}, conn, reg, tracker, fetcher, logger)

	if err := conn.Connect(ctx); err != nil {
		logger.Error("failed to start transport", "error", err)
		os.Exit(1)
	}

	if cfg.Env != "dev" && cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:  cfg.ServiceName,
		SelfID:       cfg.SelfID,
		ControlToken: cfg.ControlToken,
		CORSOrigins:  cfg.CORSOrigins,
		RateLimit:    middleware.RateConfig{RPS: cfg.RateRPS, Burst: cfg.RateBurst},
		Debug:        cfg.DebugRoutes,
	}, handlers.Services{
		Conversation:  sync,
		Unread:        tracker,
		Directory:     backend,
		Transport:     conn,
		Subscriptions: reg,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("control api listening", "addr", cfg.HTTPAddr, "transport", cfg.Transport,
			"history", cfg.HistorySource, "user_id", cfg.SelfID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sync.Close()
	tracker.Stop()
	reg.Close()
	conn.Disconnect()
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}
}

func newTransport(cfg config.Config, logger *slog.Logger) transport.Conn {
	if cfg.Transport == config.TransportAMQP {
		return rabbitmq.NewTransport(rabbitmq.Config{
			URL:               cfg.AMQPURL,
			Exchange:          cfg.AMQPExchange,
			UserID:            cfg.SelfID,
			ReconnectDelay:    cfg.ReconnectDelay,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, logger)
	}
	return ws.NewClient(ws.Config{
		Endpoint:          cfg.WSEndpoint,
		Credential:        cfg.Credential,
		UserID:            cfg.SelfID,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandshakeTimeout:  cfg.HandshakeTimeout,
	}, logger)
}
