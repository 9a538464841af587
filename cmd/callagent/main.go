package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/controller"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/memstore"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/signaling"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)
	logger := log.Logger.With().Str("user_id", cfg.Agent.UserID).Logger()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer backend.Close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("store ready")

	signaling.OnRetry = metrics.RecordRetry

	manager := calls.NewManager(
		cfg.Agent.UserID,
		backend.Channel,
		backend.Presence,
		media.NewPionFactory(cfg.Call.ICEServers, logger),
		calls.Options{RingTimeout: cfg.Call.RingTimeout},
		logger,
	)
	ctrl := controller.New(manager, logger)

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		if err := manager.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("call manager stopped")
			cancel()
		}
	}()
	go ctrl.Run(ctx)
	go drain(ctx, ctrl.Events(), logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: setupRouter(cfg, ctrl, logger),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("call agent started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	// The manager ends any active call before returning.
	select {
	case <-agentDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("call manager did not stop in time")
	}
	logger.Info().Msg("call agent exited")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Environment == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		gin.SetMode(gin.ReleaseMode)
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*signaling.Backend, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		st := memstore.New()
		return &signaling.Backend{Channel: st.Sessions(), Presence: st.Presence(), Close: st.Close}, nil
	default:
		st, err := redis.Connect(ctx, cfg.Redis, cfg.SessionTTL, logger)
		if err != nil {
			return nil, err
		}
		return &signaling.Backend{Channel: st.Sessions(), Presence: st.Presence(), Close: st.Close}, nil
	}
}

func setupRouter(cfg *config.Config, ctrl *controller.Controller, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	h := handlers.NewCallHandler(ctrl, logger)
	auth := middleware.JWTAuth(cfg.JWTSecret, cfg.Agent.UserID)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret, cfg.Agent))

		callGroup := apiGroup.Group("/calls", auth)
		callGroup.POST("", h.StartCall)
		callGroup.GET("/current", h.CurrentCall)
		callGroup.POST("/answer", h.AnswerCall)
		callGroup.POST("/reject", h.RejectCall)
		callGroup.POST("/end", h.EndCall)
	}

	wsGroup := router.Group("/ws", auth)
	{
		wsGroup.GET("/events", h.HandleEvents)
	}
	return router
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// drain logs call events for operators; UI clients subscribe separately
func drain(ctx context.Context, events <-chan models.Event, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logger.Info().
				Str("type", string(ev.Type)).
				Str("session_id", ev.SessionID).
				Str("peer_id", ev.PeerID).
				Str("reason", ev.Reason).
				Msg("call event")
		}
	}
}
