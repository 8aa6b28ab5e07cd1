package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meetrelay/internal/core/services"
	httphandlers "meetrelay/internal/handlers/http"
	"meetrelay/internal/infrastructure/middleware"
	"meetrelay/internal/infrastructure/monitoring"
	"meetrelay/internal/infrastructure/repositories"
	wssignal "meetrelay/internal/infrastructure/signal"
	"meetrelay/pkg/config"
	"meetrelay/pkg/logger"
	"meetrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}

	configPath := configPaths[0]
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Warnw("using default configuration", "path", configPath, "error", err)
	}

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(nil)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), time.Minute)
	repoFactory, err := repositories.NewRepositoryFactory(startupCtx, cfg, collector, log)
	startupCancel()
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	meetings := repoFactory.MeetingRepository()
	groups := repoFactory.GroupRegistry()

	resolver := services.NewJWTIdentityResolver(cfg.Auth.JWTSecret, meetings, cfg.Storage.UsernameCacheTTL, log)
	defer resolver.Close()
	router := services.NewRouter(groups, collector, cfg.Signal.ChatMaxLength, log)
	terminator := services.NewTerminator(groups, collector, log)

	wsServer := wssignal.NewWebSocketServer(
		wssignal.OptionsFromConfig(cfg),
		resolver,
		meetings,
		groups,
		router,
		collector,
		log,
	)
	meetingHandler := httphandlers.NewMeetingHandler(terminator, resolver, cfg.WebRTC.ICEServers, cfg.Auth.InternalToken)

	health := monitoring.NewHealthChecker()
	health.AddDependencyChecks(repoFactory.Dependencies(), 2*time.Second)
	health.AddAcceptingCheck(wsServer.Accepting)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	upgradeLimit := middleware.NewUpgradeRateLimitMiddleware(cfg)
	engine.GET("/ws/meeting/:meeting_id/", upgradeLimit, wsServer.HandleWebSocket)
	engine.GET("/ws/meeting/:meeting_id", upgradeLimit, wsServer.HandleWebSocket)

	meetingHandler.SetupRoutes(engine)

	engine.GET("/health", wsServer.HealthCheck)
	engine.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting meeting relay",
			"address", cfg.Server.Address,
			"groups_backend", cfg.Groups.Backend,
			"storage_backend", cfg.Storage.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// sessions first so their leave announcements still reach the group backend
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("websocket sessions did not close in time", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("meeting relay stopped")
}
