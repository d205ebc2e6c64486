package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/luminavis/relay/internal/v1/api"
	"github.com/luminavis/relay/internal/v1/bus"
	"github.com/luminavis/relay/internal/v1/config"
	"github.com/luminavis/relay/internal/v1/health"
	"github.com/luminavis/relay/internal/v1/history"
	"github.com/luminavis/relay/internal/v1/identify"
	"github.com/luminavis/relay/internal/v1/middleware"
	"github.com/luminavis/relay/internal/v1/ratelimit"
	"github.com/luminavis/relay/internal/v1/relay"
	"github.com/luminavis/relay/internal/v1/session"
	"github.com/luminavis/relay/internal/v1/tracing"

	applog "github.com/luminavis/relay/internal/v1/logging"
)

// configureProxyTrust decides whether ClientIP honors X-Forwarded-For. Behind
// a load balancer (TRUST_PROXY=true) the forwarded header carries the real
// client, and every rate limiter keys off it; for direct exposure gin must
// ignore the header or clients could spoof their way past the limiters.
func configureProxyTrust(router *gin.Engine, trustProxy bool) {
	if !trustProxy {
		_ = router.SetTrustedProxies(nil)
	}
}

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := applog.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "relay-go", collectorAddr)
		if err != nil {
			slog.Warn("Tracing disabled, collector unreachable", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
		}
	}

	// --- KV substrate (optional) ---
	// Without REDIS_URL the relay runs in local-only mode: sessions and
	// limiter windows stay in-process and cross-instance fan-out is off.
	var busService *bus.Service
	if cfg.RedisURL != "" {
		busService, err = bus.NewService(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in local-only mode", "error", err)
			busService = bus.NewLocalService()
		} else {
			slog.Info("✅ Redis substrate initialized", "addr", cfg.RedisURL)
		}
	} else {
		slog.Info("Running in local-only mode (REDIS_URL not set)")
		busService = bus.NewLocalService()
	}

	store := session.NewStore(busService)

	connLimiter, err := ratelimit.NewConnectionLimiter(cfg.RateLimitWsIP, busService.Client())
	if err != nil {
		slog.Error("Failed to build WS connect limiter", "error", err)
		os.Exit(1)
	}

	hub := relay.NewHub(store, busService, cfg.RequireCode, connLimiter)

	// --- Identify pool ---
	pool := identify.NewPool(cfg.IdentifyWorkers, cfg.IdentifyCmd)
	pool.Start()
	slog.Info("Identify pool started", "workers", cfg.IdentifyWorkers)

	// --- Play history (optional) ---
	var recorder *history.Recorder
	if cfg.HistoryDBURL != "" {
		recorder, err = history.NewRecorder(cfg.HistoryDBURL)
		if err != nil {
			slog.Error("Play history disabled, database unreachable", "error", err)
			recorder = nil
		}
	}

	apiHandler := api.NewHandler(pool, busService, recorder, cfg, hub.InstanceID())

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	configureProxyTrust(router, cfg.TrustProxy)

	// Cors
	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// Error handling and observability
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("relay-go"))

	// WebSocket endpoint
	router.GET("/ws", hub.ServeWs)

	// API surface, each class behind its own sliding window
	apiLimiter, err := ratelimit.NewSlidingWindowFromFormatted(busService, "api", cfg.RateLimitAPI, ratelimit.ClientIP)
	if err != nil {
		slog.Error("Failed to build API limiter", "error", err)
		os.Exit(1)
	}
	identifyLimiter, err := ratelimit.NewSlidingWindowFromFormatted(busService, "identify", cfg.RateLimitIdentify, ratelimit.ClientIP)
	if err != nil {
		slog.Error("Failed to build identify limiter", "error", err)
		os.Exit(1)
	}
	defer apiLimiter.Stop()
	defer identifyLimiter.Stop()

	apiGroup := router.Group("/api", apiLimiter.Middleware())
	{
		apiGroup.POST("/identify", identifyLimiter.Middleware(), apiHandler.Identify)
		apiGroup.GET("/search", apiHandler.Search)
		apiGroup.GET("/video/search", apiHandler.VideoSearch)
		apiGroup.GET("/config", apiHandler.Config)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	apiGroup.GET("/health", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Relay server starting", "port", cfg.Port, "instance", hub.InstanceID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all rooms and WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Drain the identify pool
	pool.Stop()

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			slog.Error("Failed to close history database:", "error", err)
		}
	}

	// Close Redis connection if it was initialized
	if err := busService.Close(); err != nil {
		slog.Error("Failed to close Redis connection:", "error", err)
	} else {
		slog.Info("Substrate connection closed")
	}

	slog.Info("Server exiting")
}
