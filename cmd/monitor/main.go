package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomwatch/monitor/internal/bus"
	"github.com/roomwatch/monitor/internal/clock"
	"github.com/roomwatch/monitor/internal/config"
	"github.com/roomwatch/monitor/internal/core"
	"github.com/roomwatch/monitor/internal/fetcher"
	"github.com/roomwatch/monitor/internal/fetcher/wsfetcher"
	"github.com/roomwatch/monitor/internal/health"
	"github.com/roomwatch/monitor/internal/logging"
	"github.com/roomwatch/monitor/internal/manager"
	"github.com/roomwatch/monitor/internal/scheduler"
	"github.com/roomwatch/monitor/internal/storage/postgres"
	"github.com/roomwatch/monitor/internal/tracing"
)

func main() {
	// Load .env file for local development. Try multiple paths to handle
	// different ways of running the app.
	envPaths := []string{".env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv == "development"); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if cfg.OTELCollector != "" {
		tp, err := tracing.InitTracer(ctx, "roomwatch-monitor", cfg.OTELCollector)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	loc, err := time.LoadLocation(cfg.DisplayTimeZone)
	if err != nil {
		slog.Error("Invalid display time zone", "zone", cfg.DisplayTimeZone, "error", err)
		os.Exit(1)
	}
	clk := clock.New(loc)

	gateway, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()
	if err := gateway.Migrate(); err != nil {
		slog.Error("Failed to apply migrations", "error", err)
		os.Exit(1)
	}

	var busSvc *bus.Service
	if cfg.RedisEnabled {
		busSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer busSvc.Close()
	} else {
		slog.Warn("Subscriber bus disabled, events will only be persisted")
	}

	wsTemplate := getenvOrExit("STREAM_WS_URL_TEMPLATE")
	probeTemplate := getenvOrExit("PROBE_URL_TEMPLATE")
	factory := fetcher.FactoryFunc(func() fetcher.Fetcher {
		return wsfetcher.New(wsfetcher.Config{
			DialURL: wsfetcher.NewDialURL(wsTemplate),
			Probe:   wsfetcher.NewHTTPProbe(probeTemplate),
			Decoder: wsfetcher.JSONDecoder{},
		})
	})

	c := core.New(clk, cfg, gateway, busSvc, factory)
	mgr := manager.New(c)

	if err := mgr.Reconcile(ctx); err != nil {
		slog.Error("Start-up reconciliation failed", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(c, mgr)
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	if cfg.GoEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(gin.Recovery())

	healthHandler := health.NewHandler(gateway, busSvc)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}
	go func() {
		slog.Info("Operational endpoints listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down...")

	sched.Stop()
	mgr.Shutdown(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Monitor exiting")
}

func getenvOrExit(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("Required environment variable missing", "key", key)
		os.Exit(1)
	}
	return v
}
