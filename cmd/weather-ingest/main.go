package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mr1hm/go-weather-ingest/internal/api"
	"github.com/mr1hm/go-weather-ingest/internal/app"
	"github.com/mr1hm/go-weather-ingest/internal/config"
	internalgrpc "github.com/mr1hm/go-weather-ingest/internal/grpc"
	"github.com/mr1hm/go-weather-ingest/internal/logging"
	"github.com/mr1hm/go-weather-ingest/internal/observability"
	"github.com/mr1hm/go-weather-ingest/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port,
		"locations", len(cfg.Sources.Locations))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	a, err := app.New(ctx, cfg, metrics)
	if err != nil {
		logging.Fatalf("Failed to initialize collector: %v", err)
	}
	defer a.Close()

	// Fail runs a previous process left running
	if _, err := a.Manager.ReapStale(ctx); err != nil {
		slog.Error("error reaping stale runs", "error", err)
	}

	// gRPC health, one service per adapter
	grpcServer := internalgrpc.NewServer(a.Registry.Names(), a.Broadcaster)
	go grpcServer.Watch(ctx)
	go func() {
		grpcAddr := fmt.Sprintf(":%d", cfg.GRPC.Port)
		if err := grpcServer.Start(grpcAddr); err != nil {
			logging.Fatalf("gRPC server error: %v", err)
		}
	}()

	sched := scheduler.New(a.Manager, a.Jobs)
	if err := sched.Start(ctx); err != nil {
		logging.Fatalf("Failed to start scheduler: %v", err)
	}

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(cfg.Server.RateLimit))

	handler := api.NewHandler(ctx, a.DB, a.Manager, a.Broadcaster, cfg.Sources.Ingestion.StaleAfter)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	sched.Stop()
	a.Manager.Stop()
	a.Broadcaster.Close() // Close all streams gracefully
	grpcServer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
