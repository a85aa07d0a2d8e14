package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/app"
	"github.com/Intellihackz/westland-marketplace/internal/config"
	"github.com/Intellihackz/westland-marketplace/internal/escrow"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

const reconcileBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	if err := telemetry.InitTelemetry("escrow-worker", cfg.JaegerEndpoint); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting escrow worker")

	a, err := app.New(context.Background(), *cfg, app.WithEventBus())
	if err != nil {
		telemetry.Logger.Fatal("Failed to initialize escrow services", zap.Error(err))
	}
	defer a.Close()

	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	consumer := a.NewGatewayEventConsumer()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			telemetry.Logger.Error("Gateway event consumer stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconcileLoop(ctx, a.Coordinator, *cfg)
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "escrow-worker"})
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		telemetry.Logger.Info("Escrow worker metrics listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down worker...")
	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Worker exited")
}

// reconcileLoop re-verifies stale pending payments whose webhook never arrived.
func reconcileLoop(ctx context.Context, coordinator *escrow.Coordinator, cfg config.Config) {
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := coordinator.ReconcilePending(ctx, cfg.ReconcilePendingAfter, cfg.ReconcileStaleAfter, reconcileBatch)
			if err != nil {
				telemetry.Logger.Error("Reconcile pass failed", zap.Error(err))
				continue
			}
			if report.Checked > 0 {
				telemetry.Logger.Info("Reconcile pass finished",
					zap.Int("checked", report.Checked),
					zap.Int("held", report.Held),
					zap.Int("failed", report.Failed),
					zap.Int("pending", report.Pending),
					zap.Int("errors", report.Errors),
				)
			}
		}
	}
}
