package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/api"
	"github.com/Intellihackz/westland-marketplace/internal/app"
	"github.com/Intellihackz/westland-marketplace/internal/config"
	"github.com/Intellihackz/westland-marketplace/internal/handlers"
	"github.com/Intellihackz/westland-marketplace/internal/middleware"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	if err := telemetry.InitTelemetry("escrow-api", cfg.JaegerEndpoint); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting escrow API", zap.String("db_driver", cfg.DBDriver), zap.String("gateway", cfg.GatewayMode))

	a, err := app.New(context.Background(), *cfg, app.WithEventBus())
	if err != nil {
		telemetry.Logger.Fatal("Failed to initialize escrow services", zap.Error(err))
	}
	defer a.Close()

	redisClient, err := app.NewRedisClient(cfg.RedisURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to configure Redis", zap.Error(err))
	}
	defer redisClient.Close()

	r := api.NewRouter(api.Deps{
		Listings:       handlers.NewListingHandler(a.Listings),
		Payments:       handlers.NewPaymentHandler(a.Coordinator),
		Withdrawals:    handlers.NewWithdrawalHandler(a.Withdrawals),
		Webhooks:       handlers.NewWebhookHandler(cfg.WebhookSecret, a.NewGatewayEventSink()),
		Idempotency:    middleware.NewRedisStore(redisClient),
		IdempotencyTTL: cfg.IdempotencyTTL,
		Admins:         cfg.AdminSet(),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		telemetry.Logger.Info("Escrow API starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
