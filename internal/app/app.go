// Package app wires configuration into the escrow services shared by the
// API, the worker and escrowctl.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/config"
	"github.com/Intellihackz/westland-marketplace/internal/escrow"
	"github.com/Intellihackz/westland-marketplace/internal/events"
	"github.com/Intellihackz/westland-marketplace/internal/gateway"
	"github.com/Intellihackz/westland-marketplace/internal/interfaces"
	"github.com/Intellihackz/westland-marketplace/internal/listing"
	"github.com/Intellihackz/westland-marketplace/internal/repository"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
	"github.com/Intellihackz/westland-marketplace/internal/withdrawal"
)

type App struct {
	Config config.Config

	DB          *repository.DB
	Gateway     interfaces.PaymentGateway
	Coordinator *escrow.Coordinator
	Listings    *listing.Service
	Withdrawals *withdrawal.Processor

	coordinatorOpts []escrow.Option
	closers         []func() error
}

// Option attaches optional infrastructure. escrowctl runs without brokers.
type Option func(ctx context.Context, a *App) error

// WithEventBus connects Kafka and NATS so payment transitions and listing
// status changes are published.
func WithEventBus() Option {
	return func(ctx context.Context, a *App) error {
		writer := events.NewWriter(a.Config.KafkaBrokers, a.Config.PaymentEventsTopic)
		publisher := events.NewKafkaPublisher(writer)
		a.closers = append(a.closers, publisher.Close)

		nc, err := nats.Connect(a.Config.NATSURL, nats.Name("escrow"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })

		a.coordinatorOpts = append(a.coordinatorOpts,
			escrow.WithPublisher(publisher),
			escrow.WithListingNotifier(events.NewNATSNotifier(nc, a.Config.ListingSubject)),
		)
		return nil
	}
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg}

	db, err := repository.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if err := db.InitDB(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init db: %w", err)
	}

	for _, opt := range opts {
		if err := opt(ctx, a); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Gateway = NewGateway(cfg)
	fees := escrow.FeePolicy{Rate: cfg.PlatformFeeRate, Cap: cfg.PlatformFeeCap}

	payments := repository.NewPaymentRepository(db)
	listings := repository.NewListingRepository(db)
	platformFees := repository.NewPlatformFeeRepository(db)

	a.Coordinator = escrow.NewCoordinator(payments, listings, platformFees, a.Gateway,
		append([]escrow.Option{escrow.WithFeePolicy(fees)}, a.coordinatorOpts...)...)
	a.Listings = listing.NewService(listings, platformFees, fees)
	a.Withdrawals = withdrawal.NewProcessor(payments, repository.NewWithdrawalRepository(db), a.Gateway)
	return a, nil
}

// NewGateway returns the configured payment gateway. Paystack calls go
// through a circuit breaker.
func NewGateway(cfg config.Config) interfaces.PaymentGateway {
	if cfg.GatewayMode == config.GatewayModeFake {
		telemetry.Logger.Warn("Using fake payment gateway")
		return gateway.NewFakeGateway()
	}
	client := gateway.NewPaystackClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayCallbackURL, cfg.GatewayTimeout)
	return gateway.NewCircuitBreaker(client, gateway.CircuitBreakerConfig{})
}

// NewRedisClient accepts either host:port or a redis:// URL.
func NewRedisClient(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func (a *App) NewGatewayEventSink() *events.KafkaGatewaySink {
	sink := events.NewKafkaGatewaySink(events.NewWriter(a.Config.KafkaBrokers, a.Config.GatewayEventsTopic))
	a.closers = append(a.closers, sink.Close)
	return sink
}

func (a *App) NewGatewayEventConsumer() *events.GatewayEventConsumer {
	reader := events.NewReader(a.Config.KafkaBrokers, a.Config.GatewayEventsTopic, a.Config.ConsumerGroup)
	consumer := events.NewGatewayEventConsumer(reader, events.NewDispatcher(a.Coordinator, a.Withdrawals))
	a.closers = append(a.closers, consumer.Close)
	return consumer
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			telemetry.Logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}
