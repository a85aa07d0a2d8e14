package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/interfaces"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

var ErrCircuitOpen = errors.New("circuit open")

type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	IsFailure        func(error) bool
}

// CircuitBreaker stops calling the gateway after repeated indeterminate
// failures. A rejected call never reached the gateway, so it is reported as
// a definite gateway error.
type CircuitBreaker struct {
	next interfaces.PaymentGateway
	cfg  CircuitBreakerConfig
	now  func() time.Time

	mu           sync.Mutex
	state        int
	failures     int
	successes    int
	openedAt     time.Time
	halfInFlight bool
}

const (
	cbClosed = iota
	cbOpen
	cbHalfOpen
)

func NewCircuitBreaker(next interfaces.PaymentGateway, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return apperror.IsIndeterminate(err) || errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &CircuitBreaker{next: next, cfg: cfg, now: time.Now, state: cbClosed}
}

func (g *CircuitBreaker) Initialize(ctx context.Context, req models.InitializeRequest) (*models.InitializeResponse, error) {
	if err := g.beforeCall("initialize"); err != nil {
		return nil, err
	}
	resp, err := g.next.Initialize(ctx, req)
	g.afterCall(err)
	return resp, err
}

func (g *CircuitBreaker) Verify(ctx context.Context, reference string) (*models.ChargeOutcome, error) {
	if err := g.beforeCall("verify"); err != nil {
		return nil, err
	}
	out, err := g.next.Verify(ctx, reference)
	g.afterCall(err)
	return out, err
}

func (g *CircuitBreaker) Refund(ctx context.Context, reference string, amountMinor int64) error {
	if err := g.beforeCall("refund"); err != nil {
		return err
	}
	err := g.next.Refund(ctx, reference, amountMinor)
	g.afterCall(err)
	return err
}

func (g *CircuitBreaker) CreatePayoutRecipient(ctx context.Context, bank models.BankDetails) (string, error) {
	if err := g.beforeCall("create_recipient"); err != nil {
		return "", err
	}
	code, err := g.next.CreatePayoutRecipient(ctx, bank)
	g.afterCall(err)
	return code, err
}

func (g *CircuitBreaker) Transfer(ctx context.Context, amountMinor int64, recipientCode, reference string) error {
	if err := g.beforeCall("transfer"); err != nil {
		return err
	}
	err := g.next.Transfer(ctx, amountMinor, recipientCode, reference)
	g.afterCall(err)
	return err
}

func (g *CircuitBreaker) beforeCall(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case cbClosed:
		return nil
	case cbOpen:
		if g.now().Sub(g.openedAt) < g.cfg.OpenTimeout {
			record(op, "circuit_open")
			return apperror.Gateway("gateway."+op, false, ErrCircuitOpen)
		}
		g.state = cbHalfOpen
		g.successes = 0
		g.halfInFlight = false
		fallthrough
	case cbHalfOpen:
		if g.halfInFlight {
			record(op, "circuit_open")
			return apperror.Gateway("gateway."+op, false, ErrCircuitOpen)
		}
		g.halfInFlight = true
		return nil
	default:
		return apperror.Gateway("gateway."+op, false, ErrCircuitOpen)
	}
}

func (g *CircuitBreaker) afterCall(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == cbHalfOpen {
		g.halfInFlight = false
	}

	if err == nil || !g.cfg.IsFailure(err) {
		switch g.state {
		case cbClosed:
			g.failures = 0
		case cbHalfOpen:
			g.successes++
			if g.successes >= g.cfg.SuccessThreshold {
				g.state = cbClosed
				g.failures = 0
				g.successes = 0
				telemetry.Logger.Info("Gateway circuit closed")
			}
		}
		return
	}

	switch g.state {
	case cbClosed:
		g.failures++
		if g.failures >= g.cfg.FailureThreshold {
			g.open()
		}
	case cbHalfOpen:
		g.open()
	}
}

func (g *CircuitBreaker) open() {
	g.state = cbOpen
	g.openedAt = g.now()
	g.failures = g.cfg.FailureThreshold
	g.successes = 0
	g.halfInFlight = false
	telemetry.Logger.Warn("Gateway circuit opened", zap.Duration("open_timeout", g.cfg.OpenTimeout))
}
