package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
)

// FakeGateway is an in-memory gateway for local runs and tests. Charges
// succeed with their initialized amount unless overridden.
type FakeGateway struct {
	mu         sync.Mutex
	charges    map[string]*models.ChargeOutcome
	refunds    map[string]int64
	transfers  map[string]int64
	recipients int
	failures   map[string]error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		charges:   make(map[string]*models.ChargeOutcome),
		refunds:   make(map[string]int64),
		transfers: make(map[string]int64),
		failures:  make(map[string]error),
	}
}

// FailNext makes the next call to op ("initialize", "verify", "refund",
// "create_recipient", "transfer") return err.
func (g *FakeGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = err
}

// SetCharge overrides what Verify reports for reference.
func (g *FakeGateway) SetCharge(reference string, state models.ChargeState, amountMinor int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[reference] = &models.ChargeOutcome{Reference: reference, State: state, AmountMinor: amountMinor}
}

func (g *FakeGateway) Refunds() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.refunds))
	for k, v := range g.refunds {
		out[k] = v
	}
	return out
}

func (g *FakeGateway) Transfers() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.transfers))
	for k, v := range g.transfers {
		out[k] = v
	}
	return out
}

func (g *FakeGateway) takeFailure(op string) error {
	err, ok := g.failures[op]
	if !ok {
		return nil
	}
	delete(g.failures, op)
	return err
}

func (g *FakeGateway) Initialize(ctx context.Context, req models.InitializeRequest) (*models.InitializeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("initialize"); err != nil {
		return nil, err
	}
	if _, ok := g.charges[req.Reference]; !ok {
		g.charges[req.Reference] = &models.ChargeOutcome{
			Reference:   req.Reference,
			State:       models.ChargeSucceeded,
			AmountMinor: req.AmountMinor,
		}
	}
	return &models.InitializeResponse{
		AuthorizationURL: "https://checkout.fake.local/" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *FakeGateway) Verify(ctx context.Context, reference string) (*models.ChargeOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("verify"); err != nil {
		return nil, err
	}
	charge, ok := g.charges[reference]
	if !ok {
		return nil, apperror.Gateway("gateway.verify", false, fmt.Errorf("transaction %s not found", reference))
	}
	out := *charge
	return &out, nil
}

func (g *FakeGateway) Refund(ctx context.Context, reference string, amountMinor int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("refund"); err != nil {
		return err
	}
	g.refunds[reference] += amountMinor
	return nil
}

func (g *FakeGateway) CreatePayoutRecipient(ctx context.Context, bank models.BankDetails) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("create_recipient"); err != nil {
		return "", err
	}
	g.recipients++
	return fmt.Sprintf("RCP_fake_%d", g.recipients), nil
}

func (g *FakeGateway) Transfer(ctx context.Context, amountMinor int64, recipientCode, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("transfer"); err != nil {
		return err
	}
	g.transfers[reference] = amountMinor
	return nil
}
