package interfaces

import (
	"context"

	"github.com/Intellihackz/westland-marketplace/internal/models"
)

// PaymentGateway is the external payment processor. All amounts are in the
// gateway's minor currency unit.
type PaymentGateway interface {
	Initialize(ctx context.Context, req models.InitializeRequest) (*models.InitializeResponse, error)
	Verify(ctx context.Context, reference string) (*models.ChargeOutcome, error)
	Refund(ctx context.Context, reference string, amountMinor int64) error
	CreatePayoutRecipient(ctx context.Context, bank models.BankDetails) (string, error)
	Transfer(ctx context.Context, amountMinor int64, recipientCode, reference string) error
}
