package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Intellihackz/westland-marketplace/internal/models"
)

// PaymentRepository defines the contract for payment data access.
// Every Transition* method is a conditional write: it reports whether a
// record in the expected source state was found and updated.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByReference(ctx context.Context, reference string) (*models.Payment, error)
	FindOpenByListing(ctx context.Context, listingID string) (*models.Payment, error)
	TransitionStatus(ctx context.Context, id string, from, to models.PaymentStatus, reason string) (bool, error)
	// ReplaceFailureReason rewrites the reason on a failed payment only if it
	// still reads from.
	ReplaceFailureReason(ctx context.Context, id, from, to string) (bool, error)
	ListByParticipant(ctx context.Context, userID string) ([]models.Payment, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	SumBySeller(ctx context.Context, sellerID string, status models.PaymentStatus) (decimal.Decimal, int, error)
}

type ListingRepository interface {
	Create(ctx context.Context, listing *models.Listing) error
	GetByID(ctx context.Context, id string) (*models.Listing, error)
	ListActive(ctx context.Context, limit, offset int) ([]models.Listing, error)
	TransitionStatus(ctx context.Context, id string, from, to models.ListingStatus, buyerID string) (bool, error)
}

type PlatformFeeRepository interface {
	Create(ctx context.Context, fee *models.PlatformFee) error
	GetByListing(ctx context.Context, listingID string) (*models.PlatformFee, error)
	TransitionStatus(ctx context.Context, listingID string, from, to models.FeeStatus) (bool, error)
}

type WithdrawalRepository interface {
	Create(ctx context.Context, withdrawal *models.Withdrawal) error
	GetByID(ctx context.Context, id string) (*models.Withdrawal, error)
	GetByReference(ctx context.Context, reference string) (*models.Withdrawal, error)
	ListBySeller(ctx context.Context, sellerID string) ([]models.Withdrawal, error)
	SetRecipient(ctx context.Context, id, recipientCode string) error
	TransitionStatus(ctx context.Context, id string, from, to models.WithdrawalStatus, reason string) (bool, error)
	SumNonFailed(ctx context.Context, sellerID string) (decimal.Decimal, error)
	// Reserve adds amount to the seller's reserved payout total only if the
	// result stays within ceiling.
	Reserve(ctx context.Context, sellerID string, amount, ceiling decimal.Decimal) (bool, error)
	Unreserve(ctx context.Context, sellerID string, amount decimal.Decimal) error
}
