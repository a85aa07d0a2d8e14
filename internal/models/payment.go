package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is legal from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentReleased, PaymentRefunded, PaymentFailed:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentHeld, PaymentReleased, PaymentRefunded, PaymentFailed:
		return true
	}
	return false
}

type Payment struct {
	ID            string          `json:"id"`
	ListingID     string          `json:"listing_id"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      string          `json:"seller_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        PaymentStatus   `json:"status"`
	Reference     string          `json:"reference"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type InitiatePaymentRequest struct {
	ListingID string `json:"listing_id" binding:"required"`
}

type VerifyPaymentRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// InitiateResult carries the redirect target the buyer completes payment on.
type InitiateResult struct {
	PaymentID        string `json:"payment_id"`
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
}

// SalesSummary aggregates a seller's escrow position.
type SalesSummary struct {
	SellerID       string          `json:"seller_id"`
	TotalSales     decimal.Decimal `json:"total_sales"`
	CompletedSales int             `json:"completed_sales"`
	PendingAmount  decimal.Decimal `json:"pending_amount"`
	PendingSales   int             `json:"pending_sales"`
	Withdrawn      decimal.Decimal `json:"withdrawn"`
	Available      decimal.Decimal `json:"available"`
}
