package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingStatus string

const (
	ListingActive  ListingStatus = "active"
	ListingPending ListingStatus = "pending"
	ListingSold    ListingStatus = "sold"
)

type Listing struct {
	ID          string          `json:"id"`
	SellerID    string          `json:"seller_id"`
	Title       string          `json:"title"`
	Price       decimal.Decimal `json:"price"`
	Status      ListingStatus   `json:"status"`
	BuyerID     string          `json:"buyer_id,omitempty"`
	PurchasedAt *time.Time      `json:"purchased_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CreateListingRequest struct {
	Title string          `json:"title" binding:"required"`
	Price decimal.Decimal `json:"price"`
}

type FeeStatus string

const (
	FeePending   FeeStatus = "pending"
	FeeCollected FeeStatus = "collected"
)

// PlatformFee is the marketplace commission tracked per listing.
type PlatformFee struct {
	ID        string          `json:"id"`
	ListingID string          `json:"listing_id"`
	SellerID  string          `json:"seller_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    FeeStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
