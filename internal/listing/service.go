package listing

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/escrow"
	"github.com/Intellihackz/westland-marketplace/internal/interfaces"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

// Service is the slice of listing management the escrow flow depends on:
// registering a listing together with its platform fee, and lookups.
type Service struct {
	listings  interfaces.ListingRepository
	fees      interfaces.PlatformFeeRepository
	feePolicy escrow.FeePolicy
}

func NewService(listings interfaces.ListingRepository, fees interfaces.PlatformFeeRepository, feePolicy escrow.FeePolicy) *Service {
	return &Service{listings: listings, fees: fees, feePolicy: feePolicy}
}

// Register creates an active listing and its pending platform fee. The fee
// row is written first so a listing never exists without one.
func (s *Service) Register(ctx context.Context, seller models.Actor, req models.CreateListingRequest) (*models.Listing, error) {
	const op = "listing.Register"
	if seller.ID == "" {
		return nil, apperror.Authorization(op, "authentication required")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperror.Validation(op, "title is required")
	}
	if !req.Price.IsPositive() {
		return nil, apperror.Validation(op, "price must be positive")
	}
	if !models.FromMinorUnits(models.MinorUnits(req.Price)).Equal(req.Price) {
		return nil, apperror.Validation(op, "price has more than two decimal places")
	}

	listing := &models.Listing{
		ID:       uuid.NewString(),
		SellerID: seller.ID,
		Title:    title,
		Price:    req.Price,
		Status:   models.ListingActive,
	}
	fee := &models.PlatformFee{
		ID:        uuid.NewString(),
		ListingID: listing.ID,
		SellerID:  seller.ID,
		Amount:    s.feePolicy.Fee(req.Price),
		Status:    models.FeePending,
	}

	if err := s.fees.Create(ctx, fee); err != nil {
		return nil, err
	}
	if err := s.listings.Create(ctx, listing); err != nil {
		return nil, err
	}

	telemetry.Logger.Info("Listing registered",
		zap.String("listing_id", listing.ID),
		zap.String("seller_id", seller.ID),
		zap.String("price", listing.Price.String()),
		zap.String("fee", fee.Amount.String()),
	)
	return listing, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Listing, error) {
	return s.listings.GetByID(ctx, id)
}

func (s *Service) ListActive(ctx context.Context, limit, offset int) ([]models.Listing, error) {
	if limit > 100 {
		limit = 100
	}
	return s.listings.ListActive(ctx, limit, offset)
}

func (s *Service) Fee(ctx context.Context, listingID string) (*models.PlatformFee, error) {
	return s.fees.GetByListing(ctx, listingID)
}
