package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
)

type PlatformFeeRepository struct {
	db *DB
}

func NewPlatformFeeRepository(db *DB) *PlatformFeeRepository {
	return &PlatformFeeRepository{db: db}
}

func (r *PlatformFeeRepository) Create(ctx context.Context, fee *models.PlatformFee) error {
	now := r.db.now().UTC().Truncate(time.Microsecond)
	fee.CreatedAt = now
	fee.UpdatedAt = now

	_, err := r.db.exec(ctx, `
		INSERT INTO platform_fees (id, listing_id, seller_id, amount_minor, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, fee.ID, fee.ListingID, fee.SellerID, models.MinorUnits(fee.Amount), string(fee.Status),
		formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("platform_fees.Create", "listing already has a platform fee")
		}
		return apperror.Internal("platform_fees.Create", err)
	}
	return nil
}

func (r *PlatformFeeRepository) GetByListing(ctx context.Context, listingID string) (*models.PlatformFee, error) {
	var fee models.PlatformFee
	var amountMinor int64
	var status, createdAt, updatedAt string
	err := r.db.queryRow(ctx, `
		SELECT id, listing_id, seller_id, amount_minor, status, created_at, updated_at
		FROM platform_fees WHERE listing_id = ?
	`, listingID).Scan(&fee.ID, &fee.ListingID, &fee.SellerID, &amountMinor, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("platform_fees.GetByListing", "platform fee not found")
	}
	if err != nil {
		return nil, apperror.Internal("platform_fees.GetByListing", err)
	}
	fee.Amount = models.FromMinorUnits(amountMinor)
	fee.Status = models.FeeStatus(status)
	fee.CreatedAt = parseTime(createdAt)
	fee.UpdatedAt = parseTime(updatedAt)
	return &fee, nil
}

func (r *PlatformFeeRepository) TransitionStatus(ctx context.Context, listingID string, from, to models.FeeStatus) (bool, error) {
	ok, err := r.db.execConditional(ctx, `
		UPDATE platform_fees SET status = ?, updated_at = ?
		WHERE listing_id = ? AND status = ?
	`, string(to), r.db.stamp(), listingID, string(from))
	if err != nil {
		return false, apperror.Internal("platform_fees.TransitionStatus", err)
	}
	return ok, nil
}
