package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
)

const listingColumns = `id, seller_id, title, price_minor, status, buyer_id, purchased_at, created_at, updated_at`

// ListingRepository stores the slice of a listing the escrow service reads
// and the status field it co-owns.
type ListingRepository struct {
	db *DB
}

func NewListingRepository(db *DB) *ListingRepository {
	return &ListingRepository{db: db}
}

func (r *ListingRepository) Create(ctx context.Context, listing *models.Listing) error {
	now := r.db.now().UTC().Truncate(time.Microsecond)
	listing.CreatedAt = now
	listing.UpdatedAt = now

	_, err := r.db.exec(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, listing.ID, listing.SellerID, listing.Title, models.MinorUnits(listing.Price),
		string(listing.Status), nullString(listing.BuyerID), nil, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("listings.Create", "listing already exists")
		}
		return apperror.Internal("listings.Create", err)
	}
	return nil
}

func (r *ListingRepository) GetByID(ctx context.Context, id string) (*models.Listing, error) {
	row := r.db.queryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListingRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("listings.GetByID", "listing not found")
	}
	if err != nil {
		return nil, apperror.Internal("listings.GetByID", err)
	}
	return l, nil
}

func (r *ListingRepository) ListActive(ctx context.Context, limit, offset int) ([]models.Listing, error) {
	if limit <= 0 {
		limit = 12
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.query(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, apperror.Internal("listings.ListActive", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListingRow(rows)
		if err != nil {
			return nil, apperror.Internal("listings.ListActive", err)
		}
		listings = append(listings, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("listings.ListActive", err)
	}
	return listings, nil
}

// TransitionStatus sets the listing status only if it is currently from.
// A non-empty buyerID records the provisional holder; an empty one clears it.
func (r *ListingRepository) TransitionStatus(ctx context.Context, id string, from, to models.ListingStatus, buyerID string) (bool, error) {
	stamp := r.db.stamp()
	var purchasedAt any
	if buyerID != "" {
		purchasedAt = stamp
	}
	ok, err := r.db.execConditional(ctx, `
		UPDATE listings
		SET status = ?, buyer_id = ?, purchased_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), nullString(buyerID), purchasedAt, stamp, id, string(from))
	if err != nil {
		return false, apperror.Internal("listings.TransitionStatus", err)
	}
	return ok, nil
}

func scanListingRow(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	var priceMinor int64
	var status, createdAt, updatedAt string
	var buyerID, purchasedAt sql.NullString
	if err := row.Scan(&l.ID, &l.SellerID, &l.Title, &priceMinor, &status,
		&buyerID, &purchasedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Price = models.FromMinorUnits(priceMinor)
	l.Status = models.ListingStatus(status)
	l.BuyerID = buyerID.String
	if purchasedAt.Valid {
		t := parseTime(purchasedAt.String)
		l.PurchasedAt = &t
	}
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}
