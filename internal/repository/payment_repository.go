package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
)

const paymentColumns = `id, listing_id, buyer_id, seller_id, amount_minor, status, reference, failure_reason, created_at, updated_at`

type PaymentRepository struct {
	db *DB
}

func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create inserts a payment. A duplicate reference or a second open payment
// for the same listing is reported as a conflict.
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	now := r.db.now()
	payment.CreatedAt = now.UTC().Truncate(time.Microsecond)
	payment.UpdatedAt = payment.CreatedAt

	_, err := r.db.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, payment.ID, payment.ListingID, payment.BuyerID, payment.SellerID,
		models.MinorUnits(payment.Amount), string(payment.Status), payment.Reference,
		payment.FailureReason, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("payments.Create", "listing already has an open payment or reference is taken")
		}
		return apperror.Internal("payments.Create", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	row := r.db.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	return scanPayment(row, "payments.GetByID")
}

func (r *PaymentRepository) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	row := r.db.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = ?`, reference)
	return scanPayment(row, "payments.GetByReference")
}

func (r *PaymentRepository) FindOpenByListing(ctx context.Context, listingID string) (*models.Payment, error) {
	row := r.db.queryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE listing_id = ? AND status IN ('pending', 'held')
	`, listingID)
	return scanPayment(row, "payments.FindOpenByListing")
}

// TransitionStatus moves the payment from one status to another only if it is
// currently in from. reason is stored with the failed transition.
func (r *PaymentRepository) TransitionStatus(ctx context.Context, id string, from, to models.PaymentStatus, reason string) (bool, error) {
	ok, err := r.db.execConditional(ctx, `
		UPDATE payments
		SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), reason, r.db.stamp(), id, string(from))
	if err != nil {
		return false, apperror.Internal("payments.TransitionStatus", err)
	}
	return ok, nil
}

func (r *PaymentRepository) ReplaceFailureReason(ctx context.Context, id, from, to string) (bool, error) {
	ok, err := r.db.execConditional(ctx, `
		UPDATE payments
		SET failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ? AND COALESCE(failure_reason, '') = ?
	`, to, r.db.stamp(), id, string(models.PaymentFailed), from)
	if err != nil {
		return false, apperror.Internal("payments.ReplaceFailureReason", err)
	}
	return ok, nil
}

func (r *PaymentRepository) ListByParticipant(ctx context.Context, userID string) ([]models.Payment, error) {
	rows, err := r.db.query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE buyer_id = ? OR seller_id = ?
		ORDER BY created_at DESC
	`, userID, userID)
	if err != nil {
		return nil, apperror.Internal("payments.ListByParticipant", err)
	}
	return collectPayments(rows, "payments.ListByParticipant")
}

func (r *PaymentRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, formatTime(before), limit)
	if err != nil {
		return nil, apperror.Internal("payments.ListPendingBefore", err)
	}
	return collectPayments(rows, "payments.ListPendingBefore")
}

// SumBySeller totals the seller's payments in one status.
func (r *PaymentRepository) SumBySeller(ctx context.Context, sellerID string, status models.PaymentStatus) (decimal.Decimal, int, error) {
	var total int64
	var count int
	err := r.db.queryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0), COUNT(*)
		FROM payments WHERE seller_id = ? AND status = ?
	`, sellerID, string(status)).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, apperror.Internal("payments.SumBySeller", err)
	}
	return models.FromMinorUnits(total), count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentRow(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var amountMinor int64
	var status, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.ListingID, &p.BuyerID, &p.SellerID, &amountMinor,
		&status, &p.Reference, &p.FailureReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Amount = models.FromMinorUnits(amountMinor)
	p.Status = models.PaymentStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanPayment(row *sql.Row, op string) (*models.Payment, error) {
	p, err := scanPaymentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound(op, "payment not found")
	}
	if err != nil {
		return nil, apperror.Internal(op, err)
	}
	return p, nil
}

func collectPayments(rows *sql.Rows, op string) ([]models.Payment, error) {
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, apperror.Internal(op, err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal(op, err)
	}
	return payments, nil
}
