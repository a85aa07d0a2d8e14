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

const withdrawalColumns = `id, seller_id, amount_minor, account_name, account_number, bank_name, bank_code, status, reference, recipient_code, failure_reason, created_at, updated_at`

type WithdrawalRepository struct {
	db *DB
}

func NewWithdrawalRepository(db *DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

func (r *WithdrawalRepository) Create(ctx context.Context, w *models.Withdrawal) error {
	now := r.db.now().UTC().Truncate(time.Microsecond)
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := r.db.exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.SellerID, models.MinorUnits(w.Amount), w.BankDetails.AccountName,
		w.BankDetails.AccountNumber, w.BankDetails.BankName, w.BankDetails.BankCode,
		string(w.Status), w.Reference, w.RecipientCode, w.FailureReason,
		formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("withdrawals.Create", "withdrawal reference already exists")
		}
		return apperror.Internal("withdrawals.Create", err)
	}
	return nil
}

func (r *WithdrawalRepository) GetByID(ctx context.Context, id string) (*models.Withdrawal, error) {
	row := r.db.queryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id)
	return scanWithdrawal(row, "withdrawals.GetByID")
}

func (r *WithdrawalRepository) GetByReference(ctx context.Context, reference string) (*models.Withdrawal, error) {
	row := r.db.queryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE reference = ?`, reference)
	return scanWithdrawal(row, "withdrawals.GetByReference")
}

func (r *WithdrawalRepository) ListBySeller(ctx context.Context, sellerID string) ([]models.Withdrawal, error) {
	rows, err := r.db.query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE seller_id = ?
		ORDER BY created_at DESC
	`, sellerID)
	if err != nil {
		return nil, apperror.Internal("withdrawals.ListBySeller", err)
	}
	defer rows.Close()

	var out []models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawalRow(rows)
		if err != nil {
			return nil, apperror.Internal("withdrawals.ListBySeller", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("withdrawals.ListBySeller", err)
	}
	return out, nil
}

func (r *WithdrawalRepository) SetRecipient(ctx context.Context, id, recipientCode string) error {
	_, err := r.db.exec(ctx, `
		UPDATE withdrawals SET recipient_code = ?, updated_at = ? WHERE id = ?
	`, recipientCode, r.db.stamp(), id)
	if err != nil {
		return apperror.Internal("withdrawals.SetRecipient", err)
	}
	return nil
}

func (r *WithdrawalRepository) TransitionStatus(ctx context.Context, id string, from, to models.WithdrawalStatus, reason string) (bool, error) {
	ok, err := r.db.execConditional(ctx, `
		UPDATE withdrawals
		SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), reason, r.db.stamp(), id, string(from))
	if err != nil {
		return false, apperror.Internal("withdrawals.TransitionStatus", err)
	}
	return ok, nil
}

func (r *WithdrawalRepository) SumNonFailed(ctx context.Context, sellerID string) (decimal.Decimal, error) {
	var total int64
	err := r.db.queryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0) FROM withdrawals
		WHERE seller_id = ? AND status IN ('pending', 'completed')
	`, sellerID).Scan(&total)
	if err != nil {
		return decimal.Zero, apperror.Internal("withdrawals.SumNonFailed", err)
	}
	return models.FromMinorUnits(total), nil
}

// Reserve advances the seller's reserved payout total with a single
// conditional update, so two concurrent requests cannot both spend the same
// released balance.
func (r *WithdrawalRepository) Reserve(ctx context.Context, sellerID string, amount, ceiling decimal.Decimal) (bool, error) {
	stamp := r.db.stamp()
	if _, err := r.db.exec(ctx, `
		INSERT INTO seller_payouts (seller_id, reserved_minor, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (seller_id) DO NOTHING
	`, sellerID, stamp); err != nil {
		return false, apperror.Internal("withdrawals.Reserve", err)
	}

	amountMinor := models.MinorUnits(amount)
	ok, err := r.db.execConditional(ctx, `
		UPDATE seller_payouts
		SET reserved_minor = reserved_minor + ?, updated_at = ?
		WHERE seller_id = ? AND reserved_minor + ? <= ?
	`, amountMinor, stamp, sellerID, amountMinor, models.MinorUnits(ceiling))
	if err != nil {
		return false, apperror.Internal("withdrawals.Reserve", err)
	}
	return ok, nil
}

func (r *WithdrawalRepository) Unreserve(ctx context.Context, sellerID string, amount decimal.Decimal) error {
	amountMinor := models.MinorUnits(amount)
	ok, err := r.db.execConditional(ctx, `
		UPDATE seller_payouts
		SET reserved_minor = reserved_minor - ?, updated_at = ?
		WHERE seller_id = ? AND reserved_minor >= ?
	`, amountMinor, r.db.stamp(), sellerID, amountMinor)
	if err != nil {
		return apperror.Internal("withdrawals.Unreserve", err)
	}
	if !ok {
		return apperror.Conflict("withdrawals.Unreserve", "reserved payout total is lower than the amount released")
	}
	return nil
}

func scanWithdrawalRow(row rowScanner) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var amountMinor int64
	var status, createdAt, updatedAt string
	if err := row.Scan(&w.ID, &w.SellerID, &amountMinor, &w.BankDetails.AccountName,
		&w.BankDetails.AccountNumber, &w.BankDetails.BankName, &w.BankDetails.BankCode,
		&status, &w.Reference, &w.RecipientCode, &w.FailureReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.Amount = models.FromMinorUnits(amountMinor)
	w.Status = models.WithdrawalStatus(status)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func scanWithdrawal(row *sql.Row, op string) (*models.Withdrawal, error) {
	w, err := scanWithdrawalRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound(op, "withdrawal not found")
	}
	if err != nil {
		return nil, apperror.Internal(op, err)
	}
	return w, nil
}
