package withdrawal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/interfaces"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

// Processor pays a seller's released escrow funds out to their bank.
type Processor struct {
	payments    interfaces.PaymentRepository
	withdrawals interfaces.WithdrawalRepository
	gateway     interfaces.PaymentGateway
}

func NewProcessor(payments interfaces.PaymentRepository, withdrawals interfaces.WithdrawalRepository, gateway interfaces.PaymentGateway) *Processor {
	return &Processor{payments: payments, withdrawals: withdrawals, gateway: gateway}
}

func newReference() string {
	return "WDR-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RequestWithdrawal records a pending withdrawal and starts the gateway
// transfer. The withdrawal stays pending until CompleteWithdrawal or
// FailWithdrawal settles it.
func (p *Processor) RequestWithdrawal(ctx context.Context, sellerID string, actor models.Actor, req models.WithdrawalRequest) (w *models.Withdrawal, err error) {
	const op = "withdrawal.Request"
	ctx, span := telemetry.StartSpan(ctx, op, attribute.String("seller_id", sellerID))
	defer func() { telemetry.EndSpan(span, err) }()

	if actor.ID == "" || actor.ID != sellerID {
		return nil, apperror.Authorization(op, "sellers can only withdraw their own funds")
	}
	if !req.Amount.IsPositive() {
		return nil, apperror.Validation(op, "amount must be positive")
	}
	if !models.FromMinorUnits(models.MinorUnits(req.Amount)).Equal(req.Amount) {
		return nil, apperror.Validation(op, "amount has more than two decimal places")
	}
	if !req.BankDetails.Complete() {
		return nil, apperror.Validation(op, "account name, account number and bank name are required")
	}

	released, _, err := p.payments.SumBySeller(ctx, sellerID, models.PaymentReleased)
	if err != nil {
		return nil, err
	}
	withdrawn, err := p.withdrawals.SumNonFailed(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	available := released.Sub(withdrawn)
	if req.Amount.GreaterThan(available) {
		telemetry.Logger.Warn("Withdrawal exceeds available balance",
			zap.String("seller_id", sellerID),
			zap.String("amount", req.Amount.String()),
			zap.String("available", available.String()),
		)
		return nil, apperror.Validation(op, "insufficient balance")
	}

	reserved, err := p.withdrawals.Reserve(ctx, sellerID, req.Amount, released)
	if err != nil {
		return nil, err
	}
	if !reserved {
		telemetry.ConflictsTotal.WithLabelValues(op).Inc()
		return nil, apperror.Conflict(op, "balance changed by a concurrent withdrawal")
	}

	w = &models.Withdrawal{
		ID:          uuid.NewString(),
		SellerID:    sellerID,
		Amount:      req.Amount,
		BankDetails: req.BankDetails,
		Status:      models.WithdrawalPending,
		Reference:   newReference(),
	}
	if err := p.withdrawals.Create(ctx, w); err != nil {
		if uerr := p.withdrawals.Unreserve(ctx, sellerID, req.Amount); uerr != nil {
			telemetry.Logger.Error("Failed to release payout reservation",
				zap.String("seller_id", sellerID),
				zap.Error(uerr),
			)
		}
		return nil, err
	}
	telemetry.WithdrawalsTotal.WithLabelValues(string(models.WithdrawalPending)).Inc()

	recipient, err := p.gateway.CreatePayoutRecipient(ctx, req.BankDetails)
	if err != nil {
		// No transfer was attempted, so the withdrawal can fail outright.
		p.fail(ctx, w, err.Error())
		return nil, apperror.Gateway(op, false, err)
	}
	w.RecipientCode = recipient
	if err := p.withdrawals.SetRecipient(ctx, w.ID, recipient); err != nil {
		p.fail(ctx, w, "failed to store payout recipient")
		return nil, err
	}

	if err := p.gateway.Transfer(ctx, models.MinorUnits(w.Amount), recipient, w.Reference); err != nil {
		if apperror.IsIndeterminate(err) {
			telemetry.Logger.Warn("Transfer outcome unknown, withdrawal left pending",
				zap.String("withdrawal_id", w.ID),
				zap.String("reference", w.Reference),
				zap.Error(err),
			)
			return nil, err
		}
		p.fail(ctx, w, err.Error())
		return nil, asGatewayError(op, err)
	}

	telemetry.Logger.Info("Withdrawal transfer initiated",
		zap.String("withdrawal_id", w.ID),
		zap.String("seller_id", sellerID),
		zap.String("amount", w.Amount.String()),
		zap.String("reference", w.Reference),
	)
	return w, nil
}

// CompleteWithdrawal marks a pending withdrawal completed. Repeated
// confirmations return the completed withdrawal.
func (p *Processor) CompleteWithdrawal(ctx context.Context, reference string) (*models.Withdrawal, error) {
	const op = "withdrawal.Complete"

	w, err := p.withdrawals.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case models.WithdrawalCompleted:
		return w, nil
	case models.WithdrawalFailed:
		return nil, apperror.Conflict(op, "withdrawal already failed")
	}

	ok, err := p.withdrawals.TransitionStatus(ctx, w.ID, models.WithdrawalPending, models.WithdrawalCompleted, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.settled(ctx, op, w.ID, models.WithdrawalCompleted)
	}

	w.Status = models.WithdrawalCompleted
	w.UpdatedAt = time.Now().UTC()
	telemetry.WithdrawalsTotal.WithLabelValues(string(models.WithdrawalCompleted)).Inc()
	telemetry.Logger.Info("Withdrawal completed",
		zap.String("withdrawal_id", w.ID),
		zap.String("reference", reference),
	)
	return w, nil
}

// FailWithdrawal marks a pending withdrawal failed and returns its amount
// to the seller's available balance.
func (p *Processor) FailWithdrawal(ctx context.Context, reference, reason string) (*models.Withdrawal, error) {
	const op = "withdrawal.Fail"

	w, err := p.withdrawals.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case models.WithdrawalFailed:
		return w, nil
	case models.WithdrawalCompleted:
		return nil, apperror.Conflict(op, "withdrawal already completed")
	}

	if reason == "" {
		reason = "transfer failed"
	}
	if !p.fail(ctx, w, reason) {
		return p.settled(ctx, op, w.ID, models.WithdrawalFailed)
	}
	return w, nil
}

// Summary reports the seller's sales and payout position.
func (p *Processor) Summary(ctx context.Context, sellerID string, actor models.Actor) (*models.SalesSummary, error) {
	if actor.ID == "" || (actor.ID != sellerID && !actor.Admin) {
		return nil, apperror.Authorization("withdrawal.Summary", "not allowed to view this seller's sales")
	}

	released, completed, err := p.payments.SumBySeller(ctx, sellerID, models.PaymentReleased)
	if err != nil {
		return nil, err
	}
	held, pending, err := p.payments.SumBySeller(ctx, sellerID, models.PaymentHeld)
	if err != nil {
		return nil, err
	}
	withdrawn, err := p.withdrawals.SumNonFailed(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	available := released.Sub(withdrawn)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return &models.SalesSummary{
		SellerID:       sellerID,
		TotalSales:     released,
		CompletedSales: completed,
		PendingAmount:  held,
		PendingSales:   pending,
		Withdrawn:      withdrawn,
		Available:      available,
	}, nil
}

func (p *Processor) List(ctx context.Context, sellerID string, actor models.Actor) ([]models.Withdrawal, error) {
	if actor.ID == "" || (actor.ID != sellerID && !actor.Admin) {
		return nil, apperror.Authorization("withdrawal.List", "not allowed to view this seller's withdrawals")
	}
	return p.withdrawals.ListBySeller(ctx, sellerID)
}

// fail moves w from pending to failed and, if this call won, releases the
// reserved amount. It reports whether the transition matched.
func (p *Processor) fail(ctx context.Context, w *models.Withdrawal, reason string) bool {
	ok, err := p.withdrawals.TransitionStatus(ctx, w.ID, models.WithdrawalPending, models.WithdrawalFailed, reason)
	if err != nil {
		telemetry.Logger.Error("Failed to mark withdrawal failed",
			zap.String("withdrawal_id", w.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false
	}
	if !ok {
		return false
	}

	w.Status = models.WithdrawalFailed
	w.FailureReason = reason
	w.UpdatedAt = time.Now().UTC()
	telemetry.WithdrawalsTotal.WithLabelValues(string(models.WithdrawalFailed)).Inc()
	telemetry.Logger.Warn("Withdrawal failed",
		zap.String("withdrawal_id", w.ID),
		zap.String("reference", w.Reference),
		zap.String("reason", reason),
	)

	if err := p.withdrawals.Unreserve(ctx, w.SellerID, w.Amount); err != nil {
		telemetry.Logger.Error("Failed to release payout reservation",
			zap.String("withdrawal_id", w.ID),
			zap.String("seller_id", w.SellerID),
			zap.Error(err),
		)
	}
	return true
}

// settled resolves a lost conditional write: the withdrawal already being in
// want is idempotent success, anything else is a conflict.
func (p *Processor) settled(ctx context.Context, op, id string, want models.WithdrawalStatus) (*models.Withdrawal, error) {
	current, err := p.withdrawals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == want {
		return current, nil
	}
	return nil, apperror.Conflict(op, "withdrawal already "+string(current.Status))
}

func asGatewayError(op string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Gateway(op, true, err)
}
