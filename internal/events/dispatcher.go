package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

type PaymentVerifier interface {
	Verify(ctx context.Context, reference string) (*models.Payment, error)
}

type WithdrawalSettler interface {
	CompleteWithdrawal(ctx context.Context, reference string) (*models.Withdrawal, error)
	FailWithdrawal(ctx context.Context, reference, reason string) (*models.Withdrawal, error)
}

// Dispatcher routes gateway webhook events to the escrow operations they
// settle. The event only tells us which record to look at; charges are
// always re-verified with the gateway.
type Dispatcher struct {
	payments    PaymentVerifier
	withdrawals WithdrawalSettler
}

func NewDispatcher(payments PaymentVerifier, withdrawals WithdrawalSettler) *Dispatcher {
	return &Dispatcher{payments: payments, withdrawals: withdrawals}
}

func (d *Dispatcher) Dispatch(ctx context.Context, evt models.GatewayEvent) error {
	var err error
	switch evt.Event {
	case models.GatewayEventChargeSuccess, models.GatewayEventChargeFailed:
		_, err = d.payments.Verify(ctx, evt.Reference)
	case models.GatewayEventTransferSuccess:
		_, err = d.withdrawals.CompleteWithdrawal(ctx, evt.Reference)
	case models.GatewayEventTransferFailed, models.GatewayEventTransferReversed:
		reason := evt.Reason
		if reason == "" {
			reason = evt.Event
		}
		_, err = d.withdrawals.FailWithdrawal(ctx, evt.Reference, reason)
		if errors.Is(err, apperror.ErrConflict) {
			// The withdrawal was completed; the seller's balance no longer
			// reflects the money the gateway took back.
			telemetry.UnappliedReversalsTotal.Inc()
			telemetry.Logger.Error("Transfer reversed after withdrawal completed",
				zap.String("event", evt.Event),
				zap.String("reference", evt.Reference),
				zap.String("reason", reason),
				zap.Error(err),
			)
			return nil
		}
	default:
		telemetry.Logger.Debug("Ignoring gateway event", zap.String("event", evt.Event))
		return nil
	}

	// Already settled or not ours: nothing left to do for this event.
	if errors.Is(err, apperror.ErrConflict) || errors.Is(err, apperror.ErrNotFound) {
		telemetry.Logger.Info("Gateway event needs no action",
			zap.String("event", evt.Event),
			zap.String("reference", evt.Reference),
			zap.Error(err),
		)
		return nil
	}
	return err
}
