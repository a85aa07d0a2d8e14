package escrow

import (
	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
)

type Capability string

const (
	// CapView lets the buyer, the seller or an admin read a payment.
	CapView Capability = "view"
	// CapRelease belongs to the buyer alone.
	CapRelease Capability = "release"
	// CapRefund belongs to the seller alone.
	CapRefund Capability = "refund"
)

// Authorize is the single ownership check every payment operation runs.
func Authorize(actor models.Actor, payment *models.Payment, capability Capability) error {
	op := "escrow.Authorize"
	if actor.ID == "" {
		return apperror.Authorization(op, "authentication required")
	}

	switch capability {
	case CapView:
		if actor.Admin || actor.ID == payment.BuyerID || actor.ID == payment.SellerID {
			return nil
		}
		return apperror.Authorization(op, "not a participant in this payment")
	case CapRelease:
		if actor.ID == payment.BuyerID {
			return nil
		}
		return apperror.Authorization(op, "only the buyer can release this payment")
	case CapRefund:
		if actor.ID == payment.SellerID {
			return nil
		}
		return apperror.Authorization(op, "only the seller can refund this payment")
	}
	return apperror.Authorization(op, "unknown capability "+string(capability))
}
