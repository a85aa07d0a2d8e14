package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/interfaces"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

const (
	reasonAmountMismatch = "amount mismatch"
	reasonChargeFailed   = "charge failed"
	reasonLateCapture    = "late capture"
)

// Coordinator drives a payment through pending, held and one terminal
// state. Every transition is a conditional write on the payment's current
// status; the listing and platform fee follow as separate conditional
// writes once the payment has moved.
type Coordinator struct {
	payments  interfaces.PaymentRepository
	listings  interfaces.ListingRepository
	fees      interfaces.PlatformFeeRepository
	gateway   interfaces.PaymentGateway
	publisher interfaces.PaymentEventPublisher
	notifier  interfaces.ListingNotifier

	feePolicy    FeePolicy
	now          func() time.Time
	newReference func() string
}

type Option func(*Coordinator)

func WithPublisher(p interfaces.PaymentEventPublisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithListingNotifier(n interfaces.ListingNotifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithFeePolicy(p FeePolicy) Option {
	return func(c *Coordinator) { c.feePolicy = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(
	payments interfaces.PaymentRepository,
	listings interfaces.ListingRepository,
	fees interfaces.PlatformFeeRepository,
	gateway interfaces.PaymentGateway,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		payments:     payments,
		listings:     listings,
		fees:         fees,
		gateway:      gateway,
		publisher:    nopPublisher{},
		notifier:     nopPublisher{},
		feePolicy:    DefaultFeePolicy(),
		now:          time.Now,
		newReference: NewReference,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewReference returns a fresh gateway reference such as PAY-1f0c....
func NewReference() string {
	return "PAY-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *Coordinator) FeePolicy() FeePolicy { return c.feePolicy }

// Initiate opens a pending payment for an active listing and returns the
// gateway checkout URL.
func (c *Coordinator) Initiate(ctx context.Context, listingID string, buyer models.Actor) (result *models.InitiateResult, err error) {
	const op = "escrow.Initiate"
	ctx, span := telemetry.StartSpan(ctx, op, attribute.String("listing_id", listingID))
	defer func() { telemetry.EndSpan(span, err) }()

	if buyer.ID == "" {
		return nil, apperror.Authorization(op, "authentication required")
	}
	if strings.TrimSpace(listingID) == "" {
		return nil, apperror.Validation(op, "listing id is required")
	}

	listing, err := c.listings.GetByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == buyer.ID {
		return nil, apperror.Validation(op, "cannot purchase your own listing")
	}
	if strings.TrimSpace(buyer.Email) == "" {
		return nil, apperror.Validation(op, "buyer email is required")
	}
	if listing.Status != models.ListingActive {
		return nil, c.conflict(op, "listing is not available for purchase")
	}

	open, err := c.payments.FindOpenByListing(ctx, listingID)
	switch {
	case err == nil:
		telemetry.Logger.Warn("Listing already has an open payment",
			zap.String("listing_id", listingID),
			zap.String("payment_id", open.ID),
		)
		return nil, c.conflict(op, "listing already has a payment in progress")
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, err
	}

	reference := c.newReference()
	checkout, err := c.gateway.Initialize(ctx, models.InitializeRequest{
		Email:       buyer.Email,
		AmountMinor: models.MinorUnits(listing.Price),
		Reference:   reference,
		Metadata: map[string]string{
			"listing_id": listing.ID,
			"buyer_id":   buyer.ID,
			"seller_id":  listing.SellerID,
		},
	})
	if err != nil {
		telemetry.Logger.Error("Gateway initialize failed",
			zap.String("listing_id", listingID),
			zap.String("reference", reference),
			zap.Error(err),
		)
		return nil, asGatewayError(op, err)
	}

	payment := &models.Payment{
		ID:        uuid.NewString(),
		ListingID: listing.ID,
		BuyerID:   buyer.ID,
		SellerID:  listing.SellerID,
		Amount:    listing.Price,
		Status:    models.PaymentPending,
		Reference: reference,
	}
	if err := c.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, c.conflict(op, "listing already has a payment in progress")
		}
		return nil, err
	}

	telemetry.TransitionsTotal.WithLabelValues("none", string(models.PaymentPending)).Inc()
	telemetry.Logger.Info("Payment initiated",
		zap.String("payment_id", payment.ID),
		zap.String("listing_id", payment.ListingID),
		zap.String("reference", reference),
		zap.String("amount", payment.Amount.String()),
		zap.String("trace_id", telemetry.TraceID(ctx)),
	)
	c.publish(ctx, payment, "")

	return &models.InitiateResult{
		PaymentID:        payment.ID,
		Reference:        reference,
		AuthorizationURL: checkout.AuthorizationURL,
	}, nil
}

// Verify confirms a charge with the gateway. Calling it again after the
// payment is held (or settled) returns the payment unchanged.
func (c *Coordinator) Verify(ctx context.Context, reference string) (payment *models.Payment, err error) {
	const op = "escrow.Verify"
	ctx, span := telemetry.StartSpan(ctx, op, attribute.String("reference", reference))
	defer func() { telemetry.EndSpan(span, err) }()

	if strings.TrimSpace(reference) == "" {
		return nil, apperror.Validation(op, "reference is required")
	}

	payment, err = c.payments.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch payment.Status {
	case models.PaymentPending:
	case models.PaymentFailed:
		return c.verifyFailed(ctx, op, payment)
	default:
		return c.settled(ctx, op, payment)
	}

	outcome, err := c.gateway.Verify(ctx, reference)
	if err != nil {
		telemetry.Logger.Warn("Gateway verify failed, payment left pending",
			zap.String("payment_id", payment.ID),
			zap.String("reference", reference),
			zap.Error(err),
		)
		return nil, asGatewayError(op, err)
	}

	switch outcome.State {
	case models.ChargeOpen:
		return payment, nil
	case models.ChargeSucceeded:
		if outcome.AmountMinor != models.MinorUnits(payment.Amount) {
			telemetry.Logger.Error("Gateway amount does not match payment",
				zap.String("payment_id", payment.ID),
				zap.Int64("expected_minor", models.MinorUnits(payment.Amount)),
				zap.Int64("gateway_minor", outcome.AmountMinor),
			)
			return c.fail(ctx, op, payment, reasonAmountMismatch)
		}
		ok, err := c.transition(ctx, payment, models.PaymentHeld, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			return c.reload(ctx, op, payment.ID)
		}
		c.projectListing(ctx, payment, models.ListingActive, models.ListingPending, payment.BuyerID)
		return payment, nil
	default:
		reason := outcome.GatewayResponse
		if reason == "" {
			reason = reasonChargeFailed
		}
		return c.fail(ctx, op, payment, reason)
	}
}

// Release pays the held funds out to the seller. Only the buyer may call it.
func (c *Coordinator) Release(ctx context.Context, paymentID string, actor models.Actor) (payment *models.Payment, err error) {
	const op = "escrow.Release"
	ctx, span := telemetry.StartSpan(ctx, op, attribute.String("payment_id", paymentID))
	defer func() { telemetry.EndSpan(span, err) }()

	payment, err = c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, payment, CapRelease); err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentHeld {
		return nil, c.conflict(op, "payment already processed")
	}

	ok, err := c.transition(ctx, payment, models.PaymentReleased, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.conflict(op, "payment already processed")
	}

	c.projectListing(ctx, payment, models.ListingPending, models.ListingSold, payment.BuyerID)
	c.projectFee(ctx, payment, models.FeePending, models.FeeCollected)
	return payment, nil
}

// Refund returns the held funds to the buyer. Only the seller may call it.
// The gateway refund is issued before the payment leaves held.
func (c *Coordinator) Refund(ctx context.Context, paymentID string, actor models.Actor) (payment *models.Payment, err error) {
	const op = "escrow.Refund"
	ctx, span := telemetry.StartSpan(ctx, op, attribute.String("payment_id", paymentID))
	defer func() { telemetry.EndSpan(span, err) }()

	payment, err = c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, payment, CapRefund); err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentHeld {
		return nil, c.conflict(op, "payment already processed")
	}

	if err := c.gateway.Refund(ctx, payment.Reference, models.MinorUnits(payment.Amount)); err != nil {
		telemetry.Logger.Error("Gateway refund failed, payment left held",
			zap.String("payment_id", payment.ID),
			zap.String("reference", payment.Reference),
			zap.Error(err),
		)
		return nil, asGatewayError(op, err)
	}

	ok, err := c.transition(ctx, payment, models.PaymentRefunded, "")
	if err != nil {
		telemetry.Logger.Error("Refund issued but payment update failed",
			zap.String("payment_id", payment.ID),
			zap.String("reference", payment.Reference),
			zap.Error(err),
		)
		return nil, err
	}
	if !ok {
		telemetry.ProjectionDriftTotal.WithLabelValues("refund").Inc()
		telemetry.Logger.Error("Refund issued at gateway but payment already left held",
			zap.String("payment_id", payment.ID),
			zap.String("reference", payment.Reference),
		)
		return nil, c.conflict(op, "payment already processed")
	}

	// The fee only moves to collected on release, so it is still pending here.
	c.projectListing(ctx, payment, models.ListingPending, models.ListingActive, "")
	return payment, nil
}

// Get returns a payment the actor may view.
func (c *Coordinator) Get(ctx context.Context, paymentID string, actor models.Actor) (*models.Payment, error) {
	payment, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, payment, CapView); err != nil {
		return nil, err
	}
	return payment, nil
}

// ListForActor returns every payment where the actor is buyer or seller.
func (c *Coordinator) ListForActor(ctx context.Context, actor models.Actor) ([]models.Payment, error) {
	if actor.ID == "" {
		return nil, apperror.Authorization("escrow.ListForActor", "authentication required")
	}
	return c.payments.ListByParticipant(ctx, actor.ID)
}

type ReconcileReport struct {
	Checked int `json:"checked"`
	Held    int `json:"held"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Stale   int `json:"stale"`
	Errors  int `json:"errors"`
}

// ReconcilePending re-verifies payments that have stayed pending longer
// than pendingAfter. Only an explicit gateway failure fails a payment;
// charges still open after staleAfter are reported as stale and stay
// pending.
func (c *Coordinator) ReconcilePending(ctx context.Context, pendingAfter, staleAfter time.Duration, limit int) (report ReconcileReport, err error) {
	const op = "escrow.ReconcilePending"
	ctx, span := telemetry.StartSpan(ctx, op)
	defer func() { telemetry.EndSpan(span, err) }()

	now := c.now()
	stale, err := c.payments.ListPendingBefore(ctx, now.Add(-pendingAfter), limit)
	if err != nil {
		return report, err
	}

	for i := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		p, err := c.Verify(ctx, stale[i].Reference)
		if err != nil {
			if errors.Is(err, apperror.ErrConflict) {
				report.Failed++
				continue
			}
			report.Errors++
			telemetry.Logger.Warn("Reconcile verify failed",
				zap.String("payment_id", stale[i].ID),
				zap.Error(err),
			)
			continue
		}

		switch p.Status {
		case models.PaymentPending:
			if p.CreatedAt.Before(now.Add(-staleAfter)) {
				report.Stale++
				telemetry.StalePaymentsTotal.Inc()
				telemetry.Logger.Warn("Charge still open at gateway past stale window",
					zap.String("payment_id", p.ID),
					zap.String("reference", p.Reference),
					zap.Time("created_at", p.CreatedAt),
				)
				continue
			}
			report.Pending++
		case models.PaymentFailed:
			report.Failed++
		default:
			report.Held++
		}
	}

	telemetry.Logger.Info("Reconciled pending payments",
		zap.Int("checked", report.Checked),
		zap.Int("held", report.Held),
		zap.Int("failed", report.Failed),
		zap.Int("pending", report.Pending),
		zap.Int("stale", report.Stale),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

// transition applies a conditional status change from payment's current
// status and, on a match, updates payment in place and publishes it.
func (c *Coordinator) transition(ctx context.Context, payment *models.Payment, to models.PaymentStatus, reason string) (bool, error) {
	from := payment.Status
	ok, err := c.payments.TransitionStatus(ctx, payment.ID, from, to, reason)
	if err != nil || !ok {
		return ok, err
	}

	payment.Status = to
	payment.FailureReason = reason
	payment.UpdatedAt = c.now().UTC()

	telemetry.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	telemetry.Logger.Info("Payment state transition",
		zap.String("payment_id", payment.ID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
	)
	c.publish(ctx, payment, from)
	return true, nil
}

func (c *Coordinator) fail(ctx context.Context, op string, payment *models.Payment, reason string) (*models.Payment, error) {
	ok, err := c.transition(ctx, payment, models.PaymentFailed, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c.reload(ctx, op, payment.ID)
	}
	return payment, nil
}

// verifyFailed checks whether a failed payment's charge settled at the
// gateway afterwards. Such a charge is refunded once; the payment stays
// failed either way.
func (c *Coordinator) verifyFailed(ctx context.Context, op string, payment *models.Payment) (*models.Payment, error) {
	if strings.HasPrefix(payment.FailureReason, reasonLateCapture) {
		return nil, c.conflict(op, "payment already failed")
	}

	outcome, err := c.gateway.Verify(ctx, payment.Reference)
	if err != nil {
		return nil, asGatewayError(op, err)
	}
	if !outcome.Succeeded() {
		return nil, c.conflict(op, "payment already failed")
	}

	claimed := reasonLateCapture + ": refund pending"
	ok, err := c.payments.ReplaceFailureReason(ctx, payment.ID, payment.FailureReason, claimed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.conflict(op, "payment already failed")
	}

	telemetry.Logger.Error("Charge captured after payment failed, refunding buyer",
		zap.String("payment_id", payment.ID),
		zap.String("reference", payment.Reference),
		zap.String("failure_reason", payment.FailureReason),
		zap.Int64("amount_minor", outcome.AmountMinor),
	)
	if err := c.gateway.Refund(ctx, payment.Reference, outcome.AmountMinor); err != nil {
		telemetry.LateCapturesTotal.WithLabelValues("refund_failed").Inc()
		// An unknown refund outcome keeps the claim so the refund is never
		// sent twice; a declined one is released for the next attempt.
		if !apperror.IsIndeterminate(err) {
			if _, rerr := c.payments.ReplaceFailureReason(ctx, payment.ID, claimed, payment.FailureReason); rerr != nil {
				telemetry.Logger.Error("Failed to release late capture claim",
					zap.String("payment_id", payment.ID),
					zap.Error(rerr),
				)
			}
		}
		telemetry.Logger.Error("Late capture refund failed",
			zap.String("payment_id", payment.ID),
			zap.String("reference", payment.Reference),
			zap.Error(err),
		)
		return nil, asGatewayError(op, err)
	}

	if _, err := c.payments.ReplaceFailureReason(ctx, payment.ID, claimed, reasonLateCapture+": refunded"); err != nil {
		telemetry.Logger.Error("Late capture refunded but reason not updated",
			zap.String("payment_id", payment.ID),
			zap.Error(err),
		)
	}
	telemetry.LateCapturesTotal.WithLabelValues("refunded").Inc()
	return nil, c.conflict(op, "payment already failed; the late charge was refunded")
}

// reload re-reads a payment after losing a conditional write and resolves
// the outcome from whatever state won.
func (c *Coordinator) reload(ctx context.Context, op, paymentID string) (*models.Payment, error) {
	current, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return c.settled(ctx, op, current)
}

func (c *Coordinator) settled(ctx context.Context, op string, payment *models.Payment) (*models.Payment, error) {
	switch payment.Status {
	case models.PaymentFailed:
		return nil, c.conflict(op, "payment already failed")
	case models.PaymentHeld:
		c.repairHeldListing(ctx, payment)
	}
	return payment, nil
}

// repairHeldListing re-applies the held listing projection if an earlier
// Verify stopped between the payment and listing writes. If the payment
// left held in the meantime the repair is undone.
func (c *Coordinator) repairHeldListing(ctx context.Context, payment *models.Payment) {
	ok, err := c.listings.TransitionStatus(ctx, payment.ListingID, models.ListingActive, models.ListingPending, payment.BuyerID)
	if err != nil || !ok {
		return
	}
	telemetry.Logger.Warn("Repaired listing projection for held payment",
		zap.String("payment_id", payment.ID),
		zap.String("listing_id", payment.ListingID),
	)

	current, err := c.payments.GetByID(ctx, payment.ID)
	if err != nil || current.Status == models.PaymentHeld {
		c.notify(ctx, payment, models.ListingActive, models.ListingPending, payment.BuyerID)
		return
	}
	if ok, _ := c.listings.TransitionStatus(ctx, payment.ListingID, models.ListingPending, models.ListingActive, ""); !ok {
		c.drift("listing", payment, models.ListingPending, models.ListingActive)
	}
}

func (c *Coordinator) projectListing(ctx context.Context, payment *models.Payment, from, to models.ListingStatus, buyerID string) {
	ok, err := c.listings.TransitionStatus(ctx, payment.ListingID, from, to, buyerID)
	if err != nil {
		telemetry.ProjectionDriftTotal.WithLabelValues("listing").Inc()
		telemetry.Logger.Error("Listing projection failed",
			zap.String("payment_id", payment.ID),
			zap.String("listing_id", payment.ListingID),
			zap.Error(err),
		)
		return
	}
	if !ok {
		// A concurrent caller may already have applied the same projection.
		if l, err := c.listings.GetByID(ctx, payment.ListingID); err == nil &&
			l.Status == to && (buyerID == "" || l.BuyerID == buyerID) {
			return
		}
		c.drift("listing", payment, from, to)
		return
	}
	c.notify(ctx, payment, from, to, buyerID)
}

func (c *Coordinator) projectFee(ctx context.Context, payment *models.Payment, from, to models.FeeStatus) {
	ok, err := c.fees.TransitionStatus(ctx, payment.ListingID, from, to)
	if err != nil {
		telemetry.ProjectionDriftTotal.WithLabelValues("platform_fee").Inc()
		telemetry.Logger.Error("Platform fee projection failed",
			zap.String("payment_id", payment.ID),
			zap.String("listing_id", payment.ListingID),
			zap.Error(err),
		)
		return
	}
	if !ok {
		c.drift("platform_fee", payment, from, to)
	}
}

func (c *Coordinator) drift(record string, payment *models.Payment, from, to any) {
	telemetry.ProjectionDriftTotal.WithLabelValues(record).Inc()
	telemetry.Logger.Error("Projection did not match expected status",
		zap.String("record", record),
		zap.String("payment_id", payment.ID),
		zap.String("listing_id", payment.ListingID),
		zap.Any("from", from),
		zap.Any("to", to),
	)
}

func (c *Coordinator) publish(ctx context.Context, payment *models.Payment, from models.PaymentStatus) {
	evt := models.PaymentTransitionEvent{
		PaymentID:     payment.ID,
		ListingID:     payment.ListingID,
		BuyerID:       payment.BuyerID,
		SellerID:      payment.SellerID,
		Reference:     payment.Reference,
		Amount:        payment.Amount.String(),
		State:         payment.Status,
		PreviousState: from,
		Timestamp:     c.now().UTC(),
	}
	if err := c.publisher.PublishTransition(ctx, evt); err != nil {
		telemetry.Logger.Error("Failed to publish payment transition",
			zap.String("payment_id", payment.ID),
			zap.String("state", string(payment.Status)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) notify(ctx context.Context, payment *models.Payment, from, to models.ListingStatus, buyerID string) {
	evt := models.ListingStatusEvent{
		ListingID:      payment.ListingID,
		Status:         to,
		PreviousStatus: from,
		BuyerID:        buyerID,
		Timestamp:      c.now().UTC(),
	}
	if err := c.notifier.ListingStatusChanged(ctx, evt); err != nil {
		telemetry.Logger.Error("Failed to notify listing status change",
			zap.String("listing_id", payment.ListingID),
			zap.String("status", string(to)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) conflict(op, msg string) error {
	telemetry.ConflictsTotal.WithLabelValues(op).Inc()
	return apperror.Conflict(op, msg)
}

// asGatewayError keeps typed gateway errors and treats anything else as an
// unknown outcome.
func asGatewayError(op string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Gateway(op, true, err)
}

type nopPublisher struct{}

func (nopPublisher) PublishTransition(context.Context, models.PaymentTransitionEvent) error {
	return nil
}

func (nopPublisher) ListingStatusChanged(context.Context, models.ListingStatusEvent) error {
	return nil
}
