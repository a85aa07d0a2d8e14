package escrow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/gateway"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/repository"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

var (
	seller = models.Actor{ID: "seller-1", Email: "seller@example.com"}
	buyer  = models.Actor{ID: "buyer-1", Email: "buyer@example.com"}
)

type recordingPublisher struct {
	mu       sync.Mutex
	payments []models.PaymentTransitionEvent
	listings []models.ListingStatusEvent
}

func (p *recordingPublisher) PublishTransition(_ context.Context, evt models.PaymentTransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, evt)
	return nil
}

func (p *recordingPublisher) ListingStatusChanged(_ context.Context, evt models.ListingStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listings = append(p.listings, evt)
	return nil
}

func (p *recordingPublisher) transitionsTo(status models.PaymentStatus) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, evt := range p.payments {
		if evt.State == status {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) listingEvents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listings)
}

type harness struct {
	coord     *Coordinator
	gateway   *gateway.FakeGateway
	payments  *repository.PaymentRepository
	listings  *repository.ListingRepository
	fees      *repository.PlatformFeeRepository
	publisher *recordingPublisher
	clock     *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitDB(context.Background()))

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		gateway:   gateway.NewFakeGateway(),
		payments:  repository.NewPaymentRepository(db),
		listings:  repository.NewListingRepository(db),
		fees:      repository.NewPlatformFeeRepository(db),
		publisher: &recordingPublisher{},
		clock:     &clock,
	}
	now := func() time.Time { return *h.clock }
	db.WithClock(now)

	h.coord = NewCoordinator(h.payments, h.listings, h.fees, h.gateway,
		WithPublisher(h.publisher),
		WithListingNotifier(h.publisher),
		WithClock(now),
	)
	return h
}

func (h *harness) seedListing(t *testing.T, id string, price int64) {
	t.Helper()
	ctx := context.Background()
	amount := decimal.NewFromInt(price)
	require.NoError(t, h.listings.Create(ctx, &models.Listing{
		ID: id, SellerID: seller.ID, Title: "Desk lamp", Price: amount, Status: models.ListingActive,
	}))
	require.NoError(t, h.fees.Create(ctx, &models.PlatformFee{
		ID: "fee-" + id, ListingID: id, SellerID: seller.ID,
		Amount: h.coord.FeePolicy().Fee(amount), Status: models.FeePending,
	}))
}

// held runs Initiate and a successful Verify and returns the payment.
func (h *harness) held(t *testing.T, listingID string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	res, err := h.coord.Initiate(ctx, listingID, buyer)
	require.NoError(t, err)
	p, err := h.coord.Verify(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentHeld, p.Status)
	return p
}

func (h *harness) listingStatus(t *testing.T, id string) models.ListingStatus {
	t.Helper()
	l, err := h.listings.GetByID(context.Background(), id)
	require.NoError(t, err)
	return l.Status
}

func (h *harness) feeStatus(t *testing.T, listingID string) models.FeeStatus {
	t.Helper()
	f, err := h.fees.GetByListing(context.Background(), listingID)
	require.NoError(t, err)
	return f.Status
}

func TestCoordinator_Initiate(t *testing.T) {
	var tests = []struct {
		name      string
		listingID string
		actor     models.Actor
		setup     func(t *testing.T, h *harness)
		expected  error
	}{
		{
			name:      "unknown listing",
			listingID: "listing-404",
			actor:     buyer,
			expected:  apperror.ErrNotFound,
		},
		{
			name:      "buyer is seller",
			listingID: "listing-1",
			actor:     seller,
			expected:  apperror.ErrValidation,
		},
		{
			name:      "listing not active",
			listingID: "listing-1",
			actor:     buyer,
			setup: func(t *testing.T, h *harness) {
				_, err := h.listings.TransitionStatus(context.Background(), "listing-1", models.ListingActive, models.ListingSold, "someone")
				require.NoError(t, err)
			},
			expected: apperror.ErrConflict,
		},
		{
			name:      "anonymous caller",
			listingID: "listing-1",
			actor:     models.Actor{},
			expected:  apperror.ErrAuthorization,
		},
		{
			name:      "gateway declines",
			listingID: "listing-1",
			actor:     buyer,
			setup: func(t *testing.T, h *harness) {
				h.gateway.FailNext("initialize", apperror.Gateway("gateway.initialize", false, errors.New("invalid email")))
			},
			expected: apperror.ErrGateway,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.seedListing(t, "listing-1", 500)
			if tt.setup != nil {
				tt.setup(t, h)
			}

			res, err := h.coord.Initiate(context.Background(), tt.listingID, tt.actor)
			require.ErrorIs(t, err, tt.expected)
			require.Nil(t, res)

			_, err = h.payments.FindOpenByListing(context.Background(), "listing-1")
			require.ErrorIs(t, err, apperror.ErrNotFound)
		})
	}
}

func TestCoordinator_Initiate_Success(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)

	res, err := h.coord.Initiate(context.Background(), "listing-1", buyer)
	require.NoError(t, err)
	require.Regexp(t, `^PAY-[0-9a-f]{32}$`, res.Reference)
	require.Equal(t, "https://checkout.fake.local/"+res.Reference, res.AuthorizationURL)

	p, err := h.payments.GetByID(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentPending, p.Status)
	require.Equal(t, buyer.ID, p.BuyerID)
	require.Equal(t, seller.ID, p.SellerID)
	require.True(t, decimal.NewFromInt(500).Equal(p.Amount))
	require.Equal(t, models.ListingActive, h.listingStatus(t, "listing-1"))

	_, err = h.coord.Initiate(context.Background(), "listing-1", models.Actor{ID: "buyer-2", Email: "b2@example.com"})
	require.ErrorIs(t, err, apperror.ErrConflict)
}

func TestCoordinator_ConcurrentInitiate(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)

	const buyers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := models.Actor{ID: fmt.Sprintf("buyer-%d", i), Email: fmt.Sprintf("b%d@example.com", i)}
			_, err := h.coord.Initiate(context.Background(), "listing-1", actor)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperror.ErrConflict):
				conflicts++
			default:
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, buyers-1, conflicts)
}

func TestCoordinator_VerifyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()

	res, err := h.coord.Initiate(ctx, "listing-1", buyer)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p, err := h.coord.Verify(ctx, res.Reference)
		require.NoError(t, err)
		require.Equal(t, models.PaymentHeld, p.Status)
	}

	require.Equal(t, 1, h.publisher.transitionsTo(models.PaymentHeld))
	require.Equal(t, 1, h.publisher.listingEvents())

	l, err := h.listings.GetByID(ctx, "listing-1")
	require.NoError(t, err)
	require.Equal(t, models.ListingPending, l.Status)
	require.Equal(t, buyer.ID, l.BuyerID)
}

func TestCoordinator_VerifyRepairsMissingListingProjection(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()

	res, err := h.coord.Initiate(ctx, "listing-1", buyer)
	require.NoError(t, err)
	// Simulate a crash after the payment flipped but before the listing did.
	ok, err := h.payments.TransitionStatus(ctx, res.PaymentID, models.PaymentPending, models.PaymentHeld, "")
	require.NoError(t, err)
	require.True(t, ok)

	p, err := h.coord.Verify(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentHeld, p.Status)
	require.Equal(t, models.ListingPending, h.listingStatus(t, "listing-1"))
}

func TestCoordinator_VerifyOutcomes(t *testing.T) {
	var tests = []struct {
		name          string
		setup         func(h *harness, reference string)
		expectedErr   error
		expectedState models.PaymentStatus
		reason        string
	}{
		{
			name: "charge failed",
			setup: func(h *harness, reference string) {
				h.gateway.SetCharge(reference, models.ChargeFailed, 50000)
			},
			expectedState: models.PaymentFailed,
			reason:        reasonChargeFailed,
		},
		{
			name: "amount mismatch",
			setup: func(h *harness, reference string) {
				h.gateway.SetCharge(reference, models.ChargeSucceeded, 100)
			},
			expectedState: models.PaymentFailed,
			reason:        reasonAmountMismatch,
		},
		{
			name: "charge still open",
			setup: func(h *harness, reference string) {
				h.gateway.SetCharge(reference, models.ChargeOpen, 50000)
			},
			expectedState: models.PaymentPending,
		},
		{
			name: "gateway timeout leaves payment pending",
			setup: func(h *harness, reference string) {
				h.gateway.FailNext("verify", apperror.Gateway("gateway.verify", true, context.DeadlineExceeded))
			},
			expectedErr:   apperror.ErrGateway,
			expectedState: models.PaymentPending,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.seedListing(t, "listing-1", 500)
			ctx := context.Background()

			res, err := h.coord.Initiate(ctx, "listing-1", buyer)
			require.NoError(t, err)
			tt.setup(h, res.Reference)

			_, err = h.coord.Verify(ctx, res.Reference)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}

			p, err := h.payments.GetByID(ctx, res.PaymentID)
			require.NoError(t, err)
			require.Equal(t, tt.expectedState, p.Status)
			require.Equal(t, tt.reason, p.FailureReason)
			require.Equal(t, models.ListingActive, h.listingStatus(t, "listing-1"))
		})
	}
}

func TestCoordinator_VerifyFailedPaymentConflicts(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()

	res, err := h.coord.Initiate(ctx, "listing-1", buyer)
	require.NoError(t, err)
	h.gateway.SetCharge(res.Reference, models.ChargeFailed, 50000)

	_, err = h.coord.Verify(ctx, res.Reference)
	require.NoError(t, err)

	_, err = h.coord.Verify(ctx, res.Reference)
	require.ErrorIs(t, err, apperror.ErrConflict)

	_, err = h.coord.Verify(ctx, "PAY-unknown")
	require.ErrorIs(t, err, apperror.ErrNotFound)

	// The listing can be bought again after a failed charge.
	_, err = h.coord.Initiate(ctx, "listing-1", buyer)
	require.NoError(t, err)
}

func TestCoordinator_Release(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()
	p := h.held(t, "listing-1")

	_, err := h.coord.Release(ctx, p.ID, seller)
	require.ErrorIs(t, err, apperror.ErrAuthorization)
	_, err = h.coord.Release(ctx, p.ID, models.Actor{ID: "stranger"})
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	stored, err := h.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentHeld, stored.Status)

	released, err := h.coord.Release(ctx, p.ID, buyer)
	require.NoError(t, err)
	require.Equal(t, models.PaymentReleased, released.Status)
	require.Equal(t, models.ListingSold, h.listingStatus(t, "listing-1"))
	require.Equal(t, models.FeeCollected, h.feeStatus(t, "listing-1"))

	_, err = h.coord.Release(ctx, p.ID, buyer)
	require.ErrorIs(t, err, apperror.ErrConflict)
	_, err = h.coord.Refund(ctx, p.ID, seller)
	require.ErrorIs(t, err, apperror.ErrConflict)
	require.Empty(t, h.gateway.Refunds())
}

func TestCoordinator_RefundRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()
	p := h.held(t, "listing-1")

	_, err := h.coord.Refund(ctx, p.ID, buyer)
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	feeDrift := testutil.ToFloat64(telemetry.ProjectionDriftTotal.WithLabelValues("platform_fee"))
	refunded, err := h.coord.Refund(ctx, p.ID, seller)
	require.NoError(t, err)
	require.Equal(t, models.PaymentRefunded, refunded.Status)
	require.Equal(t, int64(50000), h.gateway.Refunds()[p.Reference])

	l, err := h.listings.GetByID(ctx, "listing-1")
	require.NoError(t, err)
	require.Equal(t, models.ListingActive, l.Status)
	require.Empty(t, l.BuyerID)
	require.Equal(t, models.FeePending, h.feeStatus(t, "listing-1"))
	require.Equal(t, feeDrift, testutil.ToFloat64(telemetry.ProjectionDriftTotal.WithLabelValues("platform_fee")))

	_, err = h.coord.Refund(ctx, p.ID, seller)
	require.ErrorIs(t, err, apperror.ErrConflict)
}

func TestCoordinator_RefundGatewayFailureLeavesPaymentHeld(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()
	p := h.held(t, "listing-1")

	h.gateway.FailNext("refund", apperror.Gateway("gateway.refund", true, errors.New("connection reset")))
	_, err := h.coord.Refund(ctx, p.ID, seller)
	require.ErrorIs(t, err, apperror.ErrGateway)
	require.True(t, apperror.IsIndeterminate(err))

	stored, err := h.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentHeld, stored.Status)
	require.Equal(t, models.ListingPending, h.listingStatus(t, "listing-1"))
}

func TestCoordinator_ConcurrentReleaseAndRefund(t *testing.T) {
	for i := 0; i < 5; i++ {
		h := newHarness(t)
		h.seedListing(t, "listing-1", 500)
		p := h.held(t, "listing-1")

		var wg sync.WaitGroup
		var releaseErr, refundErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, releaseErr = h.coord.Release(context.Background(), p.ID, buyer)
		}()
		go func() {
			defer wg.Done()
			_, refundErr = h.coord.Refund(context.Background(), p.ID, seller)
		}()
		wg.Wait()

		require.True(t, (releaseErr == nil) != (refundErr == nil), "exactly one must win: release=%v refund=%v", releaseErr, refundErr)

		stored, err := h.payments.GetByID(context.Background(), p.ID)
		require.NoError(t, err)
		if releaseErr == nil {
			require.ErrorIs(t, refundErr, apperror.ErrConflict)
			require.Equal(t, models.PaymentReleased, stored.Status)
			require.Equal(t, models.ListingSold, h.listingStatus(t, "listing-1"))
			require.Equal(t, models.FeeCollected, h.feeStatus(t, "listing-1"))
		} else {
			require.ErrorIs(t, releaseErr, apperror.ErrConflict)
			require.Equal(t, models.PaymentRefunded, stored.Status)
			require.Equal(t, models.ListingActive, h.listingStatus(t, "listing-1"))
			require.Equal(t, models.FeePending, h.feeStatus(t, "listing-1"))
		}
	}
}

func TestCoordinator_GetAndList(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()
	p := h.held(t, "listing-1")

	_, err := h.coord.Get(ctx, p.ID, models.Actor{ID: "stranger"})
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	got, err := h.coord.Get(ctx, p.ID, models.Actor{ID: "ops", Admin: true})
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	list, err := h.coord.ListForActor(ctx, seller)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = h.coord.ListForActor(ctx, models.Actor{})
	require.ErrorIs(t, err, apperror.ErrAuthorization)
}

func TestCoordinator_ReconcilePending(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	h.seedListing(t, "listing-2", 800)
	ctx := context.Background()

	open, err := h.coord.Initiate(ctx, "listing-1", buyer)
	require.NoError(t, err)
	h.gateway.SetCharge(open.Reference, models.ChargeOpen, 50000)

	paid, err := h.coord.Initiate(ctx, "listing-2", buyer)
	require.NoError(t, err)

	*h.clock = h.clock.Add(time.Hour)
	report, err := h.coord.ReconcilePending(ctx, 15*time.Minute, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 2, Held: 1, Pending: 1}, report)

	held, err := h.payments.GetByID(ctx, paid.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentHeld, held.Status)

	*h.clock = h.clock.Add(24 * time.Hour)
	report, err = h.coord.ReconcilePending(ctx, 15*time.Minute, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 1, Stale: 1}, report)

	stale, err := h.payments.GetByID(ctx, open.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentPending, stale.Status)
	require.Equal(t, models.ListingActive, h.listingStatus(t, "listing-1"))

	// The buyer completes the charge long after checkout.
	h.gateway.SetCharge(open.Reference, models.ChargeSucceeded, 50000)
	report, err = h.coord.ReconcilePending(ctx, 15*time.Minute, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 1, Held: 1}, report)
	require.Equal(t, models.ListingPending, h.listingStatus(t, "listing-1"))
	require.Empty(t, h.gateway.Refunds())
}

func TestCoordinator_VerifyRefundsLateCapture(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()

	res, err := h.coord.Initiate(ctx, "listing-1", buyer)
	require.NoError(t, err)
	h.gateway.SetCharge(res.Reference, models.ChargeFailed, 50000)
	failed, err := h.coord.Verify(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, failed.Status)
	before := testutil.ToFloat64(telemetry.LateCapturesTotal.WithLabelValues("refunded"))

	h.gateway.SetCharge(res.Reference, models.ChargeSucceeded, 50000)

	h.gateway.FailNext("refund", apperror.Gateway("gateway.refund", false, errors.New("refund declined")))
	_, err = h.coord.Verify(ctx, res.Reference)
	require.ErrorIs(t, err, apperror.ErrGateway)
	stored, err := h.payments.GetByID(ctx, res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, failed.FailureReason, stored.FailureReason)
	require.Empty(t, h.gateway.Refunds())

	_, err = h.coord.Verify(ctx, res.Reference)
	require.ErrorIs(t, err, apperror.ErrConflict)
	require.Equal(t, int64(50000), h.gateway.Refunds()[res.Reference])
	require.Equal(t, before+1, testutil.ToFloat64(telemetry.LateCapturesTotal.WithLabelValues("refunded")))

	stored, err = h.payments.GetByID(ctx, res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, stored.Status)
	require.Equal(t, reasonLateCapture+": refunded", stored.FailureReason)
	require.Equal(t, models.ListingActive, h.listingStatus(t, "listing-1"))

	_, err = h.coord.Verify(ctx, res.Reference)
	require.ErrorIs(t, err, apperror.ErrConflict)
	require.Equal(t, int64(50000), h.gateway.Refunds()[res.Reference])
}

func TestCoordinator_VerifyToleratesAppliedListingProjection(t *testing.T) {
	h := newHarness(t)
	h.seedListing(t, "listing-1", 500)
	ctx := context.Background()

	res, err := h.coord.Initiate(ctx, "listing-1", buyer)
	require.NoError(t, err)

	// Another Verify for the same charge already moved the listing.
	ok, err := h.listings.TransitionStatus(ctx, "listing-1", models.ListingActive, models.ListingPending, buyer.ID)
	require.NoError(t, err)
	require.True(t, ok)

	before := testutil.ToFloat64(telemetry.ProjectionDriftTotal.WithLabelValues("listing"))
	p, err := h.coord.Verify(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentHeld, p.Status)
	require.Equal(t, models.ListingPending, h.listingStatus(t, "listing-1"))
	require.Equal(t, before, testutil.ToFloat64(telemetry.ProjectionDriftTotal.WithLabelValues("listing")))
}
