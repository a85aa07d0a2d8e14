package withdrawal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/repository"
)

type gatewayMock struct{ mock.Mock }

func (m *gatewayMock) Initialize(ctx context.Context, req models.InitializeRequest) (*models.InitializeResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*models.InitializeResponse)
	return resp, args.Error(1)
}

func (m *gatewayMock) Verify(ctx context.Context, reference string) (*models.ChargeOutcome, error) {
	args := m.Called(ctx, reference)
	out, _ := args.Get(0).(*models.ChargeOutcome)
	return out, args.Error(1)
}

func (m *gatewayMock) Refund(ctx context.Context, reference string, amountMinor int64) error {
	args := m.Called(ctx, reference, amountMinor)
	return args.Error(0)
}

func (m *gatewayMock) CreatePayoutRecipient(ctx context.Context, bank models.BankDetails) (string, error) {
	args := m.Called(ctx, bank)
	return args.String(0), args.Error(1)
}

func (m *gatewayMock) Transfer(ctx context.Context, amountMinor int64, recipientCode, reference string) error {
	args := m.Called(ctx, amountMinor, recipientCode, reference)
	return args.Error(0)
}

var (
	seller = models.Actor{ID: "seller-1"}
	bank   = models.BankDetails{AccountName: "Ada Obi", AccountNumber: "0123456789", BankName: "GTBank", BankCode: "058"}
)

type stores struct {
	payments    *repository.PaymentRepository
	withdrawals *repository.WithdrawalRepository
}

// newStores opens a sqlite store where seller-1 has released the given
// amounts and one held payment of 250.
func newStores(t *testing.T, released ...int64) stores {
	t.Helper()
	db, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitDB(context.Background()))

	s := stores{
		payments:    repository.NewPaymentRepository(db),
		withdrawals: repository.NewWithdrawalRepository(db),
	}
	ctx := context.Background()
	for i, amount := range released {
		id := string(rune('a' + i))
		require.NoError(t, s.payments.Create(ctx, &models.Payment{
			ID: "pay-" + id, ListingID: "listing-" + id, BuyerID: "buyer-1", SellerID: seller.ID,
			Amount: decimal.NewFromInt(amount), Status: models.PaymentReleased, Reference: "PAY-" + id,
		}))
	}
	require.NoError(t, s.payments.Create(ctx, &models.Payment{
		ID: "pay-held", ListingID: "listing-held", BuyerID: "buyer-1", SellerID: seller.ID,
		Amount: decimal.NewFromInt(250), Status: models.PaymentHeld, Reference: "PAY-held",
	}))
	return s
}

func request(amount int64) models.WithdrawalRequest {
	return models.WithdrawalRequest{Amount: decimal.NewFromInt(amount), BankDetails: bank}
}

func TestProcessor_RequestWithdrawal_Rejections(t *testing.T) {
	var tests = []struct {
		name     string
		actor    models.Actor
		req      models.WithdrawalRequest
		expected error
	}{
		{name: "other seller", actor: models.Actor{ID: "seller-2"}, req: request(100), expected: apperror.ErrAuthorization},
		{name: "zero amount", actor: seller, req: request(0), expected: apperror.ErrValidation},
		{name: "sub-kobo amount", actor: seller, req: models.WithdrawalRequest{Amount: decimal.RequireFromString("1.005"), BankDetails: bank}, expected: apperror.ErrValidation},
		{name: "missing bank name", actor: seller, req: models.WithdrawalRequest{Amount: decimal.NewFromInt(100), BankDetails: models.BankDetails{AccountName: "Ada", AccountNumber: "1"}}, expected: apperror.ErrValidation},
		{name: "over balance", actor: seller, req: request(1001), expected: apperror.ErrValidation},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newStores(t, 600, 400)
			gw := new(gatewayMock)
			p := NewProcessor(s.payments, s.withdrawals, gw)

			w, err := p.RequestWithdrawal(context.Background(), seller.ID, tt.actor, tt.req)
			require.ErrorIs(t, err, tt.expected)
			require.Nil(t, w)
			gw.AssertNotCalled(t, "CreatePayoutRecipient", mock.Anything, mock.Anything)
			gw.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			list, err := s.withdrawals.ListBySeller(context.Background(), seller.ID)
			require.NoError(t, err)
			require.Empty(t, list)
		})
	}
}

func TestProcessor_RequestWithdrawal_Success(t *testing.T) {
	s := newStores(t, 600, 400)
	gw := new(gatewayMock)
	gw.On("CreatePayoutRecipient", mock.Anything, bank).Return("RCP_1", nil)
	gw.On("Transfer", mock.Anything, int64(100000), "RCP_1", mock.AnythingOfType("string")).Return(nil)
	p := NewProcessor(s.payments, s.withdrawals, gw)
	ctx := context.Background()

	w, err := p.RequestWithdrawal(ctx, seller.ID, seller, request(1000))
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPending, w.Status)
	require.Regexp(t, `^WDR-[0-9a-f]{32}$`, w.Reference)
	gw.AssertExpectations(t)

	// The whole balance is reserved now.
	_, err = p.RequestWithdrawal(ctx, seller.ID, seller, request(1))
	require.ErrorIs(t, err, apperror.ErrValidation)

	done, err := p.CompleteWithdrawal(ctx, w.Reference)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalCompleted, done.Status)

	again, err := p.CompleteWithdrawal(ctx, w.Reference)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalCompleted, again.Status)

	_, err = p.FailWithdrawal(ctx, w.Reference, "reversed")
	require.ErrorIs(t, err, apperror.ErrConflict)

	summary, err := p.Summary(ctx, seller.ID, seller)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(1000).Equal(summary.TotalSales))
	require.Equal(t, 2, summary.CompletedSales)
	require.True(t, decimal.NewFromInt(250).Equal(summary.PendingAmount))
	require.Equal(t, 1, summary.PendingSales)
	require.True(t, decimal.NewFromInt(1000).Equal(summary.Withdrawn))
	require.True(t, summary.Available.IsZero())
}

func TestProcessor_RequestWithdrawal_TransferDeclined(t *testing.T) {
	s := newStores(t, 500)
	gw := new(gatewayMock)
	gw.On("CreatePayoutRecipient", mock.Anything, bank).Return("RCP_1", nil)
	gw.On("Transfer", mock.Anything, int64(30000), "RCP_1", mock.Anything).
		Return(apperror.Gateway("gateway.transfer", false, errors.New("insufficient gateway balance"))).Once()
	gw.On("Transfer", mock.Anything, int64(30000), "RCP_1", mock.Anything).Return(nil).Once()
	p := NewProcessor(s.payments, s.withdrawals, gw)
	ctx := context.Background()

	_, err := p.RequestWithdrawal(ctx, seller.ID, seller, request(300))
	require.ErrorIs(t, err, apperror.ErrGateway)

	list, err := s.withdrawals.ListBySeller(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.WithdrawalFailed, list[0].Status)
	require.Contains(t, list[0].FailureReason, "insufficient gateway balance")

	// The failed amount is available again.
	w, err := p.RequestWithdrawal(ctx, seller.ID, seller, request(300))
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPending, w.Status)
}

func TestProcessor_RequestWithdrawal_TransferUnknownStaysPending(t *testing.T) {
	s := newStores(t, 500)
	gw := new(gatewayMock)
	gw.On("CreatePayoutRecipient", mock.Anything, bank).Return("RCP_1", nil)
	gw.On("Transfer", mock.Anything, int64(50000), "RCP_1", mock.Anything).
		Return(apperror.Gateway("gateway.transfer", true, context.DeadlineExceeded))
	p := NewProcessor(s.payments, s.withdrawals, gw)
	ctx := context.Background()

	_, err := p.RequestWithdrawal(ctx, seller.ID, seller, request(500))
	require.True(t, apperror.IsIndeterminate(err))

	list, err := s.withdrawals.ListBySeller(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.WithdrawalPending, list[0].Status)

	failed, err := p.FailWithdrawal(ctx, list[0].Reference, "transfer reversed")
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalFailed, failed.Status)

	again, err := p.FailWithdrawal(ctx, list[0].Reference, "transfer reversed")
	require.NoError(t, err)
	require.Equal(t, "transfer reversed", again.FailureReason)

	summary, err := p.Summary(ctx, seller.ID, seller)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(500).Equal(summary.Available))
}

func TestProcessor_ConcurrentWithdrawalsCannotOverdraw(t *testing.T) {
	s := newStores(t, 1000)
	gw := new(gatewayMock)
	gw.On("CreatePayoutRecipient", mock.Anything, bank).Return("RCP_1", nil)
	gw.On("Transfer", mock.Anything, int64(60000), "RCP_1", mock.Anything).Return(nil)
	p := NewProcessor(s.payments, s.withdrawals, gw)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.RequestWithdrawal(context.Background(), seller.ID, seller, request(600)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	withdrawn, err := s.withdrawals.SumNonFailed(context.Background(), seller.ID)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(600).Equal(withdrawn))
}

func TestProcessor_SummaryAuthorization(t *testing.T) {
	s := newStores(t, 100)
	p := NewProcessor(s.payments, s.withdrawals, new(gatewayMock))

	_, err := p.Summary(context.Background(), seller.ID, models.Actor{ID: "seller-2"})
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	summary, err := p.Summary(context.Background(), seller.ID, models.Actor{ID: "ops", Admin: true})
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(100).Equal(summary.Available))

	_, err = p.List(context.Background(), seller.ID, models.Actor{})
	require.ErrorIs(t, err, apperror.ErrAuthorization)
}
