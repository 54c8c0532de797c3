package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/identity"
	"goldpos/backend/internal/settlement"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/store/memory"
)

var rateStart = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.PutProduct(domain.Product{ID: "ring", Code: "RG-1", Weight: dec("5"), KaratType: "22K", CategoryType: "ring", MakingChargesApplicable: true, Active: true})
	s.PutCustomer(domain.Customer{ID: "vip", Name: "VIP", DiscountPercent: dec("10")})
	s.PutRate(domain.VersionedRate{ID: "gold-22k", Kind: domain.RateKindGold, ScopeKey: "22K", Value: dec("3000"), ValueKind: domain.ValueFixedPerUnit, EffectiveFrom: rateStart, IsCurrent: true})
	s.PutRate(domain.VersionedRate{ID: "mc-ring", Kind: domain.RateKindMakingCharge, ScopeKey: "ring", Value: dec("10"), ValueKind: domain.ValuePercentage, EffectiveFrom: rateStart, IsCurrent: true})
	s.PutRate(domain.VersionedRate{ID: "tax-14", Kind: domain.RateKindTax, ScopeKey: "VAT", Value: dec("14"), ValueKind: domain.ValuePercentage, Mandatory: true, EffectiveFrom: rateStart, IsCurrent: true})
	require.NoError(t, s.SeedStock("b1", "ring", 2, rateStart))

	pin, err := bcrypt.GenerateFromPassword([]byte("739154"), bcrypt.MinCost)
	require.NoError(t, err)
	pwd, err := bcrypt.GenerateFromPassword([]byte("manager-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	s.PutUser(domain.UserAccount{ID: "manager", BranchID: "b1", Role: domain.RoleManager, PasswordHash: string(pwd), ApprovalPINHash: string(pin), Active: true})
	return s
}

func newTestService(t *testing.T, s store.Store, opts Options) *Service {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	opts.Logger = logger
	if opts.Retry.Attempts == 0 {
		opts.Retry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	}
	return New(s, opts)
}

func sale(qty int, key string) domain.SaleRequest {
	return domain.SaleRequest{
		BranchID:       "b1",
		IdempotencyKey: key,
		Items:          []domain.LineRequest{{ProductID: "ring", Quantity: qty}},
		Payment:        domain.Payment{Method: domain.PaymentCash, Amount: dec("40000")},
	}
}

// flakyStore fails the first n atomic commits with a transient error.
type flakyStore struct {
	store.Store
	failures int
	calls    int
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("commit: %w", domain.ErrTransientPersistence)
	}
	return f.Store.WithinTx(ctx, fn)
}

// blindIdempotencyStore misses the first idempotency lookup, as a request
// racing a concurrent commit with the same key would.
type blindIdempotencyStore struct {
	store.Store
	lookups int
}

func (b *blindIdempotencyStore) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	b.lookups++
	if b.lookups == 1 {
		return nil, store.ErrNotFound
	}
	return b.Store.FindTransactionByIdempotency(ctx, key)
}

func TestPriceQuoteWorkedExampleIsRepeatable(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Options{})
	fixed := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := svc.PriceQuote(ctx, domain.QuoteRequest{ProductID: "ring", Quantity: 2})
	require.NoError(t, err)
	assert.True(t, first.GoldValue.Equal(dec("30000")))
	assert.True(t, first.MakingChargesAmount.Equal(dec("3000")))
	assert.True(t, first.TotalTax.Equal(dec("4620")))
	assert.True(t, first.FinalTotal.Equal(dec("37620")))

	second, err := svc.PriceQuote(ctx, domain.QuoteRequest{ProductID: "ring", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	discounted, err := svc.PriceQuote(ctx, domain.QuoteRequest{ProductID: "ring", Quantity: 2, CustomerID: "vip"})
	require.NoError(t, err)
	assert.True(t, discounted.DiscountAmount.Equal(dec("3300")))

	_, err = svc.PriceQuote(ctx, domain.QuoteRequest{ProductID: "ring"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = svc.PriceQuote(ctx, domain.QuoteRequest{ProductID: "missing", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommitSaleReturnsReceiptData(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, Options{})
	ctx := context.Background()

	result, err := svc.CommitSale(ctx, sale(2, ""), "cashier")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.TransactionID)
	assert.Contains(t, result.TransactionNumber, "SAL-B1-")
	assert.Equal(t, string(domain.TxStatusCompleted), result.Status)
	require.Len(t, result.Breakdown, 1)
	assert.True(t, result.AmountDue.Equal(dec("37620")))
	assert.True(t, result.ChangeGiven.Equal(dec("2380")))

	rec, err := svc.GetInventory(ctx, "ring", "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.QuantityOnHand)
	assert.True(t, rec.WeightOnHand.IsZero())
}

func TestCommitSaleReportsInsufficientStockAsStructuredResult(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Options{})

	result, err := svc.CommitSale(context.Background(), sale(3, ""), "cashier")
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.CodeInsufficientStock, result.Error.Code)
	assert.Equal(t, "ring", result.Error.ProductID)

	rec, err := svc.GetInventory(context.Background(), "ring", "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.QuantityOnHand)
}

func TestCommitSaleIsIdempotent(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Options{})
	ctx := context.Background()

	first, err := svc.CommitSale(ctx, sale(1, "idem-1"), "cashier")
	require.NoError(t, err)
	again, err := svc.CommitSale(ctx, sale(1, "idem-1"), "cashier")
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TransactionID, again.TransactionID)
	assert.Equal(t, first.TransactionNumber, again.TransactionNumber)

	rec, err := svc.GetInventory(ctx, "ring", "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.QuantityOnHand)
}

func TestCommitSaleResolvesIdempotencyRace(t *testing.T) {
	mem := newTestStore(t)
	blind := &blindIdempotencyStore{Store: mem}
	svc := newTestService(t, blind, Options{})
	ctx := context.Background()

	first, err := newTestService(t, mem, Options{}).CommitSale(ctx, sale(1, "idem-race"), "cashier")
	require.NoError(t, err)

	raced, err := svc.CommitSale(ctx, sale(1, "idem-race"), "cashier")
	require.NoError(t, err)
	assert.True(t, raced.Duplicate)
	assert.Equal(t, first.TransactionID, raced.TransactionID)
	assert.Equal(t, 2, blind.lookups)

	rec, err := mem.GetInventory(ctx, "ring", "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.QuantityOnHand)
}

func TestCommitSaleRetriesTransientFailures(t *testing.T) {
	flaky := &flakyStore{Store: newTestStore(t), failures: 2}
	svc := newTestService(t, flaky, Options{})

	result, err := svc.CommitSale(context.Background(), sale(1, ""), "cashier")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, flaky.calls)
	assert.Contains(t, result.TransactionNumber, "-000001")
}

func TestCommitSaleGivesUpAfterRetryBudget(t *testing.T) {
	flaky := &flakyStore{Store: newTestStore(t), failures: 10}
	svc := newTestService(t, flaky, Options{})

	result, err := svc.CommitSale(context.Background(), sale(1, ""), "cashier")
	require.ErrorIs(t, err, domain.ErrTransientPersistence)
	assert.Equal(t, 3, flaky.calls)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.CodeTransientPersistence, result.Error.Code)
}

func TestReverseTransactionVerifiesApprover(t *testing.T) {
	s := newTestStore(t)
	logger, _ := logtest.NewNullLogger()
	auth := identity.NewAuthenticator(s, identity.NewTokenManager("secret", time.Hour), logger)
	svc := newTestService(t, s, Options{Approvals: auth})
	ctx := context.Background()

	committed, err := svc.CommitSale(ctx, sale(2, ""), "cashier")
	require.NoError(t, err)

	req := domain.ReverseRequest{TransactionID: committed.TransactionID, Reason: "complaint", ApproverID: "manager", ApproverPIN: "000000"}
	result, err := svc.ReverseTransaction(ctx, req, "cashier")
	require.ErrorIs(t, err, domain.ErrApprovalRequired)
	assert.Equal(t, domain.CodeApprovalRequired, result.Error.Code)

	req.ApproverPIN = "739154"
	result, err = svc.ReverseTransaction(ctx, req, "cashier")
	require.NoError(t, err)
	assert.True(t, result.AmountDue.Equal(dec("-37620")))

	rec, err := svc.GetInventory(ctx, "ring", "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.QuantityOnHand)

	original, err := svc.GetTransaction(ctx, committed.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusReversed, original.EffectiveStatus())

	result, err = svc.ReverseTransaction(ctx, req, "cashier")
	require.ErrorIs(t, err, domain.ErrAlreadyReversed)
	assert.Equal(t, domain.CodeAlreadyReversed, result.Error.Code)

	check, err := svc.Reconcile(ctx, "ring", "b1")
	require.NoError(t, err)
	assert.True(t, check.Balanced)
}

func TestVoidTransactionOutsideWindow(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Options{VoidPolicy: settlement.VoidPolicy{Window: settlement.VoidNever}})
	ctx := context.Background()

	committed, err := svc.CommitSale(ctx, sale(1, ""), "cashier")
	require.NoError(t, err)

	result, err := svc.VoidTransaction(ctx, domain.VoidRequest{TransactionID: committed.TransactionID, Reason: "typo"}, "cashier")
	require.ErrorIs(t, err, domain.ErrVoidWindowClosed)
	assert.Equal(t, domain.CodeVoidWindowClosed, result.Error.Code)
}

func TestVoidAndCancelThroughService(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Options{})
	ctx := context.Background()

	committed, err := svc.CommitSale(ctx, sale(1, ""), "cashier")
	require.NoError(t, err)
	voided, err := svc.VoidTransaction(ctx, domain.VoidRequest{TransactionID: committed.TransactionID, Reason: "typo"}, "cashier")
	require.NoError(t, err)
	assert.Equal(t, string(domain.TxStatusVoided), voided.Status)

	_, err = svc.VoidTransaction(ctx, domain.VoidRequest{TransactionID: committed.TransactionID, Reason: "typo"}, "cashier")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	hold := sale(1, "")
	hold.Hold = true
	pending, err := svc.CommitSale(ctx, hold, "cashier")
	require.NoError(t, err)
	assert.Equal(t, string(domain.TxStatusPending), pending.Status)

	cancelled, err := svc.CancelTransaction(ctx, domain.CancelRequest{TransactionID: pending.TransactionID, Reason: "walked out"}, "cashier")
	require.NoError(t, err)
	assert.Equal(t, string(domain.TxStatusCancelled), cancelled.Status)

	rec, err := svc.GetInventory(ctx, "ring", "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.QuantityOnHand)

	logs, err := svc.ListAuditLogs(ctx, "transaction", committed.TransactionID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestBranchDefaultsFromIdentity(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SeedStock("b2", "ring", 1, rateStart))
	svc := newTestService(t, s, Options{DefaultBranchID: "b1"})

	req := sale(1, "")
	req.BranchID = ""
	ctx := identity.WithActor(context.Background(), domain.Actor{ID: "cashier", BranchID: "b2"})
	result, err := svc.CommitSale(ctx, req, "cashier")
	require.NoError(t, err)
	assert.Contains(t, result.TransactionNumber, "SAL-B2-")

	result, err = svc.CommitSale(context.Background(), req, "cashier")
	require.NoError(t, err)
	assert.Contains(t, result.TransactionNumber, "SAL-B1-")
}

func TestPriceQuoteAsOfIsFullyRepeatable(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Options{})
	ctx := context.Background()
	asOf := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	req := domain.QuoteRequest{ProductID: "ring", Quantity: 1, AsOf: asOf}

	first, err := svc.PriceQuote(ctx, req)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := svc.PriceQuote(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, asOf, first.PricedAt)

	_, err = svc.PriceQuote(ctx, domain.QuoteRequest{ProductID: "ring", Quantity: 1, AsOf: rateStart.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrRateUnavailable)
}

func TestUpdateRatesThroughService(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Options{})
	ctx := context.Background()

	result, err := svc.UpdateRates(ctx, []domain.RateUpdate{{
		Kind:      domain.RateKindGold,
		ScopeKey:  "22K",
		Value:     dec("3100"),
		ValueKind: domain.ValueFixedPerUnit,
	}}, "admin")
	require.NoError(t, err)
	require.Len(t, result.Inserted, 1)
	require.Len(t, result.Closed, 1)

	history, err := svc.ListRateHistory(ctx, domain.RateKindGold, "22K")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	quote, err := svc.PriceQuote(ctx, domain.QuoteRequest{ProductID: "ring", Quantity: 1})
	require.NoError(t, err)
	assert.True(t, quote.GoldRate.Equal(dec("3100")))
}

func TestRetryTransientStopsOnBusinessErrors(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	policy := RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	err := RetryTransient(context.Background(), policy, logger, "test", func() error {
		calls++
		return domain.ErrInsufficientStock
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	err = RetryTransient(ctx, RetryPolicy{Attempts: 5, BaseDelay: time.Second}, logger, "test", func() error {
		calls++
		return domain.ErrTransientPersistence
	})
	assert.ErrorIs(t, err, domain.ErrTransientPersistence)
	assert.True(t, errors.Is(err, domain.ErrTransientPersistence))
	assert.Equal(t, 1, calls)
}

func TestBackoffDelayIsBounded(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 0; attempt < 40; attempt++ {
		d := backoffDelay(policy, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 40*time.Millisecond)
	}
	assert.Zero(t, backoffDelay(RetryPolicy{}, 3))
}
