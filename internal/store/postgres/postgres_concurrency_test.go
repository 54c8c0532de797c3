package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldpos/backend/internal/audit"
	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/rates"
	"goldpos/backend/internal/service"
	"goldpos/backend/internal/store"
)

// seedPricedProduct creates a product with its own karat scope and a current
// gold rate for it, so pricing does not depend on rows left by other tests.
func seedPricedProduct(t *testing.T, s *Store, branchID string, qty int) string {
	t.Helper()
	ctx := context.Background()
	productID := seedProductWithStock(t, s, branchID, qty)
	karat := "K-" + productID

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM rates WHERE scope_key = $1`, karat)
	})

	_, err := s.db.ExecContext(ctx, `UPDATE products SET karat_type = $1 WHERE id = $2`, karat, productID)
	require.NoError(t, err)
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertRate(ctx, domain.VersionedRate{
			ID:            "rate-" + productID,
			Kind:          domain.RateKindGold,
			ScopeKey:      karat,
			Value:         decimal.NewFromInt(1000),
			ValueKind:     domain.ValueFixedPerUnit,
			EffectiveFrom: time.Now().UTC().Add(-time.Hour),
			IsCurrent:     true,
			CreatedBy:     "it",
			CreatedAt:     time.Now().UTC(),
		})
	}))
	return productID
}

func cleanupBranch(t *testing.T, s *Store, branchID string) {
	t.Helper()
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM transactions WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM transaction_sequences WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE branch_id = $1`, branchID)
	})
}

func TestRateBoundariesStayDisjointAfterRoundTrip(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	scope := fmt.Sprintf("it-rate-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM rates WHERE scope_key = $1`, scope)
	})

	logger, _ := logtest.NewNullLogger()
	admin := rates.NewAdmin(s, nil, audit.NewRecorder(audit.NoopSink{}, logger), logger)

	from := time.Now().UTC().Truncate(time.Second).Add(time.Hour + 123456001*time.Nanosecond)
	for _, at := range []time.Time{from, from.Add(time.Minute)} {
		_, err := admin.UpdateRates(ctx, []domain.RateUpdate{{
			Kind:          domain.RateKindGold,
			ScopeKey:      scope,
			Value:         decimal.NewFromInt(3000),
			ValueKind:     domain.ValueFixedPerUnit,
			EffectiveFrom: at,
		}}, "it")
		require.NoError(t, err)
	}

	history, err := s.ListRates(ctx, domain.RateKindGold, scope)
	require.NoError(t, err)
	require.Len(t, history, 2)
	current, previous := history[0], history[1]
	require.True(t, current.IsCurrent)
	require.NotNil(t, previous.EffectiveTo)
	assert.True(t, previous.EffectiveTo.Before(current.EffectiveFrom),
		"effective_to %s must be before effective_from %s", previous.EffectiveTo, current.EffectiveFrom)

	resolver := rates.NewResolver(s)
	rate, err := resolver.ResolveGoldRate(ctx, scope, current.EffectiveFrom)
	require.NoError(t, err)
	assert.Equal(t, current.ID, rate.ID)
	rate, err = resolver.ResolveGoldRate(ctx, scope, *previous.EffectiveTo)
	require.NoError(t, err)
	assert.Equal(t, previous.ID, rate.ID)
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	branchID := fmt.Sprintf("it-conc-%d", time.Now().UnixNano())
	const stock, attempts = 3, 8
	productID := seedPricedProduct(t, s, branchID, stock)
	cleanupBranch(t, s, branchID)

	logger, _ := logtest.NewNullLogger()
	svc := service.New(s, service.Options{
		Retry:  service.RetryPolicy{Attempts: 30, BaseDelay: 5 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
		Logger: logger,
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []string
		errs    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.CommitSale(ctx, domain.SaleRequest{
				BranchID: branchID,
				Items:    []domain.LineRequest{{ProductID: productID, Quantity: 1}},
				Payment:  domain.Payment{Method: domain.PaymentCash, Amount: decimal.NewFromInt(1000000000)},
			}, "it")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers = append(numbers, result.TransactionNumber)
		}()
	}
	wg.Wait()

	assert.Len(t, numbers, stock)
	require.Len(t, errs, attempts-stock)
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	}
	seen := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		_, dup := seen[n]
		assert.False(t, dup, "number %s issued twice", n)
		seen[n] = struct{}{}
	}

	rec, err := s.GetInventory(ctx, productID, branchID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.QuantityOnHand)
	check, err := svc.Reconcile(ctx, productID, branchID)
	require.NoError(t, err)
	assert.True(t, check.Balanced)
}

func TestTransactionNumbersAreUniquePerBranch(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	number := fmt.Sprintf("SAL-IT%d-20240601-000001", stamp)
	branches := []string{fmt.Sprintf("it-%d", stamp), fmt.Sprintf("IT%d", stamp)}
	for _, b := range branches {
		cleanupBranch(t, s, b)
	}

	insert := func(id, branchID string) error {
		return s.WithinTx(ctx, func(tx store.Tx) error {
			return tx.InsertTransaction(ctx, domain.Transaction{
				ID:        id,
				Number:    number,
				BranchID:  branchID,
				Type:      domain.TxTypeSale,
				Status:    domain.TxStatusCompleted,
				AmountDue: decimal.NewFromInt(100),
				CreatedBy: "it",
				CreatedAt: time.Now().UTC(),
			})
		})
	}

	require.NoError(t, insert(fmt.Sprintf("tx-it-%d-a", stamp), branches[0]))
	require.NoError(t, insert(fmt.Sprintf("tx-it-%d-b", stamp), branches[1]))
	assert.ErrorIs(t, insert(fmt.Sprintf("tx-it-%d-c", stamp), branches[0]), store.ErrDuplicate)
}
