package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/store"
)

func TestClassifyMapsDriverErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001", Message: "could not serialize access"}, domain.ErrTransientPersistence},
		{"deadlock", &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}, domain.ErrTransientPersistence},
		{"connection failure", &pgconn.PgError{Code: "08006"}, domain.ErrTransientPersistence},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, domain.ErrTransientPersistence},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), domain.ErrTransientPersistence},
		{"second reversal", &pgconn.PgError{Code: "23505", ConstraintName: "transactions_reversal_of_id_key"}, domain.ErrAlreadyReversed},
		{"idempotency key", &pgconn.PgError{Code: "23505", ConstraintName: "transactions_idempotency_key_key"}, store.ErrDuplicate},
		{"negative stock", &pgconn.PgError{Code: "23514", ConstraintName: "inventory_records_quantity_on_hand_check"}, domain.ErrInsufficientStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
}

func TestClassifyPassesThroughDomainErrors(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(domain.ErrInvalidStateTransition), domain.ErrInvalidStateTransition)

	plain := errors.New("syntax error")
	assert.Same(t, plain, classify(plain))

	other := &pgconn.PgError{Code: "42601"}
	assert.False(t, errors.Is(classify(other), domain.ErrTransientPersistence))
}
