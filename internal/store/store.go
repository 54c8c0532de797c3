package store

import (
	"context"
	"errors"
	"time"

	"goldpos/backend/internal/domain"
)

var (
	ErrNotFound  = domain.ErrNotFound
	ErrDuplicate = errors.New("duplicate key")
)

// Store is the persistence boundary. Reads run outside any atomic scope;
// every mutation goes through WithinTx so it commits all-or-nothing.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

type Reader interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)

	// ListRates returns every version ever stored for one scope, newest
	// effective_from first.
	ListRates(ctx context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error)
	// ListRatesByKind returns every version of every scope of kind.
	ListRatesByKind(ctx context.Context, kind domain.RateKind) ([]domain.VersionedRate, error)

	GetInventory(ctx context.Context, productID string, branchID string) (*domain.InventoryRecord, error)
	ListInventory(ctx context.Context, branchID string) ([]domain.InventoryRecord, error)
	ListMovements(ctx context.Context, productID string, branchID string) ([]domain.InventoryMovement, error)

	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error)

	GetUser(ctx context.Context, id string) (*domain.UserAccount, error)
}

// Tx is the set of row-level operations available inside one atomic commit.
// Lock* methods hold the returned rows until the commit or rollback.
type Tx interface {
	LockInventory(ctx context.Context, branchID string, productIDs []string) (map[string]domain.InventoryRecord, error)
	PutInventory(ctx context.Context, rec domain.InventoryRecord) error
	AppendMovement(ctx context.Context, m domain.InventoryMovement) error

	// NextSequence increments and returns the per branch and type counter.
	NextSequence(ctx context.Context, branchID string, txType domain.TransactionType) (int64, error)
	InsertTransaction(ctx context.Context, t domain.Transaction) error
	LockTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransactionState(ctx context.Context, t domain.Transaction) error

	LockCurrentRates(ctx context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error)
	CloseRate(ctx context.Context, id string, effectiveTo time.Time) error
	InsertRate(ctx context.Context, r domain.VersionedRate) error
}
