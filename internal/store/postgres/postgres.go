package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn inside one serializable transaction. Serialization
// failures, deadlocks and lost connections surface as
// domain.ErrTransientPersistence so callers can retry the whole closure.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&txn{tx: pgTx}); err != nil {
		return classify(err)
	}
	if err := pgTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, weight, karat_type, category_type, sub_category, making_charges_applicable, active
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Code, &p.Name, &p.Weight, &p.KaratType, &p.CategoryType, &p.SubCategory, &p.MakingChargesApplicable, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, weight, karat_type, category_type, sub_category, making_charges_applicable, active
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Weight, &p.KaratType, &p.CategoryType, &p.SubCategory, &p.MakingChargesApplicable, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, discount_percent, making_charge_waiver
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.DiscountPercent, &c.MakingChargeWaiver)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	return &c, nil
}

const rateColumns = `id, rate_kind, scope_key, label, value, value_kind, display_order, mandatory,
	effective_from, effective_to, is_current, created_by, created_at`

func (s *Store) ListRates(ctx context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rateColumns+`
		FROM rates
		WHERE rate_kind = $1 AND scope_key = $2
		ORDER BY effective_from DESC
	`, kind, scopeKey)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanRates(rows)
}

func (s *Store) ListRatesByKind(ctx context.Context, kind domain.RateKind) ([]domain.VersionedRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rateColumns+`
		FROM rates
		WHERE rate_kind = $1
		ORDER BY effective_from DESC, scope_key
	`, kind)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanRates(rows)
}

func (s *Store) GetInventory(ctx context.Context, productID string, branchID string) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, branch_id, quantity_on_hand, weight_on_hand, updated_at
		FROM inventory_records
		WHERE branch_id = $1 AND product_id = $2
	`, branchID, productID).Scan(&rec.ProductID, &rec.BranchID, &rec.QuantityOnHand, &rec.WeightOnHand, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (s *Store) ListInventory(ctx context.Context, branchID string) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, branch_id, quantity_on_hand, weight_on_hand, updated_at
		FROM inventory_records
		WHERE branch_id = $1
		ORDER BY product_id
	`, branchID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.InventoryRecord, 0, 64)
	for rows.Next() {
		var rec domain.InventoryRecord
		if err := rows.Scan(&rec.ProductID, &rec.BranchID, &rec.QuantityOnHand, &rec.WeightOnHand, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, branchID string) ([]domain.InventoryMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, branch_id, quantity_delta, weight_delta, movement_type,
			reference_number, performed_by, performed_at, note
		FROM inventory_movements
		WHERE branch_id = $1 AND product_id = $2
		ORDER BY seq ASC
	`, branchID, productID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.InventoryMovement, 0, 32)
	for rows.Next() {
		var m domain.InventoryMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.BranchID, &m.QuantityDelta, &m.WeightDelta, &m.MovementType,
			&m.ReferenceNumber, &m.PerformedBy, &m.PerformedAt, &m.Note); err != nil {
			return nil, err
		}
		m.PerformedAt = m.PerformedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return findTransaction(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return findTransaction(ctx, s.db, "id", id, false)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, user_id, action, entity_type, entity_id, description, old_value, new_value, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.BranchID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, entry.Description,
		nullIfEmpty(entry.OldValue), nullIfEmpty(entry.NewValue), entry.CreatedAt)
	return classify(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, user_id, action, entity_type, entity_id, description,
			COALESCE(old_value,''), COALESCE(new_value,''), created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_type = $1) AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.UserID, &entry.Action, &entry.EntityType, &entry.EntityID,
			&entry.Description, &entry.OldValue, &entry.NewValue, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, role, password_hash, approval_pin_hash, active, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.BranchID, &u.Role, &u.PasswordHash, &u.ApprovalPINHash, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	return &u, nil
}

// CreateUser provisions a login. Used by the server bootstrap when the users
// table is still empty.
func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.ID == "" || user.PasswordHash == "" || user.Role == "" {
		return domain.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, branch_id, role, password_hash, approval_pin_hash, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.ID, user.BranchID, user.Role, user.PasswordHash, user.ApprovalPINHash, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return classify(err)
	}
	return nil
}

// txn implements store.Tx on top of one serializable *sql.Tx.
type txn struct {
	tx *sql.Tx
}

func (t *txn) LockInventory(ctx context.Context, branchID string, productIDs []string) (map[string]domain.InventoryRecord, error) {
	result := make(map[string]domain.InventoryRecord, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)

	// Ordered locking keeps concurrent multi-line sales from deadlocking
	// each other on the same records.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT product_id, branch_id, quantity_on_hand, weight_on_hand, updated_at
		FROM inventory_records
		WHERE branch_id = $1 AND product_id = ANY($2)
		ORDER BY product_id
		FOR UPDATE
	`, branchID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.InventoryRecord
		if err := rows.Scan(&rec.ProductID, &rec.BranchID, &rec.QuantityOnHand, &rec.WeightOnHand, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		result[rec.ProductID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *txn) PutInventory(ctx context.Context, rec domain.InventoryRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_records (branch_id, product_id, quantity_on_hand, weight_on_hand, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (branch_id, product_id)
		DO UPDATE SET quantity_on_hand = EXCLUDED.quantity_on_hand,
			weight_on_hand = EXCLUDED.weight_on_hand,
			updated_at = EXCLUDED.updated_at
	`, rec.BranchID, rec.ProductID, rec.QuantityOnHand, rec.WeightOnHand, rec.UpdatedAt)
	if isCheckViolation(err) {
		return fmt.Errorf("inventory %s/%s would go negative: %w", rec.BranchID, rec.ProductID, domain.ErrInsufficientStock)
	}
	return err
}

func (t *txn) AppendMovement(ctx context.Context, m domain.InventoryMovement) error {
	if m.ID == "" {
		m.ID = xid.New("mv")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_movements (
			id, branch_id, product_id, quantity_delta, weight_delta, movement_type,
			reference_number, performed_by, performed_at, note
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, m.ID, m.BranchID, m.ProductID, m.QuantityDelta, m.WeightDelta, m.MovementType,
		m.ReferenceNumber, m.PerformedBy, m.PerformedAt, m.Note)
	return err
}

func (t *txn) NextSequence(ctx context.Context, branchID string, txType domain.TransactionType) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transaction_sequences (branch_id, tx_type, last_value)
		VALUES ($1,$2,1)
		ON CONFLICT (branch_id, tx_type)
		DO UPDATE SET last_value = transaction_sequences.last_value + 1
		RETURNING last_value
	`, branchID, txType).Scan(&next)
	return next, err
}

func (t *txn) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, number, branch_id, tx_type, status, customer_id, payment_method, idempotency_key,
			labour_charge, amount_due, amount_paid, change_given, created_by, created_at, completed_at,
			approved_by, reversal_of_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		tx.ID, tx.Number, tx.BranchID, tx.Type, tx.Status, nullIfEmpty(tx.CustomerID), nullIfEmpty(tx.PaymentMethod),
		nullIfEmpty(tx.IdempotencyKey), tx.LabourCharge, tx.AmountDue, tx.AmountPaid, tx.ChangeGiven,
		tx.CreatedBy, tx.CreatedAt, nullTime(tx.CompletedAt), nullIfEmpty(tx.ApprovedBy), nullIfEmpty(tx.ReversalOfID),
	)
	if err != nil {
		return err
	}

	for _, item := range tx.Items {
		breakdown, err := json.Marshal(item.Breakdown)
		if err != nil {
			return fmt.Errorf("encode breakdown: %w", err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, line_no, product_id, product_code, quantity, weight, breakdown)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, tx.ID, item.LineNo, item.ProductID, item.ProductCode, item.Quantity, item.Weight, breakdown)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return findTransaction(ctx, t.tx, "id", id, true)
}

func (t *txn) UpdateTransactionState(ctx context.Context, tx domain.Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, payment_method = $3, amount_paid = $4, change_given = $5, completed_at = $6,
			voided_by = $7, void_reason = $8, voided_at = $9,
			cancelled_by = $10, cancel_reason = $11, cancelled_at = $12,
			approved_by = $13, reversed_by_id = $14
		WHERE id = $1
	`,
		tx.ID, tx.Status, nullIfEmpty(tx.PaymentMethod), tx.AmountPaid, tx.ChangeGiven, nullTime(tx.CompletedAt),
		nullIfEmpty(tx.VoidedBy), nullIfEmpty(tx.VoidReason), nullTime(tx.VoidedAt),
		nullIfEmpty(tx.CancelledBy), nullIfEmpty(tx.CancelReason), nullTime(tx.CancelledAt),
		nullIfEmpty(tx.ApprovedBy), nullIfEmpty(tx.ReversedByID),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) LockCurrentRates(ctx context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+rateColumns+`
		FROM rates
		WHERE rate_kind = $1 AND scope_key = $2 AND is_current
		FOR UPDATE
	`, kind, scopeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRates(rows)
}

func (t *txn) CloseRate(ctx context.Context, id string, effectiveTo time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE rates
		SET effective_to = $2, is_current = false
		WHERE id = $1
	`, id, effectiveTo)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) InsertRate(ctx context.Context, r domain.VersionedRate) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rates (
			id, rate_kind, scope_key, label, value, value_kind, display_order, mandatory,
			effective_from, effective_to, is_current, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, r.ID, r.Kind, r.ScopeKey, r.Label, r.Value, r.ValueKind, r.DisplayOrder, r.Mandatory,
		r.EffectiveFrom, nullTime(r.EffectiveTo), r.IsCurrent, r.CreatedBy, r.CreatedAt)
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findTransaction(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var tx domain.Transaction
	var customerID, paymentMethod, idempotencyKey sql.NullString
	var voidedBy, voidReason, cancelledBy, cancelReason, approvedBy sql.NullString
	var reversalOfID, reversedByID sql.NullString
	var completedAt, voidedAt, cancelledAt sql.NullTime

	lock := ""
	if forUpdate {
		lock = "FOR UPDATE"
	}
	query := fmt.Sprintf(`
		SELECT id, number, branch_id, tx_type, status, customer_id, payment_method, idempotency_key,
			labour_charge, amount_due, amount_paid, change_given, created_by, created_at, completed_at,
			voided_by, void_reason, voided_at, cancelled_by, cancel_reason, cancelled_at,
			approved_by, reversal_of_id, reversed_by_id
		FROM transactions
		WHERE %s = $1
		%s
	`, column, lock)

	err := q.QueryRowContext(ctx, query, value).Scan(
		&tx.ID, &tx.Number, &tx.BranchID, &tx.Type, &tx.Status, &customerID, &paymentMethod, &idempotencyKey,
		&tx.LabourCharge, &tx.AmountDue, &tx.AmountPaid, &tx.ChangeGiven, &tx.CreatedBy, &tx.CreatedAt, &completedAt,
		&voidedBy, &voidReason, &voidedAt, &cancelledBy, &cancelReason, &cancelledAt,
		&approvedBy, &reversalOfID, &reversedByID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	tx.CustomerID = customerID.String
	tx.PaymentMethod = paymentMethod.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.VoidedBy = voidedBy.String
	tx.VoidReason = voidReason.String
	tx.CancelledBy = cancelledBy.String
	tx.CancelReason = cancelReason.String
	tx.ApprovedBy = approvedBy.String
	tx.ReversalOfID = reversalOfID.String
	tx.ReversedByID = reversedByID.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.CompletedAt = timePtr(completedAt)
	tx.VoidedAt = timePtr(voidedAt)
	tx.CancelledAt = timePtr(cancelledAt)

	rows, err := q.QueryContext(ctx, `
		SELECT line_no, product_id, product_code, quantity, weight, breakdown
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY line_no ASC
	`, tx.ID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	items := make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var item domain.TransactionLine
		var breakdown []byte
		if err := rows.Scan(&item.LineNo, &item.ProductID, &item.ProductCode, &item.Quantity, &item.Weight, &breakdown); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(breakdown, &item.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	tx.Items = items

	return &tx, nil
}

func scanRates(rows *sql.Rows) ([]domain.VersionedRate, error) {
	out := make([]domain.VersionedRate, 0, 8)
	for rows.Next() {
		var r domain.VersionedRate
		var effectiveTo sql.NullTime
		if err := rows.Scan(&r.ID, &r.Kind, &r.ScopeKey, &r.Label, &r.Value, &r.ValueKind, &r.DisplayOrder, &r.Mandatory,
			&r.EffectiveFrom, &effectiveTo, &r.IsCurrent, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.EffectiveFrom = r.EffectiveFrom.UTC()
		r.EffectiveTo = timePtr(effectiveTo)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// classify maps driver errors onto the store and domain sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransientPersistence) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrTransientPersistence, pgErr.Message)
		case "23505":
			if pgErr.ConstraintName == "transactions_reversal_of_id_key" {
				return domain.ErrAlreadyReversed
			}
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", domain.ErrInsufficientStock, pgErr.ConstraintName)
		}
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" {
			return fmt.Errorf("%w: %s", domain.ErrTransientPersistence, pgErr.Message)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransientPersistence, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	at := val.Time.UTC()
	return &at
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
