package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/xid"
)

const DefaultBranchID = "main-branch"

type state struct {
	products     map[string]domain.Product
	customers    map[string]domain.Customer
	rates        []domain.VersionedRate
	inventory    map[string]domain.InventoryRecord
	movements    []domain.InventoryMovement
	sequences    map[string]int64
	transactions map[string]*domain.Transaction
	byIdem       map[string]string
	byNumber     map[string]string
	reversalOf   map[string]string
	auditLogs    []domain.AuditLog
	users        map[string]domain.UserAccount
}

// Store keeps everything in process memory. WithinTx holds the write lock
// for the whole closure and restores a snapshot when the closure fails, so
// callers observe the same all-or-nothing behaviour as the postgres store.
type Store struct {
	mu sync.RWMutex
	st *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: &state{
		products:     make(map[string]domain.Product),
		customers:    make(map[string]domain.Customer),
		rates:        make([]domain.VersionedRate, 0, 32),
		inventory:    make(map[string]domain.InventoryRecord),
		movements:    make([]domain.InventoryMovement, 0, 128),
		sequences:    make(map[string]int64),
		transactions: make(map[string]*domain.Transaction),
		byIdem:       make(map[string]string),
		byNumber:     make(map[string]string),
		reversalOf:   make(map[string]string),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		users:        make(map[string]domain.UserAccount),
	}}
}

// NewSeeded returns a store with a small jewelry catalog, current rates and
// opening stock for DefaultBranchID, for dev/demo mode.
func NewSeeded(logger logrus.FieldLogger) *Store {
	s := New()
	now := time.Now().UTC()
	opening := now.Add(-24 * time.Hour)

	products := []domain.Product{
		{ID: "prd-ring-22k", Code: "RG22-001", Name: "Plain Band Ring", Weight: decimal.RequireFromString("5"), KaratType: "22K", CategoryType: "ring", SubCategory: "band", MakingChargesApplicable: true, Active: true},
		{ID: "prd-chain-22k", Code: "CH22-010", Name: "Rope Chain 20in", Weight: decimal.RequireFromString("12.5"), KaratType: "22K", CategoryType: "chain", SubCategory: "rope", MakingChargesApplicable: true, Active: true},
		{ID: "prd-bangle-18k", Code: "BG18-004", Name: "Filigree Bangle", Weight: decimal.RequireFromString("18.2"), KaratType: "18K", CategoryType: "bangle", MakingChargesApplicable: true, Active: true},
		{ID: "prd-coin-24k", Code: "CN24-008", Name: "Gold Coin 8g", Weight: decimal.RequireFromString("8"), KaratType: "24K", CategoryType: "coin", MakingChargesApplicable: false, Active: true},
	}
	for _, p := range products {
		s.PutProduct(p)
		s.seedStock(DefaultBranchID, p, 20, opening)
	}

	s.PutCustomer(domain.Customer{ID: "cus-walkin", Name: "Walk-in"})
	s.PutCustomer(domain.Customer{ID: "cus-gold-member", Name: "Gold Member", DiscountPercent: decimal.NewFromInt(5), MakingChargeWaiver: true})

	seedRates := []domain.VersionedRate{
		{Kind: domain.RateKindGold, ScopeKey: "24K", Value: decimal.NewFromInt(3300), ValueKind: domain.ValueFixedPerUnit},
		{Kind: domain.RateKindGold, ScopeKey: "22K", Value: decimal.NewFromInt(3000), ValueKind: domain.ValueFixedPerUnit},
		{Kind: domain.RateKindGold, ScopeKey: "18K", Value: decimal.NewFromInt(2475), ValueKind: domain.ValueFixedPerUnit},
		{Kind: domain.RateKindMakingCharge, ScopeKey: "ring", Value: decimal.NewFromInt(10), ValueKind: domain.ValuePercentage},
		{Kind: domain.RateKindMakingCharge, ScopeKey: "chain", Value: decimal.NewFromInt(12), ValueKind: domain.ValuePercentage},
		{Kind: domain.RateKindMakingCharge, ScopeKey: "chain/rope", Value: decimal.NewFromInt(14), ValueKind: domain.ValuePercentage},
		{Kind: domain.RateKindMakingCharge, ScopeKey: "bangle", Value: decimal.NewFromInt(1500), ValueKind: domain.ValueFixedPerUnit},
		{Kind: domain.RateKindTax, ScopeKey: "GST", Label: "Goods and services tax", Value: decimal.NewFromInt(3), ValueKind: domain.ValuePercentage, DisplayOrder: 1, Mandatory: true},
	}
	for _, r := range seedRates {
		r.ID = xid.New("rate")
		r.EffectiveFrom = opening
		r.IsCurrent = true
		r.CreatedBy = "system"
		r.CreatedAt = opening
		s.PutRate(r)
	}

	for id, user := range seedUsers(logger) {
		s.st.users[id] = user
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD; the manager approval PIN from SEED_MANAGER_PIN.
func seedUsers(logger logrus.FieldLogger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	managerPIN := envOr("SEED_MANAGER_PIN", "739154")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		id       string
		password string
		pin      string
		role     string
	}{
		{"admin", adminPwd, "", domain.RoleAdmin},
		{"manager", managerPwd, managerPIN, domain.RoleManager},
		{"cashier", cashierPwd, "", domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.WithFields(logrus.Fields{"module": "memory-store", "user_id": u.id}).WithError(err).Fatal("failed to hash seed password")
		}
		account := domain.UserAccount{
			ID:           u.id,
			BranchID:     DefaultBranchID,
			Role:         u.role,
			PasswordHash: string(hash),
			Active:       true,
			CreatedAt:    now,
		}
		if u.pin != "" {
			pinHash, err := bcrypt.GenerateFromPassword([]byte(u.pin), bcrypt.DefaultCost)
			if err != nil {
				logger.WithFields(logrus.Fields{"module": "memory-store", "user_id": u.id}).WithError(err).Fatal("failed to hash seed pin")
			}
			account.ApprovalPINHash = string(pinHash)
		}
		users[u.id] = account
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) seedStock(branchID string, p domain.Product, qty int, at time.Time) {
	weight := p.Weight.Mul(decimal.NewFromInt(int64(qty)))
	s.st.inventory[inventoryKey(p.ID, branchID)] = domain.InventoryRecord{
		ProductID:      p.ID,
		BranchID:       branchID,
		QuantityOnHand: qty,
		WeightOnHand:   weight,
		UpdatedAt:      at,
	}
	s.st.movements = append(s.st.movements, domain.InventoryMovement{
		ID:              xid.New("mv"),
		ProductID:       p.ID,
		BranchID:        branchID,
		QuantityDelta:   qty,
		WeightDelta:     weight,
		MovementType:    domain.MovementAdjustment,
		ReferenceNumber: "OPENING",
		PerformedBy:     "system",
		PerformedAt:     at,
		Note:            "opening stock",
	})
}

// PutProduct registers reference data. Products are immutable for pricing
// purposes once sold, so callers only use this for seeding.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.customers[c.ID] = c
}

func (s *Store) PutUser(u domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = u
}

// PutRate appends a rate row as-is, bypassing the close-then-insert routine.
func (s *Store) PutRate(r domain.VersionedRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.rates = append(s.st.rates, cloneRate(r))
}

// SeedStock opens stock for a product at a branch and records the matching
// ledger row, keeping the ledger reconstructable.
func (s *Store) SeedStock(branchID string, productID string, qty int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[productID]
	if !ok {
		return fmt.Errorf("seed stock: %w", store.ErrNotFound)
	}
	if _, exists := s.st.inventory[inventoryKey(productID, branchID)]; exists {
		return fmt.Errorf("seed stock: %w", store.ErrDuplicate)
	}
	s.seedStock(branchID, p, qty, at)
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memTx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListRates(_ context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.VersionedRate, 0, 4)
	for _, r := range s.st.rates {
		if r.Kind == kind && r.ScopeKey == scopeKey {
			out = append(out, cloneRate(r))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) ListRatesByKind(_ context.Context, kind domain.RateKind) ([]domain.VersionedRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.VersionedRate, 0, 8)
	for _, r := range s.st.rates {
		if r.Kind == kind {
			out = append(out, cloneRate(r))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) GetInventory(_ context.Context, productID string, branchID string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.st.inventory[inventoryKey(productID, branchID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) ListInventory(_ context.Context, branchID string) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryRecord, 0, len(s.st.inventory))
	for _, rec := range s.st.inventory {
		if rec.BranchID == branchID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) ListMovements(_ context.Context, productID string, branchID string) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryMovement, 0, 16)
	for _, m := range s.st.movements {
		if m.ProductID == productID && m.BranchID == branchID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.st.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(t), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.st.byIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.st.transactions[id]), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.st.auditLogs = append(s.st.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 || limit > 500 {
		limit = 100
	}
	out := make([]domain.AuditLog, 0, 8)
	for i := len(s.st.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.st.auditLogs[i]
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.st.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

type memTx struct {
	st *state
}

func (t *memTx) LockInventory(_ context.Context, branchID string, productIDs []string) (map[string]domain.InventoryRecord, error) {
	out := make(map[string]domain.InventoryRecord, len(productIDs))
	for _, id := range productIDs {
		if rec, ok := t.st.inventory[inventoryKey(id, branchID)]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (t *memTx) PutInventory(_ context.Context, rec domain.InventoryRecord) error {
	if rec.QuantityOnHand < 0 || rec.WeightOnHand.IsNegative() {
		return fmt.Errorf("inventory %s/%s would go negative: %w", rec.BranchID, rec.ProductID, domain.ErrInsufficientStock)
	}
	t.st.inventory[inventoryKey(rec.ProductID, rec.BranchID)] = rec
	return nil
}

func (t *memTx) AppendMovement(_ context.Context, m domain.InventoryMovement) error {
	if m.ID == "" {
		m.ID = xid.New("mv")
	}
	t.st.movements = append(t.st.movements, m)
	return nil
}

func (t *memTx) NextSequence(_ context.Context, branchID string, txType domain.TransactionType) (int64, error) {
	key := branchID + "|" + string(txType)
	t.st.sequences[key]++
	return t.st.sequences[key], nil
}

func (t *memTx) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	if _, exists := t.st.transactions[tx.ID]; exists {
		return store.ErrDuplicate
	}
	if tx.IdempotencyKey != "" {
		if _, exists := t.st.byIdem[tx.IdempotencyKey]; exists {
			return store.ErrDuplicate
		}
	}
	// numbers are unique per branch, matching transactions_branch_number_key
	numberKey := tx.BranchID + "|" + tx.Number
	if _, exists := t.st.byNumber[numberKey]; exists {
		return store.ErrDuplicate
	}
	if tx.ReversalOfID != "" {
		if _, exists := t.st.reversalOf[tx.ReversalOfID]; exists {
			return domain.ErrAlreadyReversed
		}
		t.st.reversalOf[tx.ReversalOfID] = tx.ID
	}
	t.st.transactions[tx.ID] = cloneTransaction(&tx)
	t.st.byNumber[numberKey] = tx.ID
	if tx.IdempotencyKey != "" {
		t.st.byIdem[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

func (t *memTx) LockTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	tx, ok := t.st.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (t *memTx) UpdateTransactionState(_ context.Context, tx domain.Transaction) error {
	existing, ok := t.st.transactions[tx.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = tx.Status
	existing.PaymentMethod = tx.PaymentMethod
	existing.AmountPaid = tx.AmountPaid
	existing.ChangeGiven = tx.ChangeGiven
	existing.CompletedAt = cloneTime(tx.CompletedAt)
	existing.VoidedBy = tx.VoidedBy
	existing.VoidReason = tx.VoidReason
	existing.VoidedAt = cloneTime(tx.VoidedAt)
	existing.CancelledBy = tx.CancelledBy
	existing.CancelReason = tx.CancelReason
	existing.CancelledAt = cloneTime(tx.CancelledAt)
	existing.ApprovedBy = tx.ApprovedBy
	existing.ReversedByID = tx.ReversedByID
	return nil
}

func (t *memTx) LockCurrentRates(_ context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error) {
	out := make([]domain.VersionedRate, 0, 1)
	for _, r := range t.st.rates {
		if r.Kind == kind && r.ScopeKey == scopeKey && r.IsCurrent {
			out = append(out, cloneRate(r))
		}
	}
	return out, nil
}

func (t *memTx) CloseRate(_ context.Context, id string, effectiveTo time.Time) error {
	for i := range t.st.rates {
		if t.st.rates[i].ID != id {
			continue
		}
		to := effectiveTo
		t.st.rates[i].EffectiveTo = &to
		t.st.rates[i].IsCurrent = false
		return nil
	}
	return store.ErrNotFound
}

func (t *memTx) InsertRate(_ context.Context, r domain.VersionedRate) error {
	for _, existing := range t.st.rates {
		if existing.ID == r.ID {
			return store.ErrDuplicate
		}
		if r.IsCurrent && existing.IsCurrent && existing.Kind == r.Kind && existing.ScopeKey == r.ScopeKey {
			return fmt.Errorf("second current rate for %s/%s: %w", r.Kind, r.ScopeKey, store.ErrDuplicate)
		}
	}
	t.st.rates = append(t.st.rates, cloneRate(r))
	return nil
}

func (st *state) clone() *state {
	dup := &state{
		products:     make(map[string]domain.Product, len(st.products)),
		customers:    make(map[string]domain.Customer, len(st.customers)),
		rates:        make([]domain.VersionedRate, len(st.rates)),
		inventory:    make(map[string]domain.InventoryRecord, len(st.inventory)),
		movements:    make([]domain.InventoryMovement, len(st.movements)),
		sequences:    make(map[string]int64, len(st.sequences)),
		transactions: make(map[string]*domain.Transaction, len(st.transactions)),
		byIdem:       make(map[string]string, len(st.byIdem)),
		byNumber:     make(map[string]string, len(st.byNumber)),
		reversalOf:   make(map[string]string, len(st.reversalOf)),
		auditLogs:    make([]domain.AuditLog, len(st.auditLogs)),
		users:        make(map[string]domain.UserAccount, len(st.users)),
	}
	for k, v := range st.products {
		dup.products[k] = v
	}
	for k, v := range st.customers {
		dup.customers[k] = v
	}
	for i, r := range st.rates {
		dup.rates[i] = cloneRate(r)
	}
	for k, v := range st.inventory {
		dup.inventory[k] = v
	}
	copy(dup.movements, st.movements)
	for k, v := range st.sequences {
		dup.sequences[k] = v
	}
	for k, v := range st.transactions {
		dup.transactions[k] = cloneTransaction(v)
	}
	for k, v := range st.byIdem {
		dup.byIdem[k] = v
	}
	for k, v := range st.byNumber {
		dup.byNumber[k] = v
	}
	for k, v := range st.reversalOf {
		dup.reversalOf[k] = v
	}
	copy(dup.auditLogs, st.auditLogs)
	for k, v := range st.users {
		dup.users[k] = v
	}
	return dup
}

func inventoryKey(productID string, branchID string) string {
	return branchID + "|" + productID
}

func sortNewestFirst(rates []domain.VersionedRate) {
	sort.SliceStable(rates, func(i, j int) bool {
		return rates[i].EffectiveFrom.After(rates[j].EffectiveFrom)
	})
}

func cloneRate(src domain.VersionedRate) domain.VersionedRate {
	dup := src
	dup.EffectiveTo = cloneTime(src.EffectiveTo)
	return dup
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = make([]domain.TransactionLine, len(src.Items))
	for i, item := range src.Items {
		item.Breakdown.TaxLines = append([]domain.TaxLine(nil), item.Breakdown.TaxLines...)
		item.Breakdown.RatesUsed.TaxRules = append([]domain.RateRef(nil), item.Breakdown.RatesUsed.TaxRules...)
		dup.Items[i] = item
	}
	dup.CompletedAt = cloneTime(src.CompletedAt)
	dup.VoidedAt = cloneTime(src.VoidedAt)
	dup.CancelledAt = cloneTime(src.CancelledAt)
	return &dup
}
