package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/audit"
	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/inventory"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/xid"
)

type Pricer interface {
	Calculate(ctx context.Context, product domain.Product, quantity int, asOf time.Time, customer *domain.Customer) (domain.PriceBreakdown, error)
}

// Stock is the part of the inventory coordinator the machine drives inside
// its own atomic scope.
type Stock interface {
	Reserve(ctx context.Context, tx store.Tx, branchID string, items []inventory.Item, mv inventory.Movement) error
	Release(ctx context.Context, tx store.Tx, branchID string, items []inventory.Item, mv inventory.Movement) error
}

// Machine owns the transaction lifecycle:
//
//	Pending   -> Completed | Cancelled | Voided
//	Completed -> Voided (inside the void window) | Reversed (new linked transaction)
//
// Every transition commits the status change, the stock movement and the
// number assignment in one store transaction. Audit entries are written
// after the commit and never fail the transition.
type Machine struct {
	store    store.Store
	pricer   Pricer
	stock    Stock
	policy   VoidPolicy
	recorder *audit.Recorder
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewMachine(s store.Store, pricer Pricer, stock Stock, recorder *audit.Recorder, policy VoidPolicy, logger logrus.FieldLogger) *Machine {
	return &Machine{
		store:    s,
		pricer:   pricer,
		stock:    stock,
		policy:   policy,
		recorder: recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Machine) Policy() VoidPolicy {
	return m.policy
}

// CreateSale prices every line at the current instant, reserves all stock
// in one batch and commits. With Hold set the sale is kept Pending without
// payment.
func (m *Machine) CreateSale(ctx context.Context, req domain.SaleRequest, userID string) (*domain.Transaction, error) {
	if err := requireActor(req.BranchID, userID); err != nil {
		return nil, err
	}
	now := m.now()

	lines, err := m.priceLines(ctx, req.Items, req.CustomerID, now)
	if err != nil {
		return nil, err
	}
	due := sumLines(lines)

	t := &domain.Transaction{
		ID:             xid.New("tx"),
		BranchID:       req.BranchID,
		Type:           domain.TxTypeSale,
		Status:         domain.TxStatusPending,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Items:          lines,
		LabourCharge:   decimal.Zero,
		AmountDue:      due,
		AmountPaid:     decimal.Zero,
		ChangeGiven:    decimal.Zero,
		CreatedBy:      userID,
		CreatedAt:      now,
	}
	if !req.Hold {
		if err := m.applyPayment(t, req.Payment, now); err != nil {
			return nil, err
		}
	}

	if err := m.commitNew(ctx, t, domain.MovementSale); err != nil {
		return nil, err
	}

	action := "sale_commit"
	if t.Status == domain.TxStatusPending {
		action = "sale_hold"
	}
	m.audit(ctx, t, userID, action, fmt.Sprintf("%s %s amount_due=%s", action, t.Number, t.AmountDue.StringFixed(2)), nil, t)
	return t, nil
}

// CreateReturn takes stock back and records a refund. Lines are priced at
// the return instant; the amount due is negative.
func (m *Machine) CreateReturn(ctx context.Context, req domain.ReturnRequest, userID string) (*domain.Transaction, error) {
	if err := requireActor(req.BranchID, userID); err != nil {
		return nil, err
	}
	now := m.now()

	lines, err := m.priceLines(ctx, req.Items, req.CustomerID, now)
	if err != nil {
		return nil, err
	}

	t := &domain.Transaction{
		ID:             xid.New("tx"),
		BranchID:       req.BranchID,
		Type:           domain.TxTypeReturn,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Items:          lines,
		LabourCharge:   decimal.Zero,
		AmountDue:      sumLines(lines).Neg(),
		CreatedBy:      userID,
		CreatedAt:      now,
	}
	if err := m.applyPayment(t, req.Payment, now); err != nil {
		return nil, err
	}

	if err := m.commitNew(ctx, t, domain.MovementReturn); err != nil {
		return nil, err
	}
	m.audit(ctx, t, userID, "return_commit", fmt.Sprintf("return %s refund=%s reason=%s", t.Number, t.AmountDue.Abs().StringFixed(2), req.Reason), nil, t)
	return t, nil
}

// CreateRepair consumes the listed materials from stock and charges them
// together with an untaxed labour charge.
func (m *Machine) CreateRepair(ctx context.Context, req domain.RepairRequest, userID string) (*domain.Transaction, error) {
	if err := requireActor(req.BranchID, userID); err != nil {
		return nil, err
	}
	if req.LabourCharge.IsNegative() {
		return nil, fmt.Errorf("%w: labour charge must not be negative", domain.ErrInvalidRequest)
	}
	if len(req.Materials) == 0 && req.LabourCharge.IsZero() {
		return nil, fmt.Errorf("%w: repair has neither materials nor labour", domain.ErrInvalidRequest)
	}
	now := m.now()

	lines := []domain.TransactionLine{}
	if len(req.Materials) > 0 {
		var err error
		lines, err = m.priceLines(ctx, req.Materials, req.CustomerID, now)
		if err != nil {
			return nil, err
		}
	}
	labour := req.LabourCharge.Round(2)

	t := &domain.Transaction{
		ID:             xid.New("tx"),
		BranchID:       req.BranchID,
		Type:           domain.TxTypeRepair,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Items:          lines,
		LabourCharge:   labour,
		AmountDue:      sumLines(lines).Add(labour),
		CreatedBy:      userID,
		CreatedAt:      now,
	}
	if err := m.applyPayment(t, req.Payment, now); err != nil {
		return nil, err
	}

	if err := m.commitNew(ctx, t, domain.MovementRepairConsume); err != nil {
		return nil, err
	}
	m.audit(ctx, t, userID, "repair_commit", fmt.Sprintf("repair %s labour=%s amount_due=%s", t.Number, labour.StringFixed(2), t.AmountDue.StringFixed(2)), nil, t)
	return t, nil
}

// Complete settles a Pending transaction.
func (m *Machine) Complete(ctx context.Context, id string, payment domain.Payment, userID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	now := m.now()

	var before, after domain.Transaction
	err := m.store.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		before = *t
		if t.Status != domain.TxStatusPending {
			return fmt.Errorf("%w: cannot complete a %s transaction", domain.ErrInvalidStateTransition, t.EffectiveStatus())
		}
		if err := m.applyPayment(t, payment, now); err != nil {
			return err
		}
		if err := tx.UpdateTransactionState(ctx, *t); err != nil {
			return err
		}
		after = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.audit(ctx, &after, userID, "transaction_complete", fmt.Sprintf("complete %s paid=%s", after.Number, after.AmountPaid.StringFixed(2)), statusOf(before), statusOf(after))
	return &after, nil
}

// Void marks a transaction Voided and gives back its stock effect. A
// Completed transaction can only be voided inside the policy window;
// outside it the error is ErrVoidWindowClosed and the caller must reverse.
func (m *Machine) Void(ctx context.Context, id string, reason string, userID string, approverID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: void reason is required", domain.ErrInvalidRequest)
	}
	now := m.now()

	var before, after domain.Transaction
	err := m.store.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		before = *t

		switch {
		case t.EffectiveStatus().Terminal():
			return fmt.Errorf("%w: transaction is already %s", domain.ErrInvalidStateTransition, t.EffectiveStatus())
		case t.IsReversal():
			return fmt.Errorf("%w: a reversal cannot be voided", domain.ErrInvalidStateTransition)
		case t.Status == domain.TxStatusCompleted:
			if t.CompletedAt == nil || !m.policy.AllowsVoid(*t.CompletedAt, now) {
				return domain.ErrVoidWindowClosed
			}
			if m.policy.RequireApproval {
				if err := requireApprover(userID, approverID); err != nil {
					return err
				}
				t.ApprovedBy = approverID
			}
		}

		if err := m.undoStock(ctx, tx, t, domain.MovementVoid, t.Number, userID, now); err != nil {
			return err
		}

		t.Status = domain.TxStatusVoided
		t.VoidedBy = userID
		t.VoidReason = reason
		t.VoidedAt = &now
		if err := tx.UpdateTransactionState(ctx, *t); err != nil {
			return err
		}
		after = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.audit(ctx, &after, userID, "transaction_void", fmt.Sprintf("void %s reason=%s", after.Number, reason), statusOf(before), statusOf(after))
	return &after, nil
}

// Reverse creates a new transaction negating every line and amount of a
// Completed original and links the two. The original keeps status
// Completed with ReversedByID set.
func (m *Machine) Reverse(ctx context.Context, id string, reason string, userID string, approverID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	if err := requireApprover(userID, approverID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: reversal reason is required", domain.ErrInvalidRequest)
	}
	now := m.now()

	var before, original, reversal domain.Transaction
	err := m.store.WithinTx(ctx, func(tx store.Tx) error {
		orig, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		before = *orig
		switch {
		case orig.IsReversal():
			return fmt.Errorf("%w: a reversal cannot be reversed", domain.ErrInvalidStateTransition)
		case orig.ReversedByID != "":
			return domain.ErrAlreadyReversed
		case orig.Status != domain.TxStatusCompleted:
			return fmt.Errorf("%w: cannot reverse a %s transaction", domain.ErrInvalidStateTransition, orig.Status)
		}

		rev := negate(*orig)
		rev.ID = xid.New("tx")
		rev.CreatedBy = userID
		rev.CreatedAt = now
		rev.CompletedAt = &now
		rev.ApprovedBy = approverID
		rev.ReversalOfID = orig.ID

		seq, err := tx.NextSequence(ctx, rev.BranchID, rev.Type)
		if err != nil {
			return fmt.Errorf("next number: %w", err)
		}
		rev.Number = FormatNumber(rev.Type, rev.BranchID, now.In(m.policy.location()), seq)

		if err := m.undoStock(ctx, tx, orig, domain.MovementReversal, rev.Number, userID, now); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, rev); err != nil {
			return err
		}

		orig.ReversedByID = rev.ID
		if err := tx.UpdateTransactionState(ctx, *orig); err != nil {
			return err
		}
		original = *orig
		reversal = rev
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.audit(ctx, &reversal, userID, "transaction_reverse",
		fmt.Sprintf("reversal %s of %s approved_by=%s reason=%s", reversal.Number, original.Number, approverID, reason), nil, &reversal)
	m.audit(ctx, &original, userID, "transaction_reversed",
		fmt.Sprintf("%s reversed by %s", original.Number, reversal.Number), statusOf(before), statusOf(original))
	return &reversal, nil
}

// Cancel abandons a Pending transaction and gives back its reservation.
func (m *Machine) Cancel(ctx context.Context, id string, reason string, userID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	now := m.now()

	var before, after domain.Transaction
	err := m.store.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		before = *t
		if t.Status != domain.TxStatusPending {
			return fmt.Errorf("%w: only pending transactions can be cancelled, this one is %s",
				domain.ErrInvalidStateTransition, t.EffectiveStatus())
		}
		if err := m.undoStock(ctx, tx, t, domain.MovementCancel, t.Number, userID, now); err != nil {
			return err
		}
		t.Status = domain.TxStatusCancelled
		t.CancelledBy = userID
		t.CancelReason = reason
		t.CancelledAt = &now
		if err := tx.UpdateTransactionState(ctx, *t); err != nil {
			return err
		}
		after = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.audit(ctx, &after, userID, "transaction_cancel", fmt.Sprintf("cancel %s reason=%s", after.Number, reason), statusOf(before), statusOf(after))
	return &after, nil
}

// commitNew assigns the number, applies the stock effect and inserts t in
// one atomic scope. The number is drawn inside the scope so concurrent
// commits in one branch never collide.
func (m *Machine) commitNew(ctx context.Context, t *domain.Transaction, mvType domain.MovementType) error {
	return m.store.WithinTx(ctx, func(tx store.Tx) error {
		seq, err := tx.NextSequence(ctx, t.BranchID, t.Type)
		if err != nil {
			return fmt.Errorf("next number: %w", err)
		}
		t.Number = FormatNumber(t.Type, t.BranchID, t.CreatedAt.In(m.policy.location()), seq)

		if items := stockItems(t.Items); len(items) > 0 {
			mv := inventory.Movement{Type: mvType, Reference: t.Number, PerformedBy: t.CreatedBy, At: t.CreatedAt}
			if t.Type.ConsumesStock() {
				err = m.stock.Reserve(ctx, tx, t.BranchID, items, mv)
			} else {
				err = m.stock.Release(ctx, tx, t.BranchID, items, mv)
			}
			if err != nil {
				return err
			}
		}
		return tx.InsertTransaction(ctx, *t)
	})
}

// undoStock applies the opposite stock effect of t.
func (m *Machine) undoStock(ctx context.Context, tx store.Tx, t *domain.Transaction, mvType domain.MovementType, reference string, userID string, at time.Time) error {
	items := stockItems(t.Items)
	if len(items) == 0 {
		return nil
	}
	mv := inventory.Movement{Type: mvType, Reference: reference, PerformedBy: userID, At: at}
	if t.Type.ConsumesStock() {
		return m.stock.Release(ctx, tx, t.BranchID, items, mv)
	}
	return m.stock.Reserve(ctx, tx, t.BranchID, items, mv)
}

func (m *Machine) priceLines(ctx context.Context, reqLines []domain.LineRequest, customerID string, asOf time.Time) ([]domain.TransactionLine, error) {
	if len(reqLines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", domain.ErrInvalidRequest)
	}

	ids := make([]string, 0, len(reqLines))
	for _, line := range reqLines {
		if line.ProductID == "" || line.Quantity < 1 {
			return nil, fmt.Errorf("%w: every line needs a product and a positive quantity", domain.ErrInvalidRequest)
		}
		ids = append(ids, line.ProductID)
	}
	products, err := m.store.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	var customer *domain.Customer
	if customerID != "" {
		customer, err = m.store.GetCustomer(ctx, customerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("customer %s: %w", customerID, domain.ErrNotFound)
			}
			return nil, err
		}
	}

	lines := make([]domain.TransactionLine, 0, len(reqLines))
	for i, line := range reqLines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, domain.ErrNotFound)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", domain.ErrInvalidRequest, product.ID)
		}
		breakdown, err := m.pricer.Calculate(ctx, product, line.Quantity, asOf, customer)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", product.ID, err)
		}
		lines = append(lines, domain.TransactionLine{
			LineNo:      i + 1,
			ProductID:   product.ID,
			ProductCode: product.Code,
			Quantity:    line.Quantity,
			Weight:      breakdown.TotalWeight,
			Breakdown:   breakdown,
		})
	}
	return lines, nil
}

func (m *Machine) applyPayment(t *domain.Transaction, p domain.Payment, at time.Time) error {
	paid, change, err := settlePayment(t.AmountDue, p)
	if err != nil {
		return err
	}
	t.PaymentMethod = p.Method
	t.AmountPaid = paid
	t.ChangeGiven = change
	t.Status = domain.TxStatusCompleted
	t.CompletedAt = &at
	return nil
}

func (m *Machine) audit(ctx context.Context, t *domain.Transaction, userID string, action string, description string, oldValue any, newValue any) {
	logID := m.recorder.Record(ctx, audit.Event{
		BranchID:    t.BranchID,
		UserID:      userID,
		Action:      action,
		EntityType:  "transaction",
		EntityID:    t.ID,
		Description: description,
		Old:         oldValue,
		New:         newValue,
	})
	m.logger.WithFields(logrus.Fields{
		"module":         "settlement",
		"op":             action,
		"transaction_id": t.ID,
		"number":         t.Number,
		"branch_id":      t.BranchID,
		"status":         t.EffectiveStatus(),
		"audit_log_id":   logID,
	}).Info("transaction state changed")
}

// negate builds the body of a reversal: same type, branch and customer,
// every quantity and amount flipped.
func negate(orig domain.Transaction) domain.Transaction {
	rev := domain.Transaction{
		BranchID:      orig.BranchID,
		Type:          orig.Type,
		Status:        domain.TxStatusCompleted,
		CustomerID:    orig.CustomerID,
		PaymentMethod: orig.PaymentMethod,
		LabourCharge:  orig.LabourCharge.Neg(),
		AmountDue:     orig.AmountDue.Neg(),
		AmountPaid:    orig.AmountPaid.Neg(),
		ChangeGiven:   orig.ChangeGiven.Neg(),
		Items:         make([]domain.TransactionLine, len(orig.Items)),
	}
	for i, line := range orig.Items {
		rev.Items[i] = domain.TransactionLine{
			LineNo:      line.LineNo,
			ProductID:   line.ProductID,
			ProductCode: line.ProductCode,
			Quantity:    -line.Quantity,
			Weight:      line.Weight.Neg(),
			Breakdown:   line.Breakdown.Negate(),
		}
	}
	return rev
}

// stockItems turns transaction lines into positive stock quantities,
// whatever the sign the lines carry.
func stockItems(lines []domain.TransactionLine) []inventory.Item {
	items := make([]inventory.Item, 0, len(lines))
	for _, line := range lines {
		qty := line.Quantity
		if qty < 0 {
			qty = -qty
		}
		items = append(items, inventory.Item{ProductID: line.ProductID, Quantity: qty, Weight: line.Weight.Abs()})
	}
	return items
}

func sumLines(lines []domain.TransactionLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Breakdown.FinalTotal)
	}
	return total
}

func requireActor(branchID string, userID string) error {
	if branchID == "" {
		return fmt.Errorf("%w: branch is required", domain.ErrInvalidRequest)
	}
	if userID == "" {
		return fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	return nil
}

func requireApprover(userID string, approverID string) error {
	approver := strings.TrimSpace(approverID)
	if approver == "" || strings.EqualFold(approver, strings.TrimSpace(userID)) {
		return domain.ErrApprovalRequired
	}
	return nil
}

type statusSnapshot struct {
	Status       domain.TransactionStatus `json:"status"`
	ReversedByID string                   `json:"reversed_by_id,omitempty"`
	VoidReason   string                   `json:"void_reason,omitempty"`
	CancelReason string                   `json:"cancel_reason,omitempty"`
	ApprovedBy   string                   `json:"approved_by,omitempty"`
}

func statusOf(t domain.Transaction) statusSnapshot {
	return statusSnapshot{
		Status:       t.EffectiveStatus(),
		ReversedByID: t.ReversedByID,
		VoidReason:   t.VoidReason,
		CancelReason: t.CancelReason,
		ApprovedBy:   t.ApprovedBy,
	}
}
