package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/xid"
)

// Item is one stock line of a batch. Weight is the total weight of the line,
// not the per-unit weight.
type Item struct {
	ProductID string
	Quantity  int
	Weight    decimal.Decimal
}

// Movement describes the ledger rows a batch writes.
type Movement struct {
	Type        domain.MovementType
	Reference   string
	PerformedBy string
	At          time.Time
	Note        string
}

// Coordinator is the only writer of inventory records and movements.
// Reserve and Release join the caller's atomic scope; Adjust and Transfer
// open their own.
type Coordinator struct {
	store  store.Store
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewCoordinator(s store.Store, logger logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) CheckAvailability(ctx context.Context, productID string, branchID string, quantity int) (bool, error) {
	rec, err := c.store.GetInventory(ctx, productID, branchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.QuantityOnHand >= quantity, nil
}

// Reserve decrements stock for every item or for none. All records are read
// and validated before the first write.
func (c *Coordinator) Reserve(ctx context.Context, tx store.Tx, branchID string, items []Item, mv Movement) error {
	batch, err := aggregate(items)
	if err != nil {
		return err
	}

	recs, err := tx.LockInventory(ctx, branchID, productIDs(batch))
	if err != nil {
		return fmt.Errorf("lock inventory: %w", err)
	}

	for _, item := range batch {
		rec, ok := recs[item.ProductID]
		if !ok || rec.QuantityOnHand < item.Quantity || rec.WeightOnHand.LessThan(item.Weight) {
			return &domain.InsufficientStockError{
				ProductID:         item.ProductID,
				BranchID:          branchID,
				RequestedQuantity: item.Quantity,
				AvailableQuantity: rec.QuantityOnHand,
			}
		}
	}

	for _, item := range batch {
		rec := recs[item.ProductID]
		rec.QuantityOnHand -= item.Quantity
		rec.WeightOnHand = rec.WeightOnHand.Sub(item.Weight)
		if err := c.write(ctx, tx, rec, -item.Quantity, item.Weight.Neg(), mv); err != nil {
			return err
		}
	}
	return nil
}

// Release returns stock for every item. Missing records are created.
func (c *Coordinator) Release(ctx context.Context, tx store.Tx, branchID string, items []Item, mv Movement) error {
	batch, err := aggregate(items)
	if err != nil {
		return err
	}

	recs, err := tx.LockInventory(ctx, branchID, productIDs(batch))
	if err != nil {
		return fmt.Errorf("lock inventory: %w", err)
	}

	for _, item := range batch {
		rec, ok := recs[item.ProductID]
		if !ok {
			rec = domain.InventoryRecord{ProductID: item.ProductID, BranchID: branchID, WeightOnHand: decimal.Zero}
		}
		rec.QuantityOnHand += item.Quantity
		rec.WeightOnHand = rec.WeightOnHand.Add(item.Weight)
		if err := c.write(ctx, tx, rec, item.Quantity, item.Weight, mv); err != nil {
			return err
		}
	}
	return nil
}

// Adjust applies a signed manual correction to one record.
func (c *Coordinator) Adjust(ctx context.Context, req domain.AdjustmentRequest, userID string) (domain.InventoryRecord, error) {
	if req.ProductID == "" || req.BranchID == "" {
		return domain.InventoryRecord{}, fmt.Errorf("%w: product and branch are required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.InventoryRecord{}, fmt.Errorf("%w: adjustment reason is required", domain.ErrInvalidRequest)
	}
	if req.QuantityDelta == 0 && req.WeightDelta.IsZero() {
		return domain.InventoryRecord{}, fmt.Errorf("%w: adjustment has no effect", domain.ErrInvalidRequest)
	}
	if _, err := c.store.GetProduct(ctx, req.ProductID); err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("adjust %s: %w", req.ProductID, err)
	}

	mv := Movement{
		Type:        domain.MovementAdjustment,
		Reference:   xid.New("ADJ"),
		PerformedBy: userID,
		At:          c.now(),
		Note:        req.Reason,
	}

	var out domain.InventoryRecord
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		recs, err := tx.LockInventory(ctx, req.BranchID, []string{req.ProductID})
		if err != nil {
			return fmt.Errorf("lock inventory: %w", err)
		}
		rec, ok := recs[req.ProductID]
		if !ok {
			rec = domain.InventoryRecord{ProductID: req.ProductID, BranchID: req.BranchID, WeightOnHand: decimal.Zero}
		}
		rec.QuantityOnHand += req.QuantityDelta
		rec.WeightOnHand = rec.WeightOnHand.Add(req.WeightDelta)
		if rec.QuantityOnHand < 0 || rec.WeightOnHand.IsNegative() {
			return &domain.InsufficientStockError{
				ProductID:         req.ProductID,
				BranchID:          req.BranchID,
				RequestedQuantity: -req.QuantityDelta,
				AvailableQuantity: rec.QuantityOnHand - req.QuantityDelta,
			}
		}
		if err := c.write(ctx, tx, rec, req.QuantityDelta, req.WeightDelta, mv); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	return out, nil
}

// Transfer moves stock between branches as two movements sharing one
// reference, committed together.
func (c *Coordinator) Transfer(ctx context.Context, req domain.TransferRequest, userID string) (string, error) {
	if req.ProductID == "" || req.FromBranchID == "" || req.ToBranchID == "" {
		return "", fmt.Errorf("%w: product and both branches are required", domain.ErrInvalidRequest)
	}
	if req.FromBranchID == req.ToBranchID {
		return "", fmt.Errorf("%w: source and destination branch are the same", domain.ErrInvalidRequest)
	}
	if req.Quantity < 1 {
		return "", fmt.Errorf("%w: transfer quantity must be positive", domain.ErrInvalidRequest)
	}

	weight := req.Weight
	if weight.IsZero() {
		product, err := c.store.GetProduct(ctx, req.ProductID)
		if err != nil {
			return "", fmt.Errorf("transfer %s: %w", req.ProductID, err)
		}
		weight = product.Weight.Mul(decimal.NewFromInt(int64(req.Quantity)))
	}

	reference := xid.New("TRF")
	at := c.now()
	items := []Item{{ProductID: req.ProductID, Quantity: req.Quantity, Weight: weight}}

	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := c.Reserve(ctx, tx, req.FromBranchID, items, Movement{
			Type: domain.MovementTransferOut, Reference: reference, PerformedBy: userID, At: at, Note: req.Note,
		}); err != nil {
			return err
		}
		return c.Release(ctx, tx, req.ToBranchID, items, Movement{
			Type: domain.MovementTransferIn, Reference: reference, PerformedBy: userID, At: at, Note: req.Note,
		})
	})
	if err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"module":     "inventory",
		"product_id": req.ProductID,
		"from":       req.FromBranchID,
		"to":         req.ToBranchID,
		"reference":  reference,
	}).Info("stock transferred")
	return reference, nil
}

func (c *Coordinator) GetInventory(ctx context.Context, productID string, branchID string) (domain.InventoryRecord, error) {
	rec, err := c.store.GetInventory(ctx, productID, branchID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	return *rec, nil
}

func (c *Coordinator) ListMovements(ctx context.Context, productID string, branchID string) ([]domain.InventoryMovement, error) {
	return c.store.ListMovements(ctx, productID, branchID)
}

// Reconcile replays the movement ledger of one record and compares the sum
// with the live balance.
func (c *Coordinator) Reconcile(ctx context.Context, productID string, branchID string) (domain.LedgerCheck, error) {
	check := domain.LedgerCheck{ProductID: productID, BranchID: branchID, RecordWeight: decimal.Zero, LedgerWeight: decimal.Zero}

	rec, err := c.store.GetInventory(ctx, productID, branchID)
	switch {
	case err == nil:
		check.RecordQuantity = rec.QuantityOnHand
		check.RecordWeight = rec.WeightOnHand
	case errors.Is(err, store.ErrNotFound):
	default:
		return domain.LedgerCheck{}, err
	}

	movements, err := c.store.ListMovements(ctx, productID, branchID)
	if err != nil {
		return domain.LedgerCheck{}, err
	}
	for _, m := range movements {
		check.LedgerQuantity += m.QuantityDelta
		check.LedgerWeight = check.LedgerWeight.Add(m.WeightDelta)
	}
	check.Movements = len(movements)
	check.Balanced = check.RecordQuantity == check.LedgerQuantity && check.RecordWeight.Equal(check.LedgerWeight)

	if !check.Balanced {
		c.logger.WithFields(logrus.Fields{
			"module":     "inventory",
			"product_id": productID,
			"branch_id":  branchID,
		}).Warn("inventory ledger drift detected")
	}
	return check, nil
}

// ReconcileBranch reconciles every record held by a branch.
func (c *Coordinator) ReconcileBranch(ctx context.Context, branchID string) ([]domain.LedgerCheck, error) {
	records, err := c.store.ListInventory(ctx, branchID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerCheck, 0, len(records))
	for _, rec := range records {
		check, err := c.Reconcile(ctx, rec.ProductID, branchID)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", rec.ProductID, err)
		}
		out = append(out, check)
	}
	return out, nil
}

func (c *Coordinator) write(ctx context.Context, tx store.Tx, rec domain.InventoryRecord, qtyDelta int, weightDelta decimal.Decimal, mv Movement) error {
	at := mv.At
	if at.IsZero() {
		at = c.now()
	}
	rec.UpdatedAt = at
	if err := tx.PutInventory(ctx, rec); err != nil {
		return fmt.Errorf("write inventory %s: %w", rec.ProductID, err)
	}
	if err := tx.AppendMovement(ctx, domain.InventoryMovement{
		ID:              xid.New("mv"),
		ProductID:       rec.ProductID,
		BranchID:        rec.BranchID,
		QuantityDelta:   qtyDelta,
		WeightDelta:     weightDelta,
		MovementType:    mv.Type,
		ReferenceNumber: mv.Reference,
		PerformedBy:     mv.PerformedBy,
		PerformedAt:     at,
		Note:            mv.Note,
	}); err != nil {
		return fmt.Errorf("append movement %s: %w", rec.ProductID, err)
	}
	return nil
}

// aggregate merges duplicate product lines, keeping first-seen order.
func aggregate(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", domain.ErrInvalidRequest)
	}
	index := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.Quantity < 1 || item.Weight.IsNegative() {
			return nil, fmt.Errorf("%w: invalid stock line for %q", domain.ErrInvalidRequest, item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			out[i].Weight = out[i].Weight.Add(item.Weight)
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out, nil
}

func productIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	return ids
}
