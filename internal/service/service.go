package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goldpos/backend/internal/audit"
	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/identity"
	"goldpos/backend/internal/inventory"
	"goldpos/backend/internal/lock"
	"goldpos/backend/internal/pricing"
	"goldpos/backend/internal/rates"
	"goldpos/backend/internal/settlement"
	"goldpos/backend/internal/store"
)

// Approvals verifies the second identity behind a void or reversal.
type Approvals interface {
	VerifyApprover(ctx context.Context, initiatorID string, approverID string, pin string) error
}

type Options struct {
	DefaultBranchID string
	VoidPolicy      settlement.VoidPolicy
	Retry           RetryPolicy
	// AuditSink defaults to the audit_logs table of the store.
	AuditSink audit.Sink
	Locker    lock.Locker
	Approvals Approvals
	Identity  identity.Provider
	Logger    logrus.FieldLogger
}

// Service is the external surface of the settlement core. Every operation
// takes the acting user explicitly; the identity provider is consulted only
// to default the branch.
type Service struct {
	store           store.Store
	pricer          *pricing.Engine
	stock           *inventory.Coordinator
	machine         *settlement.Machine
	rates           *rates.Admin
	approvals       Approvals
	identity        identity.Provider
	retry           RetryPolicy
	defaultBranchID string
	tracer          trace.Tracer
	logger          logrus.FieldLogger
	now             func() time.Time
}

func New(s store.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = "main-branch"
	}
	if opts.VoidPolicy.Window == "" {
		opts.VoidPolicy = settlement.DefaultVoidPolicy()
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.AuditSink == nil {
		opts.AuditSink = audit.NewStoreSink(s)
	}
	if opts.Identity == nil {
		opts.Identity = identity.ContextProvider{DefaultBranchID: opts.DefaultBranchID}
	}

	recorder := audit.NewRecorder(opts.AuditSink, logger)
	pricer := pricing.NewEngine(rates.NewResolver(s), logger)
	stock := inventory.NewCoordinator(s, logger)

	return &Service{
		store:           s,
		pricer:          pricer,
		stock:           stock,
		machine:         settlement.NewMachine(s, pricer, stock, recorder, opts.VoidPolicy, logger),
		rates:           rates.NewAdmin(s, opts.Locker, recorder, logger),
		approvals:       opts.Approvals,
		identity:        opts.Identity,
		retry:           opts.Retry,
		defaultBranchID: opts.DefaultBranchID,
		tracer:          otel.Tracer("goldpos/service"),
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// PriceQuote prices one product without touching stock, at req.AsOf or the
// current instant. The breakdown is a function of the request and the rates
// in effect at that instant, PricedAt included.
func (s *Service) PriceQuote(ctx context.Context, req domain.QuoteRequest) (breakdown domain.PriceBreakdown, err error) {
	ctx, span := s.startSpan(ctx, "PriceQuote", attribute.String("product_id", req.ProductID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.ProductID) == "" || req.Quantity < 1 {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: product and a positive quantity are required", domain.ErrInvalidRequest)
	}
	product, err := s.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	var customer *domain.Customer
	if req.CustomerID != "" {
		customer, err = s.store.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			return domain.PriceBreakdown{}, err
		}
	}
	asOf := req.AsOf.UTC()
	if req.AsOf.IsZero() {
		asOf = s.now()
	}
	return s.pricer.Calculate(ctx, *product, req.Quantity, asOf, customer)
}

// CommitSale creates a sale, or returns the earlier result flagged
// Duplicate when the idempotency key was already used. Business failures
// come back both as err and as result.Error.
func (s *Service) CommitSale(ctx context.Context, req domain.SaleRequest, userID string) (result domain.TransactionResult, err error) {
	req.BranchID = s.resolveBranch(ctx, req.BranchID)
	ctx, span := s.startSpan(ctx, "CommitSale",
		attribute.String("branch_id", req.BranchID),
		attribute.Int("lines", len(req.Items)),
	)
	defer func() { endSpan(span, err) }()

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey != "" {
		if prior, ok, lookupErr := s.findByIdempotency(ctx, req.IdempotencyKey); lookupErr != nil {
			return failedResult(lookupErr), lookupErr
		} else if ok {
			return toResult(prior, true), nil
		}
	}

	var created *domain.Transaction
	err = RetryTransient(ctx, s.retry, s.logger, "commit_sale", func() error {
		var opErr error
		created, opErr = s.machine.CreateSale(ctx, req, userID)
		return opErr
	})
	if err != nil && errors.Is(err, store.ErrDuplicate) && req.IdempotencyKey != "" {
		// Lost the race against a concurrent commit with the same key.
		prior, ok, lookupErr := s.findByIdempotency(ctx, req.IdempotencyKey)
		if lookupErr == nil && ok {
			return toResult(prior, true), nil
		}
	}
	if err != nil {
		s.logRejected("commit_sale", req.BranchID, err)
		return failedResult(err), err
	}
	return toResult(created, false), nil
}

func (s *Service) CompleteTransaction(ctx context.Context, req domain.CompleteRequest, userID string) (result domain.TransactionResult, err error) {
	ctx, span := s.startSpan(ctx, "CompleteTransaction", attribute.String("transaction_id", req.TransactionID))
	defer func() { endSpan(span, err) }()

	var t *domain.Transaction
	err = RetryTransient(ctx, s.retry, s.logger, "complete_transaction", func() error {
		var opErr error
		t, opErr = s.machine.Complete(ctx, req.TransactionID, req.Payment, userID)
		return opErr
	})
	if err != nil {
		return failedResult(err), err
	}
	return toResult(t, false), nil
}

// VoidTransaction voids inside the configured window. An approver given
// with the request is verified even when the policy does not demand one.
func (s *Service) VoidTransaction(ctx context.Context, req domain.VoidRequest, userID string) (result domain.TransactionResult, err error) {
	ctx, span := s.startSpan(ctx, "VoidTransaction", attribute.String("transaction_id", req.TransactionID))
	defer func() { endSpan(span, err) }()

	if req.ApproverID != "" {
		if err = s.verifyApprover(ctx, userID, req.ApproverID, req.ApproverPIN); err != nil {
			return failedResult(err), err
		}
	}

	var t *domain.Transaction
	err = RetryTransient(ctx, s.retry, s.logger, "void_transaction", func() error {
		var opErr error
		t, opErr = s.machine.Void(ctx, req.TransactionID, req.Reason, userID, req.ApproverID)
		return opErr
	})
	if err != nil {
		return failedResult(err), err
	}
	return toResult(t, false), nil
}

// ReverseTransaction creates the linked negating transaction. The approver
// must be a distinct identity whose PIN checks out.
func (s *Service) ReverseTransaction(ctx context.Context, req domain.ReverseRequest, userID string) (result domain.TransactionResult, err error) {
	ctx, span := s.startSpan(ctx, "ReverseTransaction",
		attribute.String("transaction_id", req.TransactionID),
		attribute.String("approver_id", req.ApproverID),
	)
	defer func() { endSpan(span, err) }()

	if err = s.verifyApprover(ctx, userID, req.ApproverID, req.ApproverPIN); err != nil {
		return failedResult(err), err
	}

	var rev *domain.Transaction
	err = RetryTransient(ctx, s.retry, s.logger, "reverse_transaction", func() error {
		var opErr error
		rev, opErr = s.machine.Reverse(ctx, req.TransactionID, req.Reason, userID, req.ApproverID)
		return opErr
	})
	if err != nil {
		s.logRejected("reverse_transaction", "", err)
		return failedResult(err), err
	}
	return toResult(rev, false), nil
}

func (s *Service) CancelTransaction(ctx context.Context, req domain.CancelRequest, userID string) (result domain.TransactionResult, err error) {
	ctx, span := s.startSpan(ctx, "CancelTransaction", attribute.String("transaction_id", req.TransactionID))
	defer func() { endSpan(span, err) }()

	var t *domain.Transaction
	err = RetryTransient(ctx, s.retry, s.logger, "cancel_transaction", func() error {
		var opErr error
		t, opErr = s.machine.Cancel(ctx, req.TransactionID, req.Reason, userID)
		return opErr
	})
	if err != nil {
		return failedResult(err), err
	}
	return toResult(t, false), nil
}

func (s *Service) CreateReturn(ctx context.Context, req domain.ReturnRequest, userID string) (result domain.TransactionResult, err error) {
	req.BranchID = s.resolveBranch(ctx, req.BranchID)
	ctx, span := s.startSpan(ctx, "CreateReturn", attribute.String("branch_id", req.BranchID))
	defer func() { endSpan(span, err) }()

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		if prior, ok, lookupErr := s.findByIdempotency(ctx, key); lookupErr != nil {
			return failedResult(lookupErr), lookupErr
		} else if ok {
			return toResult(prior, true), nil
		}
	}

	var t *domain.Transaction
	err = RetryTransient(ctx, s.retry, s.logger, "create_return", func() error {
		var opErr error
		t, opErr = s.machine.CreateReturn(ctx, req, userID)
		return opErr
	})
	if err != nil {
		s.logRejected("create_return", req.BranchID, err)
		return failedResult(err), err
	}
	return toResult(t, false), nil
}

func (s *Service) CreateRepair(ctx context.Context, req domain.RepairRequest, userID string) (result domain.TransactionResult, err error) {
	req.BranchID = s.resolveBranch(ctx, req.BranchID)
	ctx, span := s.startSpan(ctx, "CreateRepair", attribute.String("branch_id", req.BranchID))
	defer func() { endSpan(span, err) }()

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		if prior, ok, lookupErr := s.findByIdempotency(ctx, key); lookupErr != nil {
			return failedResult(lookupErr), lookupErr
		} else if ok {
			return toResult(prior, true), nil
		}
	}

	var t *domain.Transaction
	err = RetryTransient(ctx, s.retry, s.logger, "create_repair", func() error {
		var opErr error
		t, opErr = s.machine.CreateRepair(ctx, req, userID)
		return opErr
	})
	if err != nil {
		s.logRejected("create_repair", req.BranchID, err)
		return failedResult(err), err
	}
	return toResult(t, false), nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, span := s.startSpan(ctx, "GetTransaction", attribute.String("transaction_id", id))
	t, err := s.store.FindTransactionByID(ctx, id)
	endSpan(span, err)
	return t, err
}

func (s *Service) GetInventory(ctx context.Context, productID string, branchID string) (rec domain.InventoryRecord, err error) {
	branchID = s.resolveBranch(ctx, branchID)
	ctx, span := s.startSpan(ctx, "GetInventory",
		attribute.String("product_id", productID),
		attribute.String("branch_id", branchID),
	)
	defer func() { endSpan(span, err) }()
	return s.stock.GetInventory(ctx, productID, branchID)
}

func (s *Service) ListMovements(ctx context.Context, productID string, branchID string) ([]domain.InventoryMovement, error) {
	return s.stock.ListMovements(ctx, productID, s.resolveBranch(ctx, branchID))
}

func (s *Service) CheckAvailability(ctx context.Context, productID string, branchID string, quantity int) (bool, error) {
	return s.stock.CheckAvailability(ctx, productID, s.resolveBranch(ctx, branchID), quantity)
}

func (s *Service) Reconcile(ctx context.Context, productID string, branchID string) (domain.LedgerCheck, error) {
	return s.stock.Reconcile(ctx, productID, s.resolveBranch(ctx, branchID))
}

func (s *Service) ReconcileBranch(ctx context.Context, branchID string) (checks []domain.LedgerCheck, err error) {
	branchID = s.resolveBranch(ctx, branchID)
	ctx, span := s.startSpan(ctx, "ReconcileBranch", attribute.String("branch_id", branchID))
	defer func() { endSpan(span, err) }()
	return s.stock.ReconcileBranch(ctx, branchID)
}

func (s *Service) Adjust(ctx context.Context, req domain.AdjustmentRequest, userID string) (rec domain.InventoryRecord, err error) {
	req.BranchID = s.resolveBranch(ctx, req.BranchID)
	ctx, span := s.startSpan(ctx, "Adjust",
		attribute.String("product_id", req.ProductID),
		attribute.String("branch_id", req.BranchID),
	)
	defer func() { endSpan(span, err) }()

	err = RetryTransient(ctx, s.retry, s.logger, "adjust", func() error {
		var opErr error
		rec, opErr = s.stock.Adjust(ctx, req, userID)
		return opErr
	})
	return rec, err
}

func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest, userID string) (ref string, err error) {
	ctx, span := s.startSpan(ctx, "Transfer",
		attribute.String("product_id", req.ProductID),
		attribute.String("from_branch_id", req.FromBranchID),
		attribute.String("to_branch_id", req.ToBranchID),
	)
	defer func() { endSpan(span, err) }()

	err = RetryTransient(ctx, s.retry, s.logger, "transfer", func() error {
		var opErr error
		ref, opErr = s.stock.Transfer(ctx, req, userID)
		return opErr
	})
	return ref, err
}

func (s *Service) UpdateRates(ctx context.Context, updates []domain.RateUpdate, userID string) (result domain.RateUpdateResult, err error) {
	ctx, span := s.startSpan(ctx, "UpdateRates", attribute.Int("scopes", len(updates)))
	defer func() { endSpan(span, err) }()

	err = RetryTransient(ctx, s.retry, s.logger, "update_rates", func() error {
		var opErr error
		result, opErr = s.rates.UpdateRates(ctx, updates, userID)
		return opErr
	})
	return result, err
}

func (s *Service) ListRateHistory(ctx context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error) {
	return s.rates.ListRateHistory(ctx, kind, scopeKey)
}

func (s *Service) ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	return s.store.ListAuditLogs(ctx, entityType, entityID, limit)
}

func (s *Service) VoidPolicy() settlement.VoidPolicy {
	return s.machine.Policy()
}

func (s *Service) resolveBranch(ctx context.Context, branchID string) string {
	if branchID = strings.TrimSpace(branchID); branchID != "" {
		return branchID
	}
	if actor, err := s.identity.CurrentUser(ctx); err == nil && actor.BranchID != "" {
		return actor.BranchID
	}
	return s.defaultBranchID
}

func (s *Service) verifyApprover(ctx context.Context, userID string, approverID string, pin string) error {
	if s.approvals == nil {
		return nil
	}
	return s.approvals.VerifyApprover(ctx, userID, approverID, pin)
}

func (s *Service) findByIdempotency(ctx context.Context, key string) (*domain.Transaction, bool, error) {
	t, err := s.store.FindTransactionByIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return t, true, nil
}

func (s *Service) logRejected(op string, branchID string, err error) {
	s.logger.WithFields(logrus.Fields{
		"module":    "service",
		"op":        op,
		"branch_id": branchID,
		"code":      domain.ErrorCode(err),
	}).WithError(err).Info("operation rejected")
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorCode(err))
	}
	span.End()
}

func toResult(t *domain.Transaction, duplicate bool) domain.TransactionResult {
	breakdown := make([]domain.PriceBreakdown, 0, len(t.Items))
	for _, line := range t.Items {
		breakdown = append(breakdown, line.Breakdown)
	}
	return domain.TransactionResult{
		Success:           true,
		TransactionID:     t.ID,
		TransactionNumber: t.Number,
		Status:            string(t.EffectiveStatus()),
		Breakdown:         breakdown,
		AmountDue:         t.AmountDue,
		AmountPaid:        t.AmountPaid,
		ChangeGiven:       t.ChangeGiven,
		Duplicate:         duplicate,
	}
}

func failedResult(err error) domain.TransactionResult {
	return domain.TransactionResult{Success: false, Error: domain.NewResultError(err)}
}
