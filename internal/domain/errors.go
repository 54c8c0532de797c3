package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrRateUnavailable        = errors.New("rate unavailable")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrAlreadyReversed        = errors.New("transaction already reversed")
	ErrApprovalRequired       = errors.New("distinct approver required")
	ErrTransientPersistence   = errors.New("transient persistence failure")
	ErrPaymentMismatch        = errors.New("payment does not settle amount due")

	// ErrVoidWindowClosed means the void policy no longer allows voiding;
	// the caller has to reverse instead.
	ErrVoidWindowClosed = fmt.Errorf("%w: void window closed", ErrInvalidStateTransition)
)

// InsufficientStockError names the first product of a batch that could not
// be reserved. It matches ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ProductID         string
	BranchID          string
	RequestedQuantity int
	AvailableQuantity int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s at branch %s: requested %d, available %d",
		e.ProductID, e.BranchID, e.RequestedQuantity, e.AvailableQuantity)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

const (
	CodeRateUnavailable      = "RATE_UNAVAILABLE"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK"
	CodeInvalidState         = "INVALID_STATE_TRANSITION"
	CodeVoidWindowClosed     = "VOID_WINDOW_CLOSED"
	CodeAlreadyReversed      = "ALREADY_REVERSED"
	CodeApprovalRequired     = "APPROVAL_REQUIRED"
	CodeTransientPersistence = "TRANSIENT_PERSISTENCE_FAILURE"
	CodePaymentMismatch      = "PAYMENT_MISMATCH"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInternal             = "INTERNAL"
)

// ErrorCode maps err onto a stable, caller-facing code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateUnavailable):
		return CodeRateUnavailable
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrVoidWindowClosed):
		return CodeVoidWindowClosed
	case errors.Is(err, ErrInvalidStateTransition):
		return CodeInvalidState
	case errors.Is(err, ErrAlreadyReversed):
		return CodeAlreadyReversed
	case errors.Is(err, ErrApprovalRequired):
		return CodeApprovalRequired
	case errors.Is(err, ErrTransientPersistence):
		return CodeTransientPersistence
	case errors.Is(err, ErrPaymentMismatch):
		return CodePaymentMismatch
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

// NewResultError converts err into the structured error attached to a
// TransactionResult.
func NewResultError(err error) *ResultError {
	if err == nil {
		return nil
	}
	out := &ResultError{Code: ErrorCode(err), Message: err.Error()}
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) {
		out.ProductID = stockErr.ProductID
	}
	return out
}
