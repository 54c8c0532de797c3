package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"goldpos/backend/internal/domain"
)

// settlePayment validates a payment against the amount due and returns the
// amount recorded as paid plus the change to hand back. A negative amount
// due is a refund and must be paid out exactly.
func settlePayment(due decimal.Decimal, p domain.Payment) (decimal.Decimal, decimal.Decimal, error) {
	switch p.Method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer:
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: unsupported payment method %q", domain.ErrInvalidRequest, p.Method)
	}
	if p.Amount.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: payment amount must not be negative", domain.ErrInvalidRequest)
	}

	if due.IsNegative() {
		if !p.Amount.Equal(due.Abs()) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: refund of %s must be paid out exactly, got %s",
				domain.ErrPaymentMismatch, due.Abs().StringFixed(2), p.Amount.StringFixed(2))
		}
		return due, decimal.Zero, nil
	}

	if p.Method == domain.PaymentCash {
		if p.Amount.LessThan(due) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: cash %s is less than amount due %s",
				domain.ErrPaymentMismatch, p.Amount.StringFixed(2), due.StringFixed(2))
		}
		return p.Amount, p.Amount.Sub(due), nil
	}

	if !p.Amount.Equal(due) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s payment must equal amount due %s",
			domain.ErrPaymentMismatch, p.Method, due.StringFixed(2))
	}
	return p.Amount, decimal.Zero, nil
}
