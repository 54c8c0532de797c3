package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/domain"
)

// MoneyPlaces is the number of decimal places every monetary amount is
// rounded to. Rounding is half away from zero.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

type RateSource interface {
	ResolveGoldRate(ctx context.Context, karatType string, asOf time.Time) (domain.VersionedRate, error)
	ResolveMakingCharge(ctx context.Context, categoryType string, subCategory string, asOf time.Time) (*domain.VersionedRate, error)
	ResolveTaxRules(ctx context.Context, asOf time.Time) ([]domain.VersionedRate, error)
}

type Engine struct {
	rates  RateSource
	logger logrus.FieldLogger
}

func NewEngine(rates RateSource, logger logrus.FieldLogger) *Engine {
	return &Engine{rates: rates, logger: logger}
}

// Calculate prices quantity units of product with the rates in effect at
// asOf. The result depends only on its inputs and the rate table, so two
// calls with no rate update in between return the same breakdown.
func (e *Engine) Calculate(ctx context.Context, product domain.Product, quantity int, asOf time.Time, customer *domain.Customer) (domain.PriceBreakdown, error) {
	if quantity < 1 {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidRequest)
	}
	asOf = asOf.UTC()
	qty := decimal.NewFromInt(int64(quantity))

	goldRate, err := e.rates.ResolveGoldRate(ctx, product.KaratType, asOf)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}

	out := domain.PriceBreakdown{
		ProductID:   product.ID,
		Quantity:    quantity,
		TotalWeight: product.Weight.Mul(qty),
		GoldRate:    goldRate.Value,
		PricedAt:    asOf,
		RatesUsed:   domain.RatesUsed{GoldRate: domain.RefOf(goldRate), TaxRules: []domain.RateRef{}},
		TaxLines:    []domain.TaxLine{},
	}
	out.GoldValue = round(out.TotalWeight.Mul(goldRate.Value))

	out.MakingChargesAmount = decimal.Zero
	if product.MakingChargesApplicable {
		rule, err := e.rates.ResolveMakingCharge(ctx, product.CategoryType, product.SubCategory, asOf)
		if err != nil {
			return domain.PriceBreakdown{}, err
		}
		if rule != nil {
			out.MakingChargesAmount = applyRate(*rule, out.GoldValue, qty)
			ref := domain.RefOf(*rule)
			out.RatesUsed.MakingCharge = &ref
		}
	}

	out.Subtotal = out.GoldValue.Add(out.MakingChargesAmount)

	out.DiscountAmount = decimal.Zero
	if customer != nil {
		if customer.DiscountPercent.IsPositive() {
			out.DiscountAmount = round(out.Subtotal.Mul(customer.DiscountPercent).Div(hundred))
		}
		if customer.MakingChargeWaiver {
			out.DiscountAmount = out.DiscountAmount.Add(out.MakingChargesAmount)
		}
	}

	out.TaxableAmount = out.Subtotal.Sub(out.DiscountAmount)
	if out.TaxableAmount.IsNegative() {
		msg := fmt.Sprintf("discount %s exceeds subtotal %s; taxable amount clamped to zero",
			out.DiscountAmount.StringFixed(MoneyPlaces), out.Subtotal.StringFixed(MoneyPlaces))
		e.logger.WithFields(logrus.Fields{
			"module":     "pricing",
			"product_id": product.ID,
		}).Warn(msg)
		out.Warnings = append(out.Warnings, msg)
		out.TaxableAmount = decimal.Zero
	}

	taxRules, err := e.rates.ResolveTaxRules(ctx, asOf)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	out.TotalTax = decimal.Zero
	for _, rule := range taxRules {
		amount := applyRate(rule, out.TaxableAmount, qty)
		out.TaxLines = append(out.TaxLines, domain.TaxLine{
			RateID:    rule.ID,
			Code:      rule.ScopeKey,
			Label:     rule.Label,
			Rate:      rule.Value,
			ValueKind: rule.ValueKind,
			Amount:    amount,
		})
		out.RatesUsed.TaxRules = append(out.RatesUsed.TaxRules, domain.RefOf(rule))
		out.TotalTax = out.TotalTax.Add(amount)
	}

	out.FinalTotal = out.TaxableAmount.Add(out.TotalTax)
	return out, nil
}

// applyRate evaluates a percentage rule against base, or a fixed-per-unit
// rule against the quantity.
func applyRate(rule domain.VersionedRate, base decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	if rule.ValueKind == domain.ValueFixedPerUnit {
		return round(rule.Value.Mul(qty))
	}
	return round(base.Mul(rule.Value).Div(hundred))
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}
