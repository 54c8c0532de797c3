package rates

import (
	"context"
	"fmt"
	"sort"
	"time"

	"goldpos/backend/internal/domain"
)

type rateReader interface {
	ListRates(ctx context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error)
	ListRatesByKind(ctx context.Context, kind domain.RateKind) ([]domain.VersionedRate, error)
}

// Resolver answers "which rate row applied at instant asOf". It reads the
// temporal table directly on every call and keeps no copy of current rates.
type Resolver struct {
	store rateReader
}

func NewResolver(store rateReader) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) ResolveGoldRate(ctx context.Context, karatType string, asOf time.Time) (domain.VersionedRate, error) {
	rows, err := r.store.ListRates(ctx, domain.RateKindGold, karatType)
	if err != nil {
		return domain.VersionedRate{}, fmt.Errorf("load gold rates for %s: %w", karatType, err)
	}
	rate, ok := selectAsOf(rows, asOf)
	if !ok {
		return domain.VersionedRate{}, fmt.Errorf("%w: no gold rate for karat %q at %s",
			domain.ErrRateUnavailable, karatType, asOf.UTC().Format(time.RFC3339))
	}
	return rate, nil
}

// ResolveMakingCharge prefers a rule scoped to the exact sub-category and
// falls back to the category-wide rule. A nil rate with a nil error means no
// rule applies.
func (r *Resolver) ResolveMakingCharge(ctx context.Context, categoryType string, subCategory string, asOf time.Time) (*domain.VersionedRate, error) {
	scopes := []string{domain.MakingChargeScope(categoryType, "")}
	if subCategory != "" {
		scopes = []string{domain.MakingChargeScope(categoryType, subCategory), scopes[0]}
	}

	for _, scope := range scopes {
		rows, err := r.store.ListRates(ctx, domain.RateKindMakingCharge, scope)
		if err != nil {
			return nil, fmt.Errorf("load making charges for %s: %w", scope, err)
		}
		if rate, ok := selectAsOf(rows, asOf); ok {
			return &rate, nil
		}
	}
	return nil, nil
}

// ResolveTaxRules returns every mandatory tax rule in effect at asOf,
// ordered by display order.
func (r *Resolver) ResolveTaxRules(ctx context.Context, asOf time.Time) ([]domain.VersionedRate, error) {
	rows, err := r.store.ListRatesByKind(ctx, domain.RateKindTax)
	if err != nil {
		return nil, fmt.Errorf("load tax rules: %w", err)
	}

	byScope := make(map[string][]domain.VersionedRate)
	for _, row := range rows {
		byScope[row.ScopeKey] = append(byScope[row.ScopeKey], row)
	}

	out := make([]domain.VersionedRate, 0, len(byScope))
	for _, versions := range byScope {
		rate, ok := selectAsOf(versions, asOf)
		if !ok || !rate.Mandatory {
			continue
		}
		out = append(out, rate)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ScopeKey < out[j].ScopeKey
	})
	return out, nil
}

// selectAsOf picks, among rows whose window covers asOf, the one with the
// latest effectiveFrom.
func selectAsOf(rows []domain.VersionedRate, asOf time.Time) (domain.VersionedRate, bool) {
	var best domain.VersionedRate
	found := false
	for _, row := range rows {
		if !row.Covers(asOf) {
			continue
		}
		if !found || row.EffectiveFrom.After(best.EffectiveFrom) {
			best = row
			found = true
		}
	}
	return best, found
}
