package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/audit"
	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/lock"
	"goldpos/backend/internal/store"
	"goldpos/backend/internal/xid"
)

// ratePrecision matches TIMESTAMPTZ, which keeps microseconds. Boundaries
// are truncated to it before they are compared or stored.
const ratePrecision = time.Microsecond

// closeGap is how far before the new row's effectiveFrom the superseded row
// is closed, so adjacent windows never overlap once stored.
const closeGap = ratePrecision

// Admin applies rate updates with the close-then-insert routine.
type Admin struct {
	store    store.Store
	locker   lock.Locker
	recorder *audit.Recorder
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewAdmin(s store.Store, locker lock.Locker, recorder *audit.Recorder, logger logrus.FieldLogger) *Admin {
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	return &Admin{
		store:    s,
		locker:   locker,
		recorder: recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the admin's time source.
func (a *Admin) WithClock(now func() time.Time) *Admin {
	a.now = now
	return a
}

// UpdateRates supersedes the current row of every listed scope in one
// atomic commit. Either every scope gets its new version or none does.
// EffectiveFrom defaults to now and may not lie in the past: windows that
// transactions were already priced against are never rewritten.
func (a *Admin) UpdateRates(ctx context.Context, updates []domain.RateUpdate, userID string) (domain.RateUpdateResult, error) {
	now := a.now().UTC().Truncate(ratePrecision)
	if err := validateUpdates(updates); err != nil {
		return domain.RateUpdateResult{}, err
	}
	updates = append([]domain.RateUpdate(nil), updates...)
	for i := range updates {
		if updates[i].EffectiveFrom.IsZero() {
			updates[i].EffectiveFrom = now
		}
		updates[i].EffectiveFrom = updates[i].EffectiveFrom.UTC().Truncate(ratePrecision)
		if updates[i].EffectiveFrom.Before(now) {
			return domain.RateUpdateResult{}, fmt.Errorf("%w: %s/%s effective_from %s is in the past",
				domain.ErrInvalidRequest, updates[i].Kind, updates[i].ScopeKey, updates[i].EffectiveFrom.Format(time.RFC3339Nano))
		}
	}

	release, held := a.locker.Acquire(ctx, "rates")
	defer release()
	if !held {
		a.logger.WithField("module", "rates").Warn("updating rates without the admin lock")
	}

	var result domain.RateUpdateResult
	err := a.store.WithinTx(ctx, func(tx store.Tx) error {
		result = domain.RateUpdateResult{}
		for _, upd := range updates {
			current, err := tx.LockCurrentRates(ctx, upd.Kind, upd.ScopeKey)
			if err != nil {
				return fmt.Errorf("lock current %s/%s: %w", upd.Kind, upd.ScopeKey, err)
			}
			for _, row := range current {
				if !upd.EffectiveFrom.After(row.EffectiveFrom) {
					return fmt.Errorf("%w: %s/%s effective_from must be after %s",
						domain.ErrInvalidRequest, upd.Kind, upd.ScopeKey, row.EffectiveFrom.Format(time.RFC3339Nano))
				}
				closedAt := upd.EffectiveFrom.Add(-closeGap)
				if err := tx.CloseRate(ctx, row.ID, closedAt); err != nil {
					return fmt.Errorf("close rate %s: %w", row.ID, err)
				}
				row.EffectiveTo = &closedAt
				row.IsCurrent = false
				result.Closed = append(result.Closed, row)
			}

			inserted := domain.VersionedRate{
				ID:            xid.New("rate"),
				Kind:          upd.Kind,
				ScopeKey:      upd.ScopeKey,
				Label:         upd.Label,
				Value:         upd.Value,
				ValueKind:     upd.ValueKind,
				DisplayOrder:  upd.DisplayOrder,
				Mandatory:     upd.Mandatory,
				EffectiveFrom: upd.EffectiveFrom,
				IsCurrent:     true,
				CreatedBy:     userID,
				CreatedAt:     now,
			}
			if err := tx.InsertRate(ctx, inserted); err != nil {
				return fmt.Errorf("insert rate %s/%s: %w", upd.Kind, upd.ScopeKey, err)
			}
			result.Inserted = append(result.Inserted, inserted)
		}
		return nil
	})
	if err != nil {
		return domain.RateUpdateResult{}, err
	}

	for _, inserted := range result.Inserted {
		var old []domain.VersionedRate
		for _, closed := range result.Closed {
			if closed.Kind == inserted.Kind && closed.ScopeKey == inserted.ScopeKey {
				old = append(old, closed)
			}
		}
		a.recorder.Record(ctx, audit.Event{
			UserID:      userID,
			Action:      "rate_update",
			EntityType:  "rate",
			EntityID:    string(inserted.Kind) + ":" + inserted.ScopeKey,
			Description: fmt.Sprintf("%s %s set to %s (%s)", inserted.Kind, inserted.ScopeKey, inserted.Value.String(), inserted.ValueKind),
			Old:         old,
			New:         inserted,
		})
	}

	a.logger.WithFields(logrus.Fields{
		"module":   "rates",
		"user_id":  userID,
		"inserted": len(result.Inserted),
		"closed":   len(result.Closed),
	}).Info("rates updated")
	return result, nil
}

// ListRateHistory returns every version ever stored for one scope, newest
// first.
func (a *Admin) ListRateHistory(ctx context.Context, kind domain.RateKind, scopeKey string) ([]domain.VersionedRate, error) {
	if !kind.Valid() || scopeKey == "" {
		return nil, fmt.Errorf("%w: rate kind and scope are required", domain.ErrInvalidRequest)
	}
	return a.store.ListRates(ctx, kind, scopeKey)
}

func validateUpdates(updates []domain.RateUpdate) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: no rate updates", domain.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(updates))
	for _, upd := range updates {
		if !upd.Kind.Valid() {
			return fmt.Errorf("%w: unknown rate kind %q", domain.ErrInvalidRequest, upd.Kind)
		}
		if upd.ScopeKey == "" {
			return fmt.Errorf("%w: scope key is required", domain.ErrInvalidRequest)
		}
		if !upd.ValueKind.Valid() {
			return fmt.Errorf("%w: unknown value kind %q", domain.ErrInvalidRequest, upd.ValueKind)
		}
		if upd.Value.IsNegative() {
			return fmt.Errorf("%w: %s/%s value must not be negative", domain.ErrInvalidRequest, upd.Kind, upd.ScopeKey)
		}
		if upd.Kind == domain.RateKindGold && upd.ValueKind != domain.ValueFixedPerUnit {
			return fmt.Errorf("%w: gold rates are priced per unit of weight", domain.ErrInvalidRequest)
		}
		key := string(upd.Kind) + "|" + upd.ScopeKey
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s/%s listed twice", domain.ErrInvalidRequest, upd.Kind, upd.ScopeKey)
		}
		seen[key] = struct{}{}
	}
	return nil
}
