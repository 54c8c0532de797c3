package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/domain"
)

// RetryPolicy bounds how often a whole operation is re-run after a
// transient persistence failure.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 25 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// RetryTransient runs fn until it succeeds, fails with a non-transient
// error, or the attempts run out. Only ErrTransientPersistence is retried:
// the atomic commit guarantees nothing was written by the failed attempt.
func RetryTransient(ctx context.Context, policy RetryPolicy, logger logrus.FieldLogger, op string, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrTransientPersistence) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := backoffDelay(policy, attempt)
		logger.WithFields(logrus.Fields{
			"module":  "service",
			"op":      op,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).WithError(err).Warn("transient persistence failure, retrying")

		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%w (retry aborted: %v)", err, sleepErr)
		}
	}
	return err
}

// backoffDelay is exponential backoff with full jitter: a random duration
// in [0, min(MaxDelay, BaseDelay*2^attempt)).
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	ceiling := policy.BaseDelay << attempt
	if ceiling <= 0 || (policy.MaxDelay > 0 && ceiling > policy.MaxDelay) {
		ceiling = policy.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
