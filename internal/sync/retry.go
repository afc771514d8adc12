package sync

import (
	"context"
	"errors"
	"time"

	"github.com/djwarf/calsync/pkg/calendar"
)

const (
	storeAttempts   = 3
	storeRetryDelay = 20 * time.Millisecond
)

// backoffDelay returns base * 2^min(retryCount, maxExponent).
func backoffDelay(base time.Duration, retryCount, maxExponent int) time.Duration {
	exp := retryCount
	if exp > maxExponent {
		exp = maxExponent
	}
	if exp < 0 {
		exp = 0
	}
	return base * time.Duration(uint64(1)<<uint(exp))
}

// storeWrite runs fn, retrying it when the store reports lock contention.
// Other errors are returned at once.
func storeWrite(ctx context.Context, fn func() error) error {
	delay := storeRetryDelay
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, calendar.ErrStoreBusy) {
			return err
		}
		if attempt == storeAttempts {
			break
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
