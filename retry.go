package main

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/ronnin/oldman-club/internal/store"
)

var (
	// subsequent retry delays for retryOp()
	// - use the first 5 Fibonacci numbers for semi-exponential growth
	// - the extra 0 value is a sentinel so we don't do another wait after we've exhausted all 5 retries
	backoffDelays = []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		500 * time.Millisecond,
		800 * time.Millisecond,
		0,
	}
)

// retryOp performs the specified operation, retrying up to 5 times if it fails with a persistence error
// to ride out a database that is still starting up (especially within K8S).  Validation errors, such as
// an unknown driver, fail immediately.
func retryOp[T any](ctx context.Context, op func() (T, error)) (result T, err error) {
	var zero T
	for _, wait := range backoffDelays {
		result, err = op()
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, store.ErrPersistence):
			if wait > 0 {
				logger.Debug("database not reachable, retrying", "err", err, "wait", wait)
				// inject up to 20% jitter
				maxJitter := big.NewInt(int64(float64(int64(wait)) * 0.2))
				jitter, _ := rand.Int(rand.Reader, maxJitter)
				wait += time.Duration(jitter.Int64())
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return zero, errors.Join(err, ctx.Err())
				}
			}
		default:
			return zero, err
		}
	}
	// if we get here, err is non-nil and a persistence failure but we have exhausted all retries
	return zero, err
}
