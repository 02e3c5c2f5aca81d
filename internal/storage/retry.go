package storage

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

const maxWriteRetries = 3

// retryBase is the first backoff step; doubled on every attempt.
var retryBase = 100 * time.Millisecond

// WithRetry runs write until it succeeds, fails permanently, or retries run out.
// ErrNotFound, ErrNotRunning, ErrNameTaken and validation errors are not retried.
func WithRetry(ctx context.Context, execID string, write func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = write(attemptCtx)
		cancel()

		if err == nil || permanent(err) {
			return err
		}

		if attempt < maxWriteRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * retryBase
			log.Warn().
				Err(err).
				Str("exec_id", execID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("execution write failed, retrying")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			}
		}
	}

	log.Error().
		Err(err).
		Str("exec_id", execID).
		Msg("execution write failed permanently after retries")
	return err
}

func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrNameTaken) ||
		errors.Is(err, ErrInvalidScript)
}
