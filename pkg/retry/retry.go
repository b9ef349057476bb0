// Package retry runs an operation again after transient failures with a
// randomized delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config controls Do.
type Config struct {
	// MaxAttempts is the total number of tries. Values below 1 mean one try.
	MaxAttempts int
	// MinDelay and MaxDelay bound the uniformly random wait between tries.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another try. Nil retries
	// every error.
	Retryable func(error) bool
	// OnRetry is called before each wait with the attempt that failed.
	OnRetry func(attempt int, err error)
}

// Delay returns a random duration in [MinDelay, MaxDelay].
func (c Config) Delay() time.Duration {
	if c.MaxDelay <= c.MinDelay {
		return c.MinDelay
	}
	return c.MinDelay + rand.N(c.MaxDelay-c.MinDelay+1)
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts are used up, or ctx ends. It returns the number of attempts made
// and the last error.
func Do(ctx context.Context, cfg Config, fn func() error) (int, error) {
	if cfg.MinDelay < 0 || cfg.MaxDelay < 0 {
		return 0, errors.New("retry: negative delay")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return attempt, nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return attempt, err
		}
		if attempt == cfg.MaxAttempts {
			return attempt, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.Delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry canceled after attempt %d: %w", attempt, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}
