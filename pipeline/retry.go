package pipeline

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig holds retry settings for a compute wrapper.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per job.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for expensive external
// computations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// WithRetry wraps a compute callback with exponential backoff. The processor
// itself never retries; retry policy belongs to the caller, and this wrapper
// lets callers opt in without changing the core contract.
//
// Fatal errors (see NewFatalError) return immediately; all other errors are
// retried up to MaxAttempts with jittered exponential backoff.
func WithRetry(compute Compute, cfg RetryConfig) Compute {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return func(ctx context.Context, job Job) (*Artifact, error) {
		var lastErr error
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			artifact, err := compute(ctx, job)
			if err == nil {
				return artifact, nil
			}
			lastErr = err

			if IsFatal(err) {
				return nil, err
			}
			if attempt == cfg.MaxAttempts {
				break
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(cfg, attempt)):
			}
		}
		return nil, lastErr
	}
}

// backoff computes the exponential backoff for an attempt with +/- 25%
// jitter to avoid synchronized retries.
func backoff(cfg RetryConfig, attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= cfg.BackoffMultiplier
	}

	d := time.Duration(float64(cfg.BackoffBase) * multiplier)
	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}

	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
