package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/torresjeff/rtmprelay/config"
)

// Backoff bounds the wait between two relay attempts. The interval doubles after each failure,
// with 20% jitter, up to Max, and starts over once a relay session has been established.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func BackoffFromConfig(cfg config.BackoffConfig) Backoff {
	return Backoff{Initial: cfg.Initial, Max: cfg.Max}
}

func (b Backoff) newPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.DefaultBackoffInitial
	if b.Initial > 0 {
		policy.InitialInterval = b.Initial
	}
	policy.MaxInterval = config.DefaultBackoffMax
	if b.Max > 0 {
		policy.MaxInterval = b.Max
	}
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	// Retry forever.
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// sleep waits for d, returning false if ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
