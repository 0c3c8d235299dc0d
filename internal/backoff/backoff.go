// Package backoff computes jittered exponential delays for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes exponential backoff. Attempt numbers start at 0.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max clamps the computed delay.
	Max time.Duration

	// Factor multiplies the delay per attempt.
	Factor float64

	// Jitter is the randomization fraction (0 to 1) added on top of the
	// base delay, so synchronized clients spread out.
	Jitter float64
}

// Provider is the default policy for model provider calls.
func Provider(initial time.Duration) Policy {
	if initial <= 0 {
		initial = time.Second
	}
	return Policy{
		Initial: initial,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the backoff for one attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	jittered := base + base*p.Jitter*random
	if max := float64(p.Max); p.Max > 0 && jittered > max {
		jittered = max
	}
	return time.Duration(jittered)
}

// Wait sleeps for the attempt's delay, returning early with the context's
// error if it is cancelled first.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
