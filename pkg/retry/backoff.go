package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy computes the pause before the next attempt. Strategies are
// stateless and safe for concurrent use; attempt is 1 after the first failure.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// BackoffFunc adapts a function to BackoffStrategy
type BackoffFunc func(attempt int) time.Duration

func (f BackoffFunc) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f(attempt)
}

// ExponentialBackoff grows the delay by Multiplier per attempt up to MaxDelay,
// then spreads it by ±JitterFactor
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultExponentialBackoff suits short request/response calls to the site API
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	if eb.MaxDelay > 0 {
		d = math.Min(d, float64(eb.MaxDelay))
	}
	return jitter(d, eb.JitterFactor)
}

// ConstantBackoff waits the same Delay between every attempt. The zero value
// retries immediately, which the fetch loop relies on: its pauses come from
// circuit settling, not from backoff.
type ConstantBackoff struct {
	Delay time.Duration
}

func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

func jitter(d, factor float64) time.Duration {
	if factor > 0 {
		spread := d * factor
		d += rand.Float64()*2*spread - spread
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Wait pauses for delay unless ctx ends first
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
