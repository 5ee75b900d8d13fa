package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy bounds an exponential backoff loop.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
	Clock          clockwork.Clock
	OnRetry        func(attempt int, err error, backoff time.Duration)
}

// DefaultPolicy is three attempts starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		Jitter:         true,
	}
}

// Retryable decides whether an error is worth another attempt.
type Retryable func(err error) bool

// Do runs op until it succeeds, returns a non-retryable error, or attempts run out.
// The last error is returned unwrapped so callers can classify it.
func Do[T any](ctx context.Context, p Policy, retryable Retryable, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= attempts || !retryable(err) {
			return zero, err
		}

		wait := p.backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, err)
		case <-clock.After(wait):
		}
	}
}

func (p Policy) backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter && delay > 0 {
		// +/-20%
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
