package inbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultLinearBase    = 5 * time.Minute
	defaultMaxDelay      = 1 * time.Hour
	defaultExpInitial    = 1 * time.Minute
	defaultExpMultiplier = 2.0
)

// BackoffStrategy computes the delay before the next attempt. attempt is
// the number of failed attempts so far (1-based). Implementations must be
// non-decreasing in attempt and bounded.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// DefaultBackoffStrategy waits five minutes per failed attempt, capped at one hour.
func DefaultBackoffStrategy() BackoffStrategy {
	return NewLinearBackoffStrategy(defaultLinearBase, defaultMaxDelay)
}

// LinearBackoffStrategy waits Base * attempt, capped at Max.
type LinearBackoffStrategy struct {
	Base time.Duration
	Max  time.Duration
}

func NewLinearBackoffStrategy(base, max time.Duration) *LinearBackoffStrategy {
	if base <= 0 {
		base = defaultLinearBase
	}
	if max < base {
		max = base
	}
	return &LinearBackoffStrategy{Base: base, Max: max}
}

func (s *LinearBackoffStrategy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// guard the multiplication against overflow before capping
	if time.Duration(attempt) > s.Max/s.Base {
		return s.Max
	}
	return s.Base * time.Duration(attempt)
}

// ExponentialBackoffStrategy waits Initial * Multiplier^(attempt-1), capped
// at Max, without jitter.
type ExponentialBackoffStrategy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func NewExponentialBackoffStrategy(initial time.Duration, multiplier float64, max time.Duration) *ExponentialBackoffStrategy {
	if initial <= 0 {
		initial = defaultExpInitial
	}
	// a multiplier of 1 or less never grows the delay
	if multiplier <= 1 {
		multiplier = defaultExpMultiplier
	}
	if max < initial {
		max = initial
	}
	return &ExponentialBackoffStrategy{Initial: initial, Multiplier: multiplier, Max: max}
}

func (s *ExponentialBackoffStrategy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.Initial,
		RandomizationFactor: 0,
		Multiplier:          s.Multiplier,
		MaxInterval:         s.Max,
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
		if delay >= s.Max {
			return s.Max
		}
	}
	return delay
}
