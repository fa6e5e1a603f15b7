package backoff

import (
	"math"
	"time"
)

const maxShift = 62

// Strategy maps a 1-based retry attempt to a base delay.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(attempt int) time.Duration

// Delay calls f.
func (f StrategyFunc) Delay(attempt int) time.Duration {
	return f(attempt)
}

// Constant waits d before every attempt.
//
//nolint:ireturn
func Constant(d time.Duration) Strategy {
	if d < 0 {
		d = 0
	}

	return StrategyFunc(func(int) time.Duration { return d })
}

// Linear waits base + step*(attempt-1), never more than ceiling. A zero
// ceiling disables the cap.
//
//nolint:ireturn
func Linear(base, step, ceiling time.Duration) Strategy {
	return StrategyFunc(func(attempt int) time.Duration {
		n := int64(max(attempt, 1) - 1)

		delay := int64(max(base, 0))
		if step > 0 && n > 0 {
			if n > (math.MaxInt64-delay)/int64(step) {
				return capAt(time.Duration(math.MaxInt64), ceiling)
			}

			delay += n * int64(step)
		}

		return capAt(time.Duration(delay), ceiling)
	})
}

// ExponentialStrategy waits base*multiplier^(attempt-1), never more than
// ceiling. Multipliers below 1 are treated as 1. A zero ceiling disables
// the cap. Doubling uses exact integer shifts.
//
//nolint:ireturn
func ExponentialStrategy(base time.Duration, multiplier float64, ceiling time.Duration) Strategy {
	if multiplier < 1 || math.IsNaN(multiplier) {
		multiplier = 1
	}

	return StrategyFunc(func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}

		if multiplier == 2 {
			return capAt(Exponential(base, max(attempt, 1)-1), ceiling)
		}

		n := float64(max(attempt, 1) - 1)

		delay := float64(base) * math.Pow(multiplier, n)
		if math.IsInf(delay, 0) || delay >= math.MaxInt64 {
			return capAt(time.Duration(math.MaxInt64), ceiling)
		}

		return capAt(time.Duration(delay), ceiling)
	})
}

// Exponential returns base * 2^attempt with overflow clamped to the largest
// representable duration. Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)
	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

func capAt(d, ceiling time.Duration) time.Duration {
	if ceiling > 0 && d > ceiling {
		return ceiling
	}

	return d
}
