package backoff

import (
	"sync"
	"time"
)

// Jitter randomizes a base delay. The result is never negative.
type Jitter interface {
	Apply(base time.Duration) time.Duration
}

// Forker is implemented by jitters that keep per-sequence state. Fork
// returns an instance with fresh state for one retry sequence.
type Forker interface {
	Fork() Jitter
}

// ForSequence returns the Jitter to use for a single retry sequence.
//
//nolint:ireturn
func ForSequence(j Jitter) Jitter {
	if j == nil {
		return None()
	}

	if f, ok := j.(Forker); ok {
		return f.Fork()
	}

	return j
}

// JitterFunc adapts a function to Jitter.
type JitterFunc func(base time.Duration) time.Duration

// Apply calls f.
func (f JitterFunc) Apply(base time.Duration) time.Duration {
	return f(base)
}

// None returns base unchanged.
//
//nolint:ireturn
func None() Jitter {
	return JitterFunc(func(base time.Duration) time.Duration { return max(base, 0) })
}

// Full returns a delay uniformly distributed in [0, base].
//
//nolint:ireturn
func Full(r Rand) Jitter {
	r = orCrypto(r)

	return JitterFunc(func(base time.Duration) time.Duration {
		if base <= 0 {
			return 0
		}

		return scale(uniform01(r), base)
	})
}

// Equal returns base/2 plus a delay uniformly distributed in [0, base/2].
//
//nolint:ireturn
func Equal(r Rand) Jitter {
	r = orCrypto(r)

	return JitterFunc(func(base time.Duration) time.Duration {
		if base <= 0 {
			return 0
		}

		half := base / 2

		return half + scale(uniform01(r), base-half)
	})
}

// Decorrelated returns a delay uniformly distributed in
// [base, min(ceiling, 3*previous)], where previous is the delay this
// sequence produced last time. A zero ceiling disables the cap.
func Decorrelated(r Rand, ceiling time.Duration) *DecorrelatedJitter {
	return &DecorrelatedJitter{rand: orCrypto(r), ceiling: ceiling}
}

// DecorrelatedJitter is the stateful jitter returned by Decorrelated.
type DecorrelatedJitter struct {
	mu       sync.Mutex
	rand     Rand
	ceiling  time.Duration
	previous time.Duration
}

// Fork returns a copy with no previous delay.
//
//nolint:ireturn
func (d *DecorrelatedJitter) Fork() Jitter {
	return &DecorrelatedJitter{rand: d.rand, ceiling: d.ceiling}
}

// Apply computes the next delay and remembers it.
func (d *DecorrelatedJitter) Apply(base time.Duration) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if base <= 0 {
		return 0
	}

	upper := base
	if d.previous > 0 && d.previous <= maxDuration/3 {
		upper = max(base, 3*d.previous)
	} else if d.previous > maxDuration/3 {
		upper = maxDuration
	}

	delay := base + scale(uniform01(d.rand), upper-base)
	delay = capAt(delay, d.ceiling)
	d.previous = delay

	return delay
}

const maxDuration = time.Duration(1<<63 - 1)

// scale returns f*d for f in [0, 1] without float overflow past d.
func scale(f float64, d time.Duration) time.Duration {
	out := time.Duration(f * float64(d))
	if out < 0 || out > d {
		return d
	}

	return out
}
