package clock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Virtual is a manually driven Clock. Sleepers wake only when Advance or Set
// moves the clock past their deadline.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed chan struct{}
}

type waiter struct {
	deadline time.Time
	done     chan struct{}
}

var _ Clock = (*Virtual)(nil)

// NewVirtual returns a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start, changed: make(chan struct{})}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.now
}

// Sleep blocks until the clock reaches now+d or ctx is done.
func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done: %w", err)
	}

	if d <= 0 {
		return nil
	}

	v.mu.Lock()
	w := &waiter{deadline: v.now.Add(d), done: make(chan struct{})}
	v.waiters = append(v.waiters, w)
	v.notifyLocked()
	v.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		v.mu.Lock()
		v.removeLocked(w)
		v.mu.Unlock()

		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// Advance moves the clock forward by d and wakes due sleepers.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.setLocked(v.now.Add(d))
}

// Set moves the clock to t. Moving backwards wakes nobody.
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.setLocked(t)
}

// Waiters returns the number of goroutines blocked in Sleep.
func (v *Virtual) Waiters() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.waiters)
}

// BlockUntil waits until at least n goroutines are blocked in Sleep.
func (v *Virtual) BlockUntil(ctx context.Context, n int) error {
	for {
		v.mu.Lock()
		count, changed := len(v.waiters), v.changed
		v.mu.Unlock()

		if count >= n {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d sleepers, have %d: %w", n, count, ctx.Err())
		}
	}
}

func (v *Virtual) setLocked(t time.Time) {
	v.now = t

	remaining := v.waiters[:0]

	for _, w := range v.waiters {
		if !w.deadline.After(t) {
			close(w.done)
			continue
		}

		remaining = append(remaining, w)
	}

	if len(remaining) != len(v.waiters) {
		clear(v.waiters[len(remaining):])
		v.waiters = remaining
		v.notifyLocked()
	}
}

func (v *Virtual) removeLocked(target *waiter) {
	for i, w := range v.waiters {
		if w == target {
			v.waiters = append(v.waiters[:i], v.waiters[i+1:]...)
			v.notifyLocked()

			return
		}
	}
}

func (v *Virtual) notifyLocked() {
	close(v.changed)
	v.changed = make(chan struct{})
}
