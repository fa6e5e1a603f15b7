package retry

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
)

const (
	DefaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Policy describes how an operation is retried. Build it with NewPolicy;
// it cannot be changed afterwards.
type Policy struct {
	maxAttempts int
	strategy    backoff.Strategy
	jitter      backoff.Jitter
	classifier  Classifier
	deadline    time.Duration
}

// Option configures a Policy under construction.
type Option func(*Policy)

// WithMaxAttempts sets the total number of tries, including the first.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.maxAttempts = n }
}

// WithBackoff sets the delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(p *Policy) { p.strategy = s }
}

// WithJitter sets the jitter applied to each delay.
func WithJitter(j backoff.Jitter) Option {
	return func(p *Policy) { p.jitter = j }
}

// WithClassifier sets the retryable-error predicate.
func WithClassifier(c Classifier) Option {
	return func(p *Policy) { p.classifier = c }
}

// WithDeadline bounds the whole sequence, measured on the executor's clock
// from the start of the first attempt. Zero disables the bound.
func WithDeadline(d time.Duration) Option {
	return func(p *Policy) { p.deadline = d }
}

// NewPolicy returns a validated Policy. Unset fields use three attempts,
// exponential backoff from 100ms capped at 30s, full jitter and RetryAll.
func NewPolicy(opts ...Option) (Policy, error) {
	p := Policy{
		maxAttempts: DefaultMaxAttempts,
		strategy:    backoff.ExponentialStrategy(defaultBaseDelay, 2, defaultMaxDelay),
		jitter:      backoff.Full(nil),
		classifier:  RetryAll,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}

	if p.maxAttempts < 1 {
		return Policy{}, fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidPolicy, p.maxAttempts)
	}

	if p.deadline < 0 {
		return Policy{}, fmt.Errorf("%w: deadline must not be negative, got %s", ErrInvalidPolicy, p.deadline)
	}

	if p.strategy == nil {
		p.strategy = backoff.Constant(0)
	}

	if p.jitter == nil {
		p.jitter = backoff.None()
	}

	if p.classifier == nil {
		p.classifier = RetryAll
	}

	return p, nil
}

// MustPolicy is NewPolicy for static configuration; it panics on error.
func MustPolicy(opts ...Option) Policy {
	p, err := NewPolicy(opts...)
	if err != nil {
		panic(err)
	}

	return p
}

// MaxAttempts returns the total number of tries.
func (p Policy) MaxAttempts() int { return p.maxAttempts }

// Deadline returns the overall bound, or zero when unbounded.
func (p Policy) Deadline() time.Duration { return p.deadline }

// delay returns the jittered wait after the given failed attempt.
func (p Policy) delay(j backoff.Jitter, attempt int) time.Duration {
	return max(j.Apply(p.strategy.Delay(attempt)), 0)
}

func (p Policy) retryable(err error) bool {
	return p.classifier(err)
}

func (p Policy) valid() bool {
	return p.maxAttempts >= 1 && p.strategy != nil && p.jitter != nil && p.classifier != nil
}
