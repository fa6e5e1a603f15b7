package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

// Manager owns named breakers and fans out their state changes.
type Manager struct {
	breakers  map[string]*Breaker
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    libLog.Logger
	clock     clock.Clock
	sink      events.Sink
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger libLog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = libLog.OrNop(logger) }
}

// WithClock sets the time source shared by every breaker the manager creates.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink shared by every breaker the manager creates.
func WithEventSink(s events.Sink) ManagerOption {
	return func(m *Manager) { m.sink = events.OrNop(s) }
}

// NewManager returns an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
		logger:   libLog.NewNop(),
		clock:    clock.System(),
		sink:     events.Nop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// GetOrCreate returns the breaker registered under name, creating it with
// cfg on first use. A later call with a different cfg returns the existing
// breaker unchanged.
func (m *Manager) GetOrCreate(name string, cfg Config) (*Breaker, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return breaker, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[name]; exists {
		return breaker, nil
	}

	breaker, err := New(name, cfg,
		WithBreakerClock(m.clock),
		WithBreakerEventSink(m.sink),
		WithStateChangeHook(m.handleStateChange),
	)
	if err != nil {
		return nil, err
	}

	m.breakers[name] = breaker

	m.logger.Log(context.Background(), libLog.LevelInfo, "created circuit breaker", libLog.String("breaker", name))

	return breaker, nil
}

// Get returns the breaker registered under name.
func (m *Manager) Get(name string) (*Breaker, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s (call GetOrCreate first)", ErrBreakerNotFound, name)
	}

	return breaker, nil
}

// Execute runs fn through the breaker registered under name.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	breaker, err := m.Get(name)
	if err != nil {
		return err
	}

	err = breaker.Execute(ctx, fn)
	if errors.Is(err, ErrOpenState) {
		m.logger.Log(ctx, libLog.LevelWarn, "circuit breaker rejected request",
			libLog.String("breaker", name),
			libLog.String("state", string(breaker.State())),
		)
	}

	return err
}

// State returns the state of the named breaker, or StateUnknown.
func (m *Manager) State(name string) State {
	breaker, err := m.Get(name)
	if err != nil {
		return StateUnknown
	}

	return breaker.State()
}

// Counts returns the counters of the named breaker.
func (m *Manager) Counts(name string) Counts {
	breaker, err := m.Get(name)
	if err != nil {
		return Counts{}
	}

	return breaker.Counts()
}

// IsHealthy reports whether the named breaker is CLOSED. HALF_OPEN counts
// as unhealthy.
func (m *Manager) IsHealthy(name string) bool {
	return m.State(name) == StateClosed
}

// Reset forces the named breaker CLOSED.
func (m *Manager) Reset(name string) {
	breaker, err := m.Get(name)
	if err != nil {
		return
	}

	m.logger.Log(context.Background(), libLog.LevelInfo, "resetting circuit breaker", libLog.String("breaker", name))

	breaker.Reset()
}

// Names returns the registered breaker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))

	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	slices.Sort(names)

	return names
}

// RegisterStateChangeListener adds a listener for every breaker. Listeners
// run on their own goroutine and never block the breaker.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		m.logger.Log(context.Background(), libLog.LevelWarn, "attempted to register a nil state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(name string, from, to State) {
	ctx := context.Background()

	level := libLog.LevelInfo
	if to == StateOpen {
		level = libLog.LevelWarn
	}

	m.logger.Log(ctx, level, "circuit breaker state changed",
		libLog.String("breaker", name),
		libLog.String("from", string(from)),
		libLog.String("to", string(to)),
	)

	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGo(ctx, m.logger, "circuitbreaker", "state_change_listener", runtime.KeepRunning,
			func(context.Context) {
				listener.OnStateChange(name, from, to)
			})
	}
}
