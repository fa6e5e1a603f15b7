package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

var (
	// ErrInvalidHealthCheckInterval indicates that the health check interval must be positive.
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates that the health check timeout must be positive.
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
	// ErrNilManager indicates that a health checker was built without a manager.
	ErrNilManager = errors.New("circuitbreaker: manager must not be nil")
)

const immediateCheckBuffer = 10

// HealthChecker probes dependencies whose breakers are not CLOSED and
// resets a breaker once its probe succeeds. Register it as a state change
// listener to probe as soon as a breaker opens.
type HealthChecker struct {
	manager        *Manager
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration
	logger         libLog.Logger
	stopChan       chan struct{}
	stopOnce       sync.Once
	immediateCheck chan string
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

// NewHealthChecker validates its arguments and returns a stopped checker.
func NewHealthChecker(manager *Manager, interval, checkTimeout time.Duration, logger libLog.Logger) (*HealthChecker, error) {
	if manager == nil {
		return nil, ErrNilManager
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	return &HealthChecker{
		manager:        manager,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         libLog.OrNop(logger),
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, immediateCheckBuffer),
	}, nil
}

// Register adds a probe for the named breaker.
func (hc *HealthChecker) Register(name string, fn HealthCheckFunc) {
	if fn == nil {
		return
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[name] = fn
}

// Start begins the check loop.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.wg.Add(1)

	runtime.SafeGo(ctx, hc.logger, "circuitbreaker", "health_checker", runtime.KeepRunning, func(ctx context.Context) {
		defer hc.wg.Done()

		hc.loop(ctx)
	})

	hc.logger.Log(ctx, libLog.LevelInfo, "health checker started", libLog.Duration("interval", hc.interval))
}

// Stop ends the check loop and waits for it to return. It is safe to call
// more than once.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
	hc.wg.Wait()
}

func (hc *HealthChecker) loop(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.checkAll(ctx)
		case name := <-hc.immediateCheck:
			hc.check(ctx, name)
		case <-hc.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (hc *HealthChecker) checkAll(ctx context.Context) {
	hc.mu.RLock()
	services := make(map[string]HealthCheckFunc, len(hc.services))
	maps.Copy(services, hc.services)
	hc.mu.RUnlock()

	for name := range services {
		hc.check(ctx, name)
	}
}

func (hc *HealthChecker) check(ctx context.Context, name string) {
	hc.mu.RLock()
	fn, exists := hc.services[name]
	hc.mu.RUnlock()

	if !exists || hc.manager.IsHealthy(name) {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	err := fn(checkCtx)

	cancel()

	if err != nil {
		hc.logger.Log(ctx, libLog.LevelWarn, "service still unhealthy",
			libLog.String("breaker", name),
			libLog.Err(err),
		)

		return
	}

	hc.logger.Log(ctx, libLog.LevelInfo, "service recovered, resetting circuit breaker", libLog.String("breaker", name))
	hc.manager.Reset(name)
}

// HealthStatus returns the breaker state of every registered service.
func (hc *HealthChecker) HealthStatus() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string, len(hc.services))

	for name := range hc.services {
		status[name] = string(hc.manager.State(name))
	}

	return status
}

// OnStateChange schedules an immediate probe when a breaker opens.
func (hc *HealthChecker) OnStateChange(name string, _, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- name:
	default:
		hc.logger.Log(context.Background(), libLog.LevelWarn, "immediate health check queue full",
			libLog.String("breaker", name))
	}
}
