// Package errgroup runs goroutines that share a cancellation context and
// converts panics into errors instead of crashing the process.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

// ErrPanicRecovered wraps the value of a panic raised inside Go.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group is a panic-safe variant of golang.org/x/sync/errgroup.Group.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  libLog.Logger
}

// WithContext returns a Group whose context is cancelled by the first error.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets the logger used for recovered panics.
func (g *Group) SetLogger(logger libLog.Logger) {
	if g != nil {
		g.logger = logger
	}
}

// Go runs fn in a new goroutine.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				ctx := g.ctx
				if ctx == nil {
					ctx = context.Background()
				}

				runtime.HandlePanicValue(ctx, g.logger, recovered, "errgroup", "group.Go")
				g.setErr(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			g.setErr(err)
		}
	}()
}

func (g *Group) setErr(err error) {
	g.errOnce.Do(func() {
		g.err = err
		if g.cancel != nil {
			g.cancel()
		}
	})
}

// Wait blocks until every goroutine returns and reports the first error.
func (g *Group) Wait() error {
	g.wg.Wait()

	if g.cancel != nil {
		g.cancel()
	}

	return g.err
}
