package resilience

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/LerianStudio/lib-resilience/resilience/assert"
	"github.com/LerianStudio/lib-resilience/resilience/errgroup"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when an app name is registered twice.
	ErrDuplicateApp = errors.New("app already registered")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-running component, such as an outbox dispatcher or a broker
// consumer. Run blocks until ctx ends or the component fails.
type App interface {
	Run(ctx context.Context) error
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context) error

// Run calls f.
func (f AppFunc) Run(ctx context.Context) error { return f(ctx) }

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger libLog.Logger) LauncherOption {
	return func(l *Launcher) {
		l.logger = libLog.OrNop(logger)
	}
}

// RunApp registers an application with the launcher.
// If registration fails, the error is surfaced when Run is called.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs a set of apps together. The first app to fail cancels the
// others.
type Launcher struct {
	logger       libLog.Logger
	apps         map[string]App
	configErrors []error
}

// NewLauncher returns a Launcher with opts applied.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		logger: libLog.NewNop(),
		apps:   make(map[string]App),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers app under name.
func (l *Launcher) Add(name string, app App) error {
	if l == nil {
		asserter := assert.New(context.Background(), nil, "launcher", "Add")
		_ = asserter.Never(context.Background(), "launcher receiver is nil")

		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if strings.TrimSpace(name) == "" {
		return ErrEmptyApp
	}

	if app == nil {
		return ErrNilApp
	}

	if _, exists := l.apps[name]; exists {
		return ErrDuplicateApp
	}

	l.apps[name] = app

	return nil
}

// Names returns the registered app names in order.
func (l *Launcher) Names() []string {
	if l == nil {
		return nil
	}

	names := make([]string, 0, len(l.apps))
	for name := range l.apps {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Run starts every app and blocks until all return. An app returning nil
// or a context error after ctx ended is a clean stop. The first other
// error cancels the remaining apps and is returned.
func (l *Launcher) Run(ctx context.Context) error {
	if l == nil {
		return ErrNilLauncher
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	logger := libLog.OrNop(l.logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(logger)

	names := l.Names()
	logger.Log(ctx, libLog.LevelInfo, "starting apps", libLog.Int("count", len(names)))

	for _, name := range names {
		app := l.apps[name]

		group.Go(func() error {
			logger.Log(groupCtx, libLog.LevelInfo, "app starting", libLog.String("app", name))

			err := app.Run(groupCtx)
			if err != nil && !(groupCtx.Err() != nil && errors.Is(err, groupCtx.Err())) {
				logger.Log(groupCtx, libLog.LevelError, "app error", libLog.String("app", name), libLog.Err(err))

				return fmt.Errorf("app %q: %w", name, err)
			}

			logger.Log(context.WithoutCancel(groupCtx), libLog.LevelInfo, "app finished", libLog.String("app", name))

			return nil
		})
	}

	err := group.Wait()

	logger.Log(context.WithoutCancel(ctx), libLog.LevelInfo, "launcher terminated")

	return err
}

// RunUntilSignal runs the apps until SIGINT or SIGTERM arrives.
func (l *Launcher) RunUntilSignal(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return l.Run(ctx)
}
