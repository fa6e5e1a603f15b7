package log

import "context"

// NopLogger discards every entry.
type NopLogger struct{}

// NewNop returns a logger that discards every entry.
func NewNop() Logger {
	return &NopLogger{}
}

// Log drops the entry.
func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}

// With returns the receiver.
//
//nolint:ireturn
func (l *NopLogger) With(...Field) Logger { return l }

// WithGroup returns the receiver.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(string) Logger { return l }

// Enabled is always false.
func (l *NopLogger) Enabled(Level) bool { return false }

// Sync is a no-op.
func (l *NopLogger) Sync(context.Context) error { return nil }
