package log

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
)

// OrNop returns logger, or a NopLogger when logger is nil.
//
//nolint:ireturn
func OrNop(logger Logger) Logger {
	if nilcheck.Is(logger) {
		return NewNop()
	}

	return logger
}

// SafeError logs err at error level. In production only the error type is
// written so messages carrying payload data never reach the log sink.
func SafeError(ctx context.Context, logger Logger, msg string, err error, production bool) {
	if err == nil || nilcheck.Is(logger) || !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
