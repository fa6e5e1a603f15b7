package events

import (
	"context"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
)

type logSink struct {
	logger libLog.Logger
}

// NewLogSink writes each event as a structured log entry. Rejections and
// failures are logged at warn level, everything else at debug.
//
//nolint:ireturn
func NewLogSink(logger libLog.Logger) Sink {
	return &logSink{logger: libLog.OrNop(logger)}
}

func (s *logSink) Emit(ev Event) {
	level := levelFor(ev)
	if !s.logger.Enabled(level) {
		return
	}

	fields := []libLog.Field{
		libLog.String("event", string(ev.Kind)),
		libLog.String("name", ev.Name),
	}

	if ev.Attempt > 0 {
		fields = append(fields, libLog.Int("attempt", ev.Attempt))
	}

	if ev.Outcome != "" {
		fields = append(fields, libLog.String("outcome", ev.Outcome))
	}

	if ev.From != "" || ev.To != "" {
		fields = append(fields, libLog.String("from", ev.From), libLog.String("to", ev.To))
	}

	if ev.Delay > 0 {
		fields = append(fields, libLog.Duration("delay", ev.Delay))
	}

	if ev.Err != nil {
		fields = append(fields, libLog.Err(ev.Err))
	}

	s.logger.Log(context.Background(), level, "resilience event", fields...)
}

func levelFor(ev Event) libLog.Level {
	switch ev.Kind {
	case KindBreakerStateChange, KindBreakerRejected, KindBulkheadRejected, KindBulkheadTimeout,
		KindThrottled, KindTimeout, KindRetryGiveUp, KindOutboxFailed, KindInboxFailed,
		KindIdempotencyConflict:
		return libLog.LevelWarn
	}

	if ev.Outcome == OutcomeFailure {
		return libLog.LevelWarn
	}

	return libLog.LevelDebug
}
