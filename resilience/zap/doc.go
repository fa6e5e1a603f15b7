// Package zap implements log.Logger on top of go.uber.org/zap, teeing every
// entry into OpenTelemetry logs and correlating entries with the active span.
package zap
