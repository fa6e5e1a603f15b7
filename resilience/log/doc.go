// Package log defines the structured logging contract shared by every
// resilience component. Components depend on Logger only; the zap package
// provides the production implementation.
package log
