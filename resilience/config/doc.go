// Package config loads resilience settings from a YAML file, overridden by
// RESILIENCE_* environment variables, and turns them into the configuration
// values of each component.
package config
