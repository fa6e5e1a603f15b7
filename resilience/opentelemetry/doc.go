// Package opentelemetry holds small span and trace-propagation helpers
// shared by the dispatcher, the consumer and the publisher.
package opentelemetry
