// Package inbox makes message consumption idempotent per consumer group.
//
// A Processor records every delivered message under its (MessageID,
// ConsumerGroup) key before running the handler. Redeliveries of a
// PROCESSED message are acknowledged without invoking the handler again.
// A FAILED message, or one whose previous claim outlived the lease, is
// claimed and handled again.
//
// The postgres, bolt and mongo subpackages hold durable repositories.
package inbox
