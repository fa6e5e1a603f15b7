// Package mongo stores inbox records in a MongoDB collection guarded by a
// unique compound index on (message_id, consumer_group).
package mongo
