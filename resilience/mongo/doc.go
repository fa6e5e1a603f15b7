// Package mongo manages the MongoDB connection used by the document
// inbox store: connect with ping, database handles, idempotent index
// creation and close.
package mongo
