// Package bulkhead bounds how many operations run against one resource at
// the same time.
//
// Callers beyond MaxConcurrent wait in a FIFO queue of at most MaxQueue
// entries. When the queue is full the call fails fast with a
// RejectedError; a waiter that outlives QueueTimeout fails with a
// TimeoutError and leaves the queue.
package bulkhead
