// Package redis connects to Redis or Valkey and provides the RedLock
// based Locker that serialises outbox dispatch ticks across instances.
package redis
