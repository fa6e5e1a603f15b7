package outbox

import "context"

// Locker serializes dispatch ticks across processes sharing one
// repository. TryLock never blocks; acquired is false when another holder
// owns key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}
