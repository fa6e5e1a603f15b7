//go:build integration

package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return endpoint
}

func TestIntegrationTryLockAcrossClients(t *testing.T) {
	addr := setupRedisContainer(t)
	ctx := context.Background()

	const instances = 4

	managers := make([]*LockManager, instances)

	for i := range managers {
		client, err := New(ctx, Config{Topology: Topology{Standalone: &StandaloneTopology{Address: addr}}})
		require.NoError(t, err)

		t.Cleanup(func() { _ = client.Close() })

		managers[i], err = NewLockManager(client, WithLockOptions(DispatcherLockOptions()))
		require.NoError(t, err)
	}

	var (
		acquired atomic.Int32
		wg       sync.WaitGroup
		start    = make(chan struct{})
		unlocks  = make(chan func(context.Context) error, instances)
	)

	for _, m := range managers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			unlock, ok, err := m.TryLock(ctx, "outbox:dispatch:integration")
			assert.NoError(t, err)

			if ok {
				acquired.Add(1)
				unlocks <- unlock
			}
		}()
	}

	close(start)
	wg.Wait()
	close(unlocks)

	assert.Equal(t, int32(1), acquired.Load())

	for unlock := range unlocks {
		require.NoError(t, unlock(ctx))
	}

	unlock, ok, err := managers[0].TryLock(ctx, "outbox:dispatch:integration")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, unlock(ctx))
}
