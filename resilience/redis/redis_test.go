//go:build unit

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: mr.Addr()}},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestConfigUniversalOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		addrs   []string
		master  string
		wantErr bool
	}{
		{name: "no topology", cfg: Config{}, wantErr: true},
		{name: "standalone", cfg: Config{Topology: Topology{Standalone: &StandaloneTopology{Address: "localhost:6379"}}}, addrs: []string{"localhost:6379"}},
		{name: "empty standalone address", cfg: Config{Topology: Topology{Standalone: &StandaloneTopology{}}}, wantErr: true},
		{
			name:   "sentinel",
			cfg:    Config{Topology: Topology{Sentinel: &SentinelTopology{Addresses: []string{"s1:26379", "s2:26379"}, MasterName: "primary"}}},
			addrs:  []string{"s1:26379", "s2:26379"},
			master: "primary",
		},
		{name: "sentinel without master", cfg: Config{Topology: Topology{Sentinel: &SentinelTopology{Addresses: []string{"s1:26379"}}}}, wantErr: true},
		{
			name: "cluster wins",
			cfg: Config{Topology: Topology{
				Standalone: &StandaloneTopology{Address: "single:6379"},
				Cluster:    &ClusterTopology{Addresses: []string{"c1:6379", "c2:6379"}},
			}},
			addrs: []string{"c1:6379", "c2:6379"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts, err := tt.cfg.universalOptions()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.addrs, opts.Addrs)
			assert.Equal(t, tt.master, opts.MasterName)
		})
	}
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx := context.Background()

	assert.True(t, client.IsConnected())

	rdb, err := client.GetClient(ctx)
	require.NoError(t, err)
	require.NoError(t, rdb.Set(ctx, "k", "v", 0).Err())

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	require.NoError(t, client.Close())

	_, err = client.GetClient(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestNewPingFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: addr}},
		Options:  ConnectionOptions{MaxRetries: -1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping")
}

func TestNilClient(t *testing.T) {
	t.Parallel()

	var c *Client

	assert.ErrorIs(t, c.Connect(context.Background()), ErrNilClient)
	assert.ErrorIs(t, c.Close(), ErrNilClient)
	assert.False(t, c.IsConnected())

	_, err := c.GetClient(context.Background())
	assert.ErrorIs(t, err, ErrNilClient)
}
