//go:build unit

package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func withDeps(deps clientDeps) Option {
	return func(current *clientDeps) { *current = deps }
}

func baseConfig() Config {
	return Config{URI: "mongodb://localhost:27017", Database: "app"}
}

func successDeps() clientDeps {
	fakeClient := &mongo.Client{}

	return clientDeps{
		connect: func(context.Context, *options.ClientOptions) (*mongo.Client, error) {
			return fakeClient, nil
		},
		ping:       func(context.Context, *mongo.Client) error { return nil },
		disconnect: func(context.Context, *mongo.Client) error { return nil },
		createIndex: func(context.Context, *mongo.Client, string, string, mongo.IndexModel) error {
			return nil
		},
	}
}

func TestNewClientValidatesInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  context.Context
		cfg  Config
		want error
	}{
		{name: "nil context", cfg: baseConfig(), want: ErrNilContext},
		{name: "empty uri", ctx: context.Background(), cfg: Config{Database: "app"}, want: ErrEmptyURI},
		{name: "empty database", ctx: context.Background(), cfg: Config{URI: "mongodb://x"}, want: ErrEmptyDatabaseName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewClient(tt.ctx, tt.cfg, withDeps(successDeps()))
			require.ErrorIs(t, err, tt.want)
		})
	}

	deps := successDeps()
	deps.ping = nil

	_, err := NewClient(context.Background(), baseConfig(), withDeps(deps))
	require.ErrorIs(t, err, ErrNilDependency)
}

func TestNewClientConnectFailures(t *testing.T) {
	t.Parallel()

	errDial := errors.New("dial tcp: refused")

	connectFails := successDeps()
	connectFails.connect = func(context.Context, *options.ClientOptions) (*mongo.Client, error) {
		return nil, errDial
	}

	_, err := NewClient(context.Background(), baseConfig(), withDeps(connectFails))
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, errDial)

	nilClient := successDeps()
	nilClient.connect = func(context.Context, *options.ClientOptions) (*mongo.Client, error) {
		return nil, nil
	}

	_, err = NewClient(context.Background(), baseConfig(), withDeps(nilClient))
	require.ErrorIs(t, err, ErrNilMongoClient)

	disconnected := false
	pingFails := successDeps()
	pingFails.ping = func(context.Context, *mongo.Client) error { return errDial }
	pingFails.disconnect = func(context.Context, *mongo.Client) error {
		disconnected = true

		return nil
	}

	_, err = NewClient(context.Background(), baseConfig(), withDeps(pingFails))
	require.ErrorIs(t, err, ErrPing)
	assert.True(t, disconnected)
}

func TestConnectAppliesConfig(t *testing.T) {
	t.Parallel()

	var captured *options.ClientOptions

	deps := successDeps()
	connect := deps.connect
	deps.connect = func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
		captured = opts

		return connect(ctx, opts)
	}

	cfg := baseConfig()
	cfg.MaxPoolSize = 5000
	cfg.HeartbeatInterval = 3 * time.Second

	client, err := NewClient(context.Background(), cfg, withDeps(deps), nil)
	require.NoError(t, err)
	require.NotNil(t, captured)
	require.NotNil(t, captured.MaxPoolSize)
	assert.EqualValues(t, maxMaxPoolSize, *captured.MaxPoolSize)
	require.NotNil(t, captured.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, *captured.HeartbeatInterval)
	require.NotNil(t, captured.ServerSelectionTimeout)
	assert.Equal(t, defaultServerSelectionTimeout, *captured.ServerSelectionTimeout)
	assert.Equal(t, "app", client.DatabaseName())
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	client, err := NewClient(ctx, baseConfig(), withDeps(successDeps()))
	require.NoError(t, err)

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))

	require.ErrorIs(t, client.Ping(ctx), ErrClientClosed)

	_, err = client.Database(ctx)
	require.ErrorIs(t, err, ErrClientClosed)

	var nilClient *Client
	require.ErrorIs(t, nilClient.Ping(ctx), ErrNilClient)
	require.ErrorIs(t, nilClient.Close(ctx), ErrNilClient)
	assert.Empty(t, nilClient.DatabaseName())
}

func TestCloseReportsDisconnectFailure(t *testing.T) {
	t.Parallel()

	deps := successDeps()
	deps.disconnect = func(context.Context, *mongo.Client) error { return errors.New("socket closed") }

	client, err := NewClient(context.Background(), baseConfig(), withDeps(deps))
	require.NoError(t, err)

	require.ErrorIs(t, client.Close(context.Background()), ErrDisconnect)
	require.ErrorIs(t, client.Ping(context.Background()), ErrClientClosed)
}

func TestEnsureIndexes(t *testing.T) {
	t.Parallel()

	var created []string

	deps := successDeps()
	deps.createIndex = func(_ context.Context, _ *mongo.Client, database, collection string, index mongo.IndexModel) error {
		created = append(created, database+"."+collection+":"+indexKeysString(index.Keys))

		if indexKeysString(index.Keys) == "bad" {
			return errors.New("index conflict")
		}

		return nil
	}

	client, err := NewClient(context.Background(), baseConfig(), withDeps(deps))
	require.NoError(t, err)

	ctx := context.Background()

	require.ErrorIs(t, client.EnsureIndexes(ctx, " "), ErrEmptyCollectionName)
	require.ErrorIs(t, client.EnsureIndexes(ctx, "inbox"), ErrEmptyIndexes)

	err = client.EnsureIndexes(ctx, "inbox",
		mongo.IndexModel{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "consumer_group", Value: 1}}},
		mongo.IndexModel{Keys: bson.M{"bad": 1}},
	)
	require.ErrorIs(t, err, ErrCreateIndex)
	assert.Equal(t, []string{"app.inbox:message_id,consumer_group", "app.inbox:bad"}, created)
}

func TestIndexKeysString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a,b", indexKeysString(bson.D{{Key: "a", Value: 1}, {Key: "b", Value: -1}}))
	assert.Equal(t, "a,z", indexKeysString(bson.M{"z": 1, "a": 1}))
	assert.Equal(t, "<unknown>", indexKeysString("a"))
}
