package redis

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// testRedisURL is empty under -short; integration tests skip then.
var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(runWithRedis(m))
}

func runWithRedis(m *testing.M) int {
	if testing.Short() {
		return m.Run()
	}

	ctx := context.Background()
	container, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Printf("failed to start redis container: %v", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("failed to terminate redis container: %v", err)
		}
	}()

	testRedisURL, err = container.ConnectionString(ctx)
	if err != nil {
		log.Printf("failed to get redis connection string: %v", err)
		return 1
	}
	return m.Run()
}

// setupTestClient returns a client on an empty database through the production constructor.
func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testRedisURL == "" {
		t.Skip("integration test needs a redis container")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.FlushDB(ctx).Err())
	return client
}

func TestNewClient(t *testing.T) {
	client := setupTestClient(t)
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url", nil)
	require.ErrorContains(t, err, "failed to parse redis URL")
}
