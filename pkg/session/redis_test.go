package session

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisContainer testcontainers.Container

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container tests in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if redisContainer == nil || !redisContainer.IsRunning() {
		var err error

		redisContainer, err = testcontainers.Run(ctx, "redis:7-alpine",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		require.NoError(t, err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.Ping(ctx).Err())

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func redisTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRedisStore(t *testing.T) {
	client := setupRedis(t)

	runStoreContract(t, func(t *testing.T) Store {
		prefix := "callflow:test:" + t.Name() + ":"

		t.Cleanup(func() {
			ctx := context.Background()

			iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
			for iter.Next(ctx) {
				_ = client.Del(ctx, iter.Val()).Err()
			}
		})

		return NewRedisStoreWithClient(client, prefix, time.Hour, redisTestLogger())
	})
}

func TestRedisStore_TerminalSessionsExpire(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	store := NewRedisStoreWithClient(client, "callflow:test:ttl:", time.Minute, redisTestLogger())

	s := newSession("call-ttl")
	require.NoError(t, store.Create(ctx, s))

	ttl, err := client.TTL(ctx, "callflow:test:ttl:call-ttl").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	ended := time.Now().UTC()
	s.State = models.SessionCompleted
	s.EndedAt = &ended
	require.NoError(t, store.Update(ctx, s))

	ttl, err = client.TTL(ctx, "callflow:test:ttl:call-ttl").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, store.Delete(ctx, "call-ttl"))
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "://nope", time.Hour, redisTestLogger())
	require.Error(t, err)
}
