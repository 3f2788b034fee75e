package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/callflow/pkg/channels/kafka"
	"github.com/dukex/callflow/pkg/persistence/file"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	p, err := NewPersistence(ctx, logger, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &memory.Persistence{}, p)

	root := t.TempDir()

	p, err = NewPersistence(ctx, logger, "file://"+root)
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)
	require.NoError(t, p.HealthCheck(ctx))

	p, err = NewPersistence(ctx, logger, filepath.Join(root, "data"))
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)

	_, err = NewPersistence(ctx, logger, "file://")
	require.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = NewPersistence(ctx, logger, "mongodb://localhost")
	require.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestParsePersistenceProvider(t *testing.T) {
	tests := []struct {
		url              string
		provider, target string
	}{
		{url: "memory://", provider: "memory"},
		{url: "file:///var/lib/callflow", provider: "file", target: "/var/lib/callflow"},
		{url: "./data", provider: "file", target: "./data"},
		{url: "postgres://user:pass@db:5432/callflow", provider: "postgres", target: "user:pass@db:5432/callflow"},
	}

	for _, tt := range tests {
		provider, target := parsePersistenceProvider(tt.url)
		assert.Equal(t, tt.provider, provider, tt.url)
		assert.Equal(t, tt.target, target, tt.url)
	}
}

func TestNewEventBus(t *testing.T) {
	bus, err := NewEventBus("gochannel", "callflow-test", slog.Default())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	t.Setenv("KAFKA_BROKERS", "")

	_, err = NewEventBus("kafka", "callflow-test", slog.Default())
	require.ErrorIs(t, err, kafka.ErrNoBrokers)

	_, err = NewEventBus("rabbitmq", "callflow-test", slog.Default())
	require.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestNewSessionStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewSessionStore(ctx, slog.Default(), "memory://", time.Hour)
	require.NoError(t, err)
	assert.IsType(t, &session.MemoryStore{}, store)
	require.NoError(t, store.Close())

	_, err = NewSessionStore(ctx, slog.Default(), "redis://localhost:notaport", time.Hour)
	require.Error(t, err)

	_, err = NewSessionStore(ctx, slog.Default(), "etcd://localhost", time.Hour)
	require.ErrorIs(t, err, ErrUnsupportedProvider)
}
