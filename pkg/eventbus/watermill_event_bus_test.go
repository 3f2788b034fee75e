package eventbus_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/callflow/pkg/channels/gochannel"
	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_RoutesByTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus := newTestBus(t)

	completed := make(chan *events.CallCompleted, 1)
	commands := make(chan *events.CommandIssued, 1)

	require.NoError(t, bus.Handle(events.CallCompletedEvent, func(_ context.Context, event interface{}) error {
		completed <- event.(*events.CallCompleted)

		return nil
	}))
	require.NoError(t, bus.Handle(events.CommandIssuedEvent, func(_ context.Context, event interface{}) error {
		commands <- event.(*events.CommandIssued)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	err := bus.Publish(ctx, "call-1", events.CallCompleted{
		BaseEvent:   events.NewBaseEvent(events.CallCompletedEvent),
		CallContext: events.CallContext{CallID: "call-1", Seq: 3, OrganizationID: "org-1"},
		LastNodeID:  "hangup",
		Steps:       3,
		Duration:    5 * time.Second,
	})
	require.NoError(t, err)

	err = bus.Publish(ctx, "call-1", events.CommandIssued{
		BaseEvent: events.NewBaseEvent(events.CommandIssuedEvent),
		Command:   &models.Command{ID: "cmd-1", CallID: "call-1", Type: models.CommandHangUp},
	})
	require.NoError(t, err)

	select {
	case event := <-completed:
		assert.Equal(t, "call-1", event.CallID)
		assert.Equal(t, int64(3), event.Seq)
		assert.Equal(t, 5*time.Second, event.Duration)
	case <-ctx.Done():
		t.Fatal("timed out waiting for call completed event")
	}

	select {
	case event := <-commands:
		require.NotNil(t, event.Command)
		assert.Equal(t, models.CommandHangUp, event.Command.Type)
	case <-ctx.Done():
		t.Fatal("timed out waiting for command event")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
