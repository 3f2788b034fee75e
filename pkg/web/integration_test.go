//go:build integration

package web_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/dukex/callflow/pkg/engine"
	"github.com/dukex/callflow/pkg/mocks"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence/postgresql"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/services"
	"github.com/dukex/callflow/pkg/session"
	"github.com/dukex/callflow/pkg/stats"
	"github.com/dukex/callflow/pkg/telephony"
	"github.com/dukex/callflow/pkg/testutil"
	"github.com/dukex/callflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupIntegrationApp(t *testing.T) *fiber.App {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("callflow_web"),
		postgres.WithUsername("callflow"),
		postgres.WithPassword("callflow"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := testLogger()

	persistence, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() { _ = persistence.Close(context.Background()) })

	aggregator := stats.NewAggregator(stats.Config{}, logger)
	publisher := statsPublisher{aggregator: aggregator}

	commander := &mocks.MockCommander{}
	commander.On("Send", mock.Anything, mock.Anything).Return(nil)

	table := routing.NewTable(persistence, routing.Config{}, logger)
	callEngine := engine.New(session.NewMemoryStore(), table, commander, publisher, nil, engine.Config{}, logger)

	handlers := web.NewAPIHandlers(
		services.NewFlow(persistence, logger),
		services.NewPublishing(persistence, publisher, nil, logger),
		table,
		telephony.NewDispatcher(callEngine, table, commander, publisher, logger),
		callEngine,
		aggregator,
		logger,
	)

	app := fiber.New()
	handlers.Register(app)

	return app
}

func TestPublishAndCall_Integration(t *testing.T) {
	app := setupIntegrationApp(t)

	flow := createFlow(t, app, testutil.SalesSupportDefinition())
	base := "/flows/" + flow.ID

	var version models.Version

	require.Equal(t, http.StatusCreated, send(t, app, request(t, http.MethodPost, base+"/publish", nil), &version))
	assert.Equal(t, 1, version.Number)

	require.Equal(t, http.StatusOK, send(t, app, request(t, http.MethodPut, "/numbers/"+dialed, web.BindNumberRequest{FlowID: flow.ID}), nil))

	var ack web.CallEventResponse

	require.Equal(t, http.StatusAccepted, send(t, app, request(t, http.MethodPost, "/calls/events", callEvent("call-1", 1, models.CallEventStarted, "")), &ack))
	assert.Equal(t, models.SessionSuspended, ack.Session.State)

	// Republishing does not move the running call.
	require.Equal(t, http.StatusCreated, send(t, app, request(t, http.MethodPost, base+"/versions/1/rollback", nil), &version))
	assert.Equal(t, 2, version.Number)

	require.Equal(t, http.StatusAccepted, send(t, app, request(t, http.MethodPost, "/calls/events", callEvent("call-1", 2, models.CallEventDigitPressed, "2")), &ack))
	assert.Equal(t, models.SessionCompleted, ack.Session.State)
	assert.Equal(t, 1, ack.Session.VersionNumber)

	var resolution web.ResolveResponse

	require.Equal(t, http.StatusOK, send(t, app, request(t, http.MethodGet, "/numbers/"+dialed+"/resolve", nil), &resolution))
	assert.Equal(t, 2, resolution.Version)

	var versions []models.Version

	require.Equal(t, http.StatusOK, send(t, app, request(t, http.MethodGet, base+"/versions", nil), &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Number)

	var flowStats web.StatsResponse

	require.Equal(t, http.StatusOK, send(t, app, request(t, http.MethodGet, "/stats/flows/"+flow.ID, nil), &flowStats))
	assert.Equal(t, int64(1), flowStats.NodeVisits["support"])
}
