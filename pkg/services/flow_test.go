package services

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/callflow/pkg/graph"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFlow_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	service := NewFlow(memory.NewPersistence(), testLogger())
	actor := testutil.TestActor()

	flow, err := service.Create(ctx, actor, CreateFlowRequest{
		Name:  "Main line",
		Draft: testutil.SalesSupportDefinition(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, flow.ID)
	assert.Equal(t, actor.OrganizationID, flow.OrganizationID)
	assert.Equal(t, actor.ID, flow.CreatedBy)
	assert.False(t, flow.IsPublished())

	got, err := service.Get(ctx, actor, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Main line", got.Name)
	assert.Len(t, got.Draft.Nodes, 5)
}

func TestFlow_CreateWithoutDraft(t *testing.T) {
	service := NewFlow(memory.NewPersistence(), testLogger())

	flow, err := service.Create(context.Background(), testutil.TestActor(), CreateFlowRequest{Name: "Empty"})
	require.NoError(t, err)
	require.NotNil(t, flow.Draft)
	assert.Empty(t, flow.Draft.Nodes)
}

func TestFlow_CreateRejects(t *testing.T) {
	ctx := context.Background()
	service := NewFlow(memory.NewPersistence(), testLogger())

	_, err := service.Create(ctx, testutil.TestActor(), CreateFlowRequest{Name: "x"})
	assert.True(t, IsInvalidRequest(err), "got %v", err)

	_, err = service.Create(ctx, models.Actor{ID: "user-1"}, CreateFlowRequest{Name: "Main line"})
	assert.ErrorIs(t, err, ErrInvalidActor)

	malformed := testutil.SalesSupportDefinition()
	malformed.Edges = append(malformed.Edges, testutil.NewEdge("menu", "3", "ghost"))

	_, err = service.Create(ctx, testutil.TestActor(), CreateFlowRequest{Name: "Main line", Draft: malformed})
	assert.True(t, graph.IsMalformed(err), "got %v", err)
}

func TestFlow_GetOtherOrganization(t *testing.T) {
	ctx := context.Background()
	service := NewFlow(memory.NewPersistence(), testLogger())

	flow, err := service.Create(ctx, testutil.TestActor(), CreateFlowRequest{Name: "Main line"})
	require.NoError(t, err)

	_, err = service.Get(ctx, models.Actor{ID: "intruder", OrganizationID: "org-2"}, flow.ID)
	assert.True(t, IsForbidden(err))

	_, err = service.Get(ctx, testutil.TestActor(), "missing")
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestFlow_List(t *testing.T) {
	ctx := context.Background()
	service := NewFlow(memory.NewPersistence(), testLogger())

	for _, name := range []string{"First", "Second"} {
		_, err := service.Create(ctx, testutil.TestActor(), CreateFlowRequest{Name: name})
		require.NoError(t, err)
	}

	_, err := service.Create(ctx, models.Actor{ID: "u", OrganizationID: "org-2"}, CreateFlowRequest{Name: "Other"})
	require.NoError(t, err)

	flows, err := service.List(ctx, testutil.TestActor())
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestFlow_Update(t *testing.T) {
	ctx := context.Background()
	service := NewFlow(memory.NewPersistence(), testLogger())
	actor := testutil.TestActor()

	flow, err := service.Create(ctx, actor, CreateFlowRequest{Name: "Main line", Description: "before"})
	require.NoError(t, err)

	name := "Renamed line"
	updated, err := service.Update(ctx, actor, flow.ID, UpdateFlowRequest{
		Name:  &name,
		Draft: testutil.SalesSupportDefinition(),
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed line", updated.Name)
	assert.Equal(t, "before", updated.Description)
	assert.Len(t, updated.Draft.Nodes, 5)

	short := "ab"
	_, err = service.Update(ctx, actor, flow.ID, UpdateFlowRequest{Name: &short})
	assert.True(t, IsInvalidRequest(err))
}

func TestFlow_HealthCheck(t *testing.T) {
	message, ok := NewFlow(memory.NewPersistence(), testLogger()).HealthCheck(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)
}
