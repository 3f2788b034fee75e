// Package persistencetest holds the behavioral contract every persistence backend must satisfy.
package persistencetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the contract against a fresh backend produced by factory for each subtest.
func Run(t *testing.T, factory func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("flow save and get", func(t *testing.T) { testFlowSaveAndGet(t, factory(t)) })
	t.Run("flow save keeps published pointer", func(t *testing.T) { testFlowSaveKeepsPointer(t, factory(t)) })
	t.Run("flow list by organization", func(t *testing.T) { testFlowList(t, factory(t)) })
	t.Run("version append and list", func(t *testing.T) { testVersionAppendAndList(t, factory(t)) })
	t.Run("version append conflict", func(t *testing.T) { testVersionConflict(t, factory(t)) })
	t.Run("version concurrent append", func(t *testing.T) { testVersionConcurrentAppend(t, factory(t)) })
	t.Run("version set published", func(t *testing.T) { testSetPublished(t, factory(t)) })
	t.Run("bindings", func(t *testing.T) { testBindings(t, factory(t)) })
}

func newFlow(org string) *models.Flow {
	return &models.Flow{
		OrganizationID: org,
		Name:           "Main line",
		Description:    "Inbound routing",
		Draft:          testutil.SalesSupportDefinition(),
		CreatedBy:      "user-1",
	}
}

func saveFlow(ctx context.Context, t *testing.T, p persistence.Persistence, org string) *models.Flow {
	t.Helper()

	flow := newFlow(org)
	require.NoError(t, p.FlowRepository().Save(ctx, flow))
	require.NotEmpty(t, flow.ID)

	return flow
}

func newVersion(flow *models.Flow, number int) *models.Version {
	return &models.Version{
		FlowID:         flow.ID,
		OrganizationID: flow.OrganizationID,
		Number:         number,
		Definition:     flow.Draft.Clone(),
		PublishedBy:    "user-1",
	}
}

func testFlowSaveAndGet(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	flow := saveFlow(ctx, t, p, "org-1")

	got, err := p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.Name, got.Name)
	assert.Equal(t, flow.OrganizationID, got.OrganizationID)
	assert.Nil(t, got.PublishedVersion)
	require.NotNil(t, got.Draft)
	assert.Len(t, got.Draft.Nodes, len(flow.Draft.Nodes))
	assert.Equal(t, flow.Draft.Nodes[1].Config["prompt"], got.Draft.Nodes[1].Config["prompt"])

	got.Name = "Renamed"
	require.NoError(t, p.FlowRepository().Save(ctx, got))

	again, err := p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Name)

	_, err = p.FlowRepository().GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.True(t, persistence.IsFlowNotFound(err))
}

func testFlowSaveKeepsPointer(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	flow := saveFlow(ctx, t, p, "org-1")

	require.NoError(t, p.VersionRepository().Append(ctx, newVersion(flow, 1)))

	flow.PublishedVersion = nil
	flow.Description = "edited"
	require.NoError(t, p.FlowRepository().Save(ctx, flow))

	got, err := p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedVersion)
	assert.Equal(t, 1, *got.PublishedVersion)
	assert.Equal(t, "edited", got.Description)
}

func testFlowList(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	saveFlow(ctx, t, p, "org-1")
	saveFlow(ctx, t, p, "org-1")
	saveFlow(ctx, t, p, "org-2")

	flows, err := p.FlowRepository().ListByOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, flows, 2)

	flows, err = p.FlowRepository().ListByOrganization(ctx, "org-3")
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func testVersionAppendAndList(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	flow := saveFlow(ctx, t, p, "org-1")
	versions := p.VersionRepository()

	latest, err := versions.Latest(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, latest)

	for n := 1; n <= 3; n++ {
		require.NoError(t, versions.Append(ctx, newVersion(flow, n)))
	}

	latest, err = versions.Latest(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)

	list, err := versions.List(ctx, flow.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{list[0].Number, list[1].Number, list[2].Number})

	v2, err := versions.Get(ctx, flow.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "user-1", v2.PublishedBy)
	assert.Len(t, v2.Definition.Edges, len(flow.Draft.Edges))

	_, err = versions.Get(ctx, flow.ID, 9)
	assert.True(t, persistence.IsVersionNotFound(err))

	got, err := p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedVersion)
	assert.Equal(t, 3, *got.PublishedVersion)
}

func testVersionConflict(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	flow := saveFlow(ctx, t, p, "org-1")
	versions := p.VersionRepository()

	require.NoError(t, versions.Append(ctx, newVersion(flow, 1)))

	err := versions.Append(ctx, newVersion(flow, 1))
	assert.True(t, persistence.IsVersionConflict(err), "got %v", err)

	err = versions.Append(ctx, newVersion(flow, 3))
	assert.True(t, persistence.IsVersionConflict(err), "got %v", err)

	err = versions.Append(ctx, &models.Version{FlowID: "00000000-0000-0000-0000-000000000000", Number: 1, Definition: flow.Draft})
	assert.True(t, persistence.IsFlowNotFound(err), "got %v", err)
}

func testVersionConcurrentAppend(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	flow := saveFlow(ctx, t, p, "org-1")
	versions := p.VersionRepository()

	const writers = 8

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := versions.Append(ctx, newVersion(flow, 1))
			if err == nil {
				successes.Add(1)

				return
			}

			assert.True(t, persistence.IsVersionConflict(err), "got %v", err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())

	latest, err := versions.Latest(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, latest)
}

func testSetPublished(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	flow := saveFlow(ctx, t, p, "org-1")
	versions := p.VersionRepository()

	require.NoError(t, versions.Append(ctx, newVersion(flow, 1)))
	require.NoError(t, versions.SetPublished(ctx, flow.ID, nil))

	got, err := p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PublishedVersion)

	one := 1
	require.NoError(t, versions.SetPublished(ctx, flow.ID, &one))

	got, err = p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedVersion)
	assert.Equal(t, 1, *got.PublishedVersion)

	five := 5
	err = versions.SetPublished(ctx, flow.ID, &five)
	assert.True(t, persistence.IsVersionNotFound(err), "got %v", err)
}

func testBindings(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	flow := saveFlow(ctx, t, p, "org-1")
	bindings := p.BindingRepository()

	binding := &models.Binding{PhoneNumber: "+15550001111", FlowID: flow.ID, OrganizationID: "org-1", BoundBy: "user-1"}
	require.NoError(t, bindings.Save(ctx, binding))

	got, err := bindings.Get(ctx, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, flow.ID, got.FlowID)
	assert.False(t, got.CreatedAt.IsZero())

	other := saveFlow(ctx, t, p, "org-1")
	binding.FlowID = other.ID
	require.NoError(t, bindings.Save(ctx, binding))

	got, err = bindings.Get(ctx, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.FlowID)

	list, err := bindings.ListByOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, bindings.Delete(ctx, "+15550001111"))

	_, err = bindings.Get(ctx, "+15550001111")
	assert.True(t, persistence.IsBindingNotFound(err))

	err = bindings.Delete(ctx, "+15550001111")
	assert.True(t, persistence.IsBindingNotFound(err))
}
