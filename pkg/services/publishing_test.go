package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/mocks"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/testutil"
	"github.com/dukex/callflow/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupPublishing(t *testing.T, p persistence.Persistence) (*Publishing, *Flow) {
	t.Helper()

	return NewPublishing(p, nil, nil, testLogger()), NewFlow(p, testLogger())
}

func createFlow(t *testing.T, flows *Flow, draft *models.Definition) *models.Flow {
	t.Helper()

	flow, err := flows.Create(context.Background(), testutil.TestActor(), CreateFlowRequest{
		Name:  "Main line",
		Draft: draft,
	})
	require.NoError(t, err)

	return flow
}

func TestPublishing_PublishFirstVersion(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	bus := &mocks.MockEventBus{}

	publishing := NewPublishing(p, bus, nil, testLogger())
	flow := createFlow(t, NewFlow(p, testLogger()), testutil.SalesSupportDefinition())

	bus.On("Publish", mock.Anything, flow.ID, mock.MatchedBy(func(event events.FlowPublished) bool {
		return event.FlowID == flow.ID && event.Version == 1 && event.PublishedBy == "user-1"
	})).Return(nil).Once()

	version, err := publishing.Publish(ctx, flow.ID, flow.Draft, testutil.TestActor())
	require.NoError(t, err)
	assert.Equal(t, 1, version.Number)
	assert.Equal(t, "user-1", version.PublishedBy)
	assert.Equal(t, "org-1", version.OrganizationID)
	assert.False(t, version.CreatedAt.IsZero())

	stored, err := p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PublishedVersion)
	assert.Equal(t, 1, *stored.PublishedVersion)

	bus.AssertExpectations(t)
}

func TestPublishing_EventFailureDoesNotFailPublish(t *testing.T) {
	p := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	publishing := NewPublishing(p, bus, nil, testLogger())
	flow := createFlow(t, NewFlow(p, testLogger()), testutil.SalesSupportDefinition())

	version, err := publishing.PublishDraft(context.Background(), flow.ID, testutil.TestActor())
	require.NoError(t, err)
	assert.Equal(t, 1, version.Number)
}

func TestPublishing_RefusesInvalidDraft(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	publishing, flows := setupPublishing(t, p)

	draft := testutil.SalesSupportDefinition()
	draft.Edges = draft.Edges[:2] // drop menu-2 and everything after it
	flow := createFlow(t, flows, draft)

	_, err := publishing.Publish(ctx, flow.ID, draft, testutil.TestActor())
	require.Error(t, err)

	var validationErr *validation.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.True(t, validationErr.Has(validation.CodeMissingEdge, "menu", "2"))
	assert.Contains(t, err.Error(), "cannot publish: ")

	versions, err := publishing.ListVersions(ctx, flow.ID, testutil.TestActor())
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestPublishing_SnapshotIsImmutable(t *testing.T) {
	ctx := context.Background()
	publishing, flows := setupPublishing(t, memory.NewPersistence())

	draft := testutil.SalesSupportDefinition()
	flow := createFlow(t, flows, draft)

	_, err := publishing.Publish(ctx, flow.ID, draft, testutil.TestActor())
	require.NoError(t, err)

	draft.Nodes[2].Config["text"] = "edited after publish"

	version, err := publishing.GetVersion(ctx, flow.ID, 1, testutil.TestActor())
	require.NoError(t, err)
	assert.Equal(t, "sales", version.Definition.Nodes[2].Config["text"])
}

func TestPublishing_ConcurrentPublishesSameFlow(t *testing.T) {
	ctx := context.Background()
	publishing, flows := setupPublishing(t, memory.NewPersistence())
	flow := createFlow(t, flows, testutil.SalesSupportDefinition())

	const publishers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[int]bool)
	)

	for range publishers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			version, err := publishing.PublishDraft(ctx, flow.ID, testutil.TestActor())
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			numbers[version.Number] = true
			mu.Unlock()
		}()
	}

	wg.Wait()

	require.Len(t, numbers, publishers)

	for n := 1; n <= publishers; n++ {
		assert.True(t, numbers[n], "missing version %d", n)
	}
}

func TestPublishing_ConcurrentPublishesDifferentFlows(t *testing.T) {
	ctx := context.Background()
	publishing, flows := setupPublishing(t, memory.NewPersistence())

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = createFlow(t, flows, testutil.SalesSupportDefinition()).ID
	}

	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)

		go func() {
			defer wg.Done()

			version, err := publishing.PublishDraft(ctx, id, testutil.TestActor())
			if assert.NoError(t, err) {
				assert.Equal(t, 1, version.Number)
			}
		}()
	}

	wg.Wait()
}

// racingPersistence simulates another process that wins the next version number a
// fixed number of times before each of our appends.
type racingPersistence struct {
	*memory.Persistence

	mu      sync.Mutex
	races   int
	appends int
}

func (r *racingPersistence) VersionRepository() persistence.VersionRepository {
	return &racingVersions{VersionRepository: r.Persistence.VersionRepository(), owner: r}
}

type racingVersions struct {
	persistence.VersionRepository

	owner *racingPersistence
}

func (v *racingVersions) Append(ctx context.Context, version *models.Version) error {
	v.owner.mu.Lock()
	v.owner.appends++
	race := v.owner.races > 0
	if race {
		v.owner.races--
	}
	v.owner.mu.Unlock()

	if race {
		competitor := version.Clone()
		competitor.PublishedBy = "other-process"

		err := v.VersionRepository.Append(ctx, competitor)
		if err != nil {
			return err
		}
	}

	return v.VersionRepository.Append(ctx, version)
}

func TestPublishing_RetriesLostCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	p := &racingPersistence{Persistence: memory.NewPersistence(), races: 2}
	publishing, flows := setupPublishing(t, p)
	flow := createFlow(t, flows, testutil.SalesSupportDefinition())

	version, err := publishing.PublishDraft(ctx, flow.ID, testutil.TestActor())
	require.NoError(t, err)
	assert.Equal(t, 3, version.Number)
	assert.Equal(t, 3, p.appends)

	list, err := publishing.ListVersions(ctx, flow.ID, testutil.TestActor())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{list[0].Number, list[1].Number, list[2].Number})
	assert.Equal(t, "user-1", list[0].PublishedBy)
	assert.Equal(t, "other-process", list[1].PublishedBy)
}

func TestPublishing_GivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	p := &racingPersistence{Persistence: memory.NewPersistence(), races: 100}
	publishing, flows := setupPublishing(t, p)
	flow := createFlow(t, flows, testutil.SalesSupportDefinition())

	_, err := publishing.PublishDraft(ctx, flow.ID, testutil.TestActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishConflict)
	assert.True(t, IsConflictError(err))
	assert.Equal(t, defaultPublishAttempts, p.appends)
}

func TestPublishing_Rollback(t *testing.T) {
	ctx := context.Background()
	actor := testutil.TestActor()
	publishing, flows := setupPublishing(t, memory.NewPersistence())
	flow := createFlow(t, flows, testutil.SalesSupportDefinition())

	_, err := publishing.PublishDraft(ctx, flow.ID, actor)
	require.NoError(t, err)

	edited := testutil.SalesSupportDefinition()
	edited.Nodes[2].Config["text"] = "sales, now with more hold music"

	v2, err := publishing.Publish(ctx, flow.ID, edited, actor)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)

	v3, err := publishing.Rollback(ctx, flow.ID, 1, actor)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Number)
	require.NotNil(t, v3.RolledBackFrom)
	assert.Equal(t, 1, *v3.RolledBackFrom)
	assert.Equal(t, "sales", v3.Definition.Nodes[2].Config["text"])

	original, err := publishing.GetVersion(ctx, flow.ID, 2, actor)
	require.NoError(t, err)
	assert.Equal(t, "sales, now with more hold music", original.Definition.Nodes[2].Config["text"])

	_, err = publishing.Rollback(ctx, flow.ID, 9, actor)
	assert.True(t, persistence.IsVersionNotFound(err))
}

func TestPublishing_Unpublish(t *testing.T) {
	ctx := context.Background()
	actor := testutil.TestActor()
	p := memory.NewPersistence()
	publishing, flows := setupPublishing(t, p)
	flow := createFlow(t, flows, testutil.SalesSupportDefinition())

	err := publishing.Unpublish(ctx, flow.ID, actor)
	assert.ErrorIs(t, err, ErrNotPublished)

	_, err = publishing.PublishDraft(ctx, flow.ID, actor)
	require.NoError(t, err)

	require.NoError(t, publishing.Unpublish(ctx, flow.ID, actor))

	stored, err := p.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPublished())

	versions, err := publishing.ListVersions(ctx, flow.ID, actor)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPublishing_Forbidden(t *testing.T) {
	ctx := context.Background()
	publishing, flows := setupPublishing(t, memory.NewPersistence())
	flow := createFlow(t, flows, testutil.SalesSupportDefinition())
	intruder := models.Actor{ID: "mallory", OrganizationID: "org-2"}

	_, err := publishing.PublishDraft(ctx, flow.ID, intruder)
	assert.True(t, IsForbidden(err))

	_, err = publishing.ListVersions(ctx, flow.ID, intruder)
	assert.True(t, IsForbidden(err))

	_, err = publishing.Publish(ctx, flow.ID, flow.Draft, models.Actor{OrganizationID: "org-1"})
	assert.ErrorIs(t, err, ErrInvalidActor)
}
