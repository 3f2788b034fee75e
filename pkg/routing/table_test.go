package routing

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/services"
	"github.com/dukex/callflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	persistence persistence.Persistence
	flows       *services.Flow
	publishing  *services.Publishing
	table       *Table
}

func newFixture() *fixture {
	p := memory.NewPersistence()

	return &fixture{
		persistence: p,
		flows:       services.NewFlow(p, testLogger()),
		publishing:  services.NewPublishing(p, nil, nil, testLogger()),
		table:       NewTable(p, Config{}, testLogger()),
	}
}

func (f *fixture) createFlow(t *testing.T, publish bool) *models.Flow {
	t.Helper()

	flow, err := f.flows.Create(context.Background(), testutil.TestActor(), services.CreateFlowRequest{
		Name:  "Main line",
		Draft: testutil.SalesSupportDefinition(),
	})
	require.NoError(t, err)

	if publish {
		_, err = f.publishing.PublishDraft(context.Background(), flow.ID, testutil.TestActor())
		require.NoError(t, err)
	}

	return flow
}

func TestTable_NormalizeNumber(t *testing.T) {
	table := newFixture().table

	tests := []struct {
		raw      string
		expected string
		wantErr  bool
	}{
		{raw: "+15550001111", expected: "+15550001111"},
		{raw: "+1 (555) 000-1111", expected: "+15550001111"},
		{raw: "0044 20 7946 0958", expected: "+442079460958"},
		{raw: "+44.20.7946.0958", expected: "+442079460958"},
		{raw: "5550001111", wantErr: true},
		{raw: "+1-555-CALL-NOW", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := table.NormalizeNumber(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNumber)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTable_ResolvePublishedFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	flow := f.createFlow(t, true)

	binding, err := f.table.Bind(ctx, "+1 555 000 1111", flow.ID, testutil.TestActor())
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", binding.PhoneNumber)
	assert.Equal(t, "user-1", binding.BoundBy)

	resolution, err := f.table.Resolve(ctx, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, flow.ID, resolution.Binding.FlowID)
	assert.Equal(t, 1, resolution.Version.Number)
	assert.Len(t, resolution.Version.Definition.Nodes, 5)
}

func TestTable_ResolveFollowsRepublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	flow := f.createFlow(t, true)

	_, err := f.table.Bind(ctx, "+15550001111", flow.ID, testutil.TestActor())
	require.NoError(t, err)

	first, err := f.table.Resolve(ctx, "+15550001111")
	require.NoError(t, err)

	_, err = f.publishing.PublishDraft(ctx, flow.ID, testutil.TestActor())
	require.NoError(t, err)

	second, err := f.table.Resolve(ctx, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version.Number)
	assert.Equal(t, 2, second.Version.Number)
}

func TestTable_ResolveUnbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	flow := f.createFlow(t, false)

	_, err := f.table.Resolve(ctx, "+15559999999")
	require.Error(t, err)

	var unbound *UnboundError
	require.ErrorAs(t, err, &unbound)
	assert.True(t, IsUnbound(err))
	assert.Nil(t, unbound.Binding)

	_, err = f.table.Bind(ctx, "+15550001111", flow.ID, testutil.TestActor())
	require.NoError(t, err)

	_, err = f.table.Resolve(ctx, "+15550001111")
	require.ErrorAs(t, err, &unbound)
	require.NotNil(t, unbound.Binding)
	assert.Equal(t, flow.ID, unbound.Binding.FlowID)

	_, err = f.publishing.PublishDraft(ctx, flow.ID, testutil.TestActor())
	require.NoError(t, err)

	_, err = f.table.Resolve(ctx, "+15550001111")
	require.NoError(t, err)

	require.NoError(t, f.publishing.Unpublish(ctx, flow.ID, testutil.TestActor()))

	_, err = f.table.Resolve(ctx, "+15550001111")
	assert.True(t, IsUnbound(err))

	_, err = f.table.Resolve(ctx, "not a number")
	assert.True(t, IsUnbound(err))
}

func TestTable_BindRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	flow := f.createFlow(t, true)
	intruder := models.Actor{ID: "mallory", OrganizationID: "org-2"}

	_, err := f.table.Bind(ctx, "+15550001111", flow.ID, intruder)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.table.Bind(ctx, "555", flow.ID, testutil.TestActor())
	assert.ErrorIs(t, err, ErrInvalidNumber)

	_, err = f.table.Bind(ctx, "+15550001111", "missing", testutil.TestActor())
	assert.True(t, persistence.IsFlowNotFound(err))

	_, err = f.table.Bind(ctx, "+15550001111", flow.ID, models.Actor{ID: "user-1"})
	assert.ErrorIs(t, err, ErrInvalidActor)

	_, err = f.table.Bind(ctx, "+15550001111", flow.ID, testutil.TestActor())
	require.NoError(t, err)

	otherFlow, err := f.flows.Create(ctx, intruder, services.CreateFlowRequest{Name: "Hijack"})
	require.NoError(t, err)

	_, err = f.table.Bind(ctx, "+15550001111", otherFlow.ID, intruder)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestTable_UnbindAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	flow := f.createFlow(t, true)

	for _, number := range []string{"+15550001111", "+15550002222"} {
		_, err := f.table.Bind(ctx, number, flow.ID, testutil.TestActor())
		require.NoError(t, err)
	}

	bindings, err := f.table.List(ctx, testutil.TestActor())
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	err = f.table.Unbind(ctx, "+15550001111", models.Actor{ID: "mallory", OrganizationID: "org-2"})
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.table.Unbind(ctx, "+1 555 000 1111", testutil.TestActor()))

	_, err = f.table.Resolve(ctx, "+15550001111")
	assert.True(t, IsUnbound(err))

	err = f.table.Unbind(ctx, "+15550001111", testutil.TestActor())
	assert.True(t, persistence.IsBindingNotFound(err))
}

func TestTable_VersionCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	flow := f.createFlow(t, true)

	first, err := f.table.Version(ctx, flow.ID, 1)
	require.NoError(t, err)

	second, err := f.table.Version(ctx, flow.ID, 1)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = f.table.Version(ctx, flow.ID, 2)
	assert.True(t, persistence.IsVersionNotFound(err))
}

func TestTable_VersionCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.table = NewTable(f.persistence, Config{CacheSize: 1}, testLogger())

	first := f.createFlow(t, true)
	second := f.createFlow(t, true)

	cached, err := f.table.Version(ctx, first.ID, 1)
	require.NoError(t, err)

	_, err = f.table.Version(ctx, second.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.table.versions.Len())

	reloaded, err := f.table.Version(ctx, first.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, cached.Number, reloaded.Number)
	assert.Equal(t, 1, f.table.versions.Len())
	assert.True(t, f.table.versions.Contains(first.ID+"@1"))
}

func TestTable_ConcurrentResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	flow := f.createFlow(t, true)

	_, err := f.table.Bind(ctx, "+15550001111", flow.ID, testutil.TestActor())
	require.NoError(t, err)

	var wg sync.WaitGroup

	errs := make(chan error, 50)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			resolution, err := f.table.Resolve(ctx, "+15550001111")
			if err != nil {
				errs <- err

				return
			}

			if resolution.Version.Number < 1 {
				errs <- errors.New("resolved an unpublished version")
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestTable_FallbackPrompt(t *testing.T) {
	p := memory.NewPersistence()

	assert.Equal(t, defaultFallbackPrompt, NewTable(p, Config{}, testLogger()).FallbackPrompt())
	assert.Equal(t, "Closed", NewTable(p, Config{FallbackPrompt: "Closed"}, testLogger()).FallbackPrompt())
}
