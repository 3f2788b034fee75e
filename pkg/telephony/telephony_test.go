package telephony_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/callflow/pkg/channels/gochannel"
	"github.com/dukex/callflow/pkg/engine"
	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/mocks"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/services"
	"github.com/dukex/callflow/pkg/session"
	"github.com/dukex/callflow/pkg/telephony"
	"github.com/dukex/callflow/pkg/testutil"
	"github.com/dukex/callflow/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const dialed = "+15550001111"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	publishing *services.Publishing
	table      *routing.Table
	engine     *engine.Engine
	flow       *models.Flow
}

// newFixture publishes def, binds it to the dialed number and builds an engine delivering
// commands to commander.
func newFixture(t *testing.T, def *models.Definition, commander engine.Commander, publisher eventbus.EventPublisher) *fixture {
	t.Helper()

	ctx := context.Background()
	logger := testLogger()
	p := memory.NewPersistence()
	actor := testutil.TestActor()

	flow, err := services.NewFlow(p, logger).Create(ctx, actor, services.CreateFlowRequest{Name: "Main line", Draft: def})
	require.NoError(t, err)

	publishing := services.NewPublishing(p, nil, nil, logger)
	_, err = publishing.PublishDraft(ctx, flow.ID, actor)
	require.NoError(t, err)

	table := routing.NewTable(p, routing.Config{FallbackPrompt: "Not in service"}, logger)
	_, err = table.Bind(ctx, dialed, flow.ID, actor)
	require.NoError(t, err)

	return &fixture{
		publishing: publishing,
		table:      table,
		engine:     engine.New(session.NewMemoryStore(), table, commander, publisher, nil, engine.Config{}, logger),
		flow:       flow,
	}
}

func callStarted(callID, to string) *models.CallEvent {
	return &models.CallEvent{CallID: callID, Seq: 1, Type: models.CallEventStarted, From: "+15550002222", To: to}
}

func commandOfType(commandType models.CommandType, text string) interface{} {
	return mock.MatchedBy(func(command *models.Command) bool {
		return command.Type == commandType && command.Text == text
	})
}

func TestDispatcher_StartsAndDrivesBoundCall(t *testing.T) {
	ctx := context.Background()

	commander := &mocks.MockCommander{}
	commander.On("Send", mock.Anything, mock.Anything).Return(nil)

	f := newFixture(t, testutil.SalesSupportDefinition(), commander, nil)
	dispatcher := telephony.NewDispatcher(f.engine, f.table, commander, nil, testLogger())

	s, err := dispatcher.Dispatch(ctx, callStarted("call-1", "+1 (555) 000-1111"))
	require.NoError(t, err)
	assert.Equal(t, models.SessionSuspended, s.State)
	assert.Equal(t, dialed, s.To)
	assert.Equal(t, f.flow.ID, s.FlowID)

	s, err = dispatcher.Dispatch(ctx, &models.CallEvent{CallID: "call-1", Seq: 2, Type: models.CallEventDigitPressed, Digits: "1"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.State)

	commander.AssertCalled(t, "Send", mock.Anything, commandOfType(models.CommandPlayPrompt, "sales"))
	commander.AssertNumberOfCalls(t, "Send", 3)

	_, err = dispatcher.Dispatch(ctx, callStarted("call-1", dialed))
	require.ErrorIs(t, err, engine.ErrCallExists)
	assert.True(t, telephony.Discarded(err))

	_, err = dispatcher.Dispatch(ctx, &models.CallEvent{CallID: "call-1", Seq: 2, Type: models.CallEventDigitPressed, Digits: "1"})
	assert.True(t, telephony.Discarded(err))
}

func TestDispatcher_HangupBeforeStart(t *testing.T) {
	ctx := context.Background()

	commander := &mocks.MockCommander{}

	f := newFixture(t, testutil.SalesSupportDefinition(), commander, nil)
	dispatcher := telephony.NewDispatcher(f.engine, f.table, commander, nil, testLogger())

	s, err := dispatcher.Dispatch(ctx, &models.CallEvent{CallID: "call-1", Seq: 2, Type: models.CallEventEnded})
	require.NoError(t, err)
	assert.Equal(t, models.AbortCallerHangup, s.AbortReason)

	_, err = dispatcher.Dispatch(ctx, callStarted("call-1", dialed))
	require.ErrorIs(t, err, engine.ErrCallExists)
	assert.True(t, telephony.Discarded(err))

	commander.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDispatcher_UnboundNumber(t *testing.T) {
	ctx := context.Background()

	commander := &mocks.MockCommander{}
	commander.On("Send", mock.Anything, commandOfType(models.CommandPlayPrompt, "Not in service")).Return(nil).Once()
	commander.On("Send", mock.Anything, commandOfType(models.CommandHangUp, "")).Return(nil).Once()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "call-9", mock.MatchedBy(func(event events.CallUnbound) bool {
		return event.PhoneNumber == "+15550009999" && event.OrganizationID == "" && event.Seq == 1
	})).Return(nil).Once()

	f := newFixture(t, testutil.SalesSupportDefinition(), commander, nil)
	dispatcher := telephony.NewDispatcher(f.engine, f.table, commander, bus, testLogger())

	s, err := dispatcher.Dispatch(ctx, callStarted("call-9", "+15550009999"))
	assert.Nil(t, s)
	assert.True(t, routing.IsUnbound(err))
	assert.True(t, telephony.Discarded(err))

	commander.AssertExpectations(t)
	bus.AssertExpectations(t)
}

func TestDispatcher_UnpublishedFlowIsAttributed(t *testing.T) {
	ctx := context.Background()

	commander := &mocks.MockCommander{}
	commander.On("Send", mock.Anything, mock.Anything).Return(nil)

	bus := &mocks.MockEventBus{}

	f := newFixture(t, testutil.SalesSupportDefinition(), commander, nil)
	require.NoError(t, f.publishing.Unpublish(ctx, f.flow.ID, testutil.TestActor()))

	bus.On("Publish", mock.Anything, "call-1", mock.MatchedBy(func(event events.CallUnbound) bool {
		return event.OrganizationID == "org-1" && event.FlowID == f.flow.ID && event.PhoneNumber == dialed
	})).Return(nil).Once()

	dispatcher := telephony.NewDispatcher(f.engine, f.table, commander, bus, testLogger())

	_, err := dispatcher.Dispatch(ctx, callStarted("call-1", dialed))
	assert.True(t, routing.IsUnbound(err))

	bus.AssertExpectations(t)
}

func TestBusCommander_PublishesProviderCommands(t *testing.T) {
	ctx := context.Background()

	command := &models.Command{ID: "cmd-1", CallID: "call-1", Type: models.CommandPlayPrompt, Text: "hello"}

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "call-1", mock.MatchedBy(func(event events.CommandIssued) bool {
		return event.Command == command
	})).Return(nil).Once()

	commander := telephony.NewBusCommander(bus, nil, testLogger())
	require.NoError(t, commander.Send(ctx, command))

	bus.AssertExpectations(t)
}

func TestBusCommander_ReportsWebhookResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	command := &models.Command{ID: "cmd-1", CallID: "call-1", Type: models.CommandWebhook, URL: "https://crm.example.com"}
	result := &models.WebhookResult{Status: models.WebhookStatusSuccess, StatusCode: 200, Data: map[string]any{"ok": true}}

	caller := &mocks.MockWebhookCaller{}
	caller.On("Call", mock.Anything, command).Return(result).Once()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "call-1", mock.MatchedBy(func(event events.CallEventReceived) bool {
		return event.Event.Type == models.CallEventWebhookResult &&
			event.Event.CommandID == "cmd-1" &&
			event.Event.Seq == 0 &&
			event.Event.Webhook == result
	})).Return(nil).Once()

	commander := telephony.NewBusCommander(bus, caller, testLogger())
	require.NoError(t, commander.Send(ctx, command))

	// The request outlives the context of the transition that issued it.
	cancel()
	commander.Wait()

	caller.AssertExpectations(t)
	bus.AssertExpectations(t)
}

type commandLog struct {
	mu       sync.Mutex
	commands []*models.Command
}

func (l *commandLog) handle(_ context.Context, event interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.commands = append(l.commands, event.(*events.CommandIssued).Command)

	return nil
}

func (l *commandLog) texts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var texts []string

	for _, command := range l.commands {
		if command.Type == models.CommandPlayPrompt {
			texts = append(texts, command.Text)
		}
	}

	return texts
}

func TestRoundTripOverTheBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	crm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "+15550002222", r.URL.Query().Get("phone"))
		_, _ = w.Write([]byte(`{"account": {"balance": 12}}`))
	}))
	defer crm.Close()

	def := &models.Definition{
		Variables: []models.Variable{{Name: "balance", Type: models.VariableNumber}},
		Nodes: []*models.Node{
			{ID: "start", Kind: models.KindStart},
			{ID: "lookup", Kind: models.KindWebhook, Config: map[string]any{
				"url":    crm.URL + "/customers?phone={{ .call.from }}",
				"assign": map[string]any{"balance": "account.balance"},
			}},
			{ID: "greet", Kind: models.KindPlayPrompt, Config: map[string]any{"text": "Your balance is {{ .vars.balance }}"}},
			{ID: "bye", Kind: models.KindHangUp},
		},
		Edges: []*models.Edge{
			testutil.NewEdge("start", models.DiscriminatorNext, "lookup"),
			testutil.NewEdge("lookup", models.DiscriminatorSuccess, "greet"),
			testutil.NewEdge("lookup", models.DiscriminatorError, "bye"),
			testutil.NewEdge("greet", models.DiscriminatorNext, "bye"),
		},
	}

	logger := testLogger()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	commander := telephony.NewBusCommander(bus, webhook.NewCaller(webhook.Config{}, logger), logger)
	f := newFixture(t, def, commander, bus)
	dispatcher := telephony.NewDispatcher(f.engine, f.table, commander, bus, logger)

	provider := &commandLog{}

	require.NoError(t, dispatcher.Register(bus))
	require.NoError(t, bus.Handle(events.CommandIssuedEvent, provider.handle))
	require.NoError(t, bus.Subscribe(ctx))

	err = bus.Publish(ctx, "call-1", events.CallEventReceived{
		BaseEvent: events.NewBaseEvent(events.CallEventReceivedEvent),
		Event:     callStarted("call-1", dialed),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.engine.Session(ctx, "call-1")

		return err == nil && s.State == models.SessionCompleted
	}, 5*time.Second, 20*time.Millisecond)

	commander.Wait()

	s, err := f.engine.Session(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, float64(12), s.Variables["balance"])

	require.Eventually(t, func() bool {
		return len(provider.texts()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"Your balance is 12"}, provider.texts())
}
