// Package telephony connects the telephony provider to the engine: provider events are
// routed and dispatched to sessions, and engine commands are delivered back.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/callflow/pkg/engine"
	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/session"
	"github.com/google/uuid"
)

// Engine is the part of the execution engine the dispatcher drives.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest, version *models.Version) (*models.CallSession, error)
	HandleEvent(ctx context.Context, event *models.CallEvent) (*models.CallSession, error)
}

// Router resolves the dialed number of a new call.
type Router interface {
	Resolve(ctx context.Context, number string) (*routing.Resolution, error)
	FallbackPrompt() string
}

type Dispatcher struct {
	engine    Engine
	router    Router
	commander engine.Commander
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(
	engine Engine,
	router Router,
	commander engine.Commander,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		engine:    engine,
		router:    router,
		commander: commander,
		publisher: publisher,
		logger:    logger.With("module", "dispatcher"),
	}
}

// Dispatch applies one provider or internal event. A call-started event resolves the
// dialed number and starts a session; a call to a number without a published flow gets
// the fallback prompt and a hang-up, and Dispatch returns the *routing.UnboundError.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.CallEvent) (*models.CallSession, error) {
	if event.Type != models.CallEventStarted {
		return d.engine.HandleEvent(ctx, event)
	}

	resolution, err := d.router.Resolve(ctx, event.To)
	if routing.IsUnbound(err) {
		var unbound *routing.UnboundError

		errors.As(err, &unbound)
		d.unbound(ctx, event, unbound)

		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("failed to route call %s: %w", event.CallID, err)
	}

	return d.engine.Start(ctx, engine.StartRequest{
		CallID: event.CallID,
		From:   event.From,
		To:     resolution.PhoneNumber,
		Seq:    event.Seq,
	}, resolution.Version)
}

func (d *Dispatcher) unbound(ctx context.Context, event *models.CallEvent, unbound *routing.UnboundError) {
	d.logger.InfoContext(ctx, "call to unbound number", "call_id", event.CallID, "to", event.To, "from", event.From)

	now := time.Now().UTC()

	for _, command := range []*models.Command{
		{Type: models.CommandPlayPrompt, Text: d.router.FallbackPrompt()},
		{Type: models.CommandHangUp, Reason: "unbound"},
	} {
		command.ID = uuid.NewString()
		command.CallID = event.CallID
		command.IssuedAt = now

		err := d.commander.Send(ctx, command)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to send fallback command", "call_id", event.CallID, "type", command.Type, "error", err)
		}
	}

	if d.publisher == nil {
		return
	}

	call := events.CallContext{CallID: event.CallID, Seq: event.Seq}
	if unbound.Binding != nil {
		call.OrganizationID = unbound.Binding.OrganizationID
		call.FlowID = unbound.Binding.FlowID
	}

	err := d.publisher.Publish(ctx, event.CallID, events.CallUnbound{
		BaseEvent:   events.NewBaseEvent(events.CallUnboundEvent),
		CallContext: call,
		PhoneNumber: unbound.PhoneNumber,
		From:        event.From,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to publish call unbound event", "call_id", event.CallID, "error", err)
	}
}

// Register consumes provider and internal events from the bus. Discarded events are
// acknowledged; other failures are returned so the bus redelivers them.
func (d *Dispatcher) Register(bus eventbus.EventSubscriber) error {
	return bus.Handle(events.CallEventReceivedEvent, func(ctx context.Context, event interface{}) error {
		var received *models.CallEvent

		switch e := event.(type) {
		case *events.CallEventReceived:
			received = e.Event
		case events.CallEventReceived:
			received = e.Event
		}

		if received == nil {
			d.logger.WarnContext(ctx, "dropping malformed call event", "event", event)

			return nil
		}

		_, err := d.Dispatch(ctx, received)
		if err == nil || Discarded(err) {
			return nil
		}

		d.logger.ErrorContext(ctx, "failed to dispatch call event", "call_id", received.CallID, "type", received.Type, "error", err)

		return err
	})
}

// Discarded reports whether err means the event was dropped without needing a retry.
func Discarded(err error) bool {
	return engine.IsStale(err) ||
		errors.Is(err, engine.ErrCallExists) ||
		routing.IsUnbound(err) ||
		session.IsNotFound(err)
}
