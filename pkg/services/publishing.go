package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/syncutil"
	"github.com/dukex/callflow/pkg/validation"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultPublishAttempts = 5

// Publishing turns validated drafts into immutable, numbered versions. Publishes of one
// flow are serialized by an in-process lock; across processes the repository's
// compare-and-swap on the version number decides the winner and losers retry.
type Publishing struct {
	persistence persistence.Persistence
	validator   *validation.Validator
	validate    *validator.Validate
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	locks       *syncutil.KeyedMutex
	attempts    int
}

// NewPublishing creates a new publishing service. publisher may be nil.
func NewPublishing(
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Publishing {
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &Publishing{
		persistence: persistence,
		validator:   validation.New(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		publisher:   publisher,
		tracer:      tracer,
		logger:      logger.With("module", "publishing"),
		locks:       syncutil.NewKeyedMutex(),
		attempts:    defaultPublishAttempts,
	}
}

// Publish validates draft and stores it as the flow's next version, making it the one new
// calls resolve to. Validation failures come back as *validation.ValidationError and
// structural corruption as *graph.MalformedGraphError; nothing is stored in either case.
func (p *Publishing) Publish(ctx context.Context, flowID string, draft *models.Definition, actor models.Actor) (*models.Version, error) {
	return p.publish(ctx, "Publish", flowID, draft, actor, nil)
}

// PublishDraft publishes the flow's stored draft.
func (p *Publishing) PublishDraft(ctx context.Context, flowID string, actor models.Actor) (*models.Version, error) {
	flow, err := loadFlow(ctx, p.persistence, actor, flowID, "PublishDraft")
	if err != nil {
		return nil, err
	}

	return p.publish(ctx, "PublishDraft", flowID, flow.Draft, actor, nil)
}

// Rollback publishes a new version whose content equals version number. History is never rewritten.
func (p *Publishing) Rollback(ctx context.Context, flowID string, number int, actor models.Actor) (*models.Version, error) {
	_, err := loadFlow(ctx, p.persistence, actor, flowID, "Rollback")
	if err != nil {
		return nil, err
	}

	previous, err := p.persistence.VersionRepository().Get(ctx, flowID, number)
	if err != nil {
		return nil, err
	}

	return p.publish(ctx, "Rollback", flowID, previous.Definition, actor, &number)
}

// Unpublish clears the flow's published pointer. Versions stay in history and calls already
// running keep their pinned version; new calls to bound numbers resolve as unbound.
func (p *Publishing) Unpublish(ctx context.Context, flowID string, actor models.Actor) error {
	err := checkActor(p.validate, actor)
	if err != nil {
		return err
	}

	flow, err := loadFlow(ctx, p.persistence, actor, flowID, "Unpublish")
	if err != nil {
		return err
	}

	if !flow.IsPublished() {
		return NewServiceError("Unpublish", "not_published", "", ErrNotPublished)
	}

	unlock := p.locks.Lock(flowID)
	defer unlock()

	err = p.persistence.VersionRepository().SetPublished(ctx, flowID, nil)
	if err != nil {
		return fmt.Errorf("failed to clear published version: %w", err)
	}

	p.logger.InfoContext(ctx, "flow unpublished", "flow_id", flowID, "actor_id", actor.ID)

	p.emit(ctx, flowID, events.FlowUnpublished{
		BaseEvent:      events.NewBaseEvent(events.FlowUnpublishedEvent),
		FlowID:         flowID,
		OrganizationID: flow.OrganizationID,
		UnpublishedBy:  actor.ID,
	})

	return nil
}

// ListVersions returns the flow's versions, newest first.
func (p *Publishing) ListVersions(ctx context.Context, flowID string, actor models.Actor) ([]*models.Version, error) {
	_, err := loadFlow(ctx, p.persistence, actor, flowID, "ListVersions")
	if err != nil {
		return nil, err
	}

	return p.persistence.VersionRepository().List(ctx, flowID)
}

// GetVersion returns one version of the flow.
func (p *Publishing) GetVersion(ctx context.Context, flowID string, number int, actor models.Actor) (*models.Version, error) {
	_, err := loadFlow(ctx, p.persistence, actor, flowID, "GetVersion")
	if err != nil {
		return nil, err
	}

	return p.persistence.VersionRepository().Get(ctx, flowID, number)
}

func (p *Publishing) publish(
	ctx context.Context,
	op string,
	flowID string,
	draft *models.Definition,
	actor models.Actor,
	rolledBackFrom *int,
) (*models.Version, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "publishing."+op,
		attribute.String(otelhelper.FlowIDKey, flowID),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer span.End()

	version, err := p.doPublish(ctx, op, flowID, draft, actor, rolledBackFrom)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.Int(otelhelper.VersionKey, version.Number))

	return version, nil
}

func (p *Publishing) doPublish(
	ctx context.Context,
	op string,
	flowID string,
	draft *models.Definition,
	actor models.Actor,
	rolledBackFrom *int,
) (*models.Version, error) {
	err := checkActor(p.validate, actor)
	if err != nil {
		return nil, err
	}

	flow, err := loadFlow(ctx, p.persistence, actor, flowID, op)
	if err != nil {
		return nil, err
	}

	// Validate and store the same detached copy.
	snapshot := draft.Clone()

	err = p.validator.ValidateDefinition(snapshot)
	if err != nil {
		p.logger.InfoContext(ctx, "publish refused", "flow_id", flowID, "error", err)

		return nil, err
	}

	unlock := p.locks.Lock(flowID)
	defer unlock()

	versions := p.persistence.VersionRepository()

	for attempt := 1; attempt <= p.attempts; attempt++ {
		latest, err := versions.Latest(ctx, flowID)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest version: %w", err)
		}

		version := &models.Version{
			FlowID:         flowID,
			OrganizationID: flow.OrganizationID,
			Number:         latest + 1,
			Definition:     snapshot.Clone(),
			PublishedBy:    actor.ID,
			RolledBackFrom: rolledBackFrom,
		}

		err = versions.Append(ctx, version)
		if persistence.IsVersionConflict(err) {
			p.logger.DebugContext(ctx, "version number taken, retrying",
				"flow_id", flowID, "version", version.Number, "attempt", attempt)

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to append version: %w", err)
		}

		p.logger.InfoContext(ctx, "flow published",
			"flow_id", flowID, "version", version.Number, "actor_id", actor.ID)

		p.emit(ctx, flowID, events.FlowPublished{
			BaseEvent:      events.NewBaseEvent(events.FlowPublishedEvent),
			FlowID:         flowID,
			OrganizationID: flow.OrganizationID,
			Version:        version.Number,
			PublishedBy:    actor.ID,
			RolledBackFrom: rolledBackFrom,
		})

		return version, nil
	}

	return nil, NewServiceError(op, "publish_conflict",
		fmt.Sprintf("gave up after %d attempts", p.attempts), ErrPublishConflict)
}

// emit publishes a flow event. The version is already durable, so failures are only logged.
func (p *Publishing) emit(ctx context.Context, flowID string, event eventbus.Event) {
	if p.publisher == nil {
		return
	}

	err := p.publisher.Publish(ctx, flowID, event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish flow event",
			"flow_id", flowID, "event_type", event.GetType(), "error", err)
	}
}
