// Package engine executes published flow versions against live calls.
//
// A call is a CallSession stored between events. Every operation loads the session,
// applies one transition in memory, and commits it with an optimistic revision check.
// Commands and lifecycle events collected during the transition are delivered only
// after the commit succeeds, so a retried or rejected transition never emits twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/graph"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/session"
	"github.com/dukex/callflow/pkg/syncutil"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxSteps        = 100
	DefaultInputTimeout    = 10 * time.Second
	DefaultWebhookTimeout  = 10 * time.Second
	DefaultTransferTimeout = 60 * time.Second
	DefaultSessionTTL      = 4 * time.Hour
	DefaultCacheSize       = 256

	maxCommitAttempts = 3
)

// Config holds execution limits. Zero values select the defaults above.
type Config struct {
	// MaxSteps bounds node entries per call. A flow's Settings.MaxSteps overrides it.
	MaxSteps int
	// InputTimeout applies to menu and gather-input nodes without their own timeout.
	InputTimeout time.Duration
	// WebhookTimeout applies to external-webhook nodes without their own timeout.
	WebhookTimeout time.Duration
	// TransferTimeout is how long a transfer waits for its outcome.
	TransferTimeout time.Duration
	// SessionTTL bounds a call's lifetime; the reaper aborts older sessions and purges
	// terminal ones once they are this old.
	SessionTTL time.Duration
	// CacheSize bounds the compiled graphs and webhook response schemas kept in memory.
	// Least recently used entries are evicted and recompiled on demand.
	CacheSize int
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}

	if c.InputTimeout <= 0 {
		c.InputTimeout = DefaultInputTimeout
	}

	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = DefaultWebhookTimeout
	}

	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}

	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}

	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	return c
}

// VersionSource loads the immutable version a session is pinned to.
type VersionSource interface {
	Version(ctx context.Context, flowID string, number int) (*models.Version, error)
}

// Commander delivers commands to the telephony provider or the webhook caller. Delivery
// is one-way; errors are logged and never roll back the transition that issued them.
type Commander interface {
	Send(ctx context.Context, command *models.Command) error
}

// StartRequest describes an inbound call that resolved to a version.
type StartRequest struct {
	CallID string
	From   string
	To     string
	// Seq is the provider sequence number of the call-started event.
	Seq int64
}

// Engine interprets flow versions for many concurrent calls. Transitions of one call are
// serialized by a per-call lock inside this process and by the session revision across
// processes; different calls never contend.
type Engine struct {
	sessions  session.Store
	versions  VersionSource
	commander Commander
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
	validate  *validator.Validate
	config    Config
	locks     *syncutil.KeyedMutex
	graphs    *lru.Cache[string, *graph.Graph]
	schemas   *lru.Cache[string, *gojsonschema.Schema]
	logger    *slog.Logger
}

// New creates an engine. publisher and tracer may be nil.
func New(
	sessions session.Store,
	versions VersionSource,
	commander Commander,
	publisher eventbus.EventPublisher,
	tracer trace.Tracer,
	config Config,
	logger *slog.Logger,
) *Engine {
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	config = config.withDefaults()

	// Sizes are positive after withDefaults, the only case lru.New rejects.
	graphs, _ := lru.New[string, *graph.Graph](config.CacheSize)
	schemas, _ := lru.New[string, *gojsonschema.Schema](config.CacheSize)

	return &Engine{
		sessions:  sessions,
		versions:  versions,
		commander: commander,
		publisher: publisher,
		tracer:    tracer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		config:    config,
		locks:     syncutil.NewKeyedMutex(),
		graphs:    graphs,
		schemas:   schemas,
		logger:    logger.With("module", "engine"),
	}
}

// Session returns a snapshot of a call's session.
func (e *Engine) Session(ctx context.Context, callID string) (*models.CallSession, error) {
	return e.sessions.Get(ctx, callID)
}

// Start creates the session of a new call pinned to version and advances it until it
// suspends or ends. A second start for the same call id fails with ErrCallExists and
// emits nothing.
func (e *Engine) Start(ctx context.Context, req StartRequest, version *models.Version) (*models.CallSession, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.Start",
		attribute.String(otelhelper.CallIDKey, req.CallID),
		attribute.String(otelhelper.FlowIDKey, version.FlowID),
		attribute.Int(otelhelper.VersionKey, version.Number),
	)
	defer span.End()

	s, err := e.start(ctx, req, version)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.OutcomeKey, string(s.State)))

	return s, nil
}

func (e *Engine) start(ctx context.Context, req StartRequest, version *models.Version) (*models.CallSession, error) {
	if req.CallID == "" {
		return nil, errors.New("call id is required")
	}

	g, err := e.compile(version)
	if err != nil {
		return nil, err
	}

	starts := g.StartNodes()
	if len(starts) != 1 {
		return nil, fmt.Errorf("version %d of flow %s has %d start nodes", version.Number, version.FlowID, len(starts))
	}

	variables := make(map[string]any, len(g.Variables()))

	for _, variable := range g.Variables() {
		value, err := variable.Initial()
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", variable.Name, err)
		}

		variables[variable.Name] = value
	}

	unlock := e.locks.Lock(req.CallID)
	defer unlock()

	now := e.config.Now().UTC()

	r := e.newRun(ctx, &models.CallSession{
		CallID:         req.CallID,
		OrganizationID: version.OrganizationID,
		FlowID:         version.FlowID,
		VersionNumber:  version.Number,
		From:           req.From,
		To:             req.To,
		State:          models.SessionRunning,
		CurrentNodeID:  starts[0],
		Variables:      variables,
		LastEventSeq:   req.Seq,
		StartedAt:      now,
	})
	r.graph = g

	r.emit(events.CallStarted{
		BaseEvent:   events.NewBaseEvent(events.CallStartedEvent),
		CallContext: r.callContext(),
		From:        req.From,
		To:          req.To,
		StartNodeID: starts[0],
	})

	r.advance()

	err = e.sessions.Create(ctx, r.session)
	if errors.Is(err, session.ErrSessionExists) {
		return nil, fmt.Errorf("%w: %s", ErrCallExists, req.CallID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	e.logger.InfoContext(ctx, "call started",
		"call_id", req.CallID, "flow_id", version.FlowID, "version", version.Number, "state", r.session.State)

	e.flush(ctx, r)

	return r.session.Clone(), nil
}

// Advance runs a Running session until it suspends or ends. It is a no-op for sessions
// in any other state, so repeated or concurrent calls emit each command once.
func (e *Engine) Advance(ctx context.Context, callID string) (*models.CallSession, error) {
	return e.traced(ctx, "engine.Advance", callID, func(r *run) error {
		if r.session.State != models.SessionRunning {
			return errUnchanged
		}

		r.advance()

		return nil
	})
}

// Resume feeds an event to a suspended session and advances it. Duplicate, out of order
// or superseded events return ErrStaleEvent; events the waiting node cannot consume
// return ErrUnexpectedEvent. Neither changes the session.
func (e *Engine) Resume(ctx context.Context, event *models.CallEvent) (*models.CallSession, error) {
	err := e.validate.Struct(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedEvent, err)
	}

	return e.traced(ctx, "engine.Resume", event.CallID, func(r *run) error {
		err := r.accept(event)
		if err != nil {
			return err
		}

		return r.resume(event)
	})
}

// HandleEvent routes a provider or internal event. A call-ended event is always accepted
// and aborts the session with CallerHangup unless it already ended. A hang-up for a call
// with no session yet leaves an ended session behind, so a late call-started for the same
// call fails with ErrCallExists.
func (e *Engine) HandleEvent(ctx context.Context, event *models.CallEvent) (*models.CallSession, error) {
	if event.Type != models.CallEventEnded {
		return e.Resume(ctx, event)
	}

	s, err := e.hangUp(ctx, event)
	if !session.IsNotFound(err) {
		return s, err
	}

	s, err = e.endUnstarted(ctx, event)
	if errors.Is(err, session.ErrSessionExists) {
		return e.hangUp(ctx, event)
	}

	return s, err
}

func (e *Engine) endUnstarted(ctx context.Context, event *models.CallEvent) (*models.CallSession, error) {
	unlock := e.locks.Lock(event.CallID)
	defer unlock()

	detail := event.Reason
	if detail == "" {
		detail = "caller hung up before the call started"
	}

	now := e.config.Now().UTC()

	ended := &models.CallSession{
		CallID:       event.CallID,
		From:         event.From,
		To:           event.To,
		State:        models.SessionAborted,
		Outcome:      models.OutcomeAborted,
		AbortReason:  models.AbortCallerHangup,
		AbortDetail:  detail,
		Variables:    map[string]any{},
		LastEventSeq: event.Seq,
		StartedAt:    now,
		EndedAt:      &now,
	}

	err := e.sessions.Create(ctx, ended)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "call ended before it started", "call_id", event.CallID, "seq", event.Seq)

	return ended.Clone(), nil
}

func (e *Engine) hangUp(ctx context.Context, event *models.CallEvent) (*models.CallSession, error) {
	return e.traced(ctx, "engine.Hangup", event.CallID, func(r *run) error {
		if event.Seq > r.session.LastEventSeq {
			r.session.LastEventSeq = event.Seq
		}

		if r.session.Terminal() {
			return errUnchanged
		}

		detail := event.Reason
		if detail == "" {
			detail = "caller hung up"
		}

		r.abort(models.AbortCallerHangup, errors.New(detail), false)

		return nil
	})
}

// Complete ends a call successfully from any non-terminal state.
func (e *Engine) Complete(ctx context.Context, callID string) (*models.CallSession, error) {
	return e.traced(ctx, "engine.Complete", callID, func(r *run) error {
		if r.session.Terminal() {
			return errUnchanged
		}

		r.complete()

		return nil
	})
}

// Abort ends a call with reason from any non-terminal state and tells the provider to
// hang up, unless the caller already did.
func (e *Engine) Abort(ctx context.Context, callID string, reason models.AbortReason, detail string) (*models.CallSession, error) {
	return e.traced(ctx, "engine.Abort", callID, func(r *run) error {
		if r.session.Terminal() {
			return errUnchanged
		}

		err := reasonError(reason)
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}

		r.abort(reason, err, reason != models.AbortCallerHangup)

		return nil
	})
}

var errUnchanged = errors.New("session unchanged")

func (e *Engine) traced(ctx context.Context, name, callID string, mutate func(r *run) error) (*models.CallSession, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, name, attribute.String(otelhelper.CallIDKey, callID))
	defer span.End()

	s, err := e.apply(ctx, callID, mutate)
	if err != nil {
		if IsStale(err) {
			e.logger.DebugContext(ctx, "event discarded", "call_id", callID, "error", err)
		} else {
			otelhelper.SetError(span, err)
		}

		return s, err
	}

	span.SetAttributes(attribute.String(otelhelper.OutcomeKey, string(s.State)))

	return s, nil
}

// apply runs one transition under the call's lock and commits it. A lost revision race
// means another process moved the session first; the transition is recomputed from the
// fresh state and the discarded attempt's outbox is dropped.
func (e *Engine) apply(ctx context.Context, callID string, mutate func(r *run) error) (*models.CallSession, error) {
	unlock := e.locks.Lock(callID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		current, err := e.sessions.Get(ctx, callID)
		if err != nil {
			return nil, err
		}

		r := e.newRun(ctx, current.Clone())
		r.graph, r.graphErr = e.load(ctx, current.FlowID, current.VersionNumber)

		err = mutate(r)
		if errors.Is(err, errUnchanged) {
			return current, nil
		}

		if err != nil {
			return current, err
		}

		err = e.sessions.Update(ctx, r.session)
		if session.IsRevisionConflict(err) && attempt < maxCommitAttempts {
			e.logger.DebugContext(ctx, "session moved concurrently, retrying", "call_id", callID, "attempt", attempt)

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}

		e.flush(ctx, r)

		return r.session.Clone(), nil
	}
}

// flush delivers a committed transition's commands, then its lifecycle events.
func (e *Engine) flush(ctx context.Context, r *run) {
	for _, command := range r.commands {
		err := e.commander.Send(ctx, command)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to send command",
				"call_id", command.CallID, "command_id", command.ID, "type", command.Type, "error", err)
		}
	}

	if e.publisher == nil {
		return
	}

	for _, event := range r.events {
		err := e.publisher.Publish(ctx, r.session.CallID, event)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to publish call event",
				"call_id", r.session.CallID, "event_type", event.GetType(), "error", err)
		}
	}
}

func versionKey(flowID string, number int) string {
	return flowID + "@" + strconv.Itoa(number)
}

// load returns the indexed graph of a pinned version.
func (e *Engine) load(ctx context.Context, flowID string, number int) (*graph.Graph, error) {
	if cached, ok := e.graphs.Get(versionKey(flowID, number)); ok {
		return cached, nil
	}

	version, err := e.versions.Version(ctx, flowID, number)
	if err != nil {
		return nil, err
	}

	return e.compile(version)
}

func (e *Engine) compile(version *models.Version) (*graph.Graph, error) {
	key := versionKey(version.FlowID, version.Number)

	if cached, ok := e.graphs.Get(key); ok {
		return cached, nil
	}

	g, err := graph.New(version.Definition)
	if err != nil {
		return nil, err
	}

	if previous, ok, _ := e.graphs.PeekOrAdd(key, g); ok {
		return previous, nil
	}

	return g, nil
}
