package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/graph"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/template"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// run is one transition of one session. Commands and events are collected in an outbox
// and only delivered by the engine after the session is committed.
type run struct {
	engine   *Engine
	ctx      context.Context
	session  *models.CallSession
	graph    *graph.Graph
	graphErr error
	now      time.Time
	commands []*models.Command
	events   []eventbus.Event
}

func (e *Engine) newRun(ctx context.Context, s *models.CallSession) *run {
	return &run{
		engine:  e,
		ctx:     ctx,
		session: s,
		now:     e.config.Now().UTC(),
	}
}

func (r *run) callContext() events.CallContext {
	r.session.EventSeq++

	return events.CallContext{
		CallID:         r.session.CallID,
		Seq:            r.session.EventSeq,
		OrganizationID: r.session.OrganizationID,
		FlowID:         r.session.FlowID,
		Version:        r.session.VersionNumber,
	}
}

func (r *run) emit(event eventbus.Event) {
	r.events = append(r.events, event)
}

func (r *run) issue(command *models.Command) *models.Command {
	command.ID = uuid.NewString()
	command.CallID = r.session.CallID
	command.IssuedAt = r.now
	r.commands = append(r.commands, command)

	return command
}

func (r *run) maxSteps() int {
	if r.graph != nil && r.graph.Settings().MaxSteps > 0 {
		return r.graph.Settings().MaxSteps
	}

	return r.engine.config.MaxSteps
}

func (r *run) templateData() template.Data {
	return template.NewData(r.session.Variables, map[string]any{
		template.CallID:             r.session.CallID,
		template.CallFrom:           r.session.From,
		template.CallTo:             r.session.To,
		template.CallFlowID:         r.session.FlowID,
		template.CallVersion:        r.session.VersionNumber,
		template.CallOrganizationID: r.session.OrganizationID,
	})
}

// advance walks nodes while the session is Running.
func (r *run) advance() {
	if r.graph == nil {
		r.fail("", models.AbortVersionUnavailable, r.graphErr)

		return
	}

	for r.session.State == models.SessionRunning {
		node, ok := r.graph.Node(r.session.CurrentNodeID)
		if !ok {
			r.fail(r.session.CurrentNodeID, models.AbortRuntimeEvaluationError,
				fmt.Errorf("node %q is not part of version %d", r.session.CurrentNodeID, r.session.VersionNumber))

			return
		}

		if r.session.Steps >= r.maxSteps() {
			r.fail(node.ID, models.AbortExecutionLimitExceeded,
				fmt.Errorf("reached %d node visits", r.session.Steps))

			return
		}

		r.enter(node)
		r.execute(node)
	}
}

func (r *run) enter(node *models.Node) {
	r.session.Steps++
	r.session.Visits = append(r.session.Visits, models.Visit{NodeID: node.ID, Kind: node.Kind, EnteredAt: r.now})

	r.emit(events.NodeEntered{
		BaseEvent:   events.NewBaseEvent(events.NodeEnteredEvent),
		CallContext: r.callContext(),
		NodeID:      node.ID,
		Kind:        node.Kind,
		Step:        r.session.Steps,
	})
}

func (r *run) execute(node *models.Node) {
	switch config := r.graph.Config(node.ID).(type) {
	case *models.StartConfig:
		r.mustFollow(node, models.DiscriminatorNext)
	case *models.PromptConfig:
		r.playPrompt(node, config)
	case *models.SetVariableConfig:
		r.setVariable(node, config)
	case *models.ConditionConfig:
		r.branch(node, config)
	case *models.MenuConfig, *models.GatherInputConfig:
		r.gather(node, 0)
	case *models.WebhookConfig:
		r.callWebhook(node, config)
	case *models.TransferConfig:
		r.transfer(node, config)
	case *models.HangUpConfig:
		r.issue(&models.Command{Type: models.CommandHangUp, NodeID: node.ID, Reason: config.Reason})
		r.complete()
	default:
		r.fail(node.ID, models.AbortRuntimeEvaluationError, fmt.Errorf("no handler for node kind %q", node.Kind))
	}
}

// follow takes the first existing edge among discriminators and reports whether one existed.
func (r *run) follow(node *models.Node, discriminators ...string) bool {
	for _, discriminator := range discriminators {
		edge, ok := r.graph.Edge(node.ID, discriminator)
		if !ok {
			continue
		}

		r.emit(events.NodeLeft{
			BaseEvent:     events.NewBaseEvent(events.NodeLeftEvent),
			CallContext:   r.callContext(),
			NodeID:        node.ID,
			Discriminator: discriminator,
			TargetNodeID:  edge.Target,
		})

		r.session.CurrentNodeID = edge.Target
		r.session.State = models.SessionRunning
		r.session.Pending = nil

		return true
	}

	return false
}

func (r *run) mustFollow(node *models.Node, discriminators ...string) {
	if !r.follow(node, discriminators...) {
		r.fail(node.ID, models.AbortNoMatchingEdge,
			fmt.Errorf("no edge for %s", strings.Join(discriminators, " or ")))
	}
}

func (r *run) suspend(node *models.Node, command *models.Command, timeout time.Duration, attempts int) {
	r.session.State = models.SessionSuspended
	r.session.Pending = &models.PendingInput{
		CommandID: command.ID,
		NodeID:    node.ID,
		Kind:      node.Kind,
		Deadline:  r.now.Add(timeout),
		Attempts:  attempts,
	}
}

func (r *run) complete() {
	if r.session.Terminal() {
		return
	}

	r.finish(models.SessionCompleted, models.OutcomeCompleted)

	r.emit(events.CallCompleted{
		BaseEvent:   events.NewBaseEvent(events.CallCompletedEvent),
		CallContext: r.callContext(),
		LastNodeID:  r.session.CurrentNodeID,
		Steps:       r.session.Steps,
		Duration:    r.session.Duration(),
	})

	r.engine.logger.InfoContext(r.ctx, "call completed",
		"call_id", r.session.CallID, "flow_id", r.session.FlowID, "version", r.session.VersionNumber,
		"node_id", r.session.CurrentNodeID, "steps", r.session.Steps)
}

// fail aborts the call on a runtime fault at nodeID.
func (r *run) fail(nodeID string, reason models.AbortReason, cause error) {
	if cause == nil {
		cause = errors.New("unknown cause")
	}

	r.abort(reason, &ExecutionError{
		CallID: r.session.CallID,
		NodeID: nodeID,
		Reason: reason,
		Err:    fmt.Errorf("%w: %w", reasonError(reason), cause),
	}, true)
}

func (r *run) abort(reason models.AbortReason, cause error, hangUp bool) {
	if r.session.Terminal() {
		return
	}

	if hangUp {
		r.issue(&models.Command{Type: models.CommandHangUp, NodeID: r.session.CurrentNodeID, Reason: string(reason)})
	}

	r.finish(models.SessionAborted, models.OutcomeAborted)
	r.session.AbortReason = reason
	r.session.AbortDetail = cause.Error()

	r.emit(events.CallAborted{
		BaseEvent:   events.NewBaseEvent(events.CallAbortedEvent),
		CallContext: r.callContext(),
		NodeID:      r.session.CurrentNodeID,
		Reason:      reason,
		Detail:      r.session.AbortDetail,
		Steps:       r.session.Steps,
		Duration:    r.session.Duration(),
	})

	r.engine.logger.WarnContext(r.ctx, "call aborted",
		"call_id", r.session.CallID, "flow_id", r.session.FlowID, "version", r.session.VersionNumber,
		"node_id", r.session.CurrentNodeID, "reason", reason, "error", cause)
}

func (r *run) finish(state models.SessionState, outcome models.Outcome) {
	ended := r.now

	r.session.State = state
	r.session.Outcome = outcome
	r.session.Pending = nil
	r.session.EndedAt = &ended
}

func (r *run) voice(voice, language string) (string, string) {
	settings := r.graph.Settings()

	if voice == "" {
		voice = settings.Voice
	}

	if language == "" {
		language = settings.Language
	}

	return voice, language
}

func (r *run) playPrompt(node *models.Node, config *models.PromptConfig) {
	text, err := template.RenderString(config.Text, r.templateData())
	if err != nil {
		r.fail(node.ID, models.AbortRuntimeEvaluationError, err)

		return
	}

	voice, language := r.voice(config.Voice, config.Language)
	r.issue(&models.Command{Type: models.CommandPlayPrompt, NodeID: node.ID, Text: text, Voice: voice, Language: language})
	r.mustFollow(node, models.DiscriminatorNext)
}

func (r *run) setVariable(node *models.Node, config *models.SetVariableConfig) {
	value, err := r.evaluate(config.Variable, config.Value)
	if err != nil {
		if r.follow(node, models.DiscriminatorDefault) {
			return
		}

		r.fail(node.ID, models.AbortRuntimeEvaluationError, err)

		return
	}

	r.session.Variables[config.Variable] = value
	r.mustFollow(node, models.DiscriminatorNext)
}

// evaluate renders expression and coerces the result to the declared type of name.
// String variables keep the rendered text verbatim.
func (r *run) evaluate(name, expression string) (any, error) {
	variable, ok := r.graph.Variable(name)
	if !ok {
		return nil, fmt.Errorf("variable %q is not declared", name)
	}

	var (
		value any
		err   error
	)

	if variable.Type == models.VariableString {
		value, err = template.RenderString(expression, r.templateData())
	} else {
		value, err = template.Render(expression, r.templateData())
	}

	if err != nil {
		return nil, err
	}

	coerced, err := variable.Type.Coerce(value)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}

	return coerced, nil
}

func (r *run) branch(node *models.Node, config *models.ConditionConfig) {
	result, err := template.RenderBool(config.Expression, r.templateData())
	if err != nil {
		if r.follow(node, models.DiscriminatorDefault) {
			return
		}

		r.fail(node.ID, models.AbortRuntimeEvaluationError, err)

		return
	}

	r.mustFollow(node, strconv.FormatBool(result), models.DiscriminatorDefault)
}

// gather prompts for digits on a menu or gather-input node and suspends. attempts counts
// prompts already replayed after invalid input or silence.
func (r *run) gather(node *models.Node, attempts int) {
	command := &models.Command{Type: models.CommandGatherInput, NodeID: node.ID}

	var (
		prompt  string
		timeout int
	)

	switch config := r.graph.Config(node.ID).(type) {
	case *models.MenuConfig:
		prompt, timeout = config.Prompt, config.TimeoutSeconds
		command.Options = append([]string(nil), config.Options...)
		command.MaxDigits = 1
	case *models.GatherInputConfig:
		prompt, timeout = config.Prompt, config.TimeoutSeconds
		command.MaxDigits = config.MaxDigits
		command.FinishKey = config.FinishOnKey
	default:
		r.fail(node.ID, models.AbortRuntimeEvaluationError, fmt.Errorf("node kind %q does not collect input", node.Kind))

		return
	}

	text, err := template.RenderString(prompt, r.templateData())
	if err != nil {
		r.fail(node.ID, models.AbortRuntimeEvaluationError, err)

		return
	}

	wait := r.engine.config.InputTimeout
	if timeout > 0 {
		wait = time.Duration(timeout) * time.Second
	}

	command.Text = text
	command.Voice, command.Language = r.voice("", "")
	command.Timeout = int(wait / time.Second)

	r.suspend(node, r.issue(command), wait, attempts)
}

// retry replays the prompt of the waiting node if it has retries left.
func (r *run) retry(node *models.Node, maxRetries int) bool {
	attempts := r.session.Pending.Attempts
	if attempts >= maxRetries {
		return false
	}

	r.gather(node, attempts+1)

	return true
}

func (r *run) callWebhook(node *models.Node, config *models.WebhookConfig) {
	data := r.templateData()

	url, err := template.RenderString(config.URL, data)
	if err != nil {
		r.fail(node.ID, models.AbortRuntimeEvaluationError, err)

		return
	}

	var body string
	if config.Body != "" {
		body, err = template.RenderString(config.Body, data)
		if err != nil {
			r.fail(node.ID, models.AbortRuntimeEvaluationError, err)

			return
		}
	}

	headers := make(map[string]string, len(config.Headers))

	for name, value := range config.Headers {
		headers[name], err = template.RenderString(value, data)
		if err != nil {
			r.fail(node.ID, models.AbortRuntimeEvaluationError, fmt.Errorf("header %s: %w", name, err))

			return
		}
	}

	method := config.Method
	if method == "" {
		method = "GET"
	}

	wait := r.engine.config.WebhookTimeout
	if config.TimeoutSeconds > 0 {
		wait = time.Duration(config.TimeoutSeconds) * time.Second
	}

	command := r.issue(&models.Command{
		Type:    models.CommandWebhook,
		NodeID:  node.ID,
		URL:     url,
		Method:  method,
		Headers: headers,
		Body:    body,
		Timeout: int(wait / time.Second),
	})

	r.suspend(node, command, wait, 0)
}

func (r *run) transfer(node *models.Node, config *models.TransferConfig) {
	target, err := template.RenderString(config.Target, r.templateData())
	if err != nil {
		r.fail(node.ID, models.AbortRuntimeEvaluationError, err)

		return
	}

	wait := r.engine.config.TransferTimeout
	if config.TimeoutSeconds > 0 {
		wait = time.Duration(config.TimeoutSeconds) * time.Second
	}

	command := r.issue(&models.Command{
		Type:     models.CommandTransfer,
		NodeID:   node.ID,
		Target:   target,
		CallerID: config.CallerID,
		Timeout:  int(wait / time.Second),
	})

	// Without outcome edges the call is handed off and this flow is done with it.
	if len(r.graph.Outgoing(node.ID)) == 0 {
		r.complete()

		return
	}

	r.suspend(node, command, wait, 0)
}

// accept checks event against the session's sequencing before any state changes.
func (r *run) accept(event *models.CallEvent) error {
	if r.session.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrStaleEvent, r.session.State)
	}

	pending := r.session.Pending

	if event.Seq > 0 {
		if event.Seq <= r.session.LastEventSeq {
			return fmt.Errorf("%w: seq %d already applied (last %d)", ErrStaleEvent, event.Seq, r.session.LastEventSeq)
		}

		if event.CommandID != "" && (pending == nil || event.CommandID != pending.CommandID) {
			return fmt.Errorf("%w: answers command %s which is no longer pending", ErrStaleEvent, event.CommandID)
		}
	} else if pending == nil || event.CommandID != pending.CommandID {
		return fmt.Errorf("%w: internal event for command %q which is not pending", ErrStaleEvent, event.CommandID)
	}

	if r.session.State != models.SessionSuspended || pending == nil {
		return fmt.Errorf("%w: %s while %s", ErrUnexpectedEvent, event.Type, r.session.State)
	}

	if !consumes(pending.Kind, event.Type) {
		return fmt.Errorf("%w: %s node %s cannot consume %s", ErrUnexpectedEvent, pending.Kind, pending.NodeID, event.Type)
	}

	if event.Seq > 0 {
		r.session.LastEventSeq = event.Seq
	}

	return nil
}

func consumes(kind models.NodeKind, eventType models.CallEventType) bool {
	switch kind {
	case models.KindMenu, models.KindGatherInput:
		return eventType == models.CallEventDigitPressed || eventType == models.CallEventInputTimeout
	case models.KindWebhook:
		return eventType == models.CallEventWebhookResult
	case models.KindTransfer:
		return eventType == models.CallEventTransferResult
	default:
		return false
	}
}

// resume resolves the waiting node's outgoing edge from event and continues.
func (r *run) resume(event *models.CallEvent) error {
	if r.graph == nil {
		r.fail(r.session.CurrentNodeID, models.AbortVersionUnavailable, r.graphErr)

		return nil
	}

	node, ok := r.graph.Node(r.session.Pending.NodeID)
	if !ok {
		r.fail(r.session.Pending.NodeID, models.AbortRuntimeEvaluationError,
			fmt.Errorf("waiting node %q is not part of version %d", r.session.Pending.NodeID, r.session.VersionNumber))

		return nil
	}

	switch config := r.graph.Config(node.ID).(type) {
	case *models.MenuConfig:
		r.resumeMenu(node, config, event)
	case *models.GatherInputConfig:
		r.resumeGather(node, config, event)
	case *models.WebhookConfig:
		r.resumeWebhook(node, config, event.Webhook)
	case *models.TransferConfig:
		r.resumeTransfer(node, event.Transfer)
	}

	r.advance()

	return nil
}

func (r *run) resumeMenu(node *models.Node, config *models.MenuConfig, event *models.CallEvent) {
	if event.Type == models.CallEventInputTimeout {
		if r.follow(node, models.DiscriminatorTimeout, models.DiscriminatorDefault) || r.retry(node, config.MaxRetries) {
			return
		}

		r.fail(node.ID, models.AbortNoMatchingEdge, errors.New("no input before timeout"))

		return
	}

	digit := strings.TrimSpace(event.Digits)
	if models.IsDigit(digit) && slices.Contains(config.Options, digit) && r.follow(node, digit) {
		return
	}

	if r.follow(node, models.DiscriminatorDefault) || r.retry(node, config.MaxRetries) {
		return
	}

	r.fail(node.ID, models.AbortNoMatchingEdge, fmt.Errorf("digit %q matches no option", digit))
}

func (r *run) resumeGather(node *models.Node, config *models.GatherInputConfig, event *models.CallEvent) {
	if event.Type == models.CallEventInputTimeout {
		if r.follow(node, models.DiscriminatorTimeout) || r.retry(node, config.MaxRetries) {
			return
		}

		r.fail(node.ID, models.AbortNoMatchingEdge, errors.New("no input before timeout"))

		return
	}

	digits := strings.TrimSpace(event.Digits)
	if config.FinishOnKey != "" {
		digits = strings.TrimSuffix(digits, config.FinishOnKey)
	}

	variable, ok := r.graph.Variable(config.StoreAs)
	if !ok {
		r.fail(node.ID, models.AbortRuntimeEvaluationError, fmt.Errorf("variable %q is not declared", config.StoreAs))

		return
	}

	value, err := variable.Type.Coerce(digits)
	if err != nil {
		if r.follow(node, models.DiscriminatorDefault) {
			return
		}

		r.fail(node.ID, models.AbortRuntimeEvaluationError, fmt.Errorf("variable %q: %w", config.StoreAs, err))

		return
	}

	r.session.Variables[config.StoreAs] = value
	r.mustFollow(node, models.DiscriminatorNext)
}

func (r *run) resumeWebhook(node *models.Node, config *models.WebhookConfig, result *models.WebhookResult) {
	err := r.applyWebhookResult(node, config, result)
	if err == nil {
		r.mustFollow(node, models.DiscriminatorSuccess, models.DiscriminatorDefault)

		return
	}

	if r.follow(node, models.DiscriminatorError, models.DiscriminatorDefault) {
		r.engine.logger.InfoContext(r.ctx, "webhook failed, following error edge",
			"call_id", r.session.CallID, "node_id", node.ID, "error", err)

		return
	}

	r.fail(node.ID, models.AbortRuntimeEvaluationError, err)
}

// applyWebhookResult checks a result and assigns its values. Assignments are all or nothing.
func (r *run) applyWebhookResult(node *models.Node, config *models.WebhookConfig, result *models.WebhookResult) error {
	if result == nil {
		return errors.New("webhook result is missing")
	}

	if result.Status != models.WebhookStatusSuccess {
		if result.Error != "" {
			return fmt.Errorf("webhook %s: %s", result.Status, result.Error)
		}

		return fmt.Errorf("webhook %s (status code %d)", result.Status, result.StatusCode)
	}

	if len(config.ResponseSchema) > 0 {
		err := r.engine.checkSchema(r.session, node.ID, config.ResponseSchema, result.Data)
		if err != nil {
			return err
		}
	}

	names := make([]string, 0, len(config.Assign))
	for name := range config.Assign {
		names = append(names, name)
	}

	sort.Strings(names)

	assigned := make(map[string]any, len(names))

	for _, name := range names {
		path := config.Assign[name]

		raw, ok := lookupPath(result.Data, path)
		if !ok {
			return fmt.Errorf("response has no value at %q", path)
		}

		variable, ok := r.graph.Variable(name)
		if !ok {
			return fmt.Errorf("variable %q is not declared", name)
		}

		value, err := variable.Type.Coerce(raw)
		if err != nil {
			return fmt.Errorf("variable %q from %q: %w", name, path, err)
		}

		assigned[name] = value
	}

	for name, value := range assigned {
		r.session.Variables[name] = value
	}

	return nil
}

func (r *run) resumeTransfer(node *models.Node, result *models.TransferResult) {
	outcome := models.DiscriminatorFailed

	if result != nil {
		switch result.Outcome {
		case models.DiscriminatorAnswered, models.DiscriminatorBusy, models.DiscriminatorNoAnswer, models.DiscriminatorFailed:
			outcome = result.Outcome
		}
	}

	if r.follow(node, outcome, models.DiscriminatorDefault) {
		return
	}

	r.complete()
}

// lookupPath resolves a dotted path such as "account.balance" or "items.0.id".
func lookupPath(data map[string]any, path string) (any, bool) {
	var current any = data

	for _, part := range strings.Split(path, ".") {
		switch value := current.(type) {
		case map[string]any:
			next, ok := value[part]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(value) {
				return nil, false
			}

			current = value[index]
		default:
			return nil, false
		}
	}

	return current, true
}

func (e *Engine) checkSchema(s *models.CallSession, nodeID string, schema map[string]any, data map[string]any) error {
	key := versionKey(s.FlowID, s.VersionNumber) + "/" + nodeID

	compiled, ok := e.schemas.Get(key)
	if !ok {
		var err error

		compiled, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return fmt.Errorf("invalid response schema: %w", err)
		}

		e.schemas.Add(key, compiled)
	}

	var document any = data
	if data == nil {
		document = map[string]any{}
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return fmt.Errorf("failed to check response: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("response does not match schema: %s", strings.Join(problems, "; "))
	}

	return nil
}
