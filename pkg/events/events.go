// Package events defines the lifecycle, command and ingress events exchanged over the event bus.
package events

import (
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	Topic          = "callflow.events"      // Flow and call lifecycle events
	CommandTopic   = "callflow.commands"    // Commands for the telephony provider and webhook caller
	CallEventTopic = "callflow.call-events" // Inbound provider events
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Flow lifecycle events.
	FlowPublishedEvent   EventType = "flow.published"
	FlowUnpublishedEvent EventType = "flow.unpublished"

	// Call lifecycle events.
	CallStartedEvent   EventType = "call.started"
	NodeEnteredEvent   EventType = "call.node.entered"
	NodeLeftEvent      EventType = "call.node.left"
	CallCompletedEvent EventType = "call.completed"
	CallAbortedEvent   EventType = "call.aborted"
	CallUnboundEvent   EventType = "call.unbound"

	// Control plane.
	CommandIssuedEvent     EventType = "call.command.issued"
	CallEventReceivedEvent EventType = "call.event.received"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case CommandIssuedEvent:
		return CommandTopic
	case CallEventReceivedEvent:
		return CallEventTopic
	default:
		return Topic
	}
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// CallContext identifies the call a lifecycle event belongs to. Seq is the per-call
// emission counter; (CallID, Seq) is unique for every lifecycle event of a call.
type CallContext struct {
	CallID         string `json:"call_id"`
	Seq            int64  `json:"seq"`
	OrganizationID string `json:"organization_id"`
	FlowID         string `json:"flow_id,omitempty"`
	Version        int    `json:"version,omitempty"`
}

// Call returns the call context, letting consumers handle every call event uniformly.
func (c CallContext) Call() CallContext {
	return c
}

type FlowPublished struct {
	BaseEvent

	FlowID         string `json:"flow_id"`
	OrganizationID string `json:"organization_id"`
	Version        int    `json:"version"`
	PublishedBy    string `json:"published_by"`
	RolledBackFrom *int   `json:"rolled_back_from,omitempty"`
}

func (e FlowPublished) GetType() EventType {
	return FlowPublishedEvent
}

type FlowUnpublished struct {
	BaseEvent

	FlowID         string `json:"flow_id"`
	OrganizationID string `json:"organization_id"`
	UnpublishedBy  string `json:"unpublished_by"`
}

func (e FlowUnpublished) GetType() EventType {
	return FlowUnpublishedEvent
}

type CallStarted struct {
	BaseEvent
	CallContext

	From        string `json:"from"`
	To          string `json:"to"`
	StartNodeID string `json:"start_node_id"`
}

func (e CallStarted) GetType() EventType {
	return CallStartedEvent
}

type NodeEntered struct {
	BaseEvent
	CallContext

	NodeID string          `json:"node_id"`
	Kind   models.NodeKind `json:"kind"`
	Step   int             `json:"step"`
}

func (e NodeEntered) GetType() EventType {
	return NodeEnteredEvent
}

type NodeLeft struct {
	BaseEvent
	CallContext

	NodeID        string `json:"node_id"`
	Discriminator string `json:"discriminator"`
	TargetNodeID  string `json:"target_node_id"`
}

func (e NodeLeft) GetType() EventType {
	return NodeLeftEvent
}

type CallCompleted struct {
	BaseEvent
	CallContext

	LastNodeID string        `json:"last_node_id"`
	Steps      int           `json:"steps"`
	Duration   time.Duration `json:"duration"`
}

func (e CallCompleted) GetType() EventType {
	return CallCompletedEvent
}

type CallAborted struct {
	BaseEvent
	CallContext

	NodeID   string             `json:"node_id,omitempty"`
	Reason   models.AbortReason `json:"reason"`
	Detail   string             `json:"detail,omitempty"`
	Steps    int                `json:"steps"`
	Duration time.Duration      `json:"duration"`
}

func (e CallAborted) GetType() EventType {
	return CallAbortedEvent
}

// CallUnbound reports a call that arrived on a number with no published flow. OrganizationID
// and FlowID are set when the number is bound to a flow that has no published version.
type CallUnbound struct {
	BaseEvent
	CallContext

	PhoneNumber string `json:"phone_number"`
	From        string `json:"from"`
}

func (e CallUnbound) GetType() EventType {
	return CallUnboundEvent
}

type CommandIssued struct {
	BaseEvent

	Command *models.Command `json:"command"`
}

func (e CommandIssued) GetType() EventType {
	return CommandIssuedEvent
}

type CallEventReceived struct {
	BaseEvent

	Event *models.CallEvent `json:"event"`
}

func (e CallEventReceived) GetType() EventType {
	return CallEventReceivedEvent
}
