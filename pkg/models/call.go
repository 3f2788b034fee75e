package models

import "time"

// CallEventType enumerates events delivered by the telephony provider and internal collaborators.
type CallEventType string

const (
	CallEventStarted        CallEventType = "call-started"
	CallEventDigitPressed   CallEventType = "digit-pressed"
	CallEventInputTimeout   CallEventType = "input-timeout"
	CallEventWebhookResult  CallEventType = "webhook-result"
	CallEventTransferResult CallEventType = "transfer-result"
	CallEventEnded          CallEventType = "call-ended"
)

// Webhook result statuses.
const (
	WebhookStatusSuccess = "success"
	WebhookStatusError   = "error"
)

// WebhookResult is the outcome of an external-webhook command.
type WebhookResult struct {
	Status     string         `json:"status"`
	StatusCode int            `json:"status_code,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// TransferResult is the outcome of a transfer command: answered, busy, no-answer or failed.
type TransferResult struct {
	Outcome string `json:"outcome"`
}

// CallEvent is an inbound event for one call. Provider events carry a per-call
// monotonic Seq. Internal events (webhook results, reaper timeouts) carry Seq 0
// and are matched on CommandID instead.
type CallEvent struct {
	CallID     string          `json:"call_id"               validate:"required"`
	Seq        int64           `json:"seq"                   validate:"gte=0"`
	Type       CallEventType   `json:"type"                  validate:"required,oneof=call-started digit-pressed input-timeout webhook-result transfer-result call-ended"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Digits     string          `json:"digits,omitempty"`
	CommandID  string          `json:"command_id,omitempty"`
	Webhook    *WebhookResult  `json:"webhook,omitempty"`
	Transfer   *TransferResult `json:"transfer,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
}

// CommandType enumerates control commands the engine emits.
type CommandType string

const (
	CommandPlayPrompt  CommandType = "play-prompt"
	CommandGatherInput CommandType = "gather-input"
	CommandTransfer    CommandType = "transfer"
	CommandHangUp      CommandType = "hang-up"
	CommandWebhook     CommandType = "webhook-request"
)

// Command is a one-way control instruction for the telephony provider or the webhook caller.
type Command struct {
	ID        string      `json:"id"`
	CallID    string      `json:"call_id"`
	Type      CommandType `json:"type"`
	NodeID    string      `json:"node_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Voice     string      `json:"voice,omitempty"`
	Language  string      `json:"language,omitempty"`
	Options   []string    `json:"options,omitempty"`
	MaxDigits int         `json:"max_digits,omitempty"`
	FinishKey string      `json:"finish_key,omitempty"`
	Timeout   int         `json:"timeout_seconds,omitempty"`
	Target    string      `json:"target,omitempty"`
	CallerID  string      `json:"caller_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`

	// Webhook request fields.
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	IssuedAt time.Time `json:"issued_at"`
}
