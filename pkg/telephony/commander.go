package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/events"
	"github.com/dukex/callflow/pkg/models"
)

// WebhookCaller performs webhook-request commands.
type WebhookCaller interface {
	Call(ctx context.Context, command *models.Command) *models.WebhookResult
}

// BusCommander delivers provider commands as command-issued events keyed by call id.
// Webhook requests are performed in the background and their results come back to the
// engine as internal call events on the bus.
type BusCommander struct {
	publisher eventbus.EventPublisher
	webhooks  WebhookCaller
	inflight  sync.WaitGroup
	logger    *slog.Logger
}

func NewBusCommander(publisher eventbus.EventPublisher, webhooks WebhookCaller, logger *slog.Logger) *BusCommander {
	return &BusCommander{
		publisher: publisher,
		webhooks:  webhooks,
		logger:    logger.With("module", "commander"),
	}
}

func (c *BusCommander) Send(ctx context.Context, command *models.Command) error {
	if command.Type == models.CommandWebhook && c.webhooks != nil {
		c.inflight.Add(1)

		go func() {
			defer c.inflight.Done()

			c.callWebhook(context.WithoutCancel(ctx), command)
		}()

		return nil
	}

	c.logger.DebugContext(ctx, "issuing command", "call_id", command.CallID, "command_id", command.ID, "type", command.Type)

	return c.publisher.Publish(ctx, command.CallID, events.CommandIssued{
		BaseEvent: events.NewBaseEvent(events.CommandIssuedEvent),
		Command:   command,
	})
}

func (c *BusCommander) callWebhook(ctx context.Context, command *models.Command) {
	result := c.webhooks.Call(ctx, command)

	err := c.publisher.Publish(ctx, command.CallID, events.CallEventReceived{
		BaseEvent: events.NewBaseEvent(events.CallEventReceivedEvent),
		Event: &models.CallEvent{
			CallID:     command.CallID,
			Type:       models.CallEventWebhookResult,
			CommandID:  command.ID,
			Webhook:    result,
			OccurredAt: time.Now().UTC(),
		},
	})
	if err != nil {
		// The reaper times the node out once its deadline passes.
		c.logger.ErrorContext(ctx, "failed to publish webhook result",
			"call_id", command.CallID, "command_id", command.ID, "error", err)
	}
}

// Wait blocks until in-flight webhook requests have reported their results.
func (c *BusCommander) Wait() {
	c.inflight.Wait()
}
