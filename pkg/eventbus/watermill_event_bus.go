package eventbus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/callflow/pkg/events"
)

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// Publish sends event on the topic of its type. The key is used as the partition key on
// Kafka, so events sharing a key (a call id) keep their order.
func (eb *WatermillEventBus) Publish(_ context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.TopicFor(event.GetType()), msg)
}

// Subscribe starts one consumer per topic that has at least one registered handler.
// Handlers must be registered before Subscribe is called.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	for _, topic := range eb.topics() {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) topics() []string {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	seen := make(map[string]bool)

	for eventType := range eb.subscriptions {
		seen[events.TopicFor(eventType)] = true
	}

	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}

	sort.Strings(topics)

	return topics
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		eb.mu.RLock()
		handler, exists := eb.subscriptions[eventType]
		eb.mu.RUnlock()

		if !exists {
			msg.Ack()

			continue
		}

		event, ok := newEvent(eventType)
		if !ok {
			msg.Nack()

			continue
		}

		err := json.Unmarshal(msg.Payload, event)
		if err != nil {
			msg.Nack()

			continue
		}

		err = handler(ctx, event)
		if err != nil {
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func newEvent(eventType events.EventType) (any, bool) {
	switch eventType {
	case events.FlowPublishedEvent:
		return &events.FlowPublished{}, true
	case events.FlowUnpublishedEvent:
		return &events.FlowUnpublished{}, true
	case events.CallStartedEvent:
		return &events.CallStarted{}, true
	case events.NodeEnteredEvent:
		return &events.NodeEntered{}, true
	case events.NodeLeftEvent:
		return &events.NodeLeft{}, true
	case events.CallCompletedEvent:
		return &events.CallCompleted{}, true
	case events.CallAbortedEvent:
		return &events.CallAborted{}, true
	case events.CallUnboundEvent:
		return &events.CallUnbound{}, true
	case events.CommandIssuedEvent:
		return &events.CommandIssued{}, true
	case events.CallEventReceivedEvent:
		return &events.CallEventReceived{}, true
	default:
		return nil, false
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
