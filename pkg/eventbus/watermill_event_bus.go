package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmail/journey/pkg/events"
	"github.com/flowmail/journey/pkg/otelhelper"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
	tracer        trace.Tracer
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
		tracer:        otel.Tracer("journey-eventbus"),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(topicFor(event.GetType()), msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	for _, topic := range []string{events.Topic, events.CustomerEventTopic, events.DeliveryStatusTopic} {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		var event any

		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		handler, exists := eb.subscriptions[eventType]
		if !exists {
			msg.Ack()

			continue
		}

		switch eventType {
		case events.EnrollmentCreatedEvent:
			event = &events.EnrollmentCreated{}
		case events.EnrollmentCompletedEvent:
			event = &events.EnrollmentCompleted{}
		case events.EnrollmentExitedEvent:
			event = &events.EnrollmentExited{}
		case events.EnrollmentFailedEvent:
			event = &events.EnrollmentFailed{}
		case events.NodeEnteredEvent:
			event = &events.NodeEntered{}
		case events.MessageSentEvent:
			event = &events.MessageSent{}
		case events.GoalAchievedEvent:
			event = &events.GoalAchieved{}
		case events.ExperimentAssignedEvent:
			event = &events.ExperimentAssigned{}
		case events.CustomerActivityEvent:
			event = &events.CustomerActivity{}
		case events.DeliveryStatusEvent:
			event = &events.DeliveryStatus{}
		default:
			msg.Nack()

			continue
		}

		err := json.Unmarshal(msg.Payload, event)
		if err != nil {
			msg.Nack()

			continue
		}

		spanCtx, span := otelhelper.StartSpan(ctx, eb.tracer, "eventbus consume",
			attribute.String("event.type", string(eventType)),
			attribute.String("event.key", msg.Metadata.Get(events.EventMetadataKey)),
		)

		err = handler(spanCtx, event)
		if err != nil {
			otelhelper.SetError(span, err)
			span.End()
			msg.Nack()

			continue
		}

		span.End()
		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
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

func topicFor(eventType events.EventType) string {
	switch eventType {
	case events.CustomerActivityEvent:
		return events.CustomerEventTopic
	case events.DeliveryStatusEvent:
		return events.DeliveryStatusTopic
	default:
		return events.Topic
	}
}
