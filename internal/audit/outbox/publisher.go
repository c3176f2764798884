package outbox

import (
	"context"

	"carenotes/internal/platform/kafka/producer"
)

// MessageProducer is the broker client used by StreamPublisher.
type MessageProducer interface {
	Produce(ctx context.Context, msgs []producer.Message) error
}

// StreamPublisher publishes entries to one topic keyed by tenant, so each
// tenant's events stay ordered within a partition.
type StreamPublisher struct {
	producer MessageProducer
	topic    string
}

func NewStreamPublisher(p MessageProducer, topic string) *StreamPublisher {
	return &StreamPublisher{producer: p, topic: topic}
}

func (p *StreamPublisher) Publish(ctx context.Context, entries []Entry) error {
	msgs := make([]producer.Message, len(entries))
	for i, e := range entries {
		msgs[i] = producer.Message{
			Topic: p.topic,
			Key:   []byte(e.TenantID),
			Value: e.Payload,
			Headers: map[string]string{
				"event_id":   e.EventID.String(),
				"event_type": e.EventType,
			},
		}
	}
	return p.producer.Produce(ctx, msgs)
}
