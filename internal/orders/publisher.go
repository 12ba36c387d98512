package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	kafkax "github.com/ariefcatur/agri-market/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
)

// KafkaPublisher routes each envelope to its event topic, keyed by order id.
type KafkaPublisher struct {
	Producer *kafkax.Producer
}

func (p KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	topic := TopicFor(env.EventType)
	if topic == "" {
		return fmt.Errorf("no topic for event %q", env.EventType)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.Producer.Publish(ctx, kafkago.Message{
		Topic: topic,
		Key:   PartitionKey(env.CorrelationID),
		Value: b,
		Headers: []kafkago.Header{
			{Key: kafkax.HeaderEventType, Value: []byte(env.EventType)},
			{Key: kafkax.HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	})
}
