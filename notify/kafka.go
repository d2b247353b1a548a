package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "chargeflow.dispute.status_changed"

// KafkaDispatcher publishes events keyed by dispute id, so one dispute's
// events stay ordered within a partition.
type KafkaDispatcher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("notify: kafka dispatcher requires at least one broker")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}, nil
}

func (k *KafkaDispatcher) Dispatch(ctx context.Context, ev StatusChanged) error {
	msg, err := message(k.topic, ev)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func (k *KafkaDispatcher) Close() error {
	return k.writer.Close()
}

func message(topic string, ev StatusChanged) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("notify: encode: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(ev.TenantID + "/" + ev.DisputeID),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("dispute.status_changed")},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}, nil
}
