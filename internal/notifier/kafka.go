package notifier

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"document-bridge/internal/queue"
)

// KafkaPublisher publishes notifications to Kafka. The destination becomes the
// topic and the routing key becomes the record key.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaProducer creates a synchronous producer that waits for all replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic, key string, msg queue.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	headers := []sarama.RecordHeader{
		{Key: []byte("message_id"), Value: []byte(msg.ID)},
		{Key: []byte("content_type"), Value: []byte(msg.ContentType)},
	}
	for name, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(queue.HeaderText(v))})
	}

	pm := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(msg.Body),
		Headers: headers,
	}
	if key != "" {
		pm.Key = sarama.StringEncoder(key)
	}
	if _, _, err := k.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("send to kafka topic %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}
