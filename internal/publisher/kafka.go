package publisher

import (
	"context"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBackend 每个变化的品种写一条消息，key 为品种代码，保证同一品种落在同一分区
type KafkaBackend struct {
	writer kafkaWriter
}

func NewKafkaBackend(brokers []string, topic string) *KafkaBackend {
	return &KafkaBackend{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (k *KafkaBackend) Name() string { return "kafka" }

func (k *KafkaBackend) Publish(ctx context.Context, msg Message) error {
	out := make([]kafka.Message, 0, len(msg.Prices))
	for _, rec := range msg.Prices {
		data, err := encode(rec)
		if err != nil {
			return err
		}
		out = append(out, kafka.Message{
			Key:   []byte(rec.Symbol),
			Value: data,
			Time:  msg.Timestamp,
		})
	}
	return k.writer.WriteMessages(ctx, out...)
}

func (k *KafkaBackend) Close() error {
	return k.writer.Close()
}
