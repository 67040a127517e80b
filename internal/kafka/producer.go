package kafka

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

// NewProducer writes asynchronously; records are keyed by contract so the
// hash balancer keeps each contract's books in order on one partition.
func NewProducer(brokers []string, topic string, logger zerolog.Logger) *Producer {
	logger = logger.With().Str("component", "kafka").Str("topic", topic).Logger()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond, // Low latency
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error().Err(err).Int("messages", len(messages)).Msg("kafka write failed")
			}
		},
	}
	return &Producer{writer: w}
}

func (p *Producer) WriteMessage(key, value []byte) error {
	return p.writer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   key,
			Value: value,
		},
	)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
