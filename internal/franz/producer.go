package franz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const produceTimeout = 5 * time.Second

type Producer struct {
	client *kgo.Client
	logger zerolog.Logger
}

type Options struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

// NewProducer connects a franz-go client and makes sure the topic exists.
func NewProducer(ctx context.Context, opts Options, logger zerolog.Logger) (*Producer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.DefaultProduceTopic(opts.Topic),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("franz client: %w", err)
	}
	if err := EnsureTopic(ctx, cl, opts.Topic, opts.Partitions, opts.ReplicationFactor); err != nil {
		cl.Close()
		return nil, err
	}
	return &Producer{
		client: cl,
		logger: logger.With().Str("component", "franz").Str("topic", opts.Topic).Logger(),
	}, nil
}

// EnsureTopic creates topic, treating an existing topic as success.
func EnsureTopic(ctx context.Context, cl *kgo.Client, topic string, partitions int32, replication int16) error {
	resp, err := createTopicsRequest(topic, partitions, replication).RequestWith(ctx, cl)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, t := range resp.Topics {
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, err)
		}
	}
	return nil
}

func createTopicsRequest(topic string, partitions int32, replication int16) *kmsg.CreateTopicsRequest {
	if partitions <= 0 {
		partitions = -1
	}
	if replication <= 0 {
		replication = -1
	}
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = 10000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)
	return req
}

func (p *Producer) WriteMessage(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
	defer cancel()
	return p.client.ProduceSync(ctx, &kgo.Record{Key: key, Value: value}).FirstErr()
}

func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("flush on close")
	}
	p.client.Close()
	return nil
}
