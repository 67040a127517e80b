package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ledger_books/internal/franz"
	"ledger_books/internal/kafka"
	"ledger_books/internal/metrics"
	"ledger_books/internal/nats"
	"ledger_books/internal/orderbook"
	"ledger_books/internal/redisbook"
)

const (
	DriverNone  = "none"
	DriverLog   = "log"
	DriverKafka = "kafka"
	DriverFranz = "franz"
	DriverNATS  = "nats"
	DriverRedis = "redis"
)

var Drivers = []string{DriverNone, DriverLog, DriverKafka, DriverFranz, DriverNATS, DriverRedis}

// Publisher is the write side shared by every output driver.
type Publisher interface {
	WriteMessage(key, value []byte) error
	Close() error
}

type Options struct {
	Driver            string
	Brokers           []string
	Topic             string
	RedisAddr         string
	Partitions        int32
	ReplicationFactor int16
}

// Open connects the publisher selected by opts.Driver.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverNone:
		return discard{}, nil
	case DriverLog:
		return logPublisher{logger: logger.With().Str("component", "sink").Logger()}, nil
	case DriverKafka:
		return kafka.NewProducer(opts.Brokers, opts.Topic, logger), nil
	case DriverFranz:
		p, err := franz.NewProducer(ctx, franz.Options{
			Brokers:           opts.Brokers,
			Topic:             opts.Topic,
			Partitions:        opts.Partitions,
			ReplicationFactor: opts.ReplicationFactor,
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverNATS:
		p, err := nats.NewProducer(ctx, opts.Brokers, opts.Topic, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", opts.RedisAddr, err)
		}
		return redisbook.New(client, "", opts.Topic, 0), nil
	default:
		return nil, fmt.Errorf("unknown sink driver %q", opts.Driver)
	}
}

// Sink encodes book copies and writes them to a publisher keyed by
// contract id.
type Sink struct {
	enc     Encoder
	pub     Publisher
	name    string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(enc Encoder, pub Publisher, name string, logger zerolog.Logger, m *metrics.Metrics) *Sink {
	return &Sink{
		enc:     enc,
		pub:     pub,
		name:    name,
		logger:  logger.With().Str("component", "sink").Str("driver", name).Logger(),
		metrics: m,
	}
}

func (s *Sink) Publish(b *orderbook.Book) {
	payload, ok, err := s.enc.Encode(b)
	if err != nil {
		s.logger.Error().Err(err).Int64("contract_id", b.ContractID()).Msg("encode book")
		return
	}
	if !ok {
		return
	}
	key := []byte(strconv.FormatInt(b.ContractID(), 10))
	if err := s.pub.WriteMessage(key, payload); err != nil {
		s.metrics.PublishError(s.name)
		s.logger.Error().Err(err).Int64("contract_id", b.ContractID()).Msg("publish error")
	}
}

func (s *Sink) Close() error {
	return s.pub.Close()
}

type discard struct{}

func (discard) WriteMessage(_, _ []byte) error { return nil }
func (discard) Close() error                   { return nil }

type logPublisher struct {
	logger zerolog.Logger
}

func (p logPublisher) WriteMessage(key, value []byte) error {
	p.logger.Info().Bytes("contract_id", key).RawJSON("book", value).Msg("book update")
	return nil
}

func (logPublisher) Close() error { return nil }
