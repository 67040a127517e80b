package redisbook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "ledgerx:book:"
	DefaultChannel   = "ledgerx.books"
	writeTimeout     = 2 * time.Second
)

// Publisher stores the latest record per contract under <prefix><key> and
// broadcasts every record on a pub/sub channel.
type Publisher struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

func New(client *redis.Client, prefix, channel string, ttl time.Duration) *Publisher {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, prefix: prefix, channel: channel, ttl: ttl}
}

func (p *Publisher) WriteMessage(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.prefix+string(key), value, p.ttl)
		pipe.Publish(ctx, p.channel, value)
		return nil
	})
	return err
}

// Latest returns the last stored record for key.
func (p *Publisher) Latest(ctx context.Context, key string) ([]byte, error) {
	return p.client.Get(ctx, p.prefix+key).Bytes()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
