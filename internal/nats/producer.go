package nats

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Producer struct {
	conn    *nats.Conn
	subject string
}

// NewProducer connects to the given servers, retrying with backoff until a
// connection succeeds or ctx is done.
func NewProducer(ctx context.Context, servers []string, subject string, logger zerolog.Logger) (*Producer, error) {
	serverList := strings.Join(servers, ",")
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	for {
		conn, err := nats.Connect(
			serverList,
			nats.Name("ledgerx-orderbook-producer"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(500*time.Millisecond),
		)
		if err == nil {
			return &Producer{conn: conn, subject: subject}, nil
		}
		wait := bo.NextBackOff()
		logger.Warn().Err(err).Str("servers", serverList).Dur("retry_in", wait).Msg("nats connect error")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// WriteMessage publishes value on subject.<key>, or on the bare subject
// when key is empty.
func (p *Producer) WriteMessage(key, value []byte) error {
	if p.conn == nil {
		return nats.ErrConnectionClosed
	}
	return p.conn.Publish(subjectFor(p.subject, key), value)
}

func (p *Producer) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

func subjectFor(subject string, key []byte) string {
	if len(key) == 0 {
		return subject
	}
	return subject + "." + string(key)
}
