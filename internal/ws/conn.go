package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler receives stream events. Exactly one callback runs per event, always
// from the connection's read goroutine.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(code int, text string)
	OnError(err error)
}

type Config struct {
	URL         string
	Header      http.Header
	ReadTimeout time.Duration
	Reconnect   bool
	Dialer      *websocket.Dialer
}

// Conn is a websocket stream that hands every text frame to a Handler and
// optionally redials after the connection drops.
type Conn struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func New(cfg Config, logger zerolog.Logger) *Conn {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Conn{
		cfg:    cfg,
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// Start dials the stream and begins delivering messages in the background.
// The first dial is synchronous so a bad URL or rejected token fails fast.
func (c *Conn) Start(ctx context.Context, h Handler) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("ws: already started")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx, cancel, conn, h)
	return nil
}

// Stop closes the stream and waits for the read goroutine to exit.
func (c *Conn) Stop() error {
	c.mu.Lock()
	if c.done == nil || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, conn, done := c.cancel, c.conn, c.done
	c.mu.Unlock()

	var err error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	cancel()
	if conn != nil {
		err = conn.Close()
	}
	<-done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return conn, nil
}

func (c *Conn) run(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, h Handler) {
	defer close(c.done)
	defer cancel()

	// ReadMessage does not observe ctx; closing the socket unblocks it.
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		cur := c.conn
		c.mu.Unlock()
		if cur != nil {
			_ = cur.Close()
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		h.OnOpen()
		c.readLoop(ctx, conn, h)
		_ = conn.Close()

		if ctx.Err() != nil || !c.cfg.Reconnect {
			return
		}

		for {
			wait := bo.NextBackOff()
			c.logger.Warn().Dur("retry_in", wait).Msg("websocket disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			next, err := c.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.OnError(err)
				continue
			}
			c.mu.Lock()
			if c.stopped || ctx.Err() != nil {
				c.mu.Unlock()
				_ = next.Close()
				return
			}
			c.conn = next
			c.mu.Unlock()
			conn = next
			bo.Reset()
			break
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) {
	for {
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case ctx.Err() != nil:
				h.OnClose(websocket.CloseNormalClosure, "")
			case errors.As(err, &ce):
				h.OnClose(ce.Code, ce.Text)
			default:
				h.OnError(err)
				h.OnClose(websocket.CloseAbnormalClosure, err.Error())
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.OnMessage(data)
	}
}
