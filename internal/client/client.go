// Package client connects to the game plugin's websocket server and feeds the
// decoded messages to a [Handler].
//
// The connection is kept alive forever: a refused dial or a dropped
// connection is retried after a fixed backoff until the context ends.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/internal/protocol"
)

// DefaultBackoff is the delay between connection attempts.
const DefaultBackoff = 5 * time.Second

// Handler receives every valid inbound message, in arrival order, on the
// client's read goroutine.
type Handler interface {
	Handle(ctx context.Context, msg protocol.Message)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, msg protocol.Message)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg protocol.Message) { f(ctx, msg) }

// Option is a functional option for [New].
type Option func(*Client)

// WithBackoff sets the delay between connection attempts. Non-positive values
// keep [DefaultBackoff].
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithReadLimit sets the maximum frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// Client is a reconnecting websocket consumer.
type Client struct {
	url       string
	handler   Handler
	backoff   time.Duration
	readLimit int64
	metrics   *observe.Metrics

	connected atomic.Bool
	attempts  atomic.Int64
}

// New returns a Client for url. Call [Client.Run] to start it.
func New(url string, h Handler, opts ...Option) *Client {
	c := &Client{
		url:       url,
		handler:   h,
		backoff:   DefaultBackoff,
		readLimit: 1 << 20,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Attempts returns the number of dials made so far.
func (c *Client) Attempts() int64 {
	return c.attempts.Load()
}

// Run dials, reads and redials until ctx is cancelled. It always returns nil
// once ctx is done; connection errors are logged, never returned.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("websocket disconnected, retrying",
			"url", c.url,
			"backoff", c.backoff,
			"err", err,
		)
		c.metrics.RecordReconnect(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
	}
}

// session runs one connection until it drops.
func (c *Client) session(ctx context.Context) error {
	c.attempts.Add(1)
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	conn.SetReadLimit(c.readLimit)
	c.connected.Store(true)
	defer c.connected.Store(false)
	defer conn.CloseNow()

	slog.Info("websocket connected", "url", c.url)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
				return ctx.Err()
			}
			return fmt.Errorf("client: read: %w", err)
		}
		if typ != websocket.MessageText {
			c.metrics.RecordMessage(ctx, "binary", "rejected")
			continue
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		label := "invalid"
		switch {
		case errors.Is(err, protocol.ErrMissingSpeaker):
			label = string(protocol.TypeSay)
		case errors.Is(err, protocol.ErrUnknownType):
			label = "unknown"
		}
		slog.Warn("dropping inbound message", "err", err)
		c.metrics.RecordMessage(ctx, label, "rejected")
		return
	}
	c.metrics.RecordMessage(ctx, string(msg.Type()), "accepted")
	c.handler.Handle(ctx, msg)
}
