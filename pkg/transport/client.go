// Package transport owns the duplex channel to the relay: dialing,
// frame classification, ordered sends and reconnection with backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/clock"
	"sentinel-overwatch/pkg/shared"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Sink receives status changes and decoded messages. Calls come from the
// client's goroutines; a Sink that touches shared state must hand the
// work to its own loop.
type Sink interface {
	OnStatus(Status)
	OnMessage(Message)
}

// ErrNotConnected is returned by Send while no connection is up. Deltas
// dropped this way are covered by the full-state sync on reconnect.
var ErrNotConnected = errors.New("transport not connected")

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendQueueLen = 256
)

type Options struct {
	// URL is the websocket endpoint; Room is appended as the last path
	// segment.
	URL            string
	Room           string
	Token          string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clock.Clock
	Dialer         *websocket.Dialer
}

type Client struct {
	opts    Options
	sink    Sink
	backoff *Backoff
	logger  *zap.Logger

	mu   sync.Mutex
	conn *connection
}

func NewClient(opts Options, sink Sink, logger *zap.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid transport url: %w", err)
	}
	if opts.Room == "" {
		opts.Room = shared.DefaultRoom
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Client{
		opts:    opts,
		sink:    sink,
		backoff: NewBackoff(opts.InitialBackoff, opts.MaxBackoff),
		logger:  logger.Named("transport"),
	}, nil
}

// Endpoint returns the dial URL with room and token applied.
func (c *Client) Endpoint() string {
	u, _ := url.Parse(c.opts.URL)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(c.opts.Room)
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Run keeps a connection up until ctx is cancelled. Every failure is
// logged and followed by a reconnect after the backoff delay; Run only
// returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	endpoint := c.Endpoint()
	for {
		c.sink.OnStatus(StatusConnecting)
		ws, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.sink.OnStatus(StatusDisconnected)
				return ctx.Err()
			}
			c.logger.Warn("Dial failed", zap.String("room", c.opts.Room), zap.Error(err))
			c.sink.OnStatus(StatusDisconnected)
			if err := c.wait(ctx); err != nil {
				return err
			}
			continue
		}

		c.backoff.Reset()
		conn := newConnection(ws)
		c.setConn(conn)
		c.logger.Info("Connected", zap.String("room", c.opts.Room))
		c.sink.OnStatus(StatusConnected)

		err = conn.run(ctx, c.sink, c.logger)
		c.setConn(nil)
		c.sink.OnStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Connection lost", zap.String("room", c.opts.Room), zap.Error(err))
		if err := c.wait(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	delay := c.backoff.Next()
	c.logger.Debug("Reconnecting", zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.opts.Clock.After(delay):
		return nil
	}
}

func (c *Client) setConn(conn *connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send queues msg on the current connection. Frames sent from one
// goroutine are written in call order.
func (c *Client) Send(msg Message) error {
	data, binary, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode outbound %s: %w", msg.Kind(), err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frameType := websocket.TextMessage
	if binary {
		frameType = websocket.BinaryMessage
	}
	select {
	case conn.send <- frame{kind: frameType, data: data}:
		return nil
	case <-conn.done:
		return ErrNotConnected
	}
}

// Flush waits until every frame queued before the call has been written
// to the current connection.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	written := make(chan struct{})
	select {
	case conn.send <- frame{written: written}:
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-written:
		return nil
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frame is one queued write. A frame with written set carries no data;
// the write loop closes written when it reaches it.
type frame struct {
	kind    int
	data    []byte
	written chan struct{}
}

type connection struct {
	ws        *websocket.Conn
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{
		ws:   ws,
		send: make(chan frame, sendQueueLen),
		done: make(chan struct{}),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// run reads until the connection fails or ctx ends.
func (c *connection) run(ctx context.Context, sink Sink, logger *zap.Logger) error {
	defer c.close()

	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()
	go c.writeLoop(logger)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return shared.WrapTransport("read", err)
		}

		var msg Message
		switch kind {
		case websocket.BinaryMessage:
			msg, err = DecodeBinary(data)
		case websocket.TextMessage:
			msg, err = DecodeText(data)
		default:
			continue
		}
		if err != nil {
			return err
		}
		sink.OnMessage(msg)
	}
}

func (c *connection) writeLoop(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if f.written != nil {
				close(f.written)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				logger.Warn("Write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
