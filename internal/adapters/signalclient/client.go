// Package signalclient connects a participant to the relay over websocket.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

var (
	ErrBackpressure = errors.New("send queue full")
	ErrClosed       = errors.New("relay connection closed")
)

type Options struct {
	// ReadTimeout bounds the silence between frames or pings from the relay.
	ReadTimeout time.Duration
	WriteWait   time.Duration
	SendBuffer  int
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 128
	}
	return o
}

// Client is one relay connection. Send never blocks; frames are written by
// the pump started in Run.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	send   chan []byte
}

// SignalURL appends the participant id to the relay's websocket endpoint.
func SignalURL(relay string, self domain.ParticipantID) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("callerId", string(self))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func Dial(ctx context.Context, relay string, self domain.ParticipantID, opts Options) (*Client, error) {
	target, err := SignalURL(relay, self)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	opts = opts.withDefaults()
	c := &Client{
		conn:   conn,
		opts:   opts,
		logger: log.With().Str("module", "signalclient").Str("participant", string(self)).Logger(),
		send:   make(chan []byte, opts.SendBuffer),
	}
	c.logger.Info().Str("relay", relay).Msg("connected to relay")
	return c, nil
}

func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the pumps. Queued frames are discarded.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// Run pumps frames until the connection ends or ctx is done. Every valid
// inbound message goes to deliver; malformed frames are logged and skipped.
func (c *Client) Run(ctx context.Context, deliver func(context.Context, protocol.Message) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.Close()
		return c.writePump(ctx)
	})
	g.Go(func() error {
		defer c.Close()
		return c.readLoop(ctx, deliver)
	})
	err := g.Wait()
	c.logger.Info().Err(err).Msg("relay connection ended")
	return err
}

func (c *Client) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteWait))
			return nil
		case data, ok := <-c.send:
			if !ok {
				return ErrClosed
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return err
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("write error")
				return err
			}
		}
	}
}

// flush writes whatever is already queued, so a leave sent right before
// shutdown still reaches the relay.
func (c *Client) flush() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, deliver func(context.Context, protocol.Message) error) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame from relay")
			continue
		}
		if err := deliver(ctx, msg); err != nil {
			return err
		}
	}
}
