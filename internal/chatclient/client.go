package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatroom-service/internal/identity"
)

const (
	writeWait    = 10 * time.Second
	tickInterval = time.Second
)

// Client dials the chatroom socket and drives a Session over it.
type Client struct {
	url            string
	header         http.Header
	dialer         *websocket.Dialer
	session        *Session
	reconnectDelay time.Duration
	logger         *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on the handshake.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.header.Set("Authorization", "Bearer "+token)
	}
}

// WithReconnectDelay makes Run redial after a dropped connection.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithClientLogger replaces the default slog logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a client for the socket at url.
func NewClient(url string, session *Session, opts ...ClientOption) *Client {
	c := &Client{
		url:     url,
		header:  http.Header{},
		dialer:  websocket.DefaultDialer,
		session: session,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the driven session.
func (c *Client) Session() *Session { return c.session }

// Run keeps the session connected until ctx is done. Without a reconnect
// delay it returns after the first connection ends.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.reconnectDelay <= 0 {
			return err
		}
		c.logger.Info("chat connection lost, reconnecting", "error", err, "delay", c.reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// RunOnce dials, attaches the session and pumps frames until the
// connection closes or ctx is done.
func (c *Client) RunOnce(ctx context.Context) error {
	c.session.Connecting()
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.session.Detach()
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return identity.ErrInvalidToken
		}
		return err
	}

	t := &wsTransport{conn: conn}
	defer func() {
		c.session.Detach()
		_ = t.Close()
	}()
	if err := c.session.Attach(t); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = t.Close()
				return
			case <-ticker.C:
				c.session.Tick()
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := c.session.HandleFrame(data); err != nil {
			c.logger.Warn("discarding server frame", "error", err)
		}
	}
}

type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
