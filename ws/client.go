package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

// ClientSettings tunes a Client.
type ClientSettings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	AckTimeout       time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	Logger           *slog.Logger
	// Metrics counts unrecognized stream commands; optional
	Metrics *liveview.Metrics
	// ErrorHandler receives transport and server errors; optional
	ErrorHandler func(error)
}

// DefaultClientSettings returns the settings used when none are given.
func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		AckTimeout:       10 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// Compile-time interface compliance check
var _ liveview.DataSource = (*Client)(nil)

// Client is a DataSource backed by a remote Server. It reconnects on its own
// and reports connectivity through its connection listeners. Streams do not
// survive a reconnect; callers resubscribe when the client reports Connected.
type Client struct {
	liveview.ConnectionListeners

	url      string
	settings *ClientSettings
	logger   *slog.Logger
	dialer   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]liveview.MessageHandler
	acks map[string]chan Frame

	writeMu sync.Mutex
}

// NewClient starts connecting to url, e.g. "ws://localhost:8080/ws".
// A nil settings uses DefaultClientSettings.
func NewClient(ctx context.Context, url string, settings *ClientSettings) *Client {
	if settings == nil {
		settings = DefaultClientSettings()
	}
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		url:      url,
		settings: settings,
		logger:   logger.With(slog.String("url", url)),
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout},
		ctx:      cancelCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		subs:     make(map[string]liveview.MessageHandler),
		acks:     make(map[string]chan Frame),
	}
	go c.run()
	return c
}

// IssueQuery subscribes to q and waits for the server's acknowledgement.
// Stream messages may be delivered before IssueQuery returns.
func (c *Client) IssueQuery(ctx context.Context, q liveview.Query, h liveview.MessageHandler) (liveview.StreamHandle, error) {
	if h == nil {
		return "", errors.New("message handler is required")
	}
	if err := q.Validate(); err != nil {
		return "", liveview.RejectQuery(q, err)
	}

	subID := uuid.NewString()
	ack := make(chan Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return "", liveview.ErrNotConnected
	}
	c.subs[subID] = h
	c.acks[subID] = ack
	c.mu.Unlock()

	if err := c.write(conn, subscribeFrame(subID, q)); err != nil {
		c.forget(subID)
		return "", fmt.Errorf("failed to send subscribe: %w", err)
	}

	timer := time.NewTimer(c.settings.AckTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-ack:
		if !ok {
			c.forget(subID)
			return "", liveview.ErrNotConnected
		}
		if f.Status != StatusSuccess {
			c.forget(subID)
			var reason error
			if f.Reason != "" {
				reason = errors.New(f.Reason)
			}
			return "", liveview.RejectQuery(q, reason)
		}
		c.mu.Lock()
		delete(c.acks, subID)
		c.mu.Unlock()
		return liveview.StreamHandle(subID), nil
	case <-ctx.Done():
		c.Cancel(liveview.StreamHandle(subID))
		return "", ctx.Err()
	case <-c.ctx.Done():
		c.forget(subID)
		return "", liveview.ErrClosed
	case <-timer.C:
		c.Cancel(liveview.StreamHandle(subID))
		return "", fmt.Errorf("no acknowledgement for subscription %s within %s", subID, c.settings.AckTimeout)
	}
}

// Cancel unsubscribes a stream. Messages already received are dropped.
func (c *Client) Cancel(h liveview.StreamHandle) error {
	subID := string(h)
	c.mu.Lock()
	_, ok := c.subs[subID]
	conn := c.conn
	c.mu.Unlock()
	if !ok {
		return liveview.ErrUnknownStream
	}
	c.forget(subID)

	if conn != nil {
		if err := c.write(conn, Frame{Command: CommandUnsubscribe, SubID: subID}); err != nil {
			c.logger.Debug("failed to send unsubscribe", slog.String("sub_id", subID), slog.Any("error", err))
		}
	}
	return nil
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

func (c *Client) forget(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subID)
	delete(c.acks, subID)
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return conn.WriteJSON(f)
}

func (c *Client) reportError(err error) {
	if c.settings.ErrorHandler != nil {
		c.settings.ErrorHandler(err)
	}
}

func (c *Client) run() {
	defer close(c.done)

	for {
		conn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Info("connect error", slog.Any("error", err))
			c.reportError(err)
		} else {
			c.serve(conn)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.settings.ReconnectTimeout):
		}
	}
}

// serve runs one connection until it fails.
func (c *Client) serve(conn *websocket.Conn) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
	}()

	c.logger.Info("connected")
	// listeners may subscribe synchronously; acks are read concurrently
	c.SetConnectionState(liveview.Connected)

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.settings.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	err := <-readErr
	close(pingDone)
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	// streams do not survive the connection
	c.subs = make(map[string]liveview.MessageHandler)
	acks := c.acks
	c.acks = make(map[string]chan Frame)
	c.mu.Unlock()
	for _, ack := range acks {
		close(ack)
	}

	if c.ctx.Err() == nil {
		c.logger.Info("disconnected", slog.Any("error", err))
		c.reportError(fmt.Errorf("connection lost: %w", err))
	}
	c.SetConnectionState(liveview.Disconnected)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("ignoring frame", slog.Any("error", err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Command {
	case CommandAck:
		c.mu.Lock()
		ack, ok := c.acks[f.SubID]
		c.mu.Unlock()
		if ok {
			select {
			case ack <- f:
			default:
			}
		}
		return
	case CommandError:
		c.logger.Warn("server error", slog.String("sub_id", f.SubID), slog.String("reason", f.Reason))
		c.reportError(errors.New(f.Reason))
		return
	}

	msg, known := f.Message()
	if !known {
		c.settings.Metrics.UnknownKind()
		c.logger.Debug("unknown command treated as upsert",
			slog.String("command", f.Command),
			slog.String("sub_id", f.SubID))
	}

	c.mu.Lock()
	h, ok := c.subs[f.SubID]
	c.mu.Unlock()
	if !ok {
		// cancelled or never ours
		return
	}
	h(msg)
}
