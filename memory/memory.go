// Package memory provides an in-memory data source for live views.
// This implementation is suitable for testing and demonstration purposes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	liveview "github.com/shogotsuneto/go-simple-liveview"
	"github.com/shogotsuneto/go-simple-liveview/internal/sow"
)

// Config holds the settings of an in-memory source.
type Config struct {
	// StartDisconnected makes the source report Disconnected until Connect is called
	StartDisconnected bool
	Logger            *slog.Logger
}

// Source is an in-memory DataSource. Rows are published per topic and every
// open stream receives a snapshot followed by incremental changes.
type Source struct {
	liveview.ConnectionListeners

	hub    *sow.Hub
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ liveview.DataSource = (*Source)(nil)

// NewSource creates a new in-memory source.
func NewSource(config Config) *Source {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		hub:    sow.NewHub(logger),
		logger: logger,
	}
	if !config.StartDisconnected {
		s.SetConnectionState(liveview.Connected)
	}
	return s
}

// IssueQuery opens a stream for q.
func (s *Source) IssueQuery(ctx context.Context, q liveview.Query, h liveview.MessageHandler) (liveview.StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h == nil {
		return "", errors.New("message handler is required")
	}
	if s.isClosed() {
		return "", liveview.ErrClosed
	}
	if s.ConnectionState() != liveview.Connected {
		return "", liveview.ErrNotConnected
	}
	return s.hub.Open(q, h)
}

// Cancel stops a stream.
func (s *Source) Cancel(h liveview.StreamHandle) error {
	return s.hub.Cancel(h)
}

// Publish upserts row into topic.
func (s *Source) Publish(topic string, row liveview.Row) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", liveview.ErrInvalidQuery)
	}
	if row.Key == "" {
		return fmt.Errorf("%w: row without key", liveview.ErrMalformedMessage)
	}
	s.hub.Upsert(topic, row)
	return nil
}

// Delete removes a row from topic and reports whether it existed.
func (s *Source) Delete(topic, key string) bool {
	return s.hub.Delete(topic, key)
}

// Rows returns the rows of topic in insertion order.
func (s *Source) Rows(topic string) []liveview.Row {
	return s.hub.Rows(topic)
}

// Streams returns the number of open streams.
func (s *Source) Streams() int {
	return s.hub.Streams()
}

// Disconnect simulates a connection loss: every stream is dropped and
// listeners are told the source is Disconnected.
func (s *Source) Disconnect() {
	if s.isClosed() {
		return
	}
	s.hub.CancelAll()
	if s.SetConnectionState(liveview.Disconnected) {
		s.logger.Info("connectivity changed", slog.String("state", liveview.Disconnected.String()))
	}
}

// Connect simulates a restored connection.
func (s *Source) Connect() {
	if s.isClosed() {
		return
	}
	if s.SetConnectionState(liveview.Connected) {
		s.logger.Info("connectivity changed", slog.String("state", liveview.Connected.String()))
	}
}

// Close drops every stream and rejects further queries.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.Close()
	return nil
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
