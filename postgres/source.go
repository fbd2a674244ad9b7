package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/singleflight"

	liveview "github.com/shogotsuneto/go-simple-liveview"
	"github.com/shogotsuneto/go-simple-liveview/internal/sow"
)

const (
	pingInterval = 90 * time.Second
	loadTimeout  = 30 * time.Second
)

// Compile-time interface compliance check
var _ liveview.DataSource = (*Source)(nil)

// Source is a DataSource over a PostgreSQL rows table. A topic is loaded the
// first time it is queried and then kept current from change notifications.
// Filters, ordering and windows are evaluated in process.
type Source struct {
	liveview.ConnectionListeners

	client   *pgClient
	logger   *slog.Logger
	hub      *sow.Hub
	listener *pq.Listener
	loads    singleflight.Group
	// loadRows reads the rows of a topic; tests replace it
	loadRows func(ctx context.Context, topic string) ([]liveview.Row, error)

	mu      sync.Mutex
	closed  bool
	gen     uint64
	loaded  map[string]bool
	loading map[string][]change

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSource connects to the database and starts listening for changes.
func NewSource(config Config) (*Source, error) {
	config = config.withDefaults()
	client, err := newPgClient(config)
	if err != nil {
		return nil, err
	}

	s := newSource(client, config.Logger)
	s.listener = pq.NewListener(config.ConnectionString,
		config.MinReconnectInterval, config.MaxReconnectInterval, s.handleEvent)
	if err := s.listener.Listen(config.Channel); err != nil {
		s.listener.Close()
		client.db.Close()
		return nil, fmt.Errorf("failed to listen on channel %s: %w", config.Channel, err)
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func newSource(client *pgClient, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:   client,
		logger:   logger,
		hub:      sow.NewHub(logger),
		loadRows: client.loadRows,
		loaded:   make(map[string]bool),
		loading:  make(map[string][]change),
		done:     make(chan struct{}),
	}
}

// IssueQuery loads the topic of q if needed and opens a stream for it.
func (s *Source) IssueQuery(ctx context.Context, q liveview.Query, h liveview.MessageHandler) (liveview.StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h == nil {
		return "", errors.New("message handler is required")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", liveview.ErrClosed
	}
	if s.ConnectionState() != liveview.Connected {
		return "", liveview.ErrNotConnected
	}

	// reject bad queries before touching the database
	if _, err := sow.NewWindow(q); err != nil {
		return "", err
	}
	if err := s.ensureLoaded(ctx, q.Topic); err != nil {
		return "", fmt.Errorf("failed to load topic %s: %w", q.Topic, err)
	}
	return s.hub.Open(q, h)
}

// Cancel stops a stream.
func (s *Source) Cancel(h liveview.StreamHandle) error {
	return s.hub.Cancel(h)
}

// Close stops listening and closes the database connection.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	s.wg.Wait()
	s.hub.Close()
	if s.client.db != nil {
		errs = append(errs, s.client.db.Close())
	}
	return errors.Join(errs...)
}

func (s *Source) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// sent after a reconnect; state was already reset on disconnect
				s.logger.Debug("listener reconnected, notifications may have been lost")
				continue
			}
			s.handleNotification(n)
		case <-ticker.C:
			if err := s.listener.Ping(); err != nil {
				s.logger.Debug("listener ping failed", slog.Any("error", err))
			}
		}
	}
}

// handleEvent maps listener events onto the binary connectivity signal.
func (s *Source) handleEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		s.logger.Info("listener connected")
		s.SetConnectionState(liveview.Connected)
	case pq.ListenerEventDisconnected:
		s.logger.Warn("listener disconnected", slog.Any("error", err))
		s.reset()
		s.SetConnectionState(liveview.Disconnected)
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("listener connection attempt failed", slog.Any("error", err))
	}
}

// reset drops every stream and forgets loaded topics so that they are
// reloaded after the connection comes back.
func (s *Source) reset() {
	s.mu.Lock()
	s.gen++
	s.loaded = make(map[string]bool)
	s.mu.Unlock()
	s.hub.CancelAll()
}

func (s *Source) handleNotification(n *pq.Notification) {
	ch, err := parseChange(n.Extra)
	if err != nil {
		s.logger.Warn("ignoring change notification",
			slog.String("channel", n.Channel),
			slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buffered, ok := s.loading[ch.Topic]; ok {
		s.loading[ch.Topic] = append(buffered, ch)
		return
	}
	if !s.loaded[ch.Topic] {
		return
	}
	s.applyLocked(ch)
}

func (s *Source) applyLocked(ch change) {
	switch ch.Op {
	case opUpsert:
		s.hub.Upsert(ch.Topic, liveview.NewRow(ch.Key, ch.Fields))
	case opDelete:
		s.hub.Delete(ch.Topic, ch.Key)
	}
}

// ensureLoaded reads a topic into the hub once. Notifications that arrive
// while the topic is loading are replayed on top of the loaded rows.
// Concurrent callers share one load, which runs detached from any caller's
// cancellation; each caller stops waiting when its own ctx is done.
func (s *Source) ensureLoaded(ctx context.Context, topic string) error {
	s.mu.Lock()
	loaded := s.loaded[topic]
	s.mu.Unlock()
	if loaded {
		return nil
	}

	result := s.loads.DoChan(topic, func() (any, error) {
		s.mu.Lock()
		if s.loaded[topic] {
			s.mu.Unlock()
			return nil, nil
		}
		gen := s.gen
		s.loading[topic] = nil
		s.mu.Unlock()

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		rows, err := s.loadRows(loadCtx, topic)
		cancel()

		s.mu.Lock()
		defer s.mu.Unlock()
		buffered := s.loading[topic]
		delete(s.loading, topic)
		if err != nil {
			return nil, err
		}
		if gen != s.gen {
			return nil, liveview.ErrNotConnected
		}

		s.hub.Replace(topic, rows)
		for _, ch := range buffered {
			s.applyLocked(ch)
		}
		s.loaded[topic] = true
		s.logger.Debug("topic loaded",
			slog.String("topic", topic),
			slog.Int("rows", len(rows)),
			slog.Int("replayed", len(buffered)))
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-result:
		return res.Err
	}
}
