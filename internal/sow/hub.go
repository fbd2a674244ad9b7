package sow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

// Hub serves snapshot-and-subscribe streams over a Book. Every stream gets
// its own delivery goroutine so a slow handler never blocks publishers, and
// messages of one stream are delivered serially in order.
type Hub struct {
	mu      sync.Mutex
	book    *Book
	streams map[liveview.StreamHandle]*stream
	closed  bool
	logger  *slog.Logger
}

// NewHub creates a hub with an empty book.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		book:    NewBook(),
		streams: make(map[liveview.StreamHandle]*stream),
		logger:  logger,
	}
}

// Open validates q, queues its snapshot and starts streaming changes to h.
func (hub *Hub) Open(q liveview.Query, h liveview.MessageHandler) (liveview.StreamHandle, error) {
	w, err := NewWindow(q)
	if err != nil {
		return "", err
	}

	s := &stream{
		handle:  liveview.StreamHandle(ulid.Make().String()),
		topic:   q.Topic,
		window:  w,
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return "", liveview.ErrClosed
	}
	hub.streams[s.handle] = s
	s.enqueue(w.Snapshot(hub.book.entries(q.Topic)))
	hub.mu.Unlock()

	hub.logger.Debug("stream opened",
		slog.String("handle", string(s.handle)),
		slog.String("topic", q.Topic),
		slog.String("filter", q.Filter))

	go s.run(hub)
	return s.handle, nil
}

// Cancel stops a stream. Messages already being delivered may still arrive.
func (hub *Hub) Cancel(handle liveview.StreamHandle) error {
	hub.mu.Lock()
	s, ok := hub.streams[handle]
	if ok {
		delete(hub.streams, handle)
	}
	hub.mu.Unlock()

	if !ok {
		return liveview.ErrUnknownStream
	}
	s.stop()
	hub.logger.Debug("stream cancelled", slog.String("handle", string(handle)))
	return nil
}

// CancelAll stops every open stream without notifying the handlers.
func (hub *Hub) CancelAll() {
	hub.mu.Lock()
	streams := hub.streams
	hub.streams = make(map[liveview.StreamHandle]*stream)
	hub.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
}

// Close stops every stream and rejects further Open calls.
func (hub *Hub) Close() {
	hub.mu.Lock()
	hub.closed = true
	hub.mu.Unlock()
	hub.CancelAll()
}

// Upsert merges row into topic and notifies the streams of the topic.
func (hub *Hub) Upsert(topic string, row liveview.Row) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.book.Upsert(topic, row)
	hub.notifyLocked(topic, func(w *Window) { w.Changed(row.Key) })
}

// Delete removes a row from topic and notifies the streams of the topic.
func (hub *Hub) Delete(topic, key string) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if !hub.book.Delete(topic, key) {
		return false
	}
	hub.notifyLocked(topic, func(w *Window) { w.Deleted(key) })
	return true
}

// Replace swaps the contents of topic, notifying open streams of every row
// that changed or disappeared.
func (hub *Hub) Replace(topic string, rows []liveview.Row) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	previous := hub.book.Rows(topic)
	hub.book.Replace(topic, rows)

	present := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		present[row.Key] = struct{}{}
	}
	hub.notifyLocked(topic, func(w *Window) {
		for _, row := range previous {
			if _, ok := present[row.Key]; !ok {
				w.Deleted(row.Key)
			}
		}
		for _, row := range rows {
			w.Changed(row.Key)
		}
	})
}

// Rows returns the rows of topic in insertion order.
func (hub *Hub) Rows(topic string) []liveview.Row {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.book.Rows(topic)
}

// Streams returns the number of open streams.
func (hub *Hub) Streams() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.streams)
}

func (hub *Hub) notifyLocked(topic string, mark func(w *Window)) {
	var entries []*entry
	for _, s := range hub.streams {
		if s.topic != topic {
			continue
		}
		mark(s.window)
		if s.window.Options().Conflation > 0 {
			continue
		}
		if entries == nil {
			entries = hub.book.entries(topic)
		}
		s.enqueue(s.window.Flush(entries))
	}
}

// flush delivers the conflated changes of s.
func (hub *Hub) flush(s *stream) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if _, ok := hub.streams[s.handle]; !ok || !s.window.Pending() {
		return
	}
	s.enqueue(s.window.Flush(hub.book.entries(s.topic)))
}

type stream struct {
	handle  liveview.StreamHandle
	topic   string
	window  *Window
	handler liveview.MessageHandler

	mu    sync.Mutex
	queue []liveview.Message
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *stream) enqueue(msgs []liveview.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, msgs...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *stream) run(hub *Hub) {
	var tick <-chan time.Time
	if interval := s.window.Options().Conflation; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.drain()
		case <-tick:
			hub.flush(s)
		}
	}
}

func (s *stream) drain() {
	for {
		s.mu.Lock()
		msgs := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(msg)
		}
	}
}
