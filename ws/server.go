package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

// ServerSettings tunes the server side of a connection.
type ServerSettings struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// SendBufferSize is the number of frames queued per connection
	SendBufferSize int
}

// DefaultServerSettings returns the settings used when none are given.
func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		PingInterval:   10 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    30 * time.Second,
		SendBufferSize: 256,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is an http.Handler that serves a DataSource to websocket clients.
// When the source loses connectivity every client connection is closed and
// new connections are refused until it is back.
type Server struct {
	source   liveview.DataSource
	settings *ServerSettings
	logger   *slog.Logger
	listener liveview.ListenerID

	mu        sync.Mutex
	sessions  map[*session]struct{}
	available bool
	closed    bool
}

// NewServer creates a server for source. A nil settings uses DefaultServerSettings.
func NewServer(source liveview.DataSource, settings *ServerSettings, logger *slog.Logger) *Server {
	if settings == nil {
		settings = DefaultServerSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		source:   source,
		settings: settings,
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
	s.listener = source.AddConnectionListener(s.sourceConnectivity)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	available := s.available && !s.closed
	s.mu.Unlock()
	if !available {
		http.Error(w, liveview.ErrNotConnected.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("problem initiating websocket", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		server: s,
		conn:   conn,
		send:   make(chan Frame, s.settings.SendBufferSize),
		subs:   make(map[string]liveview.StreamHandle),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With(slog.String("remote", r.RemoteAddr)),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		cancel()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.logger.Debug("client connected")
	go sess.writeLoop()
	sess.readLoop()

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	sess.close()
	sess.logger.Debug("client disconnected")
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects every client and stops observing the source.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.source.RemoveConnectionListener(s.listener)
	s.dropSessions()
	return nil
}

func (s *Server) sourceConnectivity(state liveview.ConnectionState) {
	s.mu.Lock()
	s.available = state == liveview.Connected
	s.mu.Unlock()
	if state == liveview.Connected {
		return
	}
	s.dropSessions()
}

func (s *Server) dropSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

type session struct {
	server *Server
	conn   *websocket.Conn
	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]liveview.StreamHandle
	once sync.Once
}

func (sess *session) readLoop() {
	settings := sess.server.settings
	sess.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Info("read error", slog.Any("error", err))
			}
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		f, err := decodeFrame(data)
		if err != nil {
			sess.enqueue(Frame{Command: CommandError, Reason: err.Error()})
			continue
		}

		switch f.Command {
		case CommandSubscribe:
			sess.subscribe(f)
		case CommandUnsubscribe:
			sess.unsubscribe(f.SubID)
		default:
			sess.enqueue(Frame{Command: CommandError, SubID: f.SubID, Reason: "unsupported command '" + f.Command + "'"})
		}
	}
}

func (sess *session) subscribe(f Frame) {
	if f.SubID == "" {
		sess.enqueue(Frame{Command: CommandError, Reason: "subscribe without sub_id"})
		return
	}
	sess.mu.Lock()
	_, exists := sess.subs[f.SubID]
	sess.mu.Unlock()
	if exists {
		sess.enqueue(Frame{Command: CommandAck, SubID: f.SubID, Status: StatusFailure, Reason: "duplicate sub_id"})
		return
	}

	subID := f.SubID
	q := f.Query()
	handle, err := sess.server.source.IssueQuery(sess.ctx, q, func(msg liveview.Message) {
		sess.enqueue(messageFrame(subID, msg))
	})
	if err != nil {
		sess.logger.Info("query rejected",
			slog.String("sub_id", subID),
			slog.String("topic", q.Topic),
			slog.Any("error", err))
		sess.enqueue(ackFrame(subID, err))
		return
	}

	sess.mu.Lock()
	if sess.ctx.Err() != nil {
		sess.mu.Unlock()
		sess.server.source.Cancel(handle)
		return
	}
	sess.subs[subID] = handle
	sess.mu.Unlock()
	sess.enqueue(ackFrame(subID, nil))
}

func (sess *session) unsubscribe(subID string) {
	sess.mu.Lock()
	handle, ok := sess.subs[subID]
	delete(sess.subs, subID)
	sess.mu.Unlock()
	if ok {
		sess.server.source.Cancel(handle)
	}
}

// enqueue blocks until the frame is queued or the session is closed.
func (sess *session) enqueue(f Frame) {
	select {
	case sess.send <- f:
	case <-sess.ctx.Done():
	}
}

func (sess *session) writeLoop() {
	settings := sess.server.settings
	ticker := time.NewTicker(settings.PingInterval)
	defer ticker.Stop()
	defer sess.close()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case f := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := sess.conn.WriteJSON(f); err != nil {
				// a websocket write deadline cannot be recovered
				sess.logger.Info("write error", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(settings.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (sess *session) close() {
	sess.once.Do(func() {
		sess.cancel()
		sess.conn.Close()

		sess.mu.Lock()
		subs := sess.subs
		sess.subs = make(map[string]liveview.StreamHandle)
		sess.mu.Unlock()
		for _, handle := range subs {
			sess.server.source.Cancel(handle)
		}
	})
}
