package liveview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// State is the lifecycle state of a Controller's current subscription.
type State string

const (
	StateIdle            State = "Idle"
	StateSnapshotLoading State = "SnapshotLoading"
	StateLive            State = "Live"
	StateTornDown        State = "TornDown"
)

// IsActive reports whether a subscription in this state may mutate the view.
func (s State) IsActive() bool {
	switch s {
	case StateSnapshotLoading, StateLive:
		return true
	default:
		return false
	}
}

// Status is the connection status shown alongside a view.
type Status string

const (
	StatusConnecting   Status = "Connecting..."
	StatusConnected    Status = "Connected"
	StatusReconnecting Status = "Reconnecting..."
)

// Degraded reports whether the view may be missing data because of connectivity.
func (s Status) Degraded() bool {
	return s != StatusConnected
}

// View is the read-only snapshot published to consumers.
type View struct {
	// Name is the title of the view
	Name string
	// Rows is the materialized row list in first-seen order
	Rows []Row
	// Filter is the current filter text
	Filter string
	Status Status
	// Error is the last error message, empty when none
	Error string
	State State
	Epoch Epoch
	// Version increases with every publish
	Version uint64
}

// Config contains the configuration of a Controller.
type Config struct {
	// Name identifies the view in logs and metrics
	Name string
	// Query is bound at construction; its Filter is the initial filter
	Query Query
	// Logger defaults to slog.Default()
	Logger *slog.Logger
	// Metrics is optional
	Metrics *Metrics
}

// Controller owns at most one active subscription against a DataSource and
// the view materialized from it.
type Controller struct {
	source  DataSource
	name    string
	logger  *slog.Logger
	metrics *Metrics
	monitor *ConnectionMonitor

	mu         sync.Mutex
	query      Query
	active     Query
	epoch      Epoch
	bound      Epoch
	state      State
	handle     StreamHandle
	store      *RowStore
	reconciler *Reconciler
	status     Status
	lastErr    string
	view       View
	closed     bool

	listenersMu  sync.Mutex
	listeners    map[int]func(View)
	nextListener int

	notify chan struct{}
	done   chan struct{}
}

// NewController creates a controller for the query in cfg. It starts
// monitoring the source's connectivity but does not subscribe.
func NewController(source DataSource, cfg Config) (*Controller, error) {
	if source == nil {
		return nil, errors.New("data source is required")
	}
	if err := cfg.Query.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Query.Topic
	}
	logger = logger.With(slog.String("view", name))

	c := &Controller{
		source:    source,
		name:      name,
		logger:    logger,
		metrics:   cfg.Metrics,
		query:     cfg.Query,
		state:     StateIdle,
		store:     NewRowStore(),
		status:    StatusConnecting,
		listeners: make(map[int]func(View)),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.view = c.buildViewLocked(nil)

	go c.publishLoop()

	c.monitor = NewConnectionMonitor(source, c, logger, cfg.Metrics)
	c.monitor.Start()

	return c, nil
}

// Subscribe issues the bound query with the current filter.
func (c *Controller) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	q := c.query
	c.mu.Unlock()
	return c.subscribe(ctx, q)
}

// SubscribeWithFilter issues the bound query with filter. It is a no-op when
// the resulting query is already active.
func (c *Controller) SubscribeWithFilter(ctx context.Context, filter string) error {
	c.mu.Lock()
	q := c.query.WithFilter(filter)
	c.mu.Unlock()
	return c.subscribe(ctx, q)
}

func (c *Controller) subscribe(ctx context.Context, q Query) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.IsActive() && c.active == q {
		c.mu.Unlock()
		c.logger.Debug("query already active", slog.String("filter", q.Filter))
		return nil
	}

	previous := c.teardownLocked()
	c.epoch++
	epoch := c.epoch
	c.bound = epoch
	c.query = q
	c.active = q
	c.state = StateSnapshotLoading
	c.store = NewRowStore()
	c.reconciler = NewReconciler(epoch, c.store, c.publishLocked, c.logger, c.metrics)
	c.publishLocked(epoch, nil)
	c.mu.Unlock()

	if previous != "" {
		c.cancelStream(previous)
	}

	c.logger.Info("issuing query",
		slog.String("topic", q.Topic),
		slog.String("order_by", q.OrderBy),
		slog.String("options", q.Options),
		slog.String("filter", q.Filter),
		slog.Uint64("epoch", uint64(epoch)))
	c.metrics.queryIssued()

	handle, err := c.source.IssueQuery(ctx, q, func(msg Message) {
		c.deliver(epoch, msg)
	})

	c.mu.Lock()
	if c.bound != epoch || c.closed {
		c.mu.Unlock()
		// superseded while the query was in flight
		if err == nil {
			c.cancelStream(handle)
		}
		return err
	}
	if err != nil {
		var rejected *QueryRejectedError
		if !errors.As(err, &rejected) {
			rejected = RejectQuery(q, err)
		}
		c.metrics.queryRejected()
		c.bound = 0
		c.state = StateIdle
		c.reconciler = nil
		c.store.Clear()
		c.lastErr = rejected.Reason
		c.forcePublishLocked()
		c.mu.Unlock()

		c.logger.Error("Error in "+c.name, slog.Any("error", rejected), slog.Uint64("epoch", uint64(epoch)))
		return rejected
	}
	c.handle = handle
	c.mu.Unlock()
	return nil
}

// Unsubscribe cancels the current subscription and clears the view.
// The filter is kept so that a later Subscribe resumes the same query.
func (c *Controller) Unsubscribe() {
	c.mu.Lock()
	previous := c.teardownLocked()
	c.state = StateIdle
	c.store.Clear()
	c.forcePublishLocked()
	c.mu.Unlock()

	if previous != "" {
		c.cancelStream(previous)
	}
}

// ConnectionLost clears the view and marks it degraded. The subscription
// intent is kept; nothing is resubscribed automatically.
func (c *Controller) ConnectionLost() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	previous := c.teardownLocked()
	c.state = StateIdle
	c.store.Clear()
	if c.status != StatusConnecting {
		c.status = StatusReconnecting
	}
	c.forcePublishLocked()
	c.mu.Unlock()

	c.logger.Info("connection lost, view cleared")
	if previous != "" {
		c.cancelStream(previous)
	}
}

// ConnectionRestored marks the connection as up and clears the last error.
func (c *Controller) ConnectionRestored() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.status = StatusConnected
	c.lastErr = ""
	c.forcePublishLocked()
}

// ReportError records err as the last error shown with the view.
// It is meant for transport level error handlers.
func (c *Controller) ReportError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err.Error()
	c.forcePublishLocked()
}

// ClearError clears the last error.
func (c *Controller) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == "" {
		return
	}
	c.lastErr = ""
	c.forcePublishLocked()
}

// View returns the latest published view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view
	v.Rows = cloneRows(c.view.Rows)
	return v
}

// State returns the state of the current subscription.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Filter returns the current filter text.
func (c *Controller) Filter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query.Filter
}

// AddViewListener registers fn to be called with the latest view after
// changes. Calls are serialized and may coalesce intermediate views.
// The returned function removes the listener.
func (c *Controller) AddViewListener(fn func(View)) func() {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	c.signal()
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// Close cancels the current subscription and stops the controller.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	previous := c.teardownLocked()
	c.state = StateIdle
	c.store.Clear()
	close(c.done)
	c.mu.Unlock()

	c.monitor.Stop()
	if previous != "" {
		c.cancelStream(previous)
	}
	return nil
}

func (c *Controller) deliver(epoch Epoch, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconciler == nil || c.bound != epoch {
		c.metrics.staleMessage()
		c.logger.Debug("dropping message for inactive epoch",
			slog.String("kind", msg.Kind.String()),
			slog.Uint64("epoch", uint64(epoch)),
			slog.Uint64("current_epoch", uint64(c.bound)))
		return
	}

	// a published view carries the state after msg
	previous := c.state
	c.state = c.nextStateLocked(msg.Kind)
	version := c.view.Version
	if !c.reconciler.Apply(msg, epoch) {
		c.state = previous
		return
	}
	if c.state != previous && c.view.Version == version {
		c.forcePublishLocked()
	}
	if msg.Kind == BatchEnd {
		c.logger.Debug("snapshot applied",
			slog.Int("rows", c.store.Len()),
			slog.Uint64("epoch", uint64(epoch)))
	}
}

// nextStateLocked returns the state after a message of kind is applied.
func (c *Controller) nextStateLocked(kind MessageKind) State {
	switch kind {
	case BatchBegin:
		return StateSnapshotLoading
	case BatchEnd:
		return StateLive
	default:
		if c.reconciler.Loading() {
			return c.state
		}
		return StateLive
	}
}

// teardownLocked marks the active epoch torn down and returns its stream
// handle for cancellation outside the lock.
func (c *Controller) teardownLocked() StreamHandle {
	handle := c.handle
	if c.state.IsActive() {
		c.state = StateTornDown
		c.logger.Debug("subscription torn down", slog.Uint64("epoch", uint64(c.bound)))
	}
	c.handle = ""
	c.bound = 0
	c.reconciler = nil
	return handle
}

func (c *Controller) cancelStream(handle StreamHandle) {
	if err := c.source.Cancel(handle); err != nil && !errors.Is(err, ErrUnknownStream) {
		c.logger.Warn("failed to cancel stream",
			slog.String("handle", string(handle)),
			slog.Any("error", err))
	}
}

// publishLocked records rows as the visible row list of epoch. Publishes
// from an epoch that is no longer bound are ignored.
func (c *Controller) publishLocked(epoch Epoch, rows []Row) {
	if epoch != c.bound {
		return
	}
	c.view = c.buildViewLocked(rows)
	c.metrics.setRows(c.name, len(rows))
	c.signal()
}

func (c *Controller) forcePublishLocked() {
	c.view = c.buildViewLocked(c.store.Snapshot())
	c.metrics.setRows(c.name, len(c.view.Rows))
	c.signal()
}

func (c *Controller) buildViewLocked(rows []Row) View {
	if rows == nil {
		rows = []Row{}
	}
	return View{
		Name:    c.name,
		Rows:    rows,
		Filter:  c.query.Filter,
		Status:  c.status,
		Error:   c.lastErr,
		State:   c.state,
		Epoch:   c.bound,
		Version: c.view.Version + 1,
	}
}

func (c *Controller) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// publishLoop delivers views to listeners from a single goroutine so that
// listeners may call back into the controller.
func (c *Controller) publishLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		c.listenersMu.Lock()
		fns := make([]func(View), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.listenersMu.Unlock()
		if len(fns) == 0 {
			continue
		}

		v := c.View()
		for _, fn := range fns {
			fn(v)
		}
	}
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}
