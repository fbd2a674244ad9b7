package liveview

import (
	"log/slog"

	"github.com/oklog/ulid/v2"
)

// PublishFunc receives the materialized rows after each applied message.
type PublishFunc func(epoch Epoch, rows []Row)

// Reconciler folds the messages of a single epoch into a RowStore.
// It is not safe for concurrent use; the Controller serializes calls.
type Reconciler struct {
	epoch   Epoch
	store   *RowStore
	pending *RowStore
	publish PublishFunc
	logger  *slog.Logger
	metrics *Metrics
}

// NewReconciler creates a reconciler bound to epoch that applies messages to
// store and reports every visible change to publish.
func NewReconciler(epoch Epoch, store *RowStore, publish PublishFunc, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(Epoch, []Row) {}
	}
	return &Reconciler{
		epoch:   epoch,
		store:   store,
		publish: publish,
		logger:  logger,
		metrics: metrics,
	}
}

// Epoch returns the epoch the reconciler is bound to.
func (r *Reconciler) Epoch() Epoch {
	return r.epoch
}

// Loading reports whether a snapshot batch is open.
func (r *Reconciler) Loading() bool {
	return r.pending != nil
}

// Apply applies msg when epoch matches the bound epoch and reports whether it
// did. Messages of another epoch are dropped without error.
func (r *Reconciler) Apply(msg Message, epoch Epoch) bool {
	if epoch != r.epoch {
		r.metrics.staleMessage()
		r.logger.Debug("dropping stale message",
			slog.String("kind", msg.Kind.String()),
			slog.Uint64("epoch", uint64(epoch)),
			slog.Uint64("current_epoch", uint64(r.epoch)))
		return false
	}

	msg, ok := r.repair(msg)
	if !ok {
		return false
	}

	switch msg.Kind {
	case BatchBegin:
		r.pending = NewRowStore()
		r.metrics.applied(msg.Kind)
		return true

	case SnapshotRow:
		if r.pending == nil {
			// a snapshot row outside a batch is applied like an upsert
			r.store.Upsert(msg.Row)
			r.emit()
		} else {
			r.pending.Upsert(msg.Row)
		}

	case BatchEnd:
		if r.pending != nil {
			r.store.Replace(r.pending.rows)
			r.pending = nil
		}
		r.emit()

	case Upsert:
		if r.pending != nil {
			// incremental events inside an open batch land with the snapshot
			r.pending.Upsert(msg.Row)
		} else {
			r.store.Upsert(msg.Row)
			r.emit()
		}

	case Remove:
		if r.pending != nil {
			r.pending.Remove(msg.Key)
		} else {
			r.store.Remove(msg.Key)
			r.emit()
		}
	}

	r.metrics.applied(msg.Kind)
	return true
}

// repair validates msg at the boundary. Unknown kinds are applied as upserts.
// Rows without a key get a synthesized key so that a single bad message never
// stops the stream; removals without a key cannot be repaired and are dropped.
func (r *Reconciler) repair(msg Message) (Message, bool) {
	if !msg.Kind.known() {
		r.metrics.UnknownKind()
		r.logger.Debug("treating unknown message kind as upsert",
			slog.String("kind", msg.Kind.String()),
			slog.Uint64("epoch", uint64(r.epoch)))
		msg.Kind = Upsert
	}

	err := msg.Validate()
	if err == nil {
		key := msg.RowKey()
		msg.Key = key
		msg.Row.Key = key
		return msg, true
	}

	r.metrics.malformedMessage()
	switch msg.Kind {
	case SnapshotRow, Upsert:
		key := "synthetic-" + ulid.Make().String()
		r.logger.Warn("message without key, synthesizing one",
			slog.String("kind", msg.Kind.String()),
			slog.String("key", key),
			slog.Uint64("epoch", uint64(r.epoch)))
		msg.Key = key
		msg.Row.Key = key
		return msg, true
	default:
		r.logger.Warn("dropping malformed message",
			slog.Any("error", err),
			slog.Uint64("epoch", uint64(r.epoch)))
		return msg, false
	}
}

func (r *Reconciler) emit() {
	r.publish(r.epoch, r.store.Snapshot())
}
