package sow

import (
	"sort"

	liveview "github.com/shogotsuneto/go-simple-liveview"
	"github.com/shogotsuneto/go-simple-liveview/filter"
)

// Window is the server side view of one stream: which rows of a topic the
// client currently holds and which changed since it was last told.
type Window struct {
	query    liveview.Query
	filter   *filter.Expr
	ordering filter.Ordering
	options  liveview.Options

	visible map[string]struct{}
	dirty   map[string]struct{}
	deleted map[string]struct{}
}

// NewWindow validates q. Invalid options, filters or orderings are returned
// as *liveview.QueryRejectedError.
func NewWindow(q liveview.Query) (*Window, error) {
	if err := q.Validate(); err != nil {
		return nil, liveview.RejectQuery(q, err)
	}
	opts, err := liveview.ParseOptions(q.Options)
	if err != nil {
		return nil, liveview.RejectQuery(q, err)
	}
	expr, err := filter.Parse(q.Filter)
	if err != nil {
		return nil, liveview.RejectQuery(q, err)
	}
	ordering, err := filter.ParseOrderBy(q.OrderBy)
	if err != nil {
		return nil, liveview.RejectQuery(q, err)
	}
	return &Window{
		query:    q,
		filter:   expr,
		ordering: ordering,
		options:  opts,
		visible:  make(map[string]struct{}),
		dirty:    make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
	}, nil
}

// Query returns the query of the window.
func (w *Window) Query() liveview.Query {
	return w.query
}

// Options returns the decoded options of the window.
func (w *Window) Options() liveview.Options {
	return w.options
}

// Changed marks a row as updated.
func (w *Window) Changed(key string) {
	w.dirty[key] = struct{}{}
}

// Deleted marks a row as removed from the topic.
func (w *Window) Deleted(key string) {
	w.deleted[key] = struct{}{}
	delete(w.dirty, key)
}

// Pending reports whether changes wait to be flushed.
func (w *Window) Pending() bool {
	return len(w.dirty) > 0 || len(w.deleted) > 0
}

// Visible returns the number of rows the client holds.
func (w *Window) Visible() int {
	return len(w.visible)
}

func (w *Window) selectRows(entries []*entry) []*entry {
	matched := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if w.filter.Match(e) {
			matched = append(matched, e)
		}
	}
	if len(w.ordering) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return w.ordering.Less(matched[i], matched[j])
		})
	}

	if w.options.SkipN > 0 {
		if w.options.SkipN >= len(matched) {
			return nil
		}
		matched = matched[w.options.SkipN:]
	}
	if w.options.TopN > 0 && len(matched) > w.options.TopN {
		matched = matched[:w.options.TopN]
	}
	return matched
}

// Snapshot returns the initial batch for entries and resets the window.
func (w *Window) Snapshot(entries []*entry) []liveview.Message {
	selected := w.selectRows(entries)

	msgs := make([]liveview.Message, 0, len(selected)+2)
	msgs = append(msgs, liveview.BeginMessage())
	w.visible = make(map[string]struct{}, len(selected))
	for _, e := range selected {
		msgs = append(msgs, liveview.SnapshotMessage(e.row.Clone()))
		w.visible[e.row.Key] = struct{}{}
	}
	msgs = append(msgs, liveview.EndMessage())

	w.dirty = make(map[string]struct{})
	w.deleted = make(map[string]struct{})
	return msgs
}

// Flush recomputes the window over entries and returns the incremental
// messages: removals first, then upserts in window order.
func (w *Window) Flush(entries []*entry) []liveview.Message {
	if !w.Pending() {
		return nil
	}
	selected := w.selectRows(entries)

	next := make(map[string]struct{}, len(selected))
	for _, e := range selected {
		next[e.row.Key] = struct{}{}
	}

	var gone []string
	for key := range w.visible {
		if _, ok := next[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)

	var msgs []liveview.Message
	for _, key := range gone {
		_, deleted := w.deleted[key]
		if deleted || w.options.OOF {
			msgs = append(msgs, liveview.RemoveMessage(key))
		}
	}
	for _, e := range selected {
		_, wasVisible := w.visible[e.row.Key]
		_, changed := w.dirty[e.row.Key]
		if !wasVisible || changed {
			msgs = append(msgs, liveview.UpsertMessage(e.row.Clone()))
		}
	}

	w.visible = next
	w.dirty = make(map[string]struct{})
	w.deleted = make(map[string]struct{})
	return msgs
}
