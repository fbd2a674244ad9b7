// Package liveview maintains a continuously updated, keyed view of a
// server-managed dataset delivered as an initial snapshot followed by a stream
// of upserts and removals.
package liveview

import (
	"context"
	"fmt"
	"strings"
)

// Row is a single record of a live view.
type Row struct {
	// Key uniquely identifies the row within a view
	Key string
	// Fields holds the named scalar values projected by the query
	Fields map[string]any
}

// NewRow creates a row with a copy of the given fields.
func NewRow(key string, fields map[string]any) Row {
	r := Row{Key: key, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

// Get returns the value of a field and whether it is present.
// The "key" field always resolves to the row key.
func (r Row) Get(name string) (any, bool) {
	if name == "key" {
		return r.Key, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	return NewRow(r.Key, r.Fields)
}

// Merge copies the fields of other over r. Later values win per field.
func (r *Row) Merge(other Row) {
	if r.Fields == nil {
		r.Fields = make(map[string]any, len(other.Fields))
	}
	for k, v := range other.Fields {
		r.Fields[k] = v
	}
}

func (r Row) String() string {
	var b strings.Builder
	b.WriteString("{key:")
	b.WriteString(r.Key)
	for _, name := range sortedFieldNames(r.Fields) {
		fmt.Fprintf(&b, " %s:%v", name, r.Fields[name])
	}
	b.WriteString("}")
	return b.String()
}

// Query describes a subscription against a named data source topic.
// Two queries are equivalent iff all fields are equal.
type Query struct {
	// Topic is the data source to query
	Topic string
	// OrderBy is the ordering expression, e.g. "/bid DESC"
	OrderBy string
	// Options encodes out-of-focus notifications, conflation and the result window
	Options string
	// Filter is the optional content filter; empty matches every row
	Filter string
}

// Validate checks that the query can be issued.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidQuery)
	}
	return nil
}

// WithFilter returns a copy of q with the filter replaced.
func (q Query) WithFilter(filter string) Query {
	q.Filter = filter
	return q
}

// Epoch identifies one issued query. Zero means no query has been issued.
type Epoch uint64

// MessageKind tags a lifecycle message.
type MessageKind int

const (
	// BatchBegin opens the initial snapshot
	BatchBegin MessageKind = iota + 1
	// SnapshotRow carries one row of the initial snapshot
	SnapshotRow
	// BatchEnd closes the initial snapshot
	BatchEnd
	// Remove drops a row from the view (out-of-focus)
	Remove
	// Upsert inserts a row or merges fields into an existing one
	Upsert
)

// Wire command names used by the transports.
const (
	CommandGroupBegin = "group_begin"
	CommandSOW        = "sow"
	CommandGroupEnd   = "group_end"
	CommandOOF        = "oof"
	CommandPublish    = "publish"
)

func (k MessageKind) String() string {
	switch k {
	case BatchBegin:
		return "BatchBegin"
	case SnapshotRow:
		return "SnapshotRow"
	case BatchEnd:
		return "BatchEnd"
	case Remove:
		return "Remove"
	case Upsert:
		return "Upsert"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Command returns the wire command name of the kind.
func (k MessageKind) Command() string {
	switch k {
	case BatchBegin:
		return CommandGroupBegin
	case SnapshotRow:
		return CommandSOW
	case BatchEnd:
		return CommandGroupEnd
	case Remove:
		return CommandOOF
	default:
		return CommandPublish
	}
}

func (k MessageKind) known() bool {
	return k >= BatchBegin && k <= Upsert
}

// ParseMessageKind maps a wire command name to a message kind.
// Unrecognized commands are treated as Upsert and reported with known=false.
func ParseMessageKind(command string) (kind MessageKind, known bool) {
	switch strings.ToLower(command) {
	case CommandGroupBegin:
		return BatchBegin, true
	case CommandSOW:
		return SnapshotRow, true
	case CommandGroupEnd:
		return BatchEnd, true
	case CommandOOF:
		return Remove, true
	case CommandPublish, "p":
		return Upsert, true
	default:
		return Upsert, false
	}
}

// Message is one lifecycle message of a subscription stream.
type Message struct {
	Kind MessageKind
	// Key identifies the affected row for SnapshotRow, Remove and Upsert
	Key string
	// Row carries the row data for SnapshotRow and Upsert
	Row Row
}

// BeginMessage returns a BatchBegin message.
func BeginMessage() Message { return Message{Kind: BatchBegin} }

// EndMessage returns a BatchEnd message.
func EndMessage() Message { return Message{Kind: BatchEnd} }

// SnapshotMessage returns a SnapshotRow message for row.
func SnapshotMessage(row Row) Message { return Message{Kind: SnapshotRow, Key: row.Key, Row: row} }

// UpsertMessage returns an Upsert message for row.
func UpsertMessage(row Row) Message { return Message{Kind: Upsert, Key: row.Key, Row: row} }

// RemoveMessage returns a Remove message for key.
func RemoveMessage(key string) Message { return Message{Kind: Remove, Key: key} }

// RowKey returns the key of the row the message refers to.
func (m Message) RowKey() string {
	if m.Key != "" {
		return m.Key
	}
	return m.Row.Key
}

// Validate reports ErrMalformedMessage when a keyed message carries no key.
func (m Message) Validate() error {
	switch m.Kind {
	case BatchBegin, BatchEnd:
		return nil
	case SnapshotRow, Upsert, Remove:
		if m.RowKey() == "" {
			return fmt.Errorf("%w: %s without key", ErrMalformedMessage, m.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, int(m.Kind))
	}
}

// MessageHandler receives the messages of one stream, serially and in order.
type MessageHandler func(Message)

// StreamHandle identifies a stream opened by IssueQuery.
type StreamHandle string

// ListenerID identifies a registered connection listener.
type ListenerID uint64

// ConnectionState is the binary connectivity signal of a transport.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "Connected"
	}
	return "Disconnected"
}

// ConnectionListener is notified of connectivity transitions.
type ConnectionListener func(ConnectionState)

// DataSource is the server side of a live view.
type DataSource interface {
	// IssueQuery opens a snapshot-and-subscribe stream for q. The handler may be
	// called before IssueQuery returns. Rejections are *QueryRejectedError.
	IssueQuery(ctx context.Context, q Query, h MessageHandler) (StreamHandle, error)
	// Cancel requests the stream to stop. It does not wait for in-flight messages.
	Cancel(h StreamHandle) error
	// AddConnectionListener registers l for connectivity transitions.
	AddConnectionListener(l ConnectionListener) ListenerID
	// RemoveConnectionListener unregisters a listener. Unknown ids are ignored.
	RemoveConnectionListener(id ListenerID)
}
