// Package ws carries live view streams over websocket connections. Server
// exposes any DataSource to remote clients and Client is a DataSource backed
// by a remote Server.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

// Control commands. Stream messages use the liveview wire commands.
const (
	CommandSubscribe   = "sow_and_subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandAck         = "ack"
	CommandError       = "error"
)

// Ack statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Command string `json:"c"`
	SubID   string `json:"sub_id,omitempty"`

	// subscribe
	Topic   string `json:"topic,omitempty"`
	OrderBy string `json:"order_by,omitempty"`
	Options string `json:"options,omitempty"`
	Filter  string `json:"filter,omitempty"`

	// stream messages
	Key  string         `json:"k,omitempty"`
	Data map[string]any `json:"data,omitempty"`

	// ack and error
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func subscribeFrame(subID string, q liveview.Query) Frame {
	return Frame{
		Command: CommandSubscribe,
		SubID:   subID,
		Topic:   q.Topic,
		OrderBy: q.OrderBy,
		Options: q.Options,
		Filter:  q.Filter,
	}
}

// Query returns the query carried by a subscribe frame.
func (f Frame) Query() liveview.Query {
	return liveview.Query{Topic: f.Topic, OrderBy: f.OrderBy, Options: f.Options, Filter: f.Filter}
}

func messageFrame(subID string, msg liveview.Message) Frame {
	f := Frame{Command: msg.Kind.Command(), SubID: subID, Key: msg.RowKey()}
	if msg.Kind == liveview.SnapshotRow || msg.Kind == liveview.Upsert {
		f.Data = msg.Row.Fields
	}
	return f
}

// Message decodes a stream frame. known is false when the command was not
// recognized and the frame was treated as an upsert.
func (f Frame) Message() (msg liveview.Message, known bool) {
	kind, known := liveview.ParseMessageKind(f.Command)
	msg = liveview.Message{Kind: kind, Key: f.Key}
	if kind == liveview.SnapshotRow || kind == liveview.Upsert {
		msg.Row = liveview.NewRow(f.Key, f.Data)
	}
	return msg, known
}

func ackFrame(subID string, err error) Frame {
	if err == nil {
		return Frame{Command: CommandAck, SubID: subID, Status: StatusSuccess}
	}
	reason := err.Error()
	var rejected *liveview.QueryRejectedError
	if errors.As(err, &rejected) {
		reason = rejected.Reason
	}
	return Frame{Command: CommandAck, SubID: subID, Status: StatusFailure, Reason: reason}
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Command == "" {
		return Frame{}, errors.New("frame without command")
	}
	return f, nil
}
