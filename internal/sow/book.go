// Package sow keeps the current state of the world of each topic and computes
// what every open stream must be told about it.
package sow

import (
	"sort"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

type entry struct {
	row liveview.Row
	seq uint64
}

// Get makes an entry usable as a filter record.
func (e *entry) Get(name string) (any, bool) {
	return e.row.Get(name)
}

// Book holds the rows of every topic. It is not safe for concurrent use.
type Book struct {
	topics map[string]map[string]*entry
	seq    uint64
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{topics: make(map[string]map[string]*entry)}
}

// Upsert merges row into the topic and returns the stored row.
func (b *Book) Upsert(topic string, row liveview.Row) liveview.Row {
	rows, ok := b.topics[topic]
	if !ok {
		rows = make(map[string]*entry)
		b.topics[topic] = rows
	}
	if e, ok := rows[row.Key]; ok {
		e.row.Merge(row)
		return e.row.Clone()
	}
	b.seq++
	rows[row.Key] = &entry{row: row.Clone(), seq: b.seq}
	return row.Clone()
}

// Delete removes a row and reports whether it existed.
func (b *Book) Delete(topic, key string) bool {
	rows, ok := b.topics[topic]
	if !ok {
		return false
	}
	if _, ok := rows[key]; !ok {
		return false
	}
	delete(rows, key)
	return true
}

// Replace swaps the contents of a topic.
func (b *Book) Replace(topic string, rows []liveview.Row) {
	delete(b.topics, topic)
	for _, row := range rows {
		b.Upsert(topic, row)
	}
}

// Drop forgets a topic.
func (b *Book) Drop(topic string) {
	delete(b.topics, topic)
}

// Len returns the number of rows in a topic.
func (b *Book) Len(topic string) int {
	return len(b.topics[topic])
}

// entries returns the rows of a topic in insertion order.
func (b *Book) entries(topic string) []*entry {
	rows := b.topics[topic]
	out := make([]*entry, 0, len(rows))
	for _, e := range rows {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Rows returns copies of the rows of a topic in insertion order.
func (b *Book) Rows(topic string) []liveview.Row {
	entries := b.entries(topic)
	out := make([]liveview.Row, len(entries))
	for i, e := range entries {
		out[i] = e.row.Clone()
	}
	return out
}
