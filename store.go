package liveview

import "sort"

// RowStore is an insertion-ordered mapping from row key to row.
// It has no locking of its own; the Reconciler serializes access.
type RowStore struct {
	rows  []Row
	index map[string]int
}

// NewRowStore creates an empty row store.
func NewRowStore() *RowStore {
	return &RowStore{index: make(map[string]int)}
}

// Len returns the number of rows.
func (s *RowStore) Len() int {
	return len(s.rows)
}

// Upsert merges row into the entry with the same key, keeping its position,
// or appends it when the key is new.
func (s *RowStore) Upsert(row Row) {
	if i, ok := s.index[row.Key]; ok {
		s.rows[i].Merge(row)
		return
	}
	s.index[row.Key] = len(s.rows)
	s.rows = append(s.rows, row.Clone())
}

// Remove deletes the entry for key. Unknown keys are ignored.
func (s *RowStore) Remove(key string) bool {
	i, ok := s.index[key]
	if !ok {
		return false
	}
	copy(s.rows[i:], s.rows[i+1:])
	s.rows[len(s.rows)-1] = Row{}
	s.rows = s.rows[:len(s.rows)-1]
	delete(s.index, key)
	for j := i; j < len(s.rows); j++ {
		s.index[s.rows[j].Key] = j
	}
	return true
}

// Clear empties the store.
func (s *RowStore) Clear() {
	s.rows = nil
	s.index = make(map[string]int)
}

// Replace swaps the contents of the store for rows. Duplicate keys within rows
// are merged into the first occurrence.
func (s *RowStore) Replace(rows []Row) {
	s.Clear()
	for _, row := range rows {
		s.Upsert(row)
	}
}

// Get returns a copy of the row stored under key.
func (s *RowStore) Get(key string) (Row, bool) {
	i, ok := s.index[key]
	if !ok {
		return Row{}, false
	}
	return s.rows[i].Clone(), true
}

// Snapshot returns a copy of the rows in insertion order.
func (s *RowStore) Snapshot() []Row {
	out := make([]Row, len(s.rows))
	for i, row := range s.rows {
		out[i] = row.Clone()
	}
	return out
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
