package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

const (
	opUpsert = "upsert"
	opDelete = "delete"
)

// change is the NOTIFY payload describing one row change.
type change struct {
	Op     string         `json:"op"`
	Topic  string         `json:"topic"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

func parseChange(payload string) (change, error) {
	var c change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return change{}, fmt.Errorf("failed to unmarshal change payload: %w", err)
	}
	if c.Topic == "" || c.Key == "" {
		return change{}, fmt.Errorf("%w: change without topic or key", liveview.ErrMalformedMessage)
	}
	switch c.Op {
	case opUpsert, opDelete:
		return c, nil
	default:
		return change{}, fmt.Errorf("%w: unknown change op '%s'", liveview.ErrMalformedMessage, c.Op)
	}
}

// Store writes rows and notifies listening sources of every change.
type Store struct {
	*pgClient
}

// NewStore creates a new PostgreSQL row store with the given configuration.
func NewStore(config Config) (*Store, error) {
	config = config.withDefaults()
	client, err := newPgClient(config)
	if err != nil {
		return nil, err
	}
	return &Store{pgClient: client}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema creates the rows table if it doesn't exist.
func (s *Store) InitSchema() error {
	return InitSchema(s.db, s.tableName)
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Upsert merges the fields of row into the stored row and returns the result.
func (s *Store) Upsert(ctx context.Context, topic string, row liveview.Row) (liveview.Row, error) {
	if topic == "" {
		return liveview.Row{}, fmt.Errorf("%w: topic is required", liveview.ErrInvalidQuery)
	}
	if row.Key == "" {
		return liveview.Row{}, fmt.Errorf("%w: row without key", liveview.ErrMalformedMessage)
	}

	data, err := json.Marshal(row.Fields)
	if err != nil {
		return liveview.Row{}, fmt.Errorf("failed to marshal row: %w", err)
	}
	if row.Fields == nil {
		data = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return liveview.Row{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	table := quoteIdentifier(s.tableName)
	var merged []byte
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s AS t (topic, key, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (topic, key)
		DO UPDATE SET data = t.data || EXCLUDED.data, updated_at = now()
		RETURNING data
	`, table), topic, row.Key, string(data)).Scan(&merged)
	if err != nil {
		return liveview.Row{}, fmt.Errorf("failed to upsert row: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(merged, &fields); err != nil {
		return liveview.Row{}, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	result := liveview.NewRow(row.Key, fields)

	if err := s.notify(ctx, tx, change{Op: opUpsert, Topic: topic, Key: row.Key, Fields: fields}); err != nil {
		return liveview.Row{}, err
	}
	if err := tx.Commit(); err != nil {
		return liveview.Row{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// Delete removes a row and reports whether it existed.
func (s *Store) Delete(ctx context.Context, topic, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE topic = $1 AND key = $2", quoteIdentifier(s.tableName)), topic, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := s.notify(ctx, tx, change{Op: opDelete, Topic: topic, Key: key}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Rows loads the rows of a topic in first-write order.
func (s *Store) Rows(ctx context.Context, topic string) ([]liveview.Row, error) {
	return s.loadRows(ctx, topic)
}

func (c *pgClient) loadRows(ctx context.Context, topic string) ([]liveview.Row, error) {
	query, args := c.buildLoadQuery(topic)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	var out []liveview.Row
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row %s: %w", key, err)
		}
		out = append(out, liveview.NewRow(key, fields))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// buildLoadQuery returns the statement that reads the rows of a topic.
func (c *pgClient) buildLoadQuery(topic string) (string, []any) {
	query := fmt.Sprintf(`
		SELECT key, data
		FROM %s
		WHERE topic = $1
		ORDER BY seq ASC
	`, quoteIdentifier(c.tableName))
	return query, []any{topic}
}

func (c *pgClient) notify(ctx context.Context, tx *sql.Tx, ch change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	// NOTIFY payloads are limited to 8000 bytes by default
	if len(payload) >= 8000 {
		return errors.New("row too large for change notification")
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", c.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
	}
	return nil
}
