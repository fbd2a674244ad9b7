// Package postgres provides a PostgreSQL backed data source for live views.
// Rows are kept in a table keyed by topic and key, and changes are fanned out
// with LISTEN/NOTIFY.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
)

const (
	// DefaultTableName is used when Config.TableName is empty
	DefaultTableName = "liveview_rows"
	// DefaultChannel is used when Config.Channel is empty
	DefaultChannel = "liveview_changes"
)

// Config holds configuration options for the PostgreSQL source and store.
type Config struct {
	ConnectionString string
	// TableName defaults to DefaultTableName
	TableName string
	// Channel is the NOTIFY channel; defaults to DefaultChannel
	Channel string
	// MinReconnectInterval and MaxReconnectInterval bound the listener's reconnect backoff
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	Logger               *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TableName == "" {
		c.TableName = DefaultTableName
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.MinReconnectInterval <= 0 {
		c.MinReconnectInterval = 10 * time.Second
	}
	if c.MaxReconnectInterval < c.MinReconnectInterval {
		c.MaxReconnectInterval = time.Minute
		if c.MaxReconnectInterval < c.MinReconnectInterval {
			c.MaxReconnectInterval = c.MinReconnectInterval
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// pgClient holds the database handle shared by the store and the source.
type pgClient struct {
	db        *sql.DB
	tableName string
	channel   string
}

func newPgClient(config Config) (*pgClient, error) {
	if config.ConnectionString == "" {
		return nil, errors.New("connection string must not be empty")
	}
	db, err := sql.Open("postgres", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &pgClient{db: db, tableName: config.TableName, channel: config.Channel}, nil
}

// quoteIdentifier quotes a PostgreSQL identifier.
func quoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// InitSchema creates the rows table and its index if they don't exist.
func InitSchema(db *sql.DB, tableName string) error {
	if tableName == "" {
		return errors.New("table name must not be empty")
	}
	if db == nil {
		return errors.New("database handle must not be nil")
	}

	table := quoteIdentifier(tableName)
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		topic VARCHAR(255) NOT NULL,
		key VARCHAR(255) NOT NULL,
		data JSONB NOT NULL DEFAULT '{}'::jsonb,
		seq BIGSERIAL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		PRIMARY KEY (topic, key)
	);

	CREATE INDEX IF NOT EXISTS %s ON %s(topic, seq);
	`, table, quoteIdentifier("idx_"+tableName+"_topic_seq"), table)

	_, err := db.Exec(query)
	return err
}
