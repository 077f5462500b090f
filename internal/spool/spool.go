// Package spool is a store-and-forward buffer for telemetry that could
// not be delivered.
//
// Undeliverable messages land in a local SQLite outbox and are replayed
// oldest-first once the session recovers. The outbox is capped; when full,
// the oldest entries are discarded so a long outage keeps the most recent
// history.
package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
)

// ErrSpoolClosed is returned for operations on a closed spool.
var ErrSpoolClosed = errors.New("spool: closed")

// drainBatchSize bounds how many rows one Drain call replays.
const drainBatchSize = 100

// Config holds spool storage settings.
type Config struct {
	Path        string
	WALMode     bool
	BusyTimeout int // milliseconds
	MaxEntries  int
}

// Spool is the persistent outbox.
//
// Thread Safety:
//   - All methods are safe for concurrent use; SQLite access is
//     serialized through a single connection.
type Spool struct {
	db     *sql.DB
	cfg    Config
	logger *logging.Logger
}

// Open creates or opens the outbox database and ensures the schema.
func Open(cfg Config, logger *logging.Logger) (*Spool, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout)
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("spool: opening database: %w", err)
	}

	// SQLite handles one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: database unreachable: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		topic      TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: creating schema: %w", err)
	}

	return &Spool{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "spool"),
	}, nil
}

// Enqueue stores one undeliverable message. When the outbox exceeds its
// cap, the oldest entries are dropped to make room.
func (s *Spool) Enqueue(topic string, payload []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO outbox (topic, payload, created_at) VALUES (?, ?, ?)",
		topic, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}

	if s.cfg.MaxEntries > 0 {
		res, err := s.db.Exec(
			"DELETE FROM outbox WHERE id NOT IN (SELECT id FROM outbox ORDER BY id DESC LIMIT ?)",
			s.cfg.MaxEntries)
		if err != nil {
			return fmt.Errorf("spool: trimming outbox: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Warn("outbox full, oldest entries dropped", "dropped", n)
		}
	}
	return nil
}

// Drain replays spooled messages oldest-first through publish, deleting
// each on success. It stops at the first delivery failure and returns how
// many messages were replayed.
func (s *Spool) Drain(ctx context.Context, publish func(ctx context.Context, topic string, payload []byte) error) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, topic, payload FROM outbox ORDER BY id ASC LIMIT ?", drainBatchSize)
	if err != nil {
		return 0, fmt.Errorf("spool: reading outbox: %w", err)
	}

	type entry struct {
		id      int64
		topic   string
		payload []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.topic, &e.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("spool: scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("spool: iterating outbox: %w", err)
	}

	replayed := 0
	for _, e := range entries {
		if err := publish(ctx, e.topic, e.payload); err != nil {
			return replayed, fmt.Errorf("spool: replaying entry %d: %w", e.id, err)
		}
		if _, err := s.db.Exec("DELETE FROM outbox WHERE id = ?", e.id); err != nil {
			return replayed, fmt.Errorf("spool: removing replayed entry: %w", err)
		}
		replayed++
	}
	return replayed, nil
}

// Count returns the number of spooled messages.
func (s *Spool) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&n); err != nil {
		return 0, fmt.Errorf("spool: counting outbox: %w", err)
	}
	return n, nil
}

// Close releases the database.
func (s *Spool) Close() error {
	return s.db.Close()
}
