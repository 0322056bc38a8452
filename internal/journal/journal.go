// Package journal persists a local log of game traffic in SQLite. The
// journal is diagnostic: it answers "what did this node send and hear" after
// the fact and is never read on the hot path.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshzork/meshzork/internal/protocol"
)

// Direction marks which way a journaled message travelled.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Entry is one journaled message.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Direction Direction
	Link      string
	Kind      protocol.Kind
	SenderID  string
	Sequence  uint64
	Payload   json.RawMessage
}

const schema = `
CREATE TABLE IF NOT EXISTS traffic (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	direction TEXT NOT NULL,
	link TEXT NOT NULL,
	kind TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	payload_json BLOB
);
CREATE INDEX IF NOT EXISTS idx_traffic_timestamp ON traffic (timestamp);
CREATE INDEX IF NOT EXISTS idx_traffic_sender ON traffic (sender_id, seq);
`

// Store is a SQLite-backed traffic journal. A nil Store is a no-op writer,
// so callers need not branch on whether journaling is configured.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the journal at path, creating the schema when absent.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append records one message. Appending to a nil or closed store is a
// silent no-op so traffic handling never fails on journal trouble.
func (s *Store) Append(ctx context.Context, direction Direction, link string, msg protocol.Message) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var payload []byte
	if msg.Payload != nil {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = data
	}

	_, err := s.sqlDB.ExecContext(ctx,
		"INSERT INTO traffic (timestamp, direction, link, kind, sender_id, seq, payload_json) VALUES (?, ?, ?, ?, ?, ?, ?)",
		toMillis(ts), string(direction), link, string(msg.Kind), msg.SenderID, int64(msg.Sequence), payload,
	)
	if err != nil {
		return fmt.Errorf("append traffic: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT id, timestamp, direction, link, kind, sender_id, seq, payload_json FROM traffic ORDER BY id DESC LIMIT ?",
		int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query traffic: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var ts int64
		var direction, kind string
		var seq int64
		if err := rows.Scan(&entry.ID, &ts, &direction, &entry.Link, &kind, &entry.SenderID, &seq, &entry.Payload); err != nil {
			return nil, fmt.Errorf("scan traffic row: %w", err)
		}
		entry.Timestamp = fromMillis(ts)
		entry.Direction = Direction(direction)
		entry.Kind = protocol.Kind(kind)
		entry.Sequence = uint64(seq)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traffic rows: %w", err)
	}
	return entries, nil
}

// BySender returns up to limit entries from one sender, newest first.
func (s *Store) BySender(ctx context.Context, senderID string, limit int) ([]Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(senderID) == "" {
		return nil, fmt.Errorf("sender id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT id, timestamp, direction, link, kind, sender_id, seq, payload_json FROM traffic WHERE sender_id = ? ORDER BY id DESC LIMIT ?",
		senderID, int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query traffic by sender: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var ts int64
		var direction, kind string
		var seq int64
		if err := rows.Scan(&entry.ID, &ts, &direction, &entry.Link, &kind, &entry.SenderID, &seq, &entry.Payload); err != nil {
			return nil, fmt.Errorf("scan traffic row: %w", err)
		}
		entry.Timestamp = fromMillis(ts)
		entry.Direction = Direction(direction)
		entry.Kind = protocol.Kind(kind)
		entry.Sequence = uint64(seq)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traffic rows: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM traffic WHERE timestamp < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune traffic: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().Truncate(time.Millisecond).UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
