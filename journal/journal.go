package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"htlcbridge/core/types"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 100

// MaxListLimit is the largest page List returns.
const MaxListLimit = 1000

// Entry is a journaled event with its journal sequence number.
type Entry struct {
	Sequence int64 `json:"sequence"`
	types.CommittedEvent
}

// Journal stores committed lifecycle events in SQLite so relayers can replay
// revealed secrets and order state changes.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal: path must not be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; a single connection also keeps :memory:
	// databases shared across calls.
	db.SetMaxOpenConns(1)
	j := &Journal{db: db}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            call_id TEXT NOT NULL,
            height INTEGER NOT NULL,
            idx INTEGER NOT NULL,
            type TEXT NOT NULL,
            order_id TEXT,
            payload TEXT NOT NULL,
            committed_at TIMESTAMP NOT NULL,
            UNIQUE(call_id, idx)
        );`,
		`CREATE INDEX IF NOT EXISTS events_order_id ON events(order_id);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: init schema: %w", err)
		}
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Name identifies the journal as an event sink.
func (j *Journal) Name() string { return "journal" }

// Publish appends the events of one committed call. Re-publishing the same call
// is ignored.
func (j *Journal) Publish(ctx context.Context, events []types.CommittedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR IGNORE INTO events(call_id, height, idx, type, order_id, payload, committed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, evt := range events {
		payload, err := json.Marshal(evt.Event.Attributes)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("journal: encode attributes: %w", err)
		}
		orderID := sql.NullString{String: evt.Event.Attributes["id"], Valid: evt.Event.Attributes["id"] != ""}
		if _, err := tx.ExecContext(ctx, stmt, evt.CallID, int64(evt.Height), evt.Index, evt.Event.Type, orderID, string(payload), evt.CommittedAt.UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("journal: insert event: %w", err)
		}
	}
	return tx.Commit()
}

// List returns up to limit entries with a sequence greater than after, in
// sequence order.
func (j *Journal) List(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	const query = `SELECT sequence, call_id, height, idx, type, payload, committed_at FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	return j.query(ctx, query, after, limit)
}

// ListByOrder returns every entry recorded for the order, oldest first.
func (j *Journal) ListByOrder(ctx context.Context, orderID uint64) ([]Entry, error) {
	const query = `SELECT sequence, call_id, height, idx, type, payload, committed_at FROM events WHERE order_id = ? ORDER BY sequence ASC`
	return j.query(ctx, query, fmt.Sprintf("%d", orderID))
}

// LastSequence returns the highest sequence stored, or zero for an empty
// journal.
func (j *Journal) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq.Int64, nil
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry       Entry
			height      int64
			payload     string
			committedAt time.Time
		)
		if err := rows.Scan(&entry.Sequence, &entry.CallID, &height, &entry.Index, &entry.Event.Type, &payload, &committedAt); err != nil {
			return nil, err
		}
		entry.Height = uint64(height)
		entry.CommittedAt = committedAt.UTC()
		entry.Event.Attributes = map[string]string{}
		if err := json.Unmarshal([]byte(payload), &entry.Event.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes of %d: %w", entry.Sequence, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
