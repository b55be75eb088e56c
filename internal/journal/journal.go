// Package journal keeps a local SQLite record of every message the pipeline
// delivers, so operators can audit what was sent and when.
package journal

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS outgoing (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  sent_at TEXT NOT NULL,
  conversation TEXT NOT NULL DEFAULT '',
  recipient TEXT NOT NULL,
  kind TEXT NOT NULL DEFAULT 'reply',
  text TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS outgoing_sent_at ON outgoing(sent_at);`

// Entry is one delivered message.
type Entry struct {
	ID           int64     `json:"id"`
	SentAt       time.Time `json:"sent_at"`
	Conversation string    `json:"conversation,omitempty"`
	Recipient    string    `json:"recipient"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text"`
}

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	applyTuning(context.Background(), db)
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) Ping() error { return j.db.Ping() }

// Record appends a delivered message. The entry's SentAt defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	at := e.SentAt
	if at.IsZero() {
		at = time.Now()
	}
	const q = `INSERT INTO outgoing (sent_at, conversation, recipient, kind, text)
VALUES (?, ?, ?, ?, ?);`
	_, err := j.db.ExecContext(ctx, q,
		at.UTC().Format(time.RFC3339Nano), e.Conversation, e.Recipient, nz(e.Kind, "reply"), e.Text)
	return errors.Wrap(err, "insert outgoing")
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Recent returns the most recently sent entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, sent_at, conversation, recipient, kind, text
FROM outgoing ORDER BY id DESC LIMIT ?;`
	rows, err := j.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list outgoing")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Conversation, &e.Recipient, &e.Kind, &e.Text); err != nil {
			return nil, errors.Wrap(err, "scan outgoing")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.SentAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate outgoing")
	}
	return out, nil
}

// Count reports the total number of journalled messages.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outgoing;`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count outgoing")
	}
	return n, nil
}
