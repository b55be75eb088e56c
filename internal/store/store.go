// Package store reads newly arrived rows from the Messages chat.db. The
// database is owned by the host's Messages daemon and is only ever queried,
// never written.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/Alex4210987/deepiMessage/internal/core"
)

// appleEpoch is the zero point of the date column in chat.db.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// Older databases store date as seconds since the Apple epoch, newer ones as
// nanoseconds. Values above this threshold are nanoseconds.
const nanosecondThreshold = int64(1) << 40

type DB struct {
	db            *sql.DB
	conversations []string

	// lastRowID is the high-water mark used to suppress rows the sliding
	// time window would otherwise hand out twice. Owned by the driver's
	// synchronous tick step; not safe for concurrent Poll calls.
	lastRowID int64
}

// Open opens chat.db read-only for the given conversation keys.
func Open(path string, conversations []string) (*DB, error) {
	if len(conversations) == 0 {
		return nil, errors.New("store: no conversations configured")
	}
	dsn := "file:" + path + "?mode=ro"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open chat.db")
	}
	// Best effort; the Messages daemon holds the write lock.
	if _, err := db.Exec("PRAGMA query_only=1;"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set query_only")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy_timeout")
	}
	return &DB{db: db, conversations: append([]string(nil), conversations...)}, nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Ping() error { return s.db.Ping() }

// Poll returns events in the watched conversations that were not authored by
// the local user and arrived within the last `since`, ordered by timestamp
// ascending. Rows at or below the high-water mark from earlier polls are
// skipped, so a row is handed out at most once even when the time windows of
// adjacent polls overlap.
func (s *DB) Poll(ctx context.Context, since time.Duration) ([]core.RawEvent, error) {
	cutoff := appleValue(time.Now().Add(-since))

	placeholders := strings.TrimRight(strings.Repeat("?,", len(s.conversations)), ",")
	query := fmt.Sprintf(`SELECT m.ROWID, m.text, m.attributedBody, c.chat_identifier, m.date
FROM message m
INNER JOIN chat_message_join j ON m.ROWID = j.message_id
INNER JOIN chat c ON j.chat_id = c.ROWID
WHERE c.chat_identifier IN (%s)
  AND m.is_from_me = 0
  AND m.date > ?
  AND m.ROWID > ?
ORDER BY m.date ASC;`, placeholders)

	args := make([]any, 0, len(s.conversations)+2)
	for _, conv := range s.conversations {
		args = append(args, conv)
	}
	args = append(args, cutoff, s.lastRowID)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []core.RawEvent
	for rows.Next() {
		var (
			ev      core.RawEvent
			text    sql.NullString
			rawDate int64
		)
		if err := rows.Scan(&ev.RowID, &text, &ev.RichPayload, &ev.ConversationKey, &rawDate); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		ev.Text = text.String
		ev.OccurredAt = appleTime(rawDate)
		out = append(out, ev)
		if ev.RowID > s.lastRowID {
			s.lastRowID = ev.RowID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

// LastRowID exposes the dedup high-water mark for status reporting.
func (s *DB) LastRowID() int64 { return s.lastRowID }

func appleTime(raw int64) time.Time {
	if raw > nanosecondThreshold {
		return appleEpoch.Add(time.Duration(raw))
	}
	return appleEpoch.Add(time.Duration(raw) * time.Second)
}

func appleValue(t time.Time) int64 {
	return t.Sub(appleEpoch).Nanoseconds()
}
