package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
)

// maxInParams bounds the number of bound parameters in one IN (...) clause.
const maxInParams = 500

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: the worker goroutine is the only user.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_queue (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			type_tag TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_queue_created_at ON event_queue(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_queue_event_id ON event_queue(event_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func countRows(x execer) (int, error) {
	var n int
	if err := x.QueryRow(`SELECT COUNT(*) FROM event_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func eventExists(x execer, eventID string) (bool, error) {
	var one int
	err := x.QueryRow(`SELECT 1 FROM event_queue WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", eventID, err)
	}
	return true, nil
}

func evictOldest(x execer, n int) (int, error) {
	res, err := x.Exec(`DELETE FROM event_queue WHERE row_id IN (
		SELECT row_id FROM event_queue ORDER BY created_at, row_id LIMIT ?)`, n)
	if err != nil {
		return 0, fmt.Errorf("evict: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func upsertRow(x execer, r Record, payload []byte) error {
	_, err := x.Exec(`INSERT OR REPLACE INTO event_queue (event_id, type_tag, payload, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?)`,
		r.Event.ID(), r.TypeTag, payload, r.CreatedAt.UnixMicro(), r.RetryCount)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.Event.ID(), err)
	}
	return nil
}

// readOldest returns decodable records in FIFO order plus the row ids of
// every row read, corrupt ones included.
func readOldest(x execer, limit int) ([]Record, []int64, error) {
	rows, err := x.Query(`SELECT row_id, event_id, type_tag, payload, created_at, retry_count
		FROM event_queue ORDER BY created_at, row_id LIMIT ?`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("select oldest: %w", err)
	}
	defer rows.Close()

	var recs []Record
	var rowIDs []int64
	for rows.Next() {
		var (
			r         Record
			eventID   string
			payload   []byte
			createdUs int64
		)
		if err := rows.Scan(&r.RowID, &eventID, &r.TypeTag, &payload, &createdUs, &r.RetryCount); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		rowIDs = append(rowIDs, r.RowID)
		r.CreatedAt = time.UnixMicro(createdUs).UTC()

		ev, err := decodePayload(payload)
		if err != nil {
			slog.Warn("queue: discarding corrupt event", "event_id", eventID, "row_id", r.RowID, "error", err)
			continue
		}
		r.Event = ev
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate: %w", err)
	}
	return recs, rowIDs, nil
}

func deleteRowIDs(x execer, ids []int64) error {
	for start := 0; start < len(ids); start += maxInParams {
		end := min(start+maxInParams, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := `DELETE FROM event_queue WHERE row_id IN (` + placeholders(len(chunk)) + `)`
		if _, err := x.Exec(q, args...); err != nil {
			return fmt.Errorf("delete rows: %w", err)
		}
	}
	return nil
}

func deleteEventIDs(x execer, ids []string) error {
	for start := 0; start < len(ids); start += maxInParams {
		end := min(start+maxInParams, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := `DELETE FROM event_queue WHERE event_id IN (` + placeholders(len(chunk)) + `)`
		if _, err := x.Exec(q, args...); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
	}
	return nil
}

func expireBefore(x execer, cutoff time.Time) (int, error) {
	res, err := x.Exec(`DELETE FROM event_queue WHERE created_at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("expire: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func rangeStats(x execer) (count int, oldest, newest time.Time, err error) {
	var minUs, maxUs sql.NullInt64
	err = x.QueryRow(`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM event_queue`).Scan(&count, &minUs, &maxUs)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("stats: %w", err)
	}
	if minUs.Valid {
		oldest = time.UnixMicro(minUs.Int64).UTC()
	}
	if maxUs.Valid {
		newest = time.UnixMicro(maxUs.Int64).UTC()
	}
	return count, oldest, newest, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func decodePayload(payload []byte) (event.Event, error) {
	raw, err := decompress(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	ev, err := event.Decode(raw)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return ev, nil
}
