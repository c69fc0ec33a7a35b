// Package queue implements the durable offline event queue. Events spill
// here while the Hub connection is down and are drained back in creation
// order once it recovers.
//
// Every public operation runs on a single private worker goroutine, so the
// queue is safe to use from any goroutine and operations never interleave.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
)

const (
	defaultMaxQueueSize      = 10000
	defaultMaxRetention      = 7 * 24 * time.Hour
	defaultCompressThreshold = 4 * 1024
	defaultMaxRetries        = 5

	// evictFraction is the share of maxQueueSize dropped in one eviction pass.
	evictFraction = 10
)

// Config configures a Queue.
type Config struct {
	Path              string        // sqlite file path
	MaxQueueSize      int           // row cap; oldest ~10% evicted when reached
	MaxRetention      time.Duration // rows older than this are expired
	CompressThreshold int           // payloads larger than this are zstd-compressed; <0 disables
	MaxRetries        int           // requeue limit per row; 0 = unlimited
}

// DefaultConfig returns defaults for a queue stored at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		MaxQueueSize:      defaultMaxQueueSize,
		MaxRetention:      defaultMaxRetention,
		CompressThreshold: defaultCompressThreshold,
		MaxRetries:        defaultMaxRetries,
	}
}

// Record is one persisted event together with its storage metadata.
type Record struct {
	RowID      int64
	Event      event.Event
	TypeTag    string
	CreatedAt  time.Time
	RetryCount int
}

// Stats summarizes queue contents.
type Stats struct {
	Count  int
	Oldest time.Time
	Newest time.Time
	Path   string
}

type job struct {
	fn    func(db *sql.DB) error
	reply chan error
}

// Queue is a durable, size- and age-bounded FIFO of events.
type Queue struct {
	cfg  Config
	db   *sql.DB
	jobs chan job

	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) the queue database, expires rows older than
// MaxRetention and starts the worker.
func Open(cfg Config) (*Queue, error) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.MaxRetention <= 0 {
		cfg.MaxRetention = defaultMaxRetention
	}
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = defaultCompressThreshold
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:    cfg,
		db:     db,
		jobs:   make(chan job),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	expired, err := expireBefore(db, time.Now().Add(-cfg.MaxRetention))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("expire on open: %w", err)
	}
	if expired > 0 {
		slog.Info("queue: expired stale events", "count", expired, "retention", cfg.MaxRetention)
	}

	go q.worker()
	slog.Info("queue: opened", "path", cfg.Path, "max_size", cfg.MaxQueueSize)
	return q, nil
}

func (q *Queue) worker() {
	defer close(q.done)
	for {
		select {
		case j := <-q.jobs:
			j.reply <- j.fn(q.db)
		case <-q.closed:
			return
		}
	}
}

// do runs fn on the worker goroutine and waits for its result. ctx only
// bounds the wait for the worker to accept the job; an accepted job's
// result is always returned.
func (q *Queue) do(ctx context.Context, fn func(db *sql.DB) error) error {
	j := job{fn: fn, reply: make(chan error, 1)}
	select {
	case q.jobs <- j:
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-j.reply
}

// Close stops the worker and closes the database. Safe to call twice.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		<-q.done
		err = q.db.Close()
		slog.Info("queue: closed", "path", q.cfg.Path)
	})
	return err
}

// Path returns the database file path.
func (q *Queue) Path() string { return q.cfg.Path }

// Enqueue persists events in order. An event whose id is already stored
// replaces the stored row. When the table is at MaxQueueSize the oldest
// ~10% of rows are evicted before inserting.
func (q *Queue) Enqueue(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]Record, 0, len(events))
	for _, ev := range events {
		rows = append(rows, Record{
			Event:     ev,
			TypeTag:   string(ev.Category()),
			CreatedAt: ev.Timestamp(),
		})
	}
	return q.do(ctx, func(db *sql.DB) error {
		return q.insert(db, rows)
	})
}

// Requeue puts records that failed delivery back, keeping their original
// creation time and incrementing their retry count. Records that exceed
// MaxRetries are dropped.
func (q *Queue) Requeue(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]Record, 0, len(records))
	for _, r := range records {
		r.RetryCount++
		if q.cfg.MaxRetries > 0 && r.RetryCount > q.cfg.MaxRetries {
			slog.Warn("queue: dropping event after max retries",
				"event_id", r.Event.ID(), "retries", r.RetryCount-1)
			continue
		}
		rows = append(rows, r)
	}
	return q.do(ctx, func(db *sql.DB) error {
		return q.insert(db, rows)
	})
}

func (q *Queue) insert(db *sql.DB, rows []Record) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	count, err := countRows(tx)
	if err != nil {
		return err
	}

	evictBatch := q.cfg.MaxQueueSize / evictFraction
	if evictBatch < 1 {
		evictBatch = 1
	}

	evicted := 0
	for _, r := range rows {
		exists, err := eventExists(tx, r.Event.ID())
		if err != nil {
			return err
		}
		if !exists && count >= q.cfg.MaxQueueSize {
			n, err := evictOldest(tx, evictBatch)
			if err != nil {
				return err
			}
			count -= n
			evicted += n
		}

		payload, err := encodePayload(r.Event, q.cfg.CompressThreshold)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.Event.ID(), err)
		}
		if err := upsertRow(tx, r, payload); err != nil {
			return err
		}
		if !exists {
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if evicted > 0 {
		slog.Warn("queue: evicted oldest events", "count", evicted, "max_size", q.cfg.MaxQueueSize)
	}
	return nil
}

// DequeueBatch removes and returns up to maxCount of the oldest records.
// Rows are read and then deleted in a separate statement; a crash between
// the two redelivers them, which the at-least-once contract tolerates.
// Corrupt rows are deleted and skipped.
func (q *Queue) DequeueBatch(ctx context.Context, maxCount int) ([]Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	var out []Record
	err := q.do(ctx, func(db *sql.DB) error {
		recs, rowIDs, err := readOldest(db, maxCount)
		if err != nil {
			return err
		}
		if err := deleteRowIDs(db, rowIDs); err != nil {
			return err
		}
		out = recs
		return nil
	})
	return out, err
}

// PeekBatch returns up to maxCount of the oldest records without removing
// them. Corrupt rows are deleted and skipped.
func (q *Queue) PeekBatch(ctx context.Context, maxCount int) ([]Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	var out []Record
	err := q.do(ctx, func(db *sql.DB) error {
		recs, rowIDs, err := readOldest(db, maxCount)
		if err != nil {
			return err
		}
		// Only corrupt rows need deleting here.
		kept := make(map[int64]bool, len(recs))
		for _, r := range recs {
			kept[r.RowID] = true
		}
		var corrupt []int64
		for _, id := range rowIDs {
			if !kept[id] {
				corrupt = append(corrupt, id)
			}
		}
		if err := deleteRowIDs(db, corrupt); err != nil {
			return err
		}
		out = recs
		return nil
	})
	return out, err
}

// ConfirmDelivered deletes rows by event id. Ids that are not stored are
// ignored.
func (q *Queue) ConfirmDelivered(ctx context.Context, eventIDs ...string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return q.do(ctx, func(db *sql.DB) error {
		return deleteEventIDs(db, eventIDs)
	})
}

// Count returns the number of stored rows.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.do(ctx, func(db *sql.DB) error {
		var err error
		n, err = countRows(db)
		return err
	})
	return n, err
}

// Stats returns the row count and creation-time range.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Path: q.cfg.Path}
	err := q.do(ctx, func(db *sql.DB) error {
		var err error
		st.Count, st.Oldest, st.Newest, err = rangeStats(db)
		return err
	})
	return st, err
}

// Expire deletes rows older than MaxRetention and returns how many.
func (q *Queue) Expire(ctx context.Context) (int, error) {
	var n int
	err := q.do(ctx, func(db *sql.DB) error {
		var err error
		n, err = expireBefore(db, time.Now().Add(-q.cfg.MaxRetention))
		return err
	})
	return n, err
}

// Purge deletes every row.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	var n int
	err := q.do(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`DELETE FROM event_queue`)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}
