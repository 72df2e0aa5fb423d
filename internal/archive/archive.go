// Package archive keeps the timeline in sqlite so window queries survive
// restarts.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-narrator/core/timeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"
)

const DefaultQueueSize = 256

type Option func(*Archive)

// WithQueueSize bounds the number of changes waiting for the writer.
func WithQueueSize(size int) Option {
	return func(a *Archive) {
		if size > 0 {
			a.queueSize = size
		}
	}
}

// Archive persists timeline events. Changes reach it through Hook and are
// written by Run; the tracker is never blocked on the database.
type Archive struct {
	db        *sql.DB
	queueSize int
	changes   chan timeline.Change

	mu   sync.Mutex
	rows map[int64]int64

	dropped     atomic.Int64
	droppedStat metric.Int64Counter
}

// Open creates the database file if needed and closes out events a previous
// run left open: active rows become completed, scheduled rows cancelled.
func Open(path string, opts ...Option) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// One connection keeps sqlite writes serialized.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	a := &Archive{
		db:        db,
		queueSize: DefaultQueueSize,
		rows:      map[int64]int64{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.changes = make(chan timeline.Change, a.queueSize)
	a.droppedStat, _ = meter.Int64Counter("archive.changes.dropped",
		metric.WithDescription("Timeline changes dropped because the archive writer fell behind"))

	closed, err := reconcile(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if closed > 0 {
		logger.Info("closed out orphaned timeline events", "count", closed)
	}
	return a, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			lane TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			started_at REAL NOT NULL,
			ended_at REAL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS event_detail (
			event_id INTEGER NOT NULL REFERENCES event_log(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (event_id, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_started ON event_log(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_lane ON event_log(lane);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_status ON event_log(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init archive schema: %w", err)
		}
	}
	return nil
}

func reconcile(db *sql.DB) (int64, error) {
	var total int64
	for status, next := range map[timeline.Status]timeline.Status{
		timeline.StatusActive:    timeline.StatusCompleted,
		timeline.StatusScheduled: timeline.StatusCancelled,
	} {
		res, err := db.Exec(`UPDATE event_log SET ended_at = COALESCE(ended_at, started_at), status = ? WHERE status = ?`,
			string(next), string(status))
		if err != nil {
			return total, fmt.Errorf("failed to close out %s events: %w", status, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Hook returns a tracker hook that queues changes for Run. When the queue
// is full the change is dropped and counted.
func (a *Archive) Hook() timeline.Hook {
	return func(change timeline.Change) {
		select {
		case a.changes <- change:
		default:
			a.dropped.Add(1)
			a.droppedStat.Add(context.Background(), 1)
		}
	}
}

// Dropped reports how many changes the writer could not keep up with.
func (a *Archive) Dropped() int64 {
	return a.dropped.Load()
}

// Run writes queued changes until ctx is done, then drains what is left.
func (a *Archive) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case change := <-a.changes:
					a.write(writeCtx, change)
				default:
					return nil
				}
			}
		case change := <-a.changes:
			a.write(writeCtx, change)
		}
	}
}

func (a *Archive) write(ctx context.Context, change timeline.Change) {
	if err := a.Record(ctx, change); err != nil {
		logger.Error("failed to archive timeline change", "event_id", change.Event.ID, "action", string(change.Action), "error", err)
	}
}

// Record applies one change synchronously. Every change carries the full
// event, so updates and ends overwrite the row and its details.
func (a *Archive) Record(ctx context.Context, change timeline.Change) error {
	ctx, span := tracer.Start(ctx, "archive timeline change")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("timeline.event_id", change.Event.ID),
		attribute.String("timeline.action", string(change.Action)),
	)

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.recordLocked(ctx, change)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive write failed")
	}
	return err
}

func (a *Archive) recordLocked(ctx context.Context, change timeline.Change) error {
	event := change.Event
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	rowID, known := a.rows[event.ID]
	if !known {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO event_log(event_type, lane, title, started_at, ended_at, status, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			event.EventType, event.Lane, event.Title, toEpoch(event.StartedAt), nullableEpoch(event.EndedAt), string(event.Status), toEpoch(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert timeline event: %w", err)
		}
		if rowID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read timeline row id: %w", err)
		}
	} else {
		_, err := tx.ExecContext(ctx,
			`UPDATE event_log SET title = ?, started_at = ?, ended_at = ?, status = ? WHERE id = ?`,
			event.Title, toEpoch(event.StartedAt), nullableEpoch(event.EndedAt), string(event.Status), rowID)
		if err != nil {
			return fmt.Errorf("failed to update timeline event: %w", err)
		}
	}

	for key, value := range event.Details {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode detail %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_detail(event_id, key, value) VALUES(?, ?, ?)
			 ON CONFLICT(event_id, key) DO UPDATE SET value = excluded.value`,
			rowID, key, string(encoded)); err != nil {
			return fmt.Errorf("failed to store detail %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit timeline event: %w", err)
	}
	if event.Status.Terminal() {
		delete(a.rows, event.ID)
	} else {
		a.rows[event.ID] = rowID
	}
	return nil
}

// Window returns archived events overlapping [from, to] ordered by start.
// Event ids are archive row ids, not tracker ids.
func (a *Archive) Window(ctx context.Context, from, to time.Time) ([]timeline.Event, error) {
	ctx, span := tracer.Start(ctx, "archive window query")
	defer span.End()

	rows, err := a.db.QueryContext(ctx,
		`SELECT id, event_type, lane, title, started_at, ended_at, status FROM event_log
		 WHERE started_at <= ? AND (ended_at IS NULL OR ended_at >= ?)
		 ORDER BY started_at, id`,
		toEpoch(to), toEpoch(from))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("failed to query timeline window: %w", err)
	}
	defer rows.Close()

	var out []timeline.Event
	index := map[int64]int{}
	for rows.Next() {
		var (
			event   timeline.Event
			started float64
			ended   sql.NullFloat64
			status  string
		)
		if err := rows.Scan(&event.ID, &event.EventType, &event.Lane, &event.Title, &started, &ended, &status); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		event.StartedAt = fromEpoch(started)
		if ended.Valid {
			t := fromEpoch(ended.Float64)
			event.EndedAt = &t
		}
		event.Status = timeline.Status(status)
		index[event.ID] = len(out)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timeline window: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	if err := a.loadDetails(ctx, out, index); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("timeline.events", len(out)))
	return out, nil
}

func (a *Archive) loadDetails(ctx context.Context, events []timeline.Event, index map[int64]int) error {
	ids := make([]string, 0, len(events))
	args := make([]any, 0, len(events))
	for _, event := range events {
		ids = append(ids, "?")
		args = append(args, event.ID)
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT event_id, key, value FROM event_detail WHERE event_id IN (`+strings.Join(ids, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to query timeline details: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventID    int64
			key, value string
		)
		if err := rows.Scan(&eventID, &key, &value); err != nil {
			return fmt.Errorf("failed to scan timeline detail: %w", err)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		event := &events[index[eventID]]
		if event.Details == nil {
			event.Details = map[string]any{}
		}
		event.Details[key] = decoded
	}
	return rows.Err()
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func nullableEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toEpoch(*t)
}

func fromEpoch(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3)
}
