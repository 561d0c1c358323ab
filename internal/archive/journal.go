package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"brokerstore/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Event kinds stored in the journal.
const (
	KindStatus    = "status"
	KindError     = "error"
	KindExecution = "execution"
)

// Event is one journal row.
type Event struct {
	Seq        int64
	OrderID    int64
	Kind       string
	Status     string
	Filled     float64
	Remaining  float64
	Price      float64
	Commission float64
	Code       int
	Message    string
	ExecID     string
	Time       time.Time
}

// SQLiteJournal is an append-only log of broker order events.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// OpenJournal opens (or creates) the journal at path and migrates its
// schema.
func OpenJournal(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS order_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			filled REAL NOT NULL DEFAULT 0,
			remaining REAL NOT NULL DEFAULT 0,
			price REAL NOT NULL DEFAULT 0,
			commission REAL NOT NULL DEFAULT 0,
			code INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			exec_id TEXT NOT NULL DEFAULT '',
			ts_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, seq)`,
	}
	for _, q := range queries {
		if _, err := j.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// RecordStatus appends a status event.
func (j *SQLiteJournal) RecordStatus(ctx context.Context, ev domain.OrderStatusEvent) error {
	return j.insert(ctx, Event{
		OrderID:   ev.OrderID,
		Kind:      KindStatus,
		Status:    ev.Status,
		Filled:    ev.Filled,
		Remaining: ev.Remaining,
		Price:     ev.AvgFillPrice,
		Message:   ev.WhyHeld,
		Time:      j.now(),
	})
}

// RecordError appends an error event.
func (j *SQLiteJournal) RecordError(ctx context.Context, ev domain.ErrorEvent) error {
	return j.insert(ctx, Event{
		OrderID: ev.OrderID,
		Kind:    KindError,
		Code:    ev.Code,
		Message: ev.Message,
		Time:    j.now(),
	})
}

// RecordExecution appends a fill.
func (j *SQLiteJournal) RecordExecution(ctx context.Context, ev domain.ExecutionEvent) error {
	ts := ev.Time
	if ts.IsZero() {
		ts = j.now()
	}
	return j.insert(ctx, Event{
		OrderID:    ev.OrderID,
		Kind:       KindExecution,
		Filled:     ev.Shares,
		Price:      ev.Price,
		Commission: ev.Commission,
		ExecID:     ev.ExecID,
		Time:       ts,
	})
}

func (j *SQLiteJournal) insert(ctx context.Context, e Event) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO order_events
			(order_id, kind, status, filled, remaining, price, commission, code, message, exec_id, ts_unix_millis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OrderID, e.Kind, e.Status, e.Filled, e.Remaining, e.Price, e.Commission,
		e.Code, e.Message, e.ExecID, e.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journaling %s for order %d: %w", e.Kind, e.OrderID, err)
	}
	return nil
}

// Events returns the events of orderID in append order.
func (j *SQLiteJournal) Events(ctx context.Context, orderID int64) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, order_id, kind, status, filled, remaining, price, commission, code, message, exec_id, ts_unix_millis
		FROM order_events WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing events for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ms int64
		if err := rows.Scan(&e.Seq, &e.OrderID, &e.Kind, &e.Status, &e.Filled, &e.Remaining,
			&e.Price, &e.Commission, &e.Code, &e.Message, &e.ExecID, &ms); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastStatus returns the most recent status recorded for orderID.
func (j *SQLiteJournal) LastStatus(ctx context.Context, orderID int64) (string, bool, error) {
	var status string
	err := j.db.QueryRowContext(ctx,
		`SELECT status FROM order_events WHERE order_id = ? AND kind = ? ORDER BY seq DESC LIMIT 1`,
		orderID, KindStatus).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("last status of order %d: %w", orderID, err)
	}
	return status, true, nil
}
