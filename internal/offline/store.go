package offline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS queued_operations (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	payload   BLOB NOT NULL,
	endpoint  TEXT NOT NULL,
	method    TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	retries   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS queued_status_updates (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	dispatch_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	retries     INTEGER NOT NULL DEFAULT 0
);
`

// QueueName identifies one of the two independent queues.
type QueueName string

const (
	QueueOperations    QueueName = "operations"
	QueueStatusUpdates QueueName = "dispatch_status"
)

func (n QueueName) table() string {
	if n == QueueStatusUpdates {
		return "queued_status_updates"
	}
	return "queued_operations"
}

// Store persists both queues in a local SQLite file so entries survive a
// restart of the device or process.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the queue database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "open offline store", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		schemaSQL,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, apperr.Wrap(apperr.Storage, "migrate offline store", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AddOperation(ctx context.Context, op models.QueuedOperation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_operations (id, payload, endpoint, method, timestamp, retries)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, []byte(op.Payload), op.Endpoint, op.Method, op.Timestamp.UnixNano(), op.Retries,
	)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "save queued operation", err)
	}
	return nil
}

func (s *Store) AddStatusUpdate(ctx context.Context, u models.QueuedStatusUpdate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_status_updates (id, dispatch_id, status, timestamp, retries)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.DispatchID, string(u.Status), u.Timestamp.UnixNano(), u.Retries,
	)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "save queued status update", err)
	}
	return nil
}

// Operations returns the pending generic writes in enqueue order.
func (s *Store) Operations(ctx context.Context) ([]models.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, endpoint, method, timestamp, retries
		 FROM queued_operations ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "list queued operations", err)
	}
	defer rows.Close()

	var ops []models.QueuedOperation
	for rows.Next() {
		var op models.QueuedOperation
		var payload []byte
		var ts int64
		if err := rows.Scan(&op.ID, &payload, &op.Endpoint, &op.Method, &ts, &op.Retries); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "scan queued operation", err)
		}
		op.Payload = payload
		op.Timestamp = time.Unix(0, ts).UTC()
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// StatusUpdates returns the pending dispatch status updates in enqueue order.
func (s *Store) StatusUpdates(ctx context.Context) ([]models.QueuedStatusUpdate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dispatch_id, status, timestamp, retries
		 FROM queued_status_updates ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "list queued status updates", err)
	}
	defer rows.Close()

	var updates []models.QueuedStatusUpdate
	for rows.Next() {
		var u models.QueuedStatusUpdate
		var status string
		var ts int64
		if err := rows.Scan(&u.ID, &u.DispatchID, &status, &ts, &u.Retries); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "scan queued status update", err)
		}
		u.Status = models.DispatchStatus(status)
		u.Timestamp = time.Unix(0, ts).UTC()
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// Delete removes an entry from the named queue.
func (s *Store) Delete(ctx context.Context, queue QueueName, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+queue.table()+` WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, fmt.Sprintf("delete %s entry", queue), err)
	}
	return nil
}

// IncrementRetries bumps the retry counter of an entry and returns the new value.
func (s *Store) IncrementRetries(ctx context.Context, queue QueueName, id string) (int, error) {
	var retries int
	err := s.db.QueryRowContext(ctx,
		`UPDATE `+queue.table()+` SET retries = retries + 1 WHERE id = ? RETURNING retries`, id,
	).Scan(&retries)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, fmt.Sprintf("update %s retries", queue), err)
	}
	return retries, nil
}

// Count returns the number of pending entries in the named queue.
func (s *Store) Count(ctx context.Context, queue QueueName) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+queue.table()).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Storage, fmt.Sprintf("count %s", queue), err)
	}
	return n, nil
}
