package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS queued_payments (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT    NOT NULL UNIQUE,
	payment_id  TEXT    NOT NULL,
	request     BLOB    NOT NULL,
	enqueued_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	state       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS queued_payments_state ON queued_payments(state, seq);
`

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: cbor encoder: " + err.Error())
	}
}

// SQLiteQueue persists queued payments so they survive a restart.
// Requests are stored CBOR-encoded.
type SQLiteQueue struct {
	pool   *sqlitex.Pool
	logger logger.Logger
}

var _ Queue = (*SQLiteQueue)(nil)

// OpenSQLiteQueue opens or creates the queue database at path.
// Items left executing by a previous process are returned to pending.
func OpenSQLiteQueue(ctx context.Context, path string, log logger.Logger) (*SQLiteQueue, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: opening %s: %w", path, err)
	}

	q := &SQLiteQueue{pool: pool, logger: log}
	if err := q.init(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return q, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}
	return nil
}

func (q *SQLiteQueue) init(ctx context.Context) error {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: init: %w", err)
	}
	defer q.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("queue: creating schema: %w", err)
	}

	err = sqlitex.Execute(conn, `UPDATE queued_payments SET state = ? WHERE state = ?`, &sqlitex.ExecOptions{
		Args: []any{string(models.QueuePending), string(models.QueueExecuting)},
	})
	if err != nil {
		return fmt.Errorf("queue: recovering executing items: %w", err)
	}
	if n := conn.Changes(); n > 0 {
		q.logger.Notice("Recovered %d queued payments left executing by a previous run", n)
	}
	return nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, req models.PaymentRequest, now time.Time) (*models.QueuedPayment, error) {
	payload, err := encMode.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("queue: encoding request: %w", err)
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	defer q.pool.Put(conn)

	item := &models.QueuedPayment{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: now,
		State:      models.QueuePending,
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO queued_payments (id, payment_id, request, enqueued_at, retry_count, state)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{item.ID, req.PaymentID, payload, now.UnixNano(), string(models.QueuePending)},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: inserting %s: %w", req.PaymentID, err)
	}
	return item, nil
}

func (q *SQLiteQueue) DequeueBatch(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) (_ []models.QueuedPayment, err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var pending []*models.QueuedPayment
	err = sqlitex.Execute(conn,
		`SELECT id, request, enqueued_at, retry_count FROM queued_payments WHERE state = ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{string(models.QueuePending)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				item, err := scanItem(stmt)
				if err != nil {
					return err
				}
				pending = append(pending, item)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: selecting pending: %w", err)
	}

	selected := selectBatch(pending, now, limit, staleAfter)
	if len(selected) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(selected)+1)
	ids = append(ids, string(models.QueueExecuting))
	out := make([]models.QueuedPayment, 0, len(selected))
	for _, item := range selected {
		item.State = models.QueueExecuting
		ids = append(ids, item.ID)
		out = append(out, *item)
	}

	err = sqlitex.Execute(conn,
		`UPDATE queued_payments SET state = ? WHERE id IN (`+placeholders(len(selected))+`)`,
		&sqlitex.ExecOptions{Args: ids})
	if err != nil {
		return nil, fmt.Errorf("queue: marking executing: %w", err)
	}
	return out, nil
}

func (q *SQLiteQueue) UpdateRetry(ctx context.Context, id string) (count int, err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: update retry: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`UPDATE queued_payments SET retry_count = retry_count + 1, state = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(models.QueuePending), id}})
	if err != nil {
		return 0, fmt.Errorf("queue: incrementing retry for %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return 0, ErrNotFound
	}

	err = sqlitex.Execute(conn, `SELECT retry_count FROM queued_payments WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("queue: reading retry for %s: %w", id, err)
	}
	return count, nil
}

func (q *SQLiteQueue) Release(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	defer q.pool.Put(conn)

	args := make([]any, 0, len(ids)+1)
	args = append(args, string(models.QueuePending))
	for _, id := range ids {
		args = append(args, id)
	}
	err = sqlitex.Execute(conn, `UPDATE queued_payments SET state = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("queue: releasing %d items: %w", len(ids), err)
	}
	return nil
}

func (q *SQLiteQueue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	defer q.pool.Put(conn)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	err = sqlitex.Execute(conn, `DELETE FROM queued_payments WHERE id IN (`+placeholders(len(ids))+`)`,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("queue: deleting %d items: %w", len(ids), err)
	}
	return nil
}

func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	defer q.pool.Put(conn)

	var stats Stats
	err = sqlitex.Execute(conn, `SELECT COUNT(*), MIN(enqueued_at) FROM queued_payments`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Length = int(stmt.ColumnInt64(0))
			if !stmt.ColumnIsNull(1) {
				t := time.Unix(0, stmt.ColumnInt64(1))
				stats.Oldest = &t
			}
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return stats, nil
}

// Close closes the connection pool
func (q *SQLiteQueue) Close() error {
	return q.pool.Close()
}

func scanItem(stmt *sqlite.Stmt) (*models.QueuedPayment, error) {
	payload := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, payload)

	var req models.PaymentRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("queue: decoding %s: %w", stmt.ColumnText(0), err)
	}

	return &models.QueuedPayment{
		ID:         stmt.ColumnText(0),
		Request:    req,
		EnqueuedAt: time.Unix(0, stmt.ColumnInt64(2)),
		RetryCount: int(stmt.ColumnInt64(3)),
		State:      models.QueuePending,
	}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
