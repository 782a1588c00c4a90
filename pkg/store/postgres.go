package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/speedrun-hq/session-relayer/pkg/models"
)

const paymentsSchema = `
CREATE TABLE IF NOT EXISTS payments (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	transaction_hash TEXT NOT NULL DEFAULT '',
	metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps payments in a PostgreSQL table
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ PaymentStore = (*PostgresStore)(nil)

// NewPostgresStore connects to the database and ensures the payments table exists
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, paymentsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to create payments table: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	var status string
	err := s.db.QueryRow(ctx,
		"SELECT id, status, transaction_hash, metadata FROM payments WHERE id = $1", id,
	).Scan(&p.ID, &status, &p.TransactionHash, &p.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", id, err)
	}
	p.Status = models.PaymentStatus(status)
	return &p, nil
}

// Save upserts the payment. An empty transaction hash keeps the stored one.
func (s *PostgresStore) Save(ctx context.Context, p *models.Payment) error {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (id, status, transaction_hash, metadata, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			transaction_hash = COALESCE(NULLIF(EXCLUDED.transaction_hash, ''), payments.transaction_hash),
			metadata = payments.metadata || EXCLUDED.metadata,
			updated_at = now()`,
		p.ID, string(p.Status), p.TransactionHash, metadata)
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", p.ID, err)
	}
	return nil
}
