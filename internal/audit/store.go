package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the verification audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new audit store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a batch of verification records.
func (s *Store) BatchInsert(ctx context.Context, recs []VerificationRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(
			`INSERT INTO payment_verifications
			   (id, network, scheme, payer, asset, amount, outcome, signature, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.Network, r.Scheme, r.Payer, r.Asset, r.Amount, r.Outcome, r.Signature, r.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting audit record: %w", err)
		}
	}
	return nil
}

// ListSince returns audit records created at or after since, newest first,
// capped at limit (default 100).
func (s *Store) ListSince(ctx context.Context, since time.Time, limit int) ([]VerificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, network, scheme, payer, asset, amount, outcome, signature, created_at
		 FROM payment_verifications
		 WHERE created_at >= $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	var recs []VerificationRecord
	for rows.Next() {
		var r VerificationRecord
		if err := rows.Scan(&r.ID, &r.Network, &r.Scheme, &r.Payer, &r.Asset,
			&r.Amount, &r.Outcome, &r.Signature, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return recs, nil
}
