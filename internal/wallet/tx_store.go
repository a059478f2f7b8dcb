package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// TxStore provides database operations for wallet transactions.
type TxStore struct {
	pool *pgxpool.Pool
}

// NewTxStore creates a new transaction store backed by the given pool.
func NewTxStore(pool *pgxpool.Pool) *TxStore {
	return &TxStore{pool: pool}
}

const txColumns = `id, wallet_id, direction, amount, asset, counterparty,
	amount_cents, memo, status, signature, created_at`

func scanTx(row pgx.Row) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(&t.ID, &t.WalletID, &t.Direction, &t.Amount, &t.Asset,
		&t.Counterparty, &t.AmountCents, &t.Memo, &t.Status, &t.Signature, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Create inserts a transaction in pending status. For outbound spends this
// row is the budget reservation.
func (s *TxStore) Create(ctx context.Context, in CreateTransactionInput) (*Transaction, error) {
	id := ulid.Make().String()
	t, err := scanTx(s.pool.QueryRow(ctx,
		`INSERT INTO agent_transactions
		   (id, wallet_id, direction, amount, asset, counterparty, amount_cents, memo, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		 RETURNING `+txColumns,
		id, in.WalletID, in.Direction, in.Amount, in.Asset, in.Counterparty,
		in.AmountCents, in.Memo,
	))
	if err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}
	return t, nil
}

// MarkConfirmed moves a pending transaction to confirmed with its settlement
// signature. Terminal rows are never updated again.
func (s *TxStore) MarkConfirmed(ctx context.Context, id, signature string) (*Transaction, error) {
	t, err := scanTx(s.pool.QueryRow(ctx,
		`UPDATE agent_transactions SET status = 'confirmed', signature = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+txColumns,
		id, signature,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("confirming transaction %s: no pending row", id)
		}
		return nil, fmt.Errorf("confirming transaction: %w", err)
	}
	return t, nil
}

// MarkFailed moves a pending transaction to failed. Failed rows keep their
// reservation for audit but are excluded from future spend sums.
func (s *TxStore) MarkFailed(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTx(s.pool.QueryRow(ctx,
		`UPDATE agent_transactions SET status = 'failed'
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+txColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failing transaction %s: no pending row", id)
		}
		return nil, fmt.Errorf("failing transaction: %w", err)
	}
	return t, nil
}

// SumOutboundCentsSince sums the accounting-unit value of the wallet's
// outbound transactions created at or after since, in pending or confirmed
// status. Pending reservations count so concurrent spends cannot race past
// the daily limit.
func (s *TxStore) SumOutboundCentsSince(ctx context.Context, walletID string, since time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0)
		 FROM agent_transactions
		 WHERE wallet_id = $1
		   AND direction = 'out'
		   AND status IN ('pending', 'confirmed')
		   AND created_at >= $2`,
		walletID, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing outbound spend: %w", err)
	}
	return sum, nil
}

// ListByWallet returns the wallet's transactions, newest first, capped at
// limit (default 50).
func (s *TxStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM agent_transactions
		 WHERE wallet_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}
	return txns, nil
}
