package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Store provides database operations for agent wallets.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new wallet store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const walletColumns = `id, org_id, deployment_id, address, encrypted_key,
	daily_limit_cents, per_tx_limit_cents, allowlist, is_active, created_at`

func scanWallet(row pgx.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.OrgID, &w.DeploymentID, &w.Address, &w.EncryptedKey,
		&w.DailyLimitCents, &w.PerTxLimitCents, &w.Allowlist, &w.IsActive, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Create inserts a new wallet and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateWalletInput) (*Wallet, error) {
	id := ulid.Make().String()
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`INSERT INTO agent_wallets
		   (id, org_id, deployment_id, address, encrypted_key,
		    daily_limit_cents, per_tx_limit_cents, allowlist, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)
		 RETURNING `+walletColumns,
		id, in.OrgID, in.DeploymentID, in.Address, in.EncryptedKey,
		in.DailyLimitCents, in.PerTxLimitCents, in.Allowlist,
	))
	if err != nil {
		return nil, fmt.Errorf("creating wallet: %w", err)
	}
	return w, nil
}

// GetByID retrieves a wallet by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM agent_wallets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting wallet by id: %w", err)
	}
	return w, nil
}

// GetByDeployment retrieves the wallet linked to a deployment.
func (s *Store) GetByDeployment(ctx context.Context, deploymentID string) (*Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM agent_wallets WHERE deployment_id = $1`, deploymentID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting wallet by deployment: %w", err)
	}
	return w, nil
}

// SetActive freezes or unfreezes a wallet. Wallets are never deleted.
func (s *Store) SetActive(ctx context.Context, id string, active bool) (*Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`UPDATE agent_wallets SET is_active = $2 WHERE id = $1
		 RETURNING `+walletColumns,
		id, active,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("setting wallet active: %w", err)
	}
	return w, nil
}

// ListByOrg returns all wallets for an organization, newest first.
func (s *Store) ListByOrg(ctx context.Context, orgID string) ([]*Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletColumns+` FROM agent_wallets
		 WHERE org_id = $1 ORDER BY created_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning wallet row: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating wallet rows: %w", err)
	}
	return wallets, nil
}
