package wallet

import (
	"errors"
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

// ErrNotFound is returned when a wallet or transaction does not exist.
var ErrNotFound = errors.New("not found")

// Direction indicates whether funds moved into or out of the wallet.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Status is the lifecycle state of a transaction. Confirmed and failed are
// terminal; a record never changes after reaching either.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Wallet is an agent's custodial wallet. Wallets are frozen (IsActive=false)
// rather than deleted, so the transaction audit trail survives.
type Wallet struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	DeploymentID    string    `json:"deployment_id"`
	Address         string    `json:"address"`
	EncryptedKey    string    `json:"-"`
	DailyLimitCents *int64    `json:"daily_limit_cents,omitempty"`
	PerTxLimitCents *int64    `json:"per_tx_limit_cents,omitempty"`
	Allowlist       []string  `json:"allowlist"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateWalletInput holds the fields required to register a wallet.
type CreateWalletInput struct {
	OrgID           string   `json:"org_id"`
	DeploymentID    string   `json:"deployment_id"`
	Address         string   `json:"address"`
	EncryptedKey    string   `json:"-"`
	DailyLimitCents *int64   `json:"daily_limit_cents,omitempty"`
	PerTxLimitCents *int64   `json:"per_tx_limit_cents,omitempty"`
	Allowlist       []string `json:"allowlist"`
}

// Transaction is one attempted movement of funds. Amount is in the asset's
// smallest unit, as a decimal string; AmountCents is the accounting-unit value
// reserved against the daily budget.
type Transaction struct {
	ID           string           `json:"id"`
	WalletID     string           `json:"wallet_id"`
	Direction    Direction        `json:"direction"`
	Amount       string           `json:"amount"`
	Asset        settlement.Asset `json:"asset"`
	Counterparty string           `json:"counterparty"`
	AmountCents  int64            `json:"amount_cents"`
	Memo         string           `json:"memo,omitempty"`
	Status       Status           `json:"status"`
	Signature    *string          `json:"signature,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// CreateTransactionInput holds the fields for recording a new transaction.
type CreateTransactionInput struct {
	WalletID     string
	Direction    Direction
	Amount       string
	Asset        settlement.Asset
	Counterparty string
	AmountCents  int64
	Memo         string
}

// BudgetStatus is the wallet's derived budget position. Nil limits mean
// unlimited.
type BudgetStatus struct {
	DailyLimitCents     *int64 `json:"daily_limit_cents,omitempty"`
	DailySpentCents     int64  `json:"daily_spent_cents"`
	DailyRemainingCents *int64 `json:"daily_remaining_cents,omitempty"`
	PerTxLimitCents     *int64 `json:"per_tx_limit_cents,omitempty"`
	IsWithinBudget      bool   `json:"is_within_budget"`
}
