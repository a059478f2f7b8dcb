package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Reason is the machine-readable cause of a rejected or failed spend.
type Reason string

const (
	ReasonWalletNotFound          Reason = "WalletNotFound"
	ReasonWalletFrozen            Reason = "WalletFrozen"
	ReasonPerTxLimitExceeded      Reason = "PerTxLimitExceeded"
	ReasonDailyBudgetExceeded     Reason = "DailyBudgetExceeded"
	ReasonRecipientNotAllowlisted Reason = "RecipientNotAllowlisted"
	ReasonKeyDecryptionFailure    Reason = "KeyDecryptionFailure"
	ReasonSubmissionFailed        Reason = "SubmissionFailed"
)

// CheckResult is the outcome of a budget/allowlist check.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func denied(reason Reason, format string, args ...any) CheckResult {
	return CheckResult{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WalletGetter is the wallet lookup a Ledger needs.
type WalletGetter interface {
	GetByID(ctx context.Context, id string) (*Wallet, error)
}

// TxRecorder is the transaction-store surface a Ledger needs: the daily spend
// aggregate and the pending-row reservation insert.
type TxRecorder interface {
	Create(ctx context.Context, in CreateTransactionInput) (*Transaction, error)
	SumOutboundCentsSince(ctx context.Context, walletID string, since time.Time) (int64, error)
}

// Ledger answers "is this spend allowed" and records budget reservations.
// Checks and reservations for the same wallet are serialized by a per-wallet
// lock so concurrent spends cannot race past the daily limit; different
// wallets proceed in parallel.
type Ledger struct {
	wallets WalletGetter
	txs     TxRecorder
	locks   keyedMutex
	now     func() time.Time // injectable clock for testing
}

// NewLedger creates a ledger over the given wallet and transaction stores.
func NewLedger(wallets WalletGetter, txs TxRecorder) *Ledger {
	return &Ledger{wallets: wallets, txs: txs, now: time.Now}
}

// dayStart returns the UTC day boundary of the current budget window.
func (l *Ledger) dayStart() time.Time {
	now := l.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// BudgetStatus computes the wallet's current budget position.
func (l *Ledger) BudgetStatus(ctx context.Context, walletID string) (*BudgetStatus, error) {
	w, err := l.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}

	spent, err := l.txs.SumOutboundCentsSince(ctx, walletID, l.dayStart())
	if err != nil {
		return nil, err
	}

	st := &BudgetStatus{
		DailyLimitCents: w.DailyLimitCents,
		DailySpentCents: spent,
		PerTxLimitCents: w.PerTxLimitCents,
		IsWithinBudget:  true,
	}
	if w.DailyLimitCents != nil {
		remaining := *w.DailyLimitCents - spent
		if remaining < 0 {
			remaining = 0
		}
		st.DailyRemainingCents = &remaining
		st.IsWithinBudget = spent < *w.DailyLimitCents
	}
	return st, nil
}

// CheckAllowed runs the spend checks for the given recipient and amount in
// accounting cents, short-circuiting on the first failure: wallet exists →
// active → per-tx limit → daily limit → allowlist.
func (l *Ledger) CheckAllowed(ctx context.Context, walletID, recipient string, amountCents int64) (CheckResult, error) {
	unlock := l.locks.lock(walletID)
	defer unlock()
	return l.checkLocked(ctx, walletID, recipient, amountCents)
}

func (l *Ledger) checkLocked(ctx context.Context, walletID, recipient string, amountCents int64) (CheckResult, error) {
	w, err := l.wallets.GetByID(ctx, walletID)
	if errors.Is(err, ErrNotFound) {
		return denied(ReasonWalletNotFound, "wallet %s does not exist", walletID), nil
	}
	if err != nil {
		return CheckResult{}, err
	}

	if !w.IsActive {
		return denied(ReasonWalletFrozen, "wallet %s is frozen", walletID), nil
	}

	// Per-transaction limit is checked before the daily limit; both before
	// any key material is touched.
	if w.PerTxLimitCents != nil && amountCents > *w.PerTxLimitCents {
		return denied(ReasonPerTxLimitExceeded,
			"amount %d cents exceeds per-transaction limit of %d cents", amountCents, *w.PerTxLimitCents), nil
	}

	if w.DailyLimitCents != nil {
		spent, err := l.txs.SumOutboundCentsSince(ctx, walletID, l.dayStart())
		if err != nil {
			return CheckResult{}, err
		}
		if spent+amountCents > *w.DailyLimitCents {
			remaining := *w.DailyLimitCents - spent
			if remaining < 0 {
				remaining = 0
			}
			return denied(ReasonDailyBudgetExceeded,
				"amount %d cents exceeds remaining daily budget of %d cents", amountCents, remaining), nil
		}
	}

	if len(w.Allowlist) > 0 && !matchAllowlist(w.Allowlist, recipient) {
		return denied(ReasonRecipientNotAllowlisted, "recipient %s is not on the allowlist", recipient), nil
	}

	return CheckResult{Allowed: true}, nil
}

// Reserve runs the spend checks and, if allowed, inserts the pending
// transaction that reserves the budget. The per-wallet lock is held across
// both steps and across nothing else; in particular it never spans a network
// call.
func (l *Ledger) Reserve(ctx context.Context, in CreateTransactionInput) (*Transaction, CheckResult, error) {
	unlock := l.locks.lock(in.WalletID)
	defer unlock()

	check, err := l.checkLocked(ctx, in.WalletID, in.Counterparty, in.AmountCents)
	if err != nil {
		return nil, CheckResult{}, err
	}
	if !check.Allowed {
		return nil, check, nil
	}

	tx, err := l.txs.Create(ctx, in)
	if err != nil {
		return nil, CheckResult{}, fmt.Errorf("reserving budget: %w", err)
	}
	return tx, check, nil
}

// matchAllowlist reports whether recipient matches any pattern. Patterns are
// exact addresses or prefixes ending in "*".
func matchAllowlist(patterns []string, recipient string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(recipient, prefix) {
				return true
			}
			continue
		}
		if p == recipient {
			return true
		}
	}
	return false
}

// keyedMutex provides one mutex per string key. Entries are reference
// counted and evicted once the last holder unlocks, so the map stays
// proportional to in-flight spends rather than total wallet cardinality.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key, creating it on first use, and returns the
// unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
