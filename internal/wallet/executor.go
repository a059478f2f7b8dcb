package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alecgard/peage/internal/custody"
	"github.com/alecgard/peage/internal/settlement"
)

// CentsConverter converts a smallest-unit asset amount into the accounting
// unit used for budget comparison.
type CentsConverter interface {
	AccountingCents(ctx context.Context, asset settlement.Asset, amount *big.Int) (int64, error)
}

// TxFinalizer moves a pending transaction to its terminal status.
type TxFinalizer interface {
	MarkConfirmed(ctx context.Context, id, signature string) (*Transaction, error)
	MarkFailed(ctx context.Context, id string) (*Transaction, error)
}

// Result is the structured outcome of an outbound spend attempt. AmountCents
// is the accounting-unit value charged against the daily budget.
type Result struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Signature     string `json:"settlement_signature,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Reason        Reason `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Executor builds, signs, submits and records outbound wallet transactions.
// Submission failures are terminal for the attempt; callers create a new
// transaction to retry.
type Executor struct {
	ledger    *Ledger
	wallets   WalletGetter
	txs       TxFinalizer
	custody   *custody.Custody
	client    settlement.Client
	converter CentsConverter
	mints     map[settlement.Asset]settlement.Address

	submitTimeout  time.Duration
	confirmTimeout time.Duration
}

// NewExecutor wires an executor. mints maps each token asset to its mint
// address; native transfers need no mint. Non-positive timeouts default to 5s.
func NewExecutor(
	ledger *Ledger,
	wallets WalletGetter,
	txs TxFinalizer,
	cust *custody.Custody,
	client settlement.Client,
	converter CentsConverter,
	mints map[settlement.Asset]settlement.Address,
	submitTimeout, confirmTimeout time.Duration,
) *Executor {
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	return &Executor{
		ledger:         ledger,
		wallets:        wallets,
		txs:            txs,
		custody:        cust,
		client:         client,
		converter:      converter,
		mints:          mints,
		submitTimeout:  submitTimeout,
		confirmTimeout: confirmTimeout,
	}
}

// Execute runs one spend attempt: budget check and reservation, key unwrap,
// sign, submit, confirm, record. The decrypted key lives only for the signing
// step and is zeroed before any network call.
func (e *Executor) Execute(ctx context.Context, walletID, recipient string, amount *big.Int, asset settlement.Asset, memo string) (*Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if !amount.IsUint64() {
		return nil, fmt.Errorf("amount %s exceeds the wire format's u64 range", amount)
	}
	recipientAddr, err := settlement.AddressFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	w, err := e.wallets.GetByID(ctx, walletID)
	if errors.Is(err, ErrNotFound) {
		return &Result{Reason: ReasonWalletNotFound, Message: fmt.Sprintf("wallet %s does not exist", walletID)}, nil
	}
	if err != nil {
		return nil, err
	}
	walletAddr, err := settlement.AddressFromBase58(w.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address on record: %w", err)
	}

	cents, err := e.converter.AccountingCents(ctx, asset, amount)
	if err != nil {
		return nil, fmt.Errorf("converting amount to accounting unit: %w", err)
	}

	tx, check, err := e.ledger.Reserve(ctx, CreateTransactionInput{
		WalletID:     walletID,
		Direction:    DirectionOut,
		Amount:       amount.String(),
		Asset:        asset,
		Counterparty: recipient,
		AmountCents:  cents,
		Memo:         memo,
	})
	if err != nil {
		return nil, err
	}
	if !check.Allowed {
		return &Result{Reason: check.Reason, Message: check.Message}, nil
	}

	signed, reason, msg := e.buildAndSign(ctx, w, walletAddr, recipientAddr, amount.Uint64(), asset)
	if signed == nil {
		e.fail(ctx, tx.ID)
		return &Result{TransactionID: tx.ID, Reason: reason, Message: msg}, nil
	}

	sig, ok := e.submitAndConfirm(ctx, signed)
	if !ok {
		e.fail(ctx, tx.ID)
		return &Result{TransactionID: tx.ID, Reason: ReasonSubmissionFailed, Message: "transaction was not confirmed by the settlement network"}, nil
	}

	if _, err := e.txs.MarkConfirmed(ctx, tx.ID, sig); err != nil {
		return nil, fmt.Errorf("recording confirmation: %w", err)
	}
	return &Result{Success: true, TransactionID: tx.ID, Signature: sig, AmountCents: cents}, nil
}

// buildAndSign unwraps the wallet key, builds the transfer and signs it. The
// raw key is zeroed before returning. A nil transaction means failure, with
// the reason and message to record.
func (e *Executor) buildAndSign(ctx context.Context, w *Wallet, from, to settlement.Address, amount uint64, asset settlement.Asset) (*settlement.Transaction, Reason, string) {
	bhCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	blockhash, err := e.client.LatestBlockhash(bhCtx)
	if err != nil {
		return nil, ReasonSubmissionFailed, fmt.Sprintf("fetching blockhash: %v", err)
	}

	var tx *settlement.Transaction
	if asset.IsNative() {
		tx = settlement.NewNativeTransfer(from, to, amount, blockhash)
	} else {
		mint, ok := e.mints[asset]
		if !ok {
			return nil, ReasonSubmissionFailed, fmt.Sprintf("no mint configured for asset %s", asset)
		}
		source, err := settlement.DerivedTokenAccount(from, mint)
		if err != nil {
			return nil, ReasonSubmissionFailed, err.Error()
		}
		dest, err := settlement.DerivedTokenAccount(to, mint)
		if err != nil {
			return nil, ReasonSubmissionFailed, err.Error()
		}
		tx = settlement.NewTokenTransfer(from, source, dest, amount, blockhash)
	}

	rawKey, err := e.custody.Decrypt(w.EncryptedKey, w.OrgID)
	if err != nil {
		return nil, ReasonKeyDecryptionFailure, "wallet key could not be decrypted"
	}
	defer custody.Zero(rawKey)

	key, err := privateKey(rawKey)
	if err != nil {
		return nil, ReasonKeyDecryptionFailure, err.Error()
	}
	defer custody.Zero(key)

	if err := tx.Sign(key); err != nil {
		return nil, ReasonKeyDecryptionFailure, fmt.Sprintf("signing: %v", err)
	}
	return tx, "", ""
}

// submitAndConfirm relays the signed transaction and polls for settlement
// within the confirm timeout. A timed-out submission resolves to failure,
// never to an indefinitely pending record.
func (e *Executor) submitAndConfirm(ctx context.Context, tx *settlement.Transaction) (string, bool) {
	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	sig, err := e.client.SubmitTransaction(submitCtx, tx.Encode())
	if err != nil {
		slog.Warn("transaction submission failed", "error", err)
		return "", false
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := e.client.ConfirmTransaction(confirmCtx, sig)
		if err == nil && status.Settled() {
			return sig, true
		}
		if err == nil && status == settlement.StatusFailed {
			slog.Warn("transaction failed on the settlement network", "signature", sig)
			return "", false
		}
		select {
		case <-confirmCtx.Done():
			slog.Warn("transaction confirmation timed out", "signature", sig)
			return "", false
		case <-ticker.C:
		}
	}
}

func (e *Executor) fail(ctx context.Context, txID string) {
	if _, err := e.txs.MarkFailed(ctx, txID); err != nil {
		slog.Error("failed to mark transaction failed", "transaction_id", txID, "error", err)
	}
}

// privateKey interprets stored key bytes as an ed25519 private key. Accepts
// the 64-byte expanded form or a 32-byte seed.
func privateKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(append([]byte(nil), raw...)), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("stored key has unexpected length %d", len(raw))
	}
}
