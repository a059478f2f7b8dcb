package x402

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

// Code identifies why a verification failed.
type Code string

const (
	CodeMalformedProof            Code = "MalformedProof"
	CodeExpiredRequirement        Code = "ExpiredRequirement"
	CodeNoPayer                   Code = "NoPayer"
	CodeNoValidPaymentInstruction Code = "NoValidPaymentInstruction"
	CodeSettlementFailed          Code = "SettlementFailed"
)

// Verification is the structured outcome of verifying a proof. Callers branch
// on IsValid and Code; nothing here panics or throws.
type Verification struct {
	IsValid   bool             `json:"is_valid"`
	Payer     string           `json:"payer,omitempty"`
	Amount    string           `json:"amount,omitempty"`
	Asset     settlement.Asset `json:"asset,omitempty"`
	Signature string           `json:"settlement_signature,omitempty"`
	Code      Code             `json:"error,omitempty"`
	Message   string           `json:"message,omitempty"`
}

func invalid(code Code, format string, args ...any) Verification {
	return Verification{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Verifier checks client payment proofs against outstanding requirements.
// Verifications are stateless and independently parallelizable; each proof is
// validated against its own embedded requirement.
type Verifier struct {
	client settlement.Client
	mints  map[settlement.Asset]settlement.Address

	// submit controls whether verified proofs are relayed to the settlement
	// network. When false (development/simulation) a synthetic settlement
	// reference is produced instead.
	submit         bool
	submitTimeout  time.Duration
	confirmTimeout time.Duration
	now            func() time.Time // injectable clock for testing
}

// NewVerifier creates a verifier. mints maps token assets to their mint
// addresses; non-positive timeouts default to 5s.
func NewVerifier(client settlement.Client, mints map[settlement.Asset]settlement.Address, submit bool, submitTimeout, confirmTimeout time.Duration) *Verifier {
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	return &Verifier{
		client:         client,
		mints:          mints,
		submit:         submit,
		submitTimeout:  submitTimeout,
		confirmTimeout: confirmTimeout,
		now:            time.Now,
	}
}

// Verify runs the verification state machine: decode, expiry, payer,
// instruction match, settle. Every failure mode maps to one Code; no client
// input is trusted before the matching instruction is found.
func (v *Verifier) Verify(ctx context.Context, proof *Proof, req *Requirement) Verification {
	tx, err := settlement.DecodeTransaction(proof.Transaction)
	if err != nil {
		return invalid(CodeMalformedProof, "transaction does not decode: %v", err)
	}
	if proof.Network != "" && proof.Network != req.Network {
		return invalid(CodeMalformedProof, "proof network %q does not match requirement network %q", proof.Network, req.Network)
	}

	if v.now().After(req.ValidUntil) {
		return invalid(CodeExpiredRequirement, "requirement expired at %s", req.ValidUntil.Format(time.RFC3339))
	}

	payer, ok := tx.FeePayer()
	if !ok {
		return invalid(CodeNoPayer, "transaction declares no fee payer")
	}

	required, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || required.Sign() <= 0 {
		return invalid(CodeMalformedProof, "requirement amount %q is not a positive integer", req.Amount)
	}

	matched, verification := v.matchInstruction(tx, req, required)
	if !matched {
		return verification
	}
	verification.Payer = payer.String()
	verification.Asset = req.Asset

	sig, settleErr := v.settle(ctx, proof.Transaction, tx)
	if settleErr != nil {
		verification.Code = CodeSettlementFailed
		verification.Message = settleErr.Error()
		verification.IsValid = false
		return verification
	}
	verification.Signature = sig
	verification.IsValid = true
	return verification
}

// matchInstruction scans the decoded instruction list for a transfer that
// satisfies the requirement: right destination, amount at or above the
// required amount (over-payment accepted, under-payment rejected).
func (v *Verifier) matchInstruction(tx *settlement.Transaction, req *Requirement, required *big.Int) (bool, Verification) {
	payTo, err := settlement.AddressFromBase58(req.PayTo)
	if err != nil {
		return false, invalid(CodeMalformedProof, "requirement payee address is invalid")
	}

	wantDest := payTo
	if !req.Asset.IsNative() {
		mint, ok := v.mints[req.Asset]
		if !ok {
			return false, invalid(CodeNoValidPaymentInstruction, "no mint configured for asset %s", req.Asset)
		}
		wantDest, err = settlement.DerivedTokenAccount(payTo, mint)
		if err != nil {
			return false, invalid(CodeNoValidPaymentInstruction, "deriving treasury token account: %v", err)
		}
	}

	for _, decoded := range tx.Message.DecodedInstructions() {
		switch d := decoded.(type) {
		case settlement.NativeTransfer:
			if req.Asset.IsNative() && d.Dest == wantDest &&
				new(big.Int).SetUint64(d.Lamports).Cmp(required) >= 0 {
				return true, Verification{Amount: new(big.Int).SetUint64(d.Lamports).String()}
			}
		case settlement.TokenTransfer:
			if !req.Asset.IsNative() && d.Dest == wantDest &&
				new(big.Int).SetUint64(d.Amount).Cmp(required) >= 0 {
				return true, Verification{Amount: new(big.Int).SetUint64(d.Amount).String()}
			}
		}
	}
	return false, invalid(CodeNoValidPaymentInstruction, "no transfer of at least %s %s to %s", req.Amount, req.Asset, req.PayTo)
}

// settle relays the raw transaction when submit mode is on, waiting for
// confirmation within the timeout; otherwise it mints a synthetic reference.
func (v *Verifier) settle(ctx context.Context, raw []byte, tx *settlement.Transaction) (string, error) {
	if !v.submit {
		if sig := tx.Signature(); sig != "" {
			return sig, nil
		}
		return settlement.SyntheticSignature(raw), nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, v.submitTimeout)
	defer cancel()
	sig, err := v.client.SubmitTransaction(submitCtx, raw)
	if err != nil {
		return "", fmt.Errorf("relaying transaction: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, v.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := v.client.ConfirmTransaction(confirmCtx, sig)
		if err == nil && status.Settled() {
			return sig, nil
		}
		if err == nil && status == settlement.StatusFailed {
			return "", fmt.Errorf("transaction %s failed on the settlement network", sig)
		}
		select {
		case <-confirmCtx.Done():
			slog.Warn("payment confirmation timed out", "signature", sig)
			return "", fmt.Errorf("confirmation of %s timed out", sig)
		case <-ticker.C:
		}
	}
}
