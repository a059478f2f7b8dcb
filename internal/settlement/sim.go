package settlement

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/mr-tron/base58"
)

// SimClient is an in-process stand-in for a settlement node, used in
// development and tests. Submissions settle immediately with a synthetic
// signature derived from the transaction bytes.
type SimClient struct {
	mu        sync.Mutex
	submitted map[string][]byte
	balances  map[Address]uint64

	// SubmitErr, when set, is returned by SubmitTransaction.
	SubmitErr error
	// ConfirmStatus overrides the status returned for known signatures.
	ConfirmStatus TxStatus
}

// NewSimClient creates an empty simulated settlement network.
func NewSimClient() *SimClient {
	return &SimClient{
		submitted: make(map[string][]byte),
		balances:  make(map[Address]uint64),
	}
}

// SyntheticSignature is the deterministic settlement reference the simulator
// assigns to a raw transaction.
func SyntheticSignature(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base58.Encode(sum[:])
}

func (c *SimClient) SubmitTransaction(_ context.Context, raw []byte) (string, error) {
	if c.SubmitErr != nil {
		return "", c.SubmitErr
	}
	sig := SyntheticSignature(raw)
	c.mu.Lock()
	c.submitted[sig] = append([]byte(nil), raw...)
	c.mu.Unlock()
	return sig, nil
}

func (c *SimClient) ConfirmTransaction(_ context.Context, signature string) (TxStatus, error) {
	c.mu.Lock()
	_, ok := c.submitted[signature]
	c.mu.Unlock()
	if !ok {
		return StatusUnknown, nil
	}
	if c.ConfirmStatus != "" {
		return c.ConfirmStatus, nil
	}
	return StatusConfirmed, nil
}

func (c *SimClient) LatestBlockhash(_ context.Context) ([32]byte, error) {
	var bh [32]byte
	copy(bh[:], "peage-simulated-blockhash-00000")
	return bh, nil
}

func (c *SimClient) Balance(_ context.Context, addr Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[addr], nil
}

// SetBalance seeds a native balance for tests.
func (c *SimClient) SetBalance(addr Address, lamports uint64) {
	c.mu.Lock()
	c.balances[addr] = lamports
	c.mu.Unlock()
}

// Submitted returns the raw bytes recorded for a signature, if any.
func (c *SimClient) Submitted(signature string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.submitted[signature]
	return raw, ok
}
