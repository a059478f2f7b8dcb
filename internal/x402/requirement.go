// Package x402 implements the pay-per-request payment protocol: the server
// issues a payment requirement as an opaque header, the client answers with a
// signed transaction proof, and the verifier admits the request once the
// proof settles.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alecgard/peage/internal/pricing"
	"github.com/alecgard/peage/internal/settlement"
)

// Header names used on the HTTP boundary. Values are opaque base64 blobs.
const (
	// HeaderPaymentRequired carries the serialized requirement on a 402.
	// Clients echo it back on the paid request so the proof is verified
	// against the requirement it actually answers.
	HeaderPaymentRequired = "X-Payment-Required"
	// HeaderPayment carries the client's payment proof.
	HeaderPayment = "X-Payment"
	// HeaderPaymentResponse carries the settlement reference after admission.
	HeaderPaymentResponse = "X-Payment-Response"
)

// Payment schemes. "exact" requires the quoted amount; "max" caps it.
const (
	SchemeExact = "exact"
	SchemeMax   = "max"
)

// Network identifiers for the two supported settlement endpoints.
const (
	NetworkMainnet = "mainnet"
	NetworkDevnet  = "devnet"
)

// Requirement is the server's billing challenge. Amount is in the asset's
// smallest unit as a decimal string; validity is enforced purely by the
// embedded expiry, so requirements need no server-side storage.
type Requirement struct {
	Scheme     string           `json:"scheme"`
	Network    string           `json:"network"`
	Asset      settlement.Asset `json:"asset"`
	Amount     string           `json:"amount"`
	PayTo      string           `json:"pay_to"`
	Memo       string           `json:"memo,omitempty"`
	ValidUntil time.Time        `json:"valid_until"`
}

// Header serializes the requirement into its header-safe form.
func (r *Requirement) Header() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshaling requirement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseRequirement decodes a requirement from its header form.
func ParseRequirement(header string) (*Requirement, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decoding requirement header: %w", err)
	}
	r := &Requirement{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing requirement: %w", err)
	}
	return r, nil
}

// Proof is the client's answer to a requirement: the signed transaction bytes
// plus the network the client built it for. Proofs are ephemeral; beyond the
// audit log nothing is stored.
type Proof struct {
	Transaction []byte `json:"transaction"`
	Network     string `json:"network"`
}

// Header serializes the proof into its header-safe form.
func (p *Proof) Header() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseProof decodes a proof from its header form.
func ParseProof(header string) (*Proof, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decoding proof header: %w", err)
	}
	p := &Proof{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing proof: %w", err)
	}
	if len(p.Transaction) == 0 {
		return nil, fmt.Errorf("proof has no transaction")
	}
	return p, nil
}

// Issuer builds payment requirements from price quotes.
type Issuer struct {
	network  string
	treasury settlement.Address
}

// NewIssuer creates an issuer paying into the treasury on the given network.
func NewIssuer(network string, treasury settlement.Address) (*Issuer, error) {
	if network != NetworkMainnet && network != NetworkDevnet {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if treasury.IsZero() {
		return nil, fmt.Errorf("treasury address is required")
	}
	return &Issuer{network: network, treasury: treasury}, nil
}

// Issue builds an exact-scheme requirement for the quote in the requested
// asset. It fails only when the asset is outside the supported set.
func (i *Issuer) Issue(quote *pricing.Quote, asset settlement.Asset, memo string) (*Requirement, error) {
	if _, err := asset.Decimals(); err != nil {
		return nil, err
	}
	amount, ok := quote.Amounts[asset]
	if !ok {
		return nil, fmt.Errorf("quote carries no amount for asset %s", asset)
	}
	return &Requirement{
		Scheme:     SchemeExact,
		Network:    i.network,
		Asset:      asset,
		Amount:     amount,
		PayTo:      i.treasury.String(),
		Memo:       memo,
		ValidUntil: quote.ExpiresAt,
	}, nil
}
