package x402

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/peage/internal/pricing"
	"github.com/alecgard/peage/internal/settlement"
)

func testKeypair(t *testing.T) (settlement.Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	addr, err := settlement.AddressFromPublicKey(pub)
	if err != nil {
		t.Fatalf("address from public key: %v", err)
	}
	return addr, priv
}

func testEngine(t *testing.T) *pricing.Engine {
	t.Helper()
	oracle, err := pricing.NewStaticOracle(pricing.Prices{
		settlement.AssetSOL:  big.NewRat(150, 1),
		settlement.AssetUSDC: big.NewRat(1, 1),
		settlement.AssetUSDT: big.NewRat(1, 1),
	})
	if err != nil {
		t.Fatalf("NewStaticOracle: %v", err)
	}
	return pricing.NewEngine(oracle)
}

func TestRequirementHeaderRoundtrip(t *testing.T) {
	req := &Requirement{
		Scheme:     SchemeExact,
		Network:    NetworkDevnet,
		Asset:      settlement.AssetUSDC,
		Amount:     "270",
		PayTo:      "11111111111111111111111111111112",
		Memo:       "/api/v1/demo",
		ValidUntil: time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second),
	}

	header, err := req.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	parsed, err := ParseRequirement(header)
	if err != nil {
		t.Fatalf("ParseRequirement: %v", err)
	}
	if *parsed != *req {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", parsed, req)
	}
}

func TestParseRequirementRejectsGarbage(t *testing.T) {
	for _, header := range []string{"not base64!!!", "bm90IGpzb24="} {
		if _, err := ParseRequirement(header); err == nil {
			t.Errorf("ParseRequirement(%q): expected error", header)
		}
	}
}

func TestProofHeaderRoundtrip(t *testing.T) {
	proof := &Proof{Transaction: []byte{1, 2, 3, 4}, Network: NetworkMainnet}

	header, err := proof.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	parsed, err := ParseProof(header)
	if err != nil {
		t.Fatalf("ParseProof: %v", err)
	}
	if string(parsed.Transaction) != string(proof.Transaction) || parsed.Network != proof.Network {
		t.Errorf("roundtrip mismatch: got %+v", parsed)
	}
}

func TestParseProofRejectsEmptyTransaction(t *testing.T) {
	empty := &Proof{Network: NetworkDevnet}
	header, err := empty.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if _, err := ParseProof(header); err == nil {
		t.Error("expected error for proof without transaction bytes")
	}
}

func TestNewIssuerValidation(t *testing.T) {
	treasury, _ := testKeypair(t)

	if _, err := NewIssuer("testnet", treasury); err == nil {
		t.Error("expected error for unsupported network")
	}
	if _, err := NewIssuer(NetworkMainnet, settlement.Address{}); err == nil {
		t.Error("expected error for zero treasury")
	}
	if _, err := NewIssuer(NetworkDevnet, treasury); err != nil {
		t.Errorf("NewIssuer: %v", err)
	}
}

func TestIssueFromQuote(t *testing.T) {
	treasury, _ := testKeypair(t)
	issuer, err := NewIssuer(NetworkDevnet, treasury)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	quote, err := testEngine(t).Quote(context.Background(), 1000, 200, pricing.TierSmall)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	req, err := issuer.Issue(quote, settlement.AssetUSDC, "/api/v1/demo")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if req.Scheme != SchemeExact {
		t.Errorf("scheme = %q, want %q", req.Scheme, SchemeExact)
	}
	if req.Amount != quote.Amounts[settlement.AssetUSDC] {
		t.Errorf("amount = %q, want %q", req.Amount, quote.Amounts[settlement.AssetUSDC])
	}
	if req.PayTo != treasury.String() {
		t.Errorf("pay_to = %q, want treasury", req.PayTo)
	}
	if !req.ValidUntil.Equal(quote.ExpiresAt) {
		t.Errorf("valid_until = %s, want quote expiry %s", req.ValidUntil, quote.ExpiresAt)
	}
}

func TestIssueRejectsUnsupportedAsset(t *testing.T) {
	treasury, _ := testKeypair(t)
	issuer, err := NewIssuer(NetworkDevnet, treasury)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	quote, err := testEngine(t).Quote(context.Background(), 100, 100, pricing.TierSmall)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	if _, err := issuer.Issue(quote, settlement.Asset("DOGE"), ""); err == nil {
		t.Error("expected error for unsupported asset")
	} else if !strings.Contains(err.Error(), "DOGE") {
		t.Errorf("error %q should name the asset", err)
	}
}
