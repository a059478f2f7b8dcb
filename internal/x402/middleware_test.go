package x402

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/peage/internal/audit"
	"github.com/alecgard/peage/internal/pricing"
	"github.com/alecgard/peage/internal/settlement"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []audit.VerificationRecord
}

func (f *fakeRecorder) Record(rec audit.VerificationRecord) {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
}

func (f *fakeRecorder) last(t *testing.T) audit.VerificationRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		t.Fatal("no audit records captured")
	}
	return f.records[len(f.records)-1]
}

type gateFixture struct {
	*verifierFixture
	engine   *pricing.Engine
	issuer   *Issuer
	recorder *fakeRecorder
	outcomes []string
	server   http.Handler
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	vf := newVerifierFixture(t, false)
	issuer, err := NewIssuer(NetworkDevnet, vf.treasury)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	f := &gateFixture{
		verifierFixture: vf,
		engine:          testEngine(t),
		issuer:          issuer,
		recorder:        &fakeRecorder{},
	}

	gate := Gate(GateConfig{
		Engine:       f.engine,
		Issuer:       issuer,
		Verifier:     vf.verifier,
		Asset:        settlement.AssetSOL,
		Tier:         pricing.TierSmall,
		InputTokens:  1000,
		OutputTokens: 200,
		Audit:        f.recorder,
		OnOutcome:    func(o string) { f.outcomes = append(f.outcomes, o) },
	})
	f.server = gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payer, _ := PayerFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"payer": payer})
	}))
	return f
}

// requiredLamports reproduces the gate's estimate to learn the SOL amount the
// challenge will demand.
func (f *gateFixture) requiredLamports(t *testing.T) uint64 {
	t.Helper()
	quote, err := f.engine.Estimate(context.Background(), 1000, 200, pricing.TierSmall)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	n, ok := new(big.Int).SetString(quote.Amounts[settlement.AssetSOL], 10)
	if !ok || !n.IsUint64() {
		t.Fatalf("bad SOL amount %q", quote.Amounts[settlement.AssetSOL])
	}
	return n.Uint64()
}

// challenge fetches the gate's current challenge header by probing the route
// without payment.
func (f *gateFixture) challenge(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/demo", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("challenge status = %d, want 402", rec.Code)
	}
	header := rec.Header().Get(HeaderPaymentRequired)
	if header == "" {
		t.Fatal("missing challenge header")
	}
	return header
}

// paidRequest builds a request answering the given challenge with the proof,
// echoing the challenge header the way a paying client does.
func (f *gateFixture) paidRequest(t *testing.T, challenge string, proof *Proof) *http.Request {
	t.Helper()
	header, err := proof.Header()
	if err != nil {
		t.Fatalf("proof header: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/demo", nil)
	req.Header.Set(HeaderPayment, header)
	req.Header.Set(HeaderPaymentRequired, challenge)
	return req
}

func TestGateChallengesWithoutPayment(t *testing.T) {
	f := newGateFixture(t)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/demo", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	header := rec.Header().Get(HeaderPaymentRequired)
	if header == "" {
		t.Fatal("missing challenge header")
	}
	req, err := ParseRequirement(header)
	if err != nil {
		t.Fatalf("ParseRequirement: %v", err)
	}
	if req.Asset != settlement.AssetSOL || req.PayTo != f.treasury.String() {
		t.Errorf("unexpected requirement %+v", req)
	}
	if req.ValidUntil.Before(time.Now()) {
		t.Error("challenge already expired")
	}
	if exposed := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(exposed, HeaderPaymentRequired) {
		t.Errorf("exposed headers %q should include %s", exposed, HeaderPaymentRequired)
	}

	var body challengeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding challenge body: %v", err)
	}
	if len(body.Accepts) != 1 || body.Accepts[0].Amount != req.Amount {
		t.Errorf("challenge body should repeat the requirement, got %+v", body)
	}
}

func TestGateAdmitsValidPayment(t *testing.T) {
	f := newGateFixture(t)
	challenge := f.challenge(t)
	proof := f.nativeProof(t, f.treasury, f.requiredLamports(t))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, f.paidRequest(t, challenge, proof))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderPaymentResponse) == "" {
		t.Error("missing settlement reference header")
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["payer"] != f.payer.String() {
		t.Errorf("handler saw payer %q, want %q", body["payer"], f.payer)
	}

	audited := f.recorder.last(t)
	if audited.Outcome != "valid" {
		t.Errorf("audit outcome = %q, want valid", audited.Outcome)
	}
	if audited.Payer != f.payer.String() {
		t.Errorf("audit payer = %q, want %q", audited.Payer, f.payer)
	}
	if len(f.outcomes) != 1 || f.outcomes[0] != "valid" {
		t.Errorf("outcomes = %v, want [valid]", f.outcomes)
	}
}

func TestGateRejectsMalformedHeader(t *testing.T) {
	f := newGateFixture(t)

	httpReq := httptest.NewRequest(http.MethodGet, "/api/v1/demo", nil)
	httpReq.Header.Set(HeaderPayment, "@@not base64@@")
	httpReq.Header.Set(HeaderPaymentRequired, f.challenge(t))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var body challengeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != CodeMalformedProof {
		t.Errorf("error = %s, want %s", body.Error, CodeMalformedProof)
	}
	if f.recorder.last(t).Outcome != string(CodeMalformedProof) {
		t.Errorf("audit outcome = %q, want %s", f.recorder.last(t).Outcome, CodeMalformedProof)
	}
}

func TestGateRechallengesWrongDestination(t *testing.T) {
	f := newGateFixture(t)
	elsewhere, _ := testKeypair(t)
	challenge := f.challenge(t)

	proof := f.nativeProof(t, elsewhere, f.requiredLamports(t))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, f.paidRequest(t, challenge, proof))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get(HeaderPaymentRequired) == "" {
		t.Error("rejection should carry a fresh challenge")
	}
	var body challengeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != CodeNoValidPaymentInstruction {
		t.Errorf("error = %s, want %s", body.Error, CodeNoValidPaymentInstruction)
	}
}

func TestGateRejectsReplayedPayment(t *testing.T) {
	f := newGateFixture(t)
	challenge := f.challenge(t)
	proof := f.nativeProof(t, f.treasury, f.requiredLamports(t))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, f.paidRequest(t, challenge, proof))
	if rec.Code != http.StatusOK {
		t.Fatalf("first use status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, f.paidRequest(t, challenge, proof))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("replayed use status = %d, want 402", rec.Code)
	}
	var body challengeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != CodeSettlementFailed {
		t.Errorf("error = %s, want %s", body.Error, CodeSettlementFailed)
	}
	if f.recorder.last(t).Outcome != string(CodeSettlementFailed) {
		t.Errorf("audit outcome = %q, want %s", f.recorder.last(t).Outcome, CodeSettlementFailed)
	}
}

func TestGateRejectsExpiredEchoedRequirement(t *testing.T) {
	f := newGateFixture(t)
	req, err := ParseRequirement(f.challenge(t))
	if err != nil {
		t.Fatalf("ParseRequirement: %v", err)
	}
	req.ValidUntil = time.Now().Add(-time.Minute)
	stale, err := req.Header()
	if err != nil {
		t.Fatalf("requirement header: %v", err)
	}
	proof := f.nativeProof(t, f.treasury, f.requiredLamports(t))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, f.paidRequest(t, stale, proof))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var body challengeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != CodeExpiredRequirement {
		t.Errorf("error = %s, want %s", body.Error, CodeExpiredRequirement)
	}
}

func TestGateRejectsPaymentWithoutEcho(t *testing.T) {
	f := newGateFixture(t)
	proof := f.nativeProof(t, f.treasury, f.requiredLamports(t))
	header, err := proof.Header()
	if err != nil {
		t.Fatalf("proof header: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodGet, "/api/v1/demo", nil)
	httpReq.Header.Set(HeaderPayment, header)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var body challengeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != CodeMalformedProof {
		t.Errorf("error = %s, want %s", body.Error, CodeMalformedProof)
	}
}

func TestGateRejectsUnderpricedEcho(t *testing.T) {
	f := newGateFixture(t)
	req, err := ParseRequirement(f.challenge(t))
	if err != nil {
		t.Fatalf("ParseRequirement: %v", err)
	}
	req.Amount = "1"
	cheap, err := req.Header()
	if err != nil {
		t.Fatalf("requirement header: %v", err)
	}
	proof := f.nativeProof(t, f.treasury, 1)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, f.paidRequest(t, cheap, proof))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var body challengeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != CodeMalformedProof {
		t.Errorf("error = %s, want %s", body.Error, CodeMalformedProof)
	}
}

func TestPayerFromContextMissing(t *testing.T) {
	if payer, ok := PayerFromContext(context.Background()); ok || payer != "" {
		t.Errorf("expected no payer, got %q", payer)
	}
}
