package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/alecgard/peage/internal/audit"
	"github.com/alecgard/peage/internal/pricing"
	"github.com/alecgard/peage/internal/settlement"
)

type contextKey string

const payerKey contextKey = "x402.payer"

// PayerFromContext returns the verified payer address for an admitted
// request.
func PayerFromContext(ctx context.Context) (string, bool) {
	payer, ok := ctx.Value(payerKey).(string)
	return payer, ok
}

// GateConfig configures a payment gate for a paid route.
type GateConfig struct {
	Engine   *pricing.Engine
	Issuer   *Issuer
	Verifier *Verifier

	// Asset and Tier select how the route is priced; Input/OutputTokens are
	// the per-request usage ceiling the estimate is based on.
	Asset        settlement.Asset
	Tier         pricing.Tier
	InputTokens  int64
	OutputTokens int64

	// Audit, when set, receives a record for every verification attempt.
	Audit audit.Recorder
	// OnOutcome, when set, is called with "valid" or the failure code.
	OnOutcome func(outcome string)
}

// challengeBody is the 402 response payload.
type challengeBody struct {
	Error   Code          `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
	Accepts []Requirement `json:"accepts"`
}

// Gate wraps a handler with the payment protocol: requests without a valid
// payment proof receive a 402 challenge; verified requests are admitted with
// the payer recorded in the context. Clients answer a challenge by echoing it
// in the X-Payment-Required request header alongside their X-Payment proof,
// and the proof is verified against that echoed requirement so its embedded
// expiry binds the proof. The echo is accepted only when it matches the terms
// the gate would issue right now, so a client cannot substitute a cheaper or
// foreign requirement. Each settlement signature admits exactly one request
// within its validity window. A failed verification always yields a fresh
// challenge so the client can retry with a corrected transaction.
func Gate(cfg GateConfig) func(http.Handler) http.Handler {
	guard := newReplayGuard()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			quote, err := cfg.Engine.Estimate(r.Context(), cfg.InputTokens, cfg.OutputTokens, cfg.Tier)
			if err != nil {
				slog.Error("pricing paid route failed", "error", err)
				http.Error(w, "pricing unavailable", http.StatusServiceUnavailable)
				return
			}
			fresh, err := cfg.Issuer.Issue(quote, cfg.Asset, r.URL.Path)
			if err != nil {
				slog.Error("issuing payment requirement failed", "error", err)
				http.Error(w, "payment challenge unavailable", http.StatusServiceUnavailable)
				return
			}

			header := r.Header.Get(HeaderPayment)
			if header == "" {
				writeChallenge(w, fresh, "", "payment required")
				return
			}

			req, err := acceptedRequirement(r.Header.Get(HeaderPaymentRequired), fresh)
			if err != nil {
				cfg.outcome(string(CodeMalformedProof))
				cfg.record(fresh, Verification{Code: CodeMalformedProof, Message: err.Error()})
				writeChallenge(w, fresh, CodeMalformedProof, err.Error())
				return
			}

			proof, err := ParseProof(header)
			if err != nil {
				cfg.outcome(string(CodeMalformedProof))
				cfg.record(req, Verification{Code: CodeMalformedProof, Message: err.Error()})
				writeChallenge(w, fresh, CodeMalformedProof, err.Error())
				return
			}

			verification := cfg.Verifier.Verify(r.Context(), proof, req)
			if verification.IsValid && !guard.admit(verification.Signature, req.ValidUntil) {
				verification.IsValid = false
				verification.Signature = ""
				verification.Code = CodeSettlementFailed
				verification.Message = "payment was already used for a previous request"
			}
			cfg.record(req, verification)
			if !verification.IsValid {
				cfg.outcome(string(verification.Code))
				writeChallenge(w, fresh, verification.Code, verification.Message)
				return
			}
			cfg.outcome("valid")

			w.Header().Set(HeaderPaymentResponse, verification.Signature)
			ctx := context.WithValue(r.Context(), payerKey, verification.Payer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// acceptedRequirement parses the requirement the client echoed and checks it
// against the terms the gate would issue now. The echoed copy carries the
// expiry the client paid under; a missing, foreign or underpriced copy is
// rejected before any proof is decoded.
func acceptedRequirement(header string, fresh *Requirement) (*Requirement, error) {
	if header == "" {
		return nil, fmt.Errorf("payment must echo the %s challenge it answers", HeaderPaymentRequired)
	}
	req, err := ParseRequirement(header)
	if err != nil {
		return nil, err
	}
	if req.Scheme != fresh.Scheme || req.Network != fresh.Network ||
		req.Asset != fresh.Asset || req.PayTo != fresh.PayTo {
		return nil, fmt.Errorf("echoed requirement does not match this route's payment terms")
	}
	echoed, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("echoed requirement amount %q is not an integer", req.Amount)
	}
	current, ok := new(big.Int).SetString(fresh.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("requirement amount %q is not an integer", fresh.Amount)
	}
	if echoed.Cmp(current) < 0 {
		return nil, fmt.Errorf("echoed requirement amount %s is below the current price %s", req.Amount, fresh.Amount)
	}
	return req, nil
}

// replayGuard remembers the settlement signatures admitted within their
// requirement's validity window, so one payment admits one request. Entries
// past their window are pruned on the way through; expiry itself is enforced
// by the verifier.
type replayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReplayGuard() *replayGuard {
	return &replayGuard{seen: make(map[string]time.Time)}
}

// admit records the signature and reports whether this is its first use.
func (g *replayGuard) admit(signature string, validUntil time.Time) bool {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for sig, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, sig)
		}
	}
	if _, ok := g.seen[signature]; ok {
		return false
	}
	g.seen[signature] = validUntil
	return true
}

func (cfg GateConfig) outcome(o string) {
	if cfg.OnOutcome != nil {
		cfg.OnOutcome(o)
	}
}

func (cfg GateConfig) record(req *Requirement, v Verification) {
	if cfg.Audit == nil {
		return
	}
	outcome := "valid"
	if !v.IsValid {
		outcome = string(v.Code)
	}
	cfg.Audit.Record(audit.VerificationRecord{
		Network:   req.Network,
		Scheme:    req.Scheme,
		Payer:     v.Payer,
		Asset:     req.Asset,
		Amount:    v.Amount,
		Outcome:   outcome,
		Signature: v.Signature,
	})
}

// writeChallenge sends a 402 with the requirement both as an opaque header
// and in the JSON body, plus the advisory exposed-headers declaration.
func writeChallenge(w http.ResponseWriter, req *Requirement, code Code, message string) {
	header, err := req.Header()
	if err != nil {
		slog.Error("serializing payment requirement failed", "error", err)
		http.Error(w, "payment challenge unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set(HeaderPaymentRequired, header)
	w.Header().Set("Access-Control-Expose-Headers", HeaderPaymentRequired+", "+HeaderPaymentResponse)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(challengeBody{
		Error:   code,
		Message: message,
		Accepts: []Requirement{*req},
	})
}
