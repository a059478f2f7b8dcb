package api

import (
	"context"
	"net/http"

	"github.com/alecgard/peage/internal/pricing"
)

// Quoter prices metered requests.
type Quoter interface {
	Quote(ctx context.Context, inputTokens, outputTokens int64, tier pricing.Tier) (*pricing.Quote, error)
	Estimate(ctx context.Context, inputTokens, outputTokens int64, tier pricing.Tier) (*pricing.Quote, error)
}

type quotesHandler struct {
	engine Quoter
}

func newQuotesHandler(engine Quoter) *quotesHandler {
	return &quotesHandler{engine: engine}
}

// quoteRequest is the JSON body for pricing a request. With estimate set the
// token counts are treated as a guess and inflated by the safety margin.
type quoteRequest struct {
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	Tier         pricing.Tier `json:"tier"`
	Estimate     bool         `json:"estimate"`
}

// CreateQuote handles POST /api/v1/quotes.
func (h *quotesHandler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := readJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		writeValidationError(w, "token counts must be non-negative")
		return
	}

	quote := h.engine.Quote
	if req.Estimate {
		quote = h.engine.Estimate
	}
	q, err := quote(r.Context(), req.InputTokens, req.OutputTokens, req.Tier)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, q)
}
