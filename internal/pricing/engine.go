package pricing

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

// Tier selects a model pricing tier.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// quoteTTL is how long an issued quote remains valid.
const quoteTTL = 5 * time.Minute

// estimateMargin inflates token counts for pre-flight estimates (20%).
var estimateMargin = big.NewRat(6, 5)

// tierRate holds per-1,000-token USD rates for a tier. Output tokens are
// priced at 4x input.
type tierRate struct {
	inputPer1K *big.Rat
}

const outputMultiplier = 4

var defaultRates = map[Tier]tierRate{
	TierSmall:  {inputPer1K: big.NewRat(15, 100_000)},  // $0.00015
	TierMedium: {inputPer1K: big.NewRat(110, 100_000)}, // $0.00110
	TierLarge:  {inputPer1K: big.NewRat(550, 100_000)}, // $0.00550
}

// defaultMinCharge floors every quote so trivial requests are never free.
var defaultMinCharge = big.NewRat(1, 10_000) // $0.0001

// Quote is an immutable price for a single metered request. Amounts are in
// each asset's smallest unit, encoded as decimal strings.
type Quote struct {
	InputTokens  int64                       `json:"input_tokens"`
	OutputTokens int64                       `json:"output_tokens"`
	Tier         Tier                        `json:"tier"`
	PriceUSD     string                      `json:"price_usd"`
	Amounts      map[settlement.Asset]string `json:"amounts"`
	IssuedAt     time.Time                   `json:"issued_at"`
	ExpiresAt    time.Time                   `json:"expires_at"`

	priceUSD *big.Rat
}

// Amount returns the quoted smallest-unit amount for the asset as a big.Int.
func (q *Quote) Amount(asset settlement.Asset) (*big.Int, error) {
	s, ok := q.Amounts[asset]
	if !ok {
		return nil, fmt.Errorf("quote has no amount for asset %s", asset)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid quote amount %q", s)
	}
	return n, nil
}

// Expired reports whether the quote is past its validity window.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Engine converts token usage into price quotes. It is pure over its inputs
// and the oracle snapshot; all state (the price cache) lives in the injected
// oracle.
type Engine struct {
	oracle    Oracle
	rates     map[Tier]tierRate
	minCharge *big.Rat
	now       func() time.Time // injectable clock for testing
}

// NewEngine creates a pricing engine over the given oracle with default rates.
func NewEngine(oracle Oracle) *Engine {
	return &Engine{
		oracle:    oracle,
		rates:     defaultRates,
		minCharge: defaultMinCharge,
		now:       time.Now,
	}
}

// Quote prices a request of the given token counts at the tier's linear
// per-1k rates, floored at the minimum charge. Asset amounts round up so the
// service never under-charges.
func (e *Engine) Quote(ctx context.Context, inputTokens, outputTokens int64, tier Tier) (*Quote, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return nil, fmt.Errorf("token counts must be non-negative")
	}
	rate, ok := e.rates[tier]
	if !ok {
		return nil, fmt.Errorf("unknown pricing tier %q", tier)
	}

	outputPer1K := new(big.Rat).Mul(rate.inputPer1K, big.NewRat(outputMultiplier, 1))

	usd := new(big.Rat).Mul(big.NewRat(inputTokens, 1000), rate.inputPer1K)
	usd.Add(usd, new(big.Rat).Mul(big.NewRat(outputTokens, 1000), outputPer1K))
	if usd.Cmp(e.minCharge) < 0 {
		usd = new(big.Rat).Set(e.minCharge)
	}

	prices, err := e.oracle.Prices(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching oracle prices: %w", err)
	}

	amounts := make(map[settlement.Asset]string, len(settlement.SupportedAssets()))
	for _, asset := range settlement.SupportedAssets() {
		amount, err := assetAmount(usd, asset, prices)
		if err != nil {
			return nil, err
		}
		amounts[asset] = amount.String()
	}

	issued := e.now().UTC()
	return &Quote{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Tier:         tier,
		PriceUSD:     usd.FloatString(6),
		Amounts:      amounts,
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(quoteTTL),
		priceUSD:     usd,
	}, nil
}

// Estimate quotes with token counts inflated by a 20% safety margin, for
// pre-flight cost display.
func (e *Engine) Estimate(ctx context.Context, inputTokens, outputTokens int64, tier Tier) (*Quote, error) {
	return e.Quote(ctx, inflate(inputTokens), inflate(outputTokens), tier)
}

// AccountingCents converts a smallest-unit asset amount into USD cents,
// rounding up. This is the single accounting unit used for budget comparison,
// driven by the same oracle that prices quotes.
func (e *Engine) AccountingCents(ctx context.Context, asset settlement.Asset, amount *big.Int) (int64, error) {
	if amount == nil || amount.Sign() < 0 {
		return 0, fmt.Errorf("amount must be non-negative")
	}
	decimals, err := asset.Decimals()
	if err != nil {
		return 0, err
	}
	prices, err := e.oracle.Prices(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching oracle prices: %w", err)
	}
	price, ok := prices[asset]
	if !ok {
		return 0, fmt.Errorf("oracle has no price for asset %s", asset)
	}

	// cents = ceil(amount / 10^decimals * price * 100)
	cents := new(big.Rat).SetInt(amount)
	cents.Quo(cents, new(big.Rat).SetInt(pow10(decimals)))
	cents.Mul(cents, price)
	cents.Mul(cents, big.NewRat(100, 1))

	out := ceilRat(cents)
	if !out.IsInt64() {
		return 0, fmt.Errorf("amount overflows accounting unit")
	}
	return out.Int64(), nil
}

// assetAmount converts a USD price into the asset's smallest unit, ceiling.
func assetAmount(usd *big.Rat, asset settlement.Asset, prices Prices) (*big.Int, error) {
	price, ok := prices[asset]
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("oracle has no price for asset %s", asset)
	}
	decimals, err := asset.Decimals()
	if err != nil {
		return nil, err
	}

	units := new(big.Rat).Quo(usd, price)
	units.Mul(units, new(big.Rat).SetInt(pow10(decimals)))
	return ceilRat(units), nil
}

func inflate(tokens int64) int64 {
	n := new(big.Rat).Mul(big.NewRat(tokens, 1), estimateMargin)
	return ceilRat(n).Int64()
}

func ceilRat(r *big.Rat) *big.Int {
	q, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if rem.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
