package pricing

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

func testOracle(t *testing.T) Oracle {
	t.Helper()
	o, err := NewStaticOracle(Prices{
		settlement.AssetSOL:  big.NewRat(150, 1),
		settlement.AssetUSDC: big.NewRat(1, 1),
		settlement.AssetUSDT: big.NewRat(1, 1),
	})
	if err != nil {
		t.Fatalf("NewStaticOracle: %v", err)
	}
	return o
}

func TestQuoteSmallTier(t *testing.T) {
	e := NewEngine(testOracle(t))

	q, err := e.Quote(context.Background(), 1000, 200, TierSmall)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	// 1000/1000*0.00015 + 200/1000*0.00060 = 0.000270
	if q.PriceUSD != "0.000270" {
		t.Errorf("PriceUSD: got %q, want %q", q.PriceUSD, "0.000270")
	}
	if got := q.Amounts[settlement.AssetUSDC]; got != "270" {
		t.Errorf("USDC amount: got %q, want %q", got, "270")
	}
	if got := q.Amounts[settlement.AssetUSDT]; got != "270" {
		t.Errorf("USDT amount: got %q, want %q", got, "270")
	}
	// 0.00027 / 150 * 1e9 = 1800 lamports
	if got := q.Amounts[settlement.AssetSOL]; got != "1800" {
		t.Errorf("SOL amount: got %q, want %q", got, "1800")
	}
}

func TestQuoteMinimumCharge(t *testing.T) {
	e := NewEngine(testOracle(t))

	q, err := e.Quote(context.Background(), 1, 0, TierSmall)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.PriceUSD != "0.000100" {
		t.Errorf("trivial request should be floored at the minimum charge, got %q", q.PriceUSD)
	}
}

func TestQuoteRoundsUp(t *testing.T) {
	e := NewEngine(testOracle(t))

	// 1 input token at small tier: floored to $0.0001; SOL at $150 gives
	// 0.0001/150*1e9 = 666.66..., which must round up to 667.
	q, err := e.Quote(context.Background(), 1, 0, TierSmall)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if got := q.Amounts[settlement.AssetSOL]; got != "667" {
		t.Errorf("SOL amount should round up: got %q, want %q", got, "667")
	}
}

func TestQuoteOutputPricedHigher(t *testing.T) {
	e := NewEngine(testOracle(t))
	ctx := context.Background()

	inOnly, err := e.Quote(ctx, 10_000, 0, TierMedium)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	outOnly, err := e.Quote(ctx, 0, 10_000, TierMedium)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	in, _ := new(big.Rat).SetString(inOnly.PriceUSD)
	out, _ := new(big.Rat).SetString(outOnly.PriceUSD)
	want := new(big.Rat).Mul(in, big.NewRat(outputMultiplier, 1))
	if out.Cmp(want) != 0 {
		t.Errorf("output should cost %dx input: in=%s out=%s", outputMultiplier, inOnly.PriceUSD, outOnly.PriceUSD)
	}
}

func TestQuoteIdempotentWithinCacheWindow(t *testing.T) {
	cached := NewCachedOracle(testOracle(t), time.Minute)
	e := NewEngine(cached)
	ctx := context.Background()

	q1, err := e.Quote(ctx, 5000, 1000, TierLarge)
	if err != nil {
		t.Fatalf("Quote 1: %v", err)
	}
	q2, err := e.Quote(ctx, 5000, 1000, TierLarge)
	if err != nil {
		t.Fatalf("Quote 2: %v", err)
	}

	if q1.PriceUSD != q2.PriceUSD {
		t.Errorf("identical inputs within the cache window must price identically: %q vs %q", q1.PriceUSD, q2.PriceUSD)
	}
	for asset, amount := range q1.Amounts {
		if q2.Amounts[asset] != amount {
			t.Errorf("asset %s amount differs: %q vs %q", asset, amount, q2.Amounts[asset])
		}
	}
}

func TestQuoteExpiry(t *testing.T) {
	e := NewEngine(testOracle(t))
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	q, err := e.Quote(context.Background(), 100, 100, TierSmall)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !q.ExpiresAt.Equal(fixed.Add(5 * time.Minute)) {
		t.Errorf("expiry: got %v, want issue time + 5m", q.ExpiresAt)
	}
	if q.Expired(fixed.Add(4 * time.Minute)) {
		t.Error("quote should not be expired before the window closes")
	}
	if !q.Expired(fixed.Add(6 * time.Minute)) {
		t.Error("quote should be expired after the window closes")
	}
}

func TestEstimateInflatesTokenCounts(t *testing.T) {
	e := NewEngine(testOracle(t))
	ctx := context.Background()

	est, err := e.Estimate(ctx, 1000, 1000, TierMedium)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	direct, err := e.Quote(ctx, 1200, 1200, TierMedium)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if est.PriceUSD != direct.PriceUSD {
		t.Errorf("estimate should quote 20%% inflated counts: got %q, want %q", est.PriceUSD, direct.PriceUSD)
	}
}

func TestQuoteUnknownTier(t *testing.T) {
	e := NewEngine(testOracle(t))
	if _, err := e.Quote(context.Background(), 100, 100, Tier("xl")); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestQuoteNegativeTokens(t *testing.T) {
	e := NewEngine(testOracle(t))
	if _, err := e.Quote(context.Background(), -1, 0, TierSmall); err == nil {
		t.Error("expected error for negative token count")
	}
}

func TestAccountingCents(t *testing.T) {
	e := NewEngine(testOracle(t))
	ctx := context.Background()

	// 1_000_000 USDC base units = $1.00 = 100 cents.
	cents, err := e.AccountingCents(ctx, settlement.AssetUSDC, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("AccountingCents: %v", err)
	}
	if cents != 100 {
		t.Errorf("USDC cents: got %d, want 100", cents)
	}

	// 1 lamport at $150/SOL is a fraction of a cent, which rounds up to 1.
	cents, err = e.AccountingCents(ctx, settlement.AssetSOL, big.NewInt(1))
	if err != nil {
		t.Fatalf("AccountingCents: %v", err)
	}
	if cents != 1 {
		t.Errorf("sub-cent amounts must round up: got %d, want 1", cents)
	}
}

func TestQuoteAmountAccessor(t *testing.T) {
	e := NewEngine(testOracle(t))
	q, err := e.Quote(context.Background(), 1000, 200, TierSmall)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	n, err := q.Amount(settlement.AssetUSDC)
	if err != nil {
		t.Fatalf("Amount: %v", err)
	}
	if n.Int64() != 270 {
		t.Errorf("Amount: got %d, want 270", n.Int64())
	}
	if _, err := q.Amount(settlement.Asset("DOGE")); err == nil {
		t.Error("expected error for asset missing from quote")
	}
}
