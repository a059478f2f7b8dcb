package pricing

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

// countingOracle counts how many times the inner table is fetched.
type countingOracle struct {
	inner Oracle
	calls int
	err   error
}

func (o *countingOracle) Prices(ctx context.Context) (Prices, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return o.inner.Prices(ctx)
}

func TestStaticOracleRequiresAllAssets(t *testing.T) {
	_, err := NewStaticOracle(Prices{
		settlement.AssetSOL: big.NewRat(150, 1),
	})
	if err == nil {
		t.Error("expected error for incomplete price table")
	}

	_, err = NewStaticOracle(Prices{
		settlement.AssetSOL:  big.NewRat(150, 1),
		settlement.AssetUSDC: big.NewRat(0, 1),
		settlement.AssetUSDT: big.NewRat(1, 1),
	})
	if err == nil {
		t.Error("expected error for zero price")
	}
}

func TestCachedOracleServesSnapshotWithinTTL(t *testing.T) {
	inner := &countingOracle{inner: testOracle(t)}
	cached := NewCachedOracle(inner, time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := cached.Prices(ctx); err != nil {
		t.Fatalf("Prices 1: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := cached.Prices(ctx); err != nil {
		t.Fatalf("Prices 2: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 inner fetch within TTL, got %d", inner.calls)
	}

	now = now.Add(31 * time.Second)
	if _, err := cached.Prices(ctx); err != nil {
		t.Fatalf("Prices 3: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected refresh after TTL, got %d fetches", inner.calls)
	}
}

func TestCachedOraclePropagatesErrors(t *testing.T) {
	inner := &countingOracle{inner: testOracle(t), err: errors.New("feed down")}
	cached := NewCachedOracle(inner, time.Minute)

	if _, err := cached.Prices(context.Background()); err == nil {
		t.Error("expected error when the inner oracle fails with no snapshot")
	}
}
