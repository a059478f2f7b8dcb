package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

// Prices is a snapshot of USD prices per whole unit of each settlement asset.
type Prices map[settlement.Asset]*big.Rat

// Oracle supplies asset prices. Implementations may be a static table or a
// live feed; callers treat a snapshot as valid for the cache window only.
type Oracle interface {
	Prices(ctx context.Context) (Prices, error)
}

// StaticOracle serves a fixed price table, as configured at startup.
type StaticOracle struct {
	prices Prices
}

// NewStaticOracle creates an oracle over a fixed table. The table must cover
// every supported asset.
func NewStaticOracle(prices Prices) (*StaticOracle, error) {
	for _, asset := range settlement.SupportedAssets() {
		p, ok := prices[asset]
		if !ok || p == nil || p.Sign() <= 0 {
			return nil, fmt.Errorf("missing or non-positive price for asset %s", asset)
		}
	}
	return &StaticOracle{prices: prices}, nil
}

func (o *StaticOracle) Prices(context.Context) (Prices, error) {
	out := make(Prices, len(o.prices))
	for a, p := range o.prices {
		out[a] = new(big.Rat).Set(p)
	}
	return out, nil
}

// CachedOracle wraps another oracle and serves its last snapshot for up to the
// configured TTL. It is safe for concurrent use.
type CachedOracle struct {
	inner Oracle
	ttl   time.Duration

	mu        sync.Mutex
	snapshot  Prices
	fetchedAt time.Time
	now       func() time.Time // injectable clock for testing
}

// NewCachedOracle wraps inner with a snapshot cache. A non-positive ttl
// defaults to 60 seconds.
func NewCachedOracle(inner Oracle, ttl time.Duration) *CachedOracle {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedOracle{inner: inner, ttl: ttl, now: time.Now}
}

func (o *CachedOracle) Prices(ctx context.Context) (Prices, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.snapshot != nil && o.now().Sub(o.fetchedAt) < o.ttl {
		return o.snapshot, nil
	}

	prices, err := o.inner.Prices(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing price snapshot: %w", err)
	}
	o.snapshot = prices
	o.fetchedAt = o.now()
	return o.snapshot, nil
}
