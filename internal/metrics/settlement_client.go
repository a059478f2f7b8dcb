package metrics

import (
	"context"
	"time"

	"github.com/alecgard/peage/internal/settlement"
)

// instrumentedClient wraps a settlement client, recording submission counts
// and latency for every transaction relayed through it.
type instrumentedClient struct {
	settlement.Client
	m *Metrics
}

// InstrumentClient decorates a settlement client with submission metrics.
func InstrumentClient(c settlement.Client, m *Metrics) settlement.Client {
	return &instrumentedClient{Client: c, m: m}
}

func (c *instrumentedClient) SubmitTransaction(ctx context.Context, raw []byte) (string, error) {
	start := time.Now()
	sig, err := c.Client.SubmitTransaction(ctx, raw)
	c.m.ObserveSettlementSubmitDuration(time.Since(start).Seconds())
	if err != nil {
		c.m.IncSettlementSubmit("failed")
		return "", err
	}
	c.m.IncSettlementSubmit("confirmed")
	return sig, nil
}
