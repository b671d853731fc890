// Package treasury defines the protocol fee collection contract.
package treasury

import (
	"context"
	"math/big"
	"sync"
)

// FeeCategory tags collected fees for downstream revenue accounting.
type FeeCategory string

const (
	// FeeProtocolInterest is the protocol's share of interest collected on
	// repayments.
	FeeProtocolInterest FeeCategory = "protocol_interest"
	// FeeLiquidationProcessing is the processing fee charged when a loan is
	// liquidated.
	FeeLiquidationProcessing FeeCategory = "liquidation_processing"
)

// Collector forwards protocol fees to the treasury subsystem. Value movement
// is the treasury's responsibility; callers only notify.
type Collector interface {
	CollectFee(ctx context.Context, loanID uint64, amount *big.Int, category FeeCategory) error
}

// MemCollector accumulates fee notifications in memory for tests and
// single-node deployments.
type MemCollector struct {
	mu     sync.Mutex
	totals map[FeeCategory]*big.Int

	failNext error
}

// NewMemCollector constructs an empty collector.
func NewMemCollector() *MemCollector {
	return &MemCollector{totals: make(map[FeeCategory]*big.Int)}
}

// FailNext makes the next CollectFee call fail with err. Test hook.
func (c *MemCollector) FailNext(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

// Total reports the accumulated amount for a category.
func (c *MemCollector) Total(category FeeCategory) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.totals[category]; ok {
		return new(big.Int).Set(t)
	}
	return big.NewInt(0)
}

// CollectFee implements Collector.
func (c *MemCollector) CollectFee(_ context.Context, _ uint64, amount *big.Int, category FeeCategory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	current, ok := c.totals[category]
	if !ok {
		current = big.NewInt(0)
	}
	c.totals[category] = new(big.Int).Add(current, amount)
	return nil
}
