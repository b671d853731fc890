// Package oracle defines the commodity price feed consumed during loan
// valuation.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// ErrNoQuote indicates the oracle has no quote for the requested commodity.
var ErrNoQuote = errors.New("oracle: no quote available")

// Quote captures the latest known unit price for a commodity along with the
// timestamp reported by the upstream feed.
type Quote struct {
	// UnitPrice is the settlement-asset price per pricing unit.
	UnitPrice *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (q Quote) Clone() Quote {
	out := Quote{Timestamp: q.Timestamp, Source: q.Source}
	if q.UnitPrice != nil {
		out.UnitPrice = new(big.Rat).Set(q.UnitPrice)
	}
	return out
}

// Stale reports whether the quote is older than maxAge at the supplied
// reference time. A zero maxAge disables the check.
func (q Quote) Stale(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	if q.Timestamp.IsZero() {
		return true
	}
	return q.Timestamp.Before(now.Add(-maxAge))
}

// Value computes quantity * unit price, truncated to integer settlement
// units.
func (q Quote) Value(quantity *big.Int) *big.Int {
	if q.UnitPrice == nil || quantity == nil || quantity.Sign() <= 0 {
		return big.NewInt(0)
	}
	total := new(big.Rat).Mul(q.UnitPrice, new(big.Rat).SetInt(quantity))
	return new(big.Int).Quo(total.Num(), total.Denom())
}

// PriceOracle resolves the latest unit price for a commodity type.
type PriceOracle interface {
	GetPrice(ctx context.Context, commodity string) (Quote, error)
}

// Manual provides an in-memory oracle implementation used for tests and
// manual overrides during incident response.
type Manual struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewManual constructs an empty manual oracle instance.
func NewManual() *Manual {
	return &Manual{quotes: make(map[string]Quote)}
}

func normaliseCommodity(commodity string) string {
	return strings.ToUpper(strings.TrimSpace(commodity))
}

// Set stores the provided rational unit price for the commodity.
func (m *Manual) Set(commodity string, price *big.Rat, ts time.Time) {
	if m == nil || price == nil || price.Sign() <= 0 {
		return
	}
	key := normaliseCommodity(commodity)
	if key == "" {
		return
	}
	m.mu.Lock()
	m.quotes[key] = Quote{UnitPrice: new(big.Rat).Set(price), Timestamp: ts, Source: "manual"}
	m.mu.Unlock()
}

// SetDecimal records the supplied decimal unit price for the commodity.
func (m *Manual) SetDecimal(commodity, price string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("manual oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual oracle: invalid price %q", price)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual oracle: price must be positive")
	}
	m.Set(commodity, rat, ts)
	return nil
}

// GetPrice implements PriceOracle.
func (m *Manual) GetPrice(_ context.Context, commodity string) (Quote, error) {
	if m == nil {
		return Quote{}, fmt.Errorf("manual oracle not configured")
	}
	key := normaliseCommodity(commodity)
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return Quote{}, ErrNoQuote
	}
	return stored.Clone(), nil
}
