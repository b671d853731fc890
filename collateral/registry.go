// Package collateral defines the client contract for the external registry
// that tracks agricultural warehouse-receipt tokens pledged against loans.
package collateral

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrNotFound indicates the token does not exist in the registry.
	ErrNotFound = errors.New("collateral: token not found")
	// ErrAlreadyLocked indicates the token is escrowed against another loan.
	ErrAlreadyLocked = errors.New("collateral: token already locked")
	// ErrNotLocked indicates an unlock or seize against a free token.
	ErrNotLocked = errors.New("collateral: token not locked")
)

// Token describes a warehouse-receipt collateral token. Valuation and
// commodity details live in the metadata bag; engines extract them through
// the typed accessors.
type Token struct {
	ID       string
	Owner    string
	Metadata Metadata
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	return &Token{ID: t.ID, Owner: t.Owner, Metadata: t.Metadata.Clone()}
}

// DeclaredValuation extracts the issuer's declared valuation in settlement
// asset units.
func (t *Token) DeclaredValuation() (*big.Int, bool) {
	if t == nil {
		return nil, false
	}
	return t.Metadata.Number(KeyValuation)
}

// Commodity extracts the commodity type used for oracle pricing.
func (t *Token) Commodity() (string, bool) {
	if t == nil {
		return "", false
	}
	return t.Metadata.Text(KeyCommodity)
}

// Quantity extracts the commodity quantity in the oracle's pricing unit.
func (t *Token) Quantity() (*big.Int, bool) {
	if t == nil {
		return nil, false
	}
	return t.Metadata.Number(KeyQuantity)
}

// Registry is the external collateral custody service. Ownership and lock
// bookkeeping are the registry's responsibility; callers still check
// IsLocked before locking to fail fast.
type Registry interface {
	// Get returns the token definition.
	Get(ctx context.Context, tokenID string) (*Token, error)
	// IsLocked reports whether the token is escrowed.
	IsLocked(ctx context.Context, tokenID string) (bool, error)
	// Lock escrows the token against a loan.
	Lock(ctx context.Context, tokenID string, loanID uint64) error
	// Unlock releases an escrowed token back to its owner.
	Unlock(ctx context.Context, tokenID string) error
	// Seize transfers a locked token to the liquidation custody principal.
	Seize(ctx context.Context, tokenID string, loanID uint64, destination string) error
}
