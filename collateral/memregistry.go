package collateral

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemRegistry is an in-memory Registry used by tests and single-node
// deployments.
type MemRegistry struct {
	mu     sync.Mutex
	tokens map[string]*Token
	locks  map[string]uint64

	failLock   error
	failUnlock error
	failSeize  error
}

// NewMemRegistry constructs an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		tokens: make(map[string]*Token),
		locks:  make(map[string]uint64),
	}
}

// Register adds or replaces a token definition.
func (r *MemRegistry) Register(t *Token) {
	if r == nil || t == nil || strings.TrimSpace(t.ID) == "" {
		return
	}
	r.mu.Lock()
	r.tokens[t.ID] = t.Clone()
	r.mu.Unlock()
}

// FailNextLock makes the next Lock call fail with err. Test hook.
func (r *MemRegistry) FailNextLock(err error) { r.mu.Lock(); r.failLock = err; r.mu.Unlock() }

// FailNextUnlock makes the next Unlock call fail with err. Test hook.
func (r *MemRegistry) FailNextUnlock(err error) { r.mu.Lock(); r.failUnlock = err; r.mu.Unlock() }

// FailNextSeize makes the next Seize call fail with err. Test hook.
func (r *MemRegistry) FailNextSeize(err error) { r.mu.Lock(); r.failSeize = err; r.mu.Unlock() }

// Get implements Registry.
func (r *MemRegistry) Get(_ context.Context, tokenID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// IsLocked implements Registry.
func (r *MemRegistry) IsLocked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[tokenID]; !ok {
		return false, ErrNotFound
	}
	_, locked := r.locks[tokenID]
	return locked, nil
}

// Lock implements Registry.
func (r *MemRegistry) Lock(_ context.Context, tokenID string, loanID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failLock != nil {
		err := r.failLock
		r.failLock = nil
		return err
	}
	if _, ok := r.tokens[tokenID]; !ok {
		return ErrNotFound
	}
	if _, locked := r.locks[tokenID]; locked {
		return ErrAlreadyLocked
	}
	r.locks[tokenID] = loanID
	return nil
}

// Unlock implements Registry.
func (r *MemRegistry) Unlock(_ context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUnlock != nil {
		err := r.failUnlock
		r.failUnlock = nil
		return err
	}
	if _, ok := r.tokens[tokenID]; !ok {
		return ErrNotFound
	}
	if _, locked := r.locks[tokenID]; !locked {
		return ErrNotLocked
	}
	delete(r.locks, tokenID)
	return nil
}

// Seize implements Registry.
func (r *MemRegistry) Seize(_ context.Context, tokenID string, loanID uint64, destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSeize != nil {
		err := r.failSeize
		r.failSeize = nil
		return err
	}
	t, ok := r.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	locked, isLocked := r.locks[tokenID]
	if !isLocked {
		return ErrNotLocked
	}
	if locked != loanID {
		return errors.New("collateral: token locked against a different loan")
	}
	if strings.TrimSpace(destination) == "" {
		return errors.New("collateral: seizure destination required")
	}
	t.Owner = destination
	delete(r.locks, tokenID)
	return nil
}
