package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemLedger is an in-memory Client used by tests and single-node deployments.
// It enforces the same at-most-once memo semantics as the production
// custodian: a memo that already settled fails with CodeDuplicate.
type MemLedger struct {
	mu         sync.Mutex
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	settled    map[string]SettlementRef
	block      uint64

	// failNext, when non-nil, makes the next money-moving call fail with the
	// stored error. Tests use it to exercise compensation paths.
	failNext *TransferError
}

// NewMemLedger constructs an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		settled:    make(map[string]SettlementRef),
	}
}

// Credit seeds a principal's balance. Test and bootstrap helper.
func (l *MemLedger) Credit(principal string, amount *big.Int) {
	if l == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[principal] = new(big.Int).Add(l.balance(principal), amount)
}

// Balance reports the current balance held for a principal.
func (l *MemLedger) Balance(principal string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(principal))
}

// FailNext arranges for the next transfer or approval to fail with the given
// code, then clears itself.
func (l *MemLedger) FailNext(code ErrorCode, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = &TransferError{Code: code, Detail: detail}
}

func (l *MemLedger) balance(principal string) *big.Int {
	if b, ok := l.balances[principal]; ok {
		return b
	}
	return big.NewInt(0)
}

func (l *MemLedger) takeInjectedFailure() *TransferError {
	if l.failNext == nil {
		return nil
	}
	err := l.failNext
	l.failNext = nil
	return err
}

func allowanceKey(owner, spender string) string {
	return owner + "\x00" + spender
}

func (l *MemLedger) nextRef(memo string) SettlementRef {
	l.block++
	return SettlementRef{ID: uuid.NewString(), Block: l.block, Memo: memo}
}

// Transfer implements Client.
func (l *MemLedger) Transfer(_ context.Context, from, to string, amount *big.Int, memo string, createdAt time.Time) (SettlementRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeInjectedFailure(); err != nil {
		return SettlementRef{}, err
	}
	if err := validateSubmission(from, to, amount, createdAt); err != nil {
		return SettlementRef{}, err
	}
	if memo != "" {
		if _, ok := l.settled[memo]; ok {
			return SettlementRef{}, &TransferError{Code: CodeDuplicate, Detail: memo}
		}
	}
	if l.balance(from).Cmp(amount) < 0 {
		return SettlementRef{}, &TransferError{Code: CodeInsufficientFunds, Detail: from}
	}
	l.balances[from] = new(big.Int).Sub(l.balance(from), amount)
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
	ref := l.nextRef(memo)
	if memo != "" {
		l.settled[memo] = ref
	}
	return ref, nil
}

// TransferWithAllowance implements Client.
func (l *MemLedger) TransferWithAllowance(_ context.Context, owner, spender, to string, amount *big.Int, memo string, createdAt time.Time) (SettlementRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeInjectedFailure(); err != nil {
		return SettlementRef{}, err
	}
	if err := validateSubmission(owner, to, amount, createdAt); err != nil {
		return SettlementRef{}, err
	}
	if memo != "" {
		if _, ok := l.settled[memo]; ok {
			return SettlementRef{}, &TransferError{Code: CodeDuplicate, Detail: memo}
		}
	}
	key := allowanceKey(owner, spender)
	allowance, ok := l.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		return SettlementRef{}, &TransferError{Code: CodeGeneric, Detail: fmt.Sprintf("allowance too low for %s", spender)}
	}
	if l.balance(owner).Cmp(amount) < 0 {
		return SettlementRef{}, &TransferError{Code: CodeInsufficientFunds, Detail: owner}
	}
	l.allowances[key] = new(big.Int).Sub(allowance, amount)
	l.balances[owner] = new(big.Int).Sub(l.balance(owner), amount)
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
	ref := l.nextRef(memo)
	if memo != "" {
		l.settled[memo] = ref
	}
	return ref, nil
}

// Approve implements Client.
func (l *MemLedger) Approve(_ context.Context, owner, spender string, amount *big.Int, _ time.Time) (SettlementRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeInjectedFailure(); err != nil {
		return SettlementRef{}, err
	}
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(spender) == "" {
		return SettlementRef{}, &TransferError{Code: CodeGeneric, Detail: "owner and spender required"}
	}
	if amount == nil || amount.Sign() < 0 {
		return SettlementRef{}, &TransferError{Code: CodeGeneric, Detail: "approval amount must be non-negative"}
	}
	l.allowances[allowanceKey(owner, spender)] = new(big.Int).Set(amount)
	return l.nextRef(""), nil
}

func validateSubmission(from, to string, amount *big.Int, createdAt time.Time) *TransferError {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return &TransferError{Code: CodeGeneric, Detail: "source and destination required"}
	}
	if amount == nil || amount.Sign() <= 0 {
		return &TransferError{Code: CodeGeneric, Detail: "amount must be positive"}
	}
	if createdAt.IsZero() {
		return &TransferError{Code: CodeStaleTimestamp, Detail: "created-at required"}
	}
	// The custodian rejects submissions timestamped outside its ingest window.
	now := time.Now()
	if createdAt.After(now.Add(5*time.Minute)) || createdAt.Before(now.Add(-24*time.Hour)) {
		return &TransferError{Code: CodeStaleTimestamp, Detail: createdAt.UTC().Format(time.RFC3339)}
	}
	return nil
}
