// Package ledger defines the contract for the external value-transfer ledger
// that custodies pool funds. The platform never moves money itself: every
// engine validates first, submits a transfer here, and only mutates local
// state after the ledger confirms.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// ErrorCode classifies transfer failures so callers can decide between
// resubmission with a fresh memo and giving up on the attempt.
type ErrorCode int

const (
	// CodeGeneric covers coded upstream failures without a dedicated variant.
	CodeGeneric ErrorCode = iota
	// CodeInsufficientFunds is terminal for the attempt.
	CodeInsufficientFunds
	// CodeStaleTimestamp indicates the created-at was outside the ledger's
	// ingest window.
	CodeStaleTimestamp
	// CodeDuplicate indicates the memo was already settled; terminal.
	CodeDuplicate
	// CodeUnavailable indicates a transient outage; retry with a new memo.
	CodeUnavailable
)

// TransferError is the typed failure returned by ledger primitives.
type TransferError struct {
	Code   ErrorCode
	Detail string
}

func (e *TransferError) Error() string {
	if e == nil {
		return "ledger: unknown error"
	}
	switch e.Code {
	case CodeInsufficientFunds:
		return fmt.Sprintf("ledger: insufficient funds: %s", e.Detail)
	case CodeStaleTimestamp:
		return fmt.Sprintf("ledger: stale or future timestamp: %s", e.Detail)
	case CodeDuplicate:
		return fmt.Sprintf("ledger: duplicate transfer: %s", e.Detail)
	case CodeUnavailable:
		return fmt.Sprintf("ledger: temporarily unavailable: %s", e.Detail)
	default:
		return fmt.Sprintf("ledger: transfer failed: %s", e.Detail)
	}
}

// Retryable reports whether the failure may be resolved by resubmitting with
// a fresh memo. Duplicate and insufficient-funds failures are terminal for
// the attempt.
func (e *TransferError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeUnavailable, CodeGeneric:
		return true
	default:
		return false
	}
}

// SettlementRef identifies a confirmed transfer on the external ledger.
type SettlementRef struct {
	// ID is the ledger-assigned settlement identifier.
	ID string
	// Block is the ledger block the transfer settled in.
	Block uint64
	// Memo echoes the caller-supplied idempotency memo.
	Memo string
}

// Client is the abstract value-transfer ledger. Memos double as idempotency
// keys: resubmitting the same memo must not settle twice.
type Client interface {
	// Transfer moves funds between two principals held at the custodian.
	Transfer(ctx context.Context, from, to string, amount *big.Int, memo string, createdAt time.Time) (SettlementRef, error)
	// TransferWithAllowance moves funds from owner to destination using an
	// allowance previously granted to spender.
	TransferWithAllowance(ctx context.Context, owner, spender, to string, amount *big.Int, memo string, createdAt time.Time) (SettlementRef, error)
	// Approve grants spender an allowance over owner's funds until expiry.
	Approve(ctx context.Context, owner, spender string, amount *big.Int, expiry time.Time) (SettlementRef, error)
}
