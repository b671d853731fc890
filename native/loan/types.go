package loan

import "math/big"

// Status represents the lifecycle states of a collateralized loan.
type Status uint8

const (
	StatusPendingApplication Status = iota
	StatusPendingApproval
	StatusApproved
	StatusActive
	StatusRepaid
	StatusDefaulted
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingApplication, StatusPendingApproval, StatusApproved,
		StatusActive, StatusRepaid, StatusDefaulted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusRepaid || s == StatusDefaulted
}

func (s Status) String() string {
	switch s {
	case StatusPendingApplication:
		return "pending_application"
	case StatusPendingApproval:
		return "pending_approval"
	case StatusApproved:
		return "approved"
	case StatusActive:
		return "active"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// PaymentType classifies a repayment instalment by what it reduced.
type PaymentType uint8

const (
	PaymentPrincipal PaymentType = iota
	PaymentInterest
	PaymentMixed
)

func (t PaymentType) String() string {
	switch t {
	case PaymentPrincipal:
		return "principal"
	case PaymentInterest:
		return "interest"
	default:
		return "mixed"
	}
}

// Payment is an immutable repayment entry appended to a loan's history.
type Payment struct {
	Amount    *big.Int
	Timestamp int64
	Type      PaymentType
	Ref       string
}

// Loan is the canonical record driven through the lifecycle state machine.
// TotalRepaid is monotonically non-decreasing; status transitions are
// one-directional except the Approved -> PendingApproval rollback when
// disbursement fails.
type Loan struct {
	ID                uint64
	Borrower          string
	CollateralTokenID string
	// CollateralValue is the conservative minimum of declared valuation and
	// oracle market value at application time, in settlement units.
	CollateralValue *big.Int
	AmountRequested *big.Int
	AmountApproved  *big.Int
	// AprBps is the annual interest rate in basis points.
	AprBps        uint64
	Status        Status
	CreatedAt     int64
	DueDate       int64
	TotalRepaid   *big.Int
	Repayments    []Payment
	LastPaymentAt int64
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.CollateralValue = cloneBigInt(l.CollateralValue)
	clone.AmountRequested = cloneBigInt(l.AmountRequested)
	clone.AmountApproved = cloneBigInt(l.AmountApproved)
	clone.TotalRepaid = cloneBigInt(l.TotalRepaid)
	clone.Repayments = make([]Payment, len(l.Repayments))
	for i, p := range l.Repayments {
		clone.Repayments[i] = p
		clone.Repayments[i].Amount = cloneBigInt(p.Amount)
	}
	return &clone
}

// RepaymentRecord is the immutable audit entry for one settled repayment.
type RepaymentRecord struct {
	LoanID    uint64
	Actor     string
	Amount    *big.Int
	Penalty   *big.Int
	Interest  *big.Int
	Principal *big.Int
	Fee       *big.Int
	Ref       string
	Block     uint64
	Timestamp int64
}

// RepaymentResult is returned to the borrower after a settled instalment.
type RepaymentResult struct {
	Breakdown     Breakdown
	Ref           string
	Message       string
	Status        Status
	RemainingDebt *big.Int
}

// Forecast projects a loan's debt components at a point in time.
type Forecast struct {
	At            int64
	Penalty       *big.Int
	Interest      *big.Int
	Principal     *big.Int
	RemainingDebt *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
