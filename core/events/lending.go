package events

import "math/big"

const (
	TypePoolDeposit      = "pool.deposit.recorded"
	TypePoolWithdrawal   = "pool.withdrawal.recorded"
	TypePoolDisbursement = "pool.disbursement.recorded"
	TypePoolLoss         = "pool.loss.recorded"
	TypePoolPaused       = "pool.paused"
	TypePoolResumed      = "pool.resumed"
	TypeLoanSubmitted    = "loan.application.submitted"
	TypeLoanActivated    = "loan.activated"
	TypeLoanPayment      = "loan.payment.recorded"
	TypeLoanRepaid       = "loan.repaid"
	TypeLoanDefaulted    = "loan.defaulted"
)

// PoolDeposit is emitted once a confirmed investor deposit has been applied to
// the pool ledger.
type PoolDeposit struct {
	Investor string
	Amount   *big.Int
	TxID     string
	Ref      string
}

func (PoolDeposit) EventType() string { return TypePoolDeposit }

// PoolWithdrawal is emitted after an investor withdrawal settles.
type PoolWithdrawal struct {
	Investor string
	Amount   *big.Int
	Ref      string
}

func (PoolWithdrawal) EventType() string { return TypePoolWithdrawal }

// PoolDisbursement is emitted after pool funds leave custody for a borrower.
type PoolDisbursement struct {
	LoanID      uint64
	Destination string
	Amount      *big.Int
	Ref         string
}

func (PoolDisbursement) EventType() string { return TypePoolDisbursement }

// PoolLoss is emitted when a liquidation writes principal off the pool's
// outstanding exposure.
type PoolLoss struct {
	LoanID        uint64
	PrincipalLoss *big.Int
}

func (PoolLoss) EventType() string { return TypePoolLoss }

// PoolPaused and PoolResumed signal operator pause toggles.
type PoolPaused struct{ Actor string }

func (PoolPaused) EventType() string { return TypePoolPaused }

type PoolResumed struct{ Actor string }

func (PoolResumed) EventType() string { return TypePoolResumed }

// LoanSubmitted is emitted when a loan application passes valuation and is
// persisted awaiting the borrower's acceptance.
type LoanSubmitted struct {
	LoanID         uint64
	Borrower       string
	AmountApproved *big.Int
}

func (LoanSubmitted) EventType() string { return TypeLoanSubmitted }

// LoanActivated is emitted once collateral is escrowed and the principal has
// been disbursed.
type LoanActivated struct {
	LoanID   uint64
	Borrower string
	Amount   *big.Int
	Ref      string
}

func (LoanActivated) EventType() string { return TypeLoanActivated }

// LoanPayment is emitted for every settled repayment instalment.
type LoanPayment struct {
	LoanID    uint64
	Borrower  string
	Amount    *big.Int
	Interest  *big.Int
	Principal *big.Int
	Penalty   *big.Int
	Ref       string
}

func (LoanPayment) EventType() string { return TypeLoanPayment }

// LoanRepaid is emitted when a loan's outstanding debt reaches zero.
type LoanRepaid struct {
	LoanID   uint64
	Borrower string
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

// LoanDefaulted is emitted after a liquidation seizes collateral and marks the
// loan defaulted.
type LoanDefaulted struct {
	LoanID        uint64
	Borrower      string
	RemainingDebt *big.Int
	PrincipalLoss *big.Int
}

func (LoanDefaulted) EventType() string { return TypeLoanDefaulted }
