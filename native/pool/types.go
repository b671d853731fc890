package pool

import "math/big"

// LiquidityPool captures the global accounting state for the shared liquidity
// reserve. Amount values are denominated in settlement units and expressed as
// big integers to match custodian precision.
type LiquidityPool struct {
	// TotalLiquidity is the aggregate value currently claimable by investors,
	// including accrued yield.
	TotalLiquidity *big.Int
	// AvailableLiquidity is the portion of TotalLiquidity not lent out.
	AvailableLiquidity *big.Int
	// TotalBorrowed tracks outstanding principal across active loans.
	TotalBorrowed *big.Int
	// TotalRepaid accumulates every settled repayment.
	TotalRepaid *big.Int
	// TotalLossRecorded accumulates principal written off by liquidations.
	// Losses reduce TotalBorrowed, not investor balances; the accumulator
	// keeps the gap reconcilable.
	TotalLossRecorded *big.Int
	// TotalInvestors counts principals that have ever deposited.
	TotalInvestors uint64
	// Paused halts money-moving operations when set by an operator.
	Paused    bool
	CreatedAt int64
	UpdatedAt int64
}

// Clone returns a deep copy of the pool record.
func (p *LiquidityPool) Clone() *LiquidityPool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalLiquidity = cloneBigInt(p.TotalLiquidity)
	clone.AvailableLiquidity = cloneBigInt(p.AvailableLiquidity)
	clone.TotalBorrowed = cloneBigInt(p.TotalBorrowed)
	clone.TotalRepaid = cloneBigInt(p.TotalRepaid)
	clone.TotalLossRecorded = cloneBigInt(p.TotalLossRecorded)
	return &clone
}

// DepositRecord is an append-only entry for one confirmed investor deposit.
type DepositRecord struct {
	Amount    *big.Int
	Ref       string
	Block     uint64
	Timestamp int64
}

// WithdrawalRecord is an append-only entry for one confirmed investor
// withdrawal.
type WithdrawalRecord struct {
	Amount    *big.Int
	Ref       string
	Block     uint64
	Timestamp int64
}

// InvestorBalance maintains the pool position for an individual investor.
// Records persist after the balance reaches zero for audit history.
type InvestorBalance struct {
	Address        string
	Balance        *big.Int
	TotalDeposited *big.Int
	TotalWithdrawn *big.Int
	Deposits       []DepositRecord
	Withdrawals    []WithdrawalRecord
	FirstDepositAt int64
	LastActivityAt int64
}

// Clone returns a deep copy of the investor record.
func (b *InvestorBalance) Clone() *InvestorBalance {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Balance = cloneBigInt(b.Balance)
	clone.TotalDeposited = cloneBigInt(b.TotalDeposited)
	clone.TotalWithdrawn = cloneBigInt(b.TotalWithdrawn)
	clone.Deposits = make([]DepositRecord, len(b.Deposits))
	for i, d := range b.Deposits {
		clone.Deposits[i] = d
		clone.Deposits[i].Amount = cloneBigInt(d.Amount)
	}
	clone.Withdrawals = make([]WithdrawalRecord, len(b.Withdrawals))
	for i, w := range b.Withdrawals {
		clone.Withdrawals[i] = w
		clone.Withdrawals[i].Amount = cloneBigInt(w.Amount)
	}
	return &clone
}

// ProcessedTransaction guards deposits against retries and duplicate
// submission of the same external transaction.
type ProcessedTransaction struct {
	TxID        string
	Processor   string
	ProcessedAt int64
}

// DisbursementRecord is the immutable audit entry for pool funds leaving
// custody toward a borrower.
type DisbursementRecord struct {
	LoanID      uint64
	Destination string
	Amount      *big.Int
	Ref         string
	Block       uint64
	Actor       string
	Timestamp   int64
}

// Receipt is returned by money-moving operations. Message embeds the
// settlement reference so callers never see an ambiguous outcome.
type Receipt struct {
	Ref              string
	Amount           *big.Int
	Message          string
	AlreadyProcessed bool
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
