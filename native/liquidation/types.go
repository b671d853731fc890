package liquidation

import "math/big"

// Eligibility is the result of the grace-window check for one loan.
type Eligibility struct {
	Eligible    bool
	Reason      string
	DaysOverdue int64
	// HealthRatio is collateral value over remaining debt. Nil when the loan
	// carries no debt.
	HealthRatio *big.Rat
}

// Record is the immutable settlement entry written when a loan is
// liquidated. PrincipalLoss is the unrecovered principal written off the
// pool; RecoveryExpected is the collateral value the seized escrow is
// expected to realise.
type Record struct {
	LoanID            uint64
	Borrower          string
	CollateralTokenID string
	RemainingDebt     *big.Int
	CollateralValue   *big.Int
	PrincipalLoss     *big.Int
	ProcessingFee     *big.Int
	Reason            string
	// Attestation is the hex-encoded operator signature over the settlement
	// digest.
	Attestation      string
	RecoveryExpected *big.Int
	Actor            string
	Timestamp        int64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.RemainingDebt = cloneBigInt(r.RemainingDebt)
	clone.CollateralValue = cloneBigInt(r.CollateralValue)
	clone.PrincipalLoss = cloneBigInt(r.PrincipalLoss)
	clone.ProcessingFee = cloneBigInt(r.ProcessingFee)
	clone.RecoveryExpected = cloneBigInt(r.RecoveryExpected)
	return &clone
}

// Outcome reports the result of one loan inside a bulk liquidation run.
type Outcome struct {
	LoanID     uint64
	Liquidated bool
	Err        string
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
