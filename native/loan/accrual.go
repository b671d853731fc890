package loan

import (
	"errors"
	"math/big"

	"agrilend/config"
)

// ErrOverpayment rejects payments exceeding remaining debt beyond the
// configured rounding tolerance.
var ErrOverpayment = errors.New("loan accrual: payment exceeds remaining debt")

var basisPoints = big.NewInt(10_000)

const (
	// secondsPerYear uses a 365.25-day year for interest accrual.
	secondsPerYear = 31_557_600
	// secondsPerMonth uses 30-day months for the overdue penalty clock.
	secondsPerMonth = 2_592_000
)

// Breakdown is the allocation of one payment across the debt components.
// The protocol fee is computed only on the interest portion; it is carved out
// of collected interest, never added on top.
type Breakdown struct {
	Penalty     *big.Int
	Interest    *big.Int
	Principal   *big.Int
	ProtocolFee *big.Int
	// Total is the amount actually applied (capped at remaining debt).
	Total *big.Int
}

// AccruedInterest computes simple interest on principal from createdAt to
// now. Interest stops accruing at the due date once the loan is overdue; the
// late penalty takes over from there.
func AccruedInterest(principal *big.Int, aprBps uint64, createdAt, dueDate, now int64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || aprBps == 0 {
		return big.NewInt(0)
	}
	end := now
	if dueDate > 0 && now > dueDate {
		end = dueDate
	}
	elapsed := end - createdAt
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(aprBps))
	interest.Mul(interest, big.NewInt(elapsed))
	interest.Quo(interest, new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear)))
	return interest
}

// LatePenalty computes the overdue penalty: a monthly rate on principal for
// each whole month past the due date, capped at capBps of principal.
func LatePenalty(principal *big.Int, penaltyRateBps, capBps uint64, dueDate, now int64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || penaltyRateBps == 0 {
		return big.NewInt(0)
	}
	if dueDate <= 0 || now <= dueDate {
		return big.NewInt(0)
	}
	months := (now - dueDate) / secondsPerMonth
	if months <= 0 {
		return big.NewInt(0)
	}
	penalty := new(big.Int).Mul(principal, new(big.Int).SetUint64(penaltyRateBps))
	penalty.Mul(penalty, big.NewInt(months))
	penalty.Quo(penalty, basisPoints)

	capped := new(big.Int).Mul(principal, new(big.Int).SetUint64(capBps))
	capped.Quo(capped, basisPoints)
	if penalty.Cmp(capped) > 0 {
		return capped
	}
	return penalty
}

// Outstanding computes the unpaid penalty, interest, and principal components
// at time now. Past payments were allocated penalty -> interest -> principal,
// so TotalRepaid is replayed against the gross components in the same order.
func Outstanding(l *Loan, now int64, params config.LoanParams) (penalty, interest, principal *big.Int) {
	principal = cloneBigInt(l.AmountApproved)
	interest = AccruedInterest(principal, l.AprBps, l.CreatedAt, l.DueDate, now)
	penalty = LatePenalty(principal, params.PenaltyRateBps, params.PenaltyCapBps, l.DueDate, now)

	repaid := cloneBigInt(l.TotalRepaid)
	penalty, repaid = reduce(penalty, repaid)
	interest, repaid = reduce(interest, repaid)
	principal, _ = reduce(principal, repaid)
	return penalty, interest, principal
}

// RemainingDebt is the total unpaid debt at time now.
func RemainingDebt(l *Loan, now int64, params config.LoanParams) *big.Int {
	penalty, interest, principal := Outstanding(l, now, params)
	total := new(big.Int).Add(penalty, interest)
	return total.Add(total, principal)
}

// AllocatePayment splits a payment across the outstanding components in
// strict priority order: late penalty first, then interest, then principal.
// The payment is capped at remaining debt; any residual beyond the tolerance
// is rejected rather than absorbed.
func AllocatePayment(outPenalty, outInterest, outPrincipal, payment *big.Int, feeBps uint64, tolerance *big.Int) (Breakdown, error) {
	remaining := new(big.Int).Add(ensureBig(outPenalty), ensureBig(outInterest))
	remaining.Add(remaining, ensureBig(outPrincipal))

	limit := new(big.Int).Add(remaining, ensureBig(tolerance))
	if payment.Cmp(limit) > 0 {
		return Breakdown{}, ErrOverpayment
	}

	applied := new(big.Int).Set(payment)
	if applied.Cmp(remaining) > 0 {
		applied.Set(remaining)
	}

	left := new(big.Int).Set(applied)
	penaltyPart, left := allocate(outPenalty, left)
	interestPart, left := allocate(outInterest, left)
	principalPart, _ := allocate(outPrincipal, left)

	fee := new(big.Int).Mul(interestPart, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, basisPoints)

	return Breakdown{
		Penalty:     penaltyPart,
		Interest:    interestPart,
		Principal:   principalPart,
		ProtocolFee: fee,
		Total:       applied,
	}, nil
}

// allocate applies up to `available` against an outstanding component and
// returns the portion consumed plus what is left of the payment.
func allocate(outstanding, available *big.Int) (*big.Int, *big.Int) {
	out := ensureBig(outstanding)
	if available.Sign() <= 0 || out.Sign() <= 0 {
		return big.NewInt(0), available
	}
	part := new(big.Int).Set(available)
	if part.Cmp(out) > 0 {
		part.Set(out)
	}
	return part, new(big.Int).Sub(available, part)
}

// reduce subtracts up to `by` from v and returns the new value and the unused
// remainder of `by`.
func reduce(v, by *big.Int) (*big.Int, *big.Int) {
	if by.Sign() <= 0 || v.Sign() <= 0 {
		return v, by
	}
	if by.Cmp(v) >= 0 {
		return big.NewInt(0), new(big.Int).Sub(by, v)
	}
	return new(big.Int).Sub(v, by), big.NewInt(0)
}
