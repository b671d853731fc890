package pool

import "math/big"

// Stats is the derived view of pool health served to investors and
// dashboards.
type Stats struct {
	TotalLiquidity     *big.Int
	AvailableLiquidity *big.Int
	TotalBorrowed      *big.Int
	TotalRepaid        *big.Int
	TotalLossRecorded  *big.Int
	TotalInvestors     uint64
	Paused             bool

	// UtilizationBps is (total - available) / total in basis points.
	UtilizationBps uint64
	// APYBps is the advertised supply yield heuristic in basis points.
	APYBps uint64
	// HealthScore is a bounded 0..100 composite of utilization, absolute
	// liquidity, and repayment performance.
	HealthScore uint64
}

const (
	baseAPYBps        = 200
	utilizationAPYBps = 800
	repaymentAPYBps   = 200
	apyCapBps         = 1_500
)

// Stats computes the derived pool statistics from the current snapshot.
func (e *Engine) Stats() (Stats, error) {
	p, err := e.Pool()
	if err != nil {
		return Stats{}, err
	}
	return computeStats(p), nil
}

func computeStats(p *LiquidityPool) Stats {
	s := Stats{
		TotalLiquidity:     cloneBigInt(p.TotalLiquidity),
		AvailableLiquidity: cloneBigInt(p.AvailableLiquidity),
		TotalBorrowed:      cloneBigInt(p.TotalBorrowed),
		TotalRepaid:        cloneBigInt(p.TotalRepaid),
		TotalLossRecorded:  cloneBigInt(p.TotalLossRecorded),
		TotalInvestors:     p.TotalInvestors,
		Paused:             p.Paused,
	}
	s.UtilizationBps = utilizationBps(p)
	s.APYBps = apyBps(p, s.UtilizationBps)
	s.HealthScore = healthScore(p, s.UtilizationBps)
	return s
}

func utilizationBps(p *LiquidityPool) uint64 {
	if p.TotalLiquidity == nil || p.TotalLiquidity.Sign() <= 0 {
		return 0
	}
	lent := new(big.Int).Sub(p.TotalLiquidity, ensureBig(p.AvailableLiquidity))
	if lent.Sign() <= 0 {
		return 0
	}
	util := new(big.Int).Mul(lent, basisPoints)
	util.Quo(util, p.TotalLiquidity)
	if !util.IsUint64() {
		return 10_000
	}
	out := util.Uint64()
	if out > 10_000 {
		out = 10_000
	}
	return out
}

// apyBps scales a base yield with utilization and adds a bonus for strong
// repayment performance, capped so the number stays an advertisement rather
// than a promise.
func apyBps(p *LiquidityPool, utilization uint64) uint64 {
	apy := uint64(baseAPYBps)
	apy += utilization * utilizationAPYBps / 10_000
	apy += repaymentRateBps(p) * repaymentAPYBps / 10_000
	if apy > apyCapBps {
		apy = apyCapBps
	}
	return apy
}

// repaymentRateBps reports repaid value against all value that has ever been
// lent (outstanding + repaid), in basis points.
func repaymentRateBps(p *LiquidityPool) uint64 {
	repaid := ensureBig(p.TotalRepaid)
	if repaid.Sign() <= 0 {
		return 0
	}
	everLent := new(big.Int).Add(ensureBig(p.TotalBorrowed), repaid)
	if everLent.Sign() <= 0 {
		return 0
	}
	rate := new(big.Int).Mul(repaid, basisPoints)
	rate.Quo(rate, everLent)
	if !rate.IsUint64() {
		return 10_000
	}
	out := rate.Uint64()
	if out > 10_000 {
		out = 10_000
	}
	return out
}

func healthScore(p *LiquidityPool, utilization uint64) uint64 {
	score := int64(100)

	switch {
	case utilization > 9_000:
		score -= 40
	case utilization > 8_000:
		score -= 30
	case utilization > 6_000:
		score -= 15
	}

	// Thin pools are fragile regardless of utilization.
	if p.TotalLiquidity == nil || p.TotalLiquidity.Cmp(big.NewInt(1_000_000)) < 0 {
		score -= 20
	}

	// Recorded losses erode confidence proportionally to pool size.
	if loss := ensureBig(p.TotalLossRecorded); loss.Sign() > 0 && p.TotalLiquidity.Sign() > 0 {
		ratio := new(big.Int).Mul(loss, basisPoints)
		ratio.Quo(ratio, p.TotalLiquidity)
		if ratio.Cmp(big.NewInt(500)) > 0 {
			score -= 25
		} else if ratio.Sign() > 0 {
			score -= 10
		}
	}

	// Strong repayment history earns back some headroom.
	if repaymentRateBps(p) > 8_000 {
		score += 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return uint64(score)
}
