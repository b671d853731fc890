// Package config holds the lending protocol parameters. Parameters are
// loaded from TOML, normalised with defaults, and validated before any engine
// is constructed.
package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/BurntSushi/toml"
)

// Params groups every governance-controlled protocol parameter.
type Params struct {
	Pool        PoolParams        `toml:"pool"`
	Loan        LoanParams        `toml:"loan"`
	Liquidation LiquidationParams `toml:"liquidation"`
	Oracle      OracleParams      `toml:"oracle"`
}

// PoolParams controls the liquidity pool accounting engine.
type PoolParams struct {
	// MinDeposit is the smallest accepted deposit in settlement units.
	MinDeposit int64 `toml:"min_deposit"`
	// MinWithdrawal is the smallest accepted withdrawal.
	MinWithdrawal int64 `toml:"min_withdrawal"`
	// MinDisbursement is the smallest loan disbursement.
	MinDisbursement int64 `toml:"min_disbursement"`
	// EmergencyReserveBps is the fraction of total liquidity withdrawals may
	// not cut into, in basis points.
	EmergencyReserveBps uint64 `toml:"emergency_reserve_bps"`
	// ConcentrationCapBps caps a single disbursement as a fraction of total
	// liquidity, in basis points.
	ConcentrationCapBps uint64 `toml:"concentration_cap_bps"`
}

// LoanParams controls loan terms and the accrual model.
type LoanParams struct {
	// LoanToValueBps is the approved-amount fraction of collateral value.
	LoanToValueBps uint64 `toml:"loan_to_value_bps"`
	// DefaultAprBps is the APR applied to new loans, in basis points.
	DefaultAprBps uint64 `toml:"default_apr_bps"`
	// MaxDurationDays sets the due date relative to activation.
	MaxDurationDays int64 `toml:"max_duration_days"`
	// PenaltyRateBps is the monthly late penalty rate on principal.
	PenaltyRateBps uint64 `toml:"penalty_rate_bps"`
	// PenaltyCapBps caps the accumulated penalty as a fraction of principal.
	PenaltyCapBps uint64 `toml:"penalty_cap_bps"`
	// ProtocolFeeBps is charged on the interest portion of each repayment.
	ProtocolFeeBps uint64 `toml:"protocol_fee_bps"`
	// OverpayTolerance absorbs rounding on final payments, in settlement
	// units.
	OverpayTolerance int64 `toml:"overpay_tolerance"`
}

// LiquidationParams controls the liquidation settlement process.
type LiquidationParams struct {
	// GracePeriodDays is the window after the due date during which
	// liquidation is withheld.
	GracePeriodDays int64 `toml:"grace_period_days"`
	// BatchCap bounds bulk liquidation runs.
	BatchCap int `toml:"batch_cap"`
	// ProcessingFeeBps is charged on remaining debt when a loan is
	// liquidated.
	ProcessingFeeBps uint64 `toml:"processing_fee_bps"`
	// FeeFailureFatal aborts the liquidation when fee collection fails.
	// Automated deployments keep this false.
	FeeFailureFatal bool `toml:"fee_failure_fatal"`
	// CustodyPrincipal receives seized collateral tokens.
	CustodyPrincipal string `toml:"custody_principal"`
}

// OracleParams controls price feed freshness requirements.
type OracleParams struct {
	// MaxQuoteAgeSeconds is the staleness threshold for valuation quotes.
	MaxQuoteAgeSeconds int64 `toml:"max_quote_age_seconds"`
}

// Default returns the protocol defaults applied when the TOML file omits a
// field.
func Default() Params {
	return Params{
		Pool: PoolParams{
			MinDeposit:          10_000,
			MinWithdrawal:       10_000,
			MinDisbursement:     100_000,
			EmergencyReserveBps: 500,
			ConcentrationCapBps: 8_000,
		},
		Loan: LoanParams{
			LoanToValueBps:   6_000,
			DefaultAprBps:    1_000,
			MaxDurationDays:  365,
			PenaltyRateBps:   200,
			PenaltyCapBps:    1_000,
			ProtocolFeeBps:   1_000,
			OverpayTolerance: 100,
		},
		Liquidation: LiquidationParams{
			GracePeriodDays:  30,
			BatchCap:         50,
			ProcessingFeeBps: 100,
			FeeFailureFatal:  false,
			CustodyPrincipal: "liquidation-custody",
		},
		Oracle: OracleParams{
			MaxQuoteAgeSeconds: 300,
		},
	}
}

// Load reads the TOML parameter file, fills defaults, and validates the
// result.
func Load(path string) (Params, error) {
	params := Default()
	if path == "" {
		return params, nil
	}
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return Params{}, fmt.Errorf("decode params: %w", err)
	}
	params = params.Normalise()
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Normalise fills zero-valued fields with protocol defaults.
func (p Params) Normalise() Params {
	def := Default()
	if p.Pool.MinDeposit <= 0 {
		p.Pool.MinDeposit = def.Pool.MinDeposit
	}
	if p.Pool.MinWithdrawal <= 0 {
		p.Pool.MinWithdrawal = def.Pool.MinWithdrawal
	}
	if p.Pool.MinDisbursement <= 0 {
		p.Pool.MinDisbursement = def.Pool.MinDisbursement
	}
	if p.Pool.EmergencyReserveBps == 0 {
		p.Pool.EmergencyReserveBps = def.Pool.EmergencyReserveBps
	}
	if p.Pool.ConcentrationCapBps == 0 {
		p.Pool.ConcentrationCapBps = def.Pool.ConcentrationCapBps
	}
	if p.Loan.LoanToValueBps == 0 {
		p.Loan.LoanToValueBps = def.Loan.LoanToValueBps
	}
	if p.Loan.DefaultAprBps == 0 {
		p.Loan.DefaultAprBps = def.Loan.DefaultAprBps
	}
	if p.Loan.MaxDurationDays <= 0 {
		p.Loan.MaxDurationDays = def.Loan.MaxDurationDays
	}
	if p.Loan.PenaltyRateBps == 0 {
		p.Loan.PenaltyRateBps = def.Loan.PenaltyRateBps
	}
	if p.Loan.PenaltyCapBps == 0 {
		p.Loan.PenaltyCapBps = def.Loan.PenaltyCapBps
	}
	if p.Loan.ProtocolFeeBps == 0 {
		p.Loan.ProtocolFeeBps = def.Loan.ProtocolFeeBps
	}
	if p.Loan.OverpayTolerance <= 0 {
		p.Loan.OverpayTolerance = def.Loan.OverpayTolerance
	}
	if p.Liquidation.GracePeriodDays <= 0 {
		p.Liquidation.GracePeriodDays = def.Liquidation.GracePeriodDays
	}
	if p.Liquidation.BatchCap <= 0 {
		p.Liquidation.BatchCap = def.Liquidation.BatchCap
	}
	if p.Liquidation.CustodyPrincipal == "" {
		p.Liquidation.CustodyPrincipal = def.Liquidation.CustodyPrincipal
	}
	if p.Oracle.MaxQuoteAgeSeconds <= 0 {
		p.Oracle.MaxQuoteAgeSeconds = def.Oracle.MaxQuoteAgeSeconds
	}
	return p
}

// Validate rejects parameter combinations that would violate engine
// invariants.
func (p Params) Validate() error {
	if p.Pool.EmergencyReserveBps >= 10_000 {
		return fmt.Errorf("pool emergency reserve bps out of range: %d", p.Pool.EmergencyReserveBps)
	}
	if p.Pool.ConcentrationCapBps == 0 || p.Pool.ConcentrationCapBps > 10_000 {
		return fmt.Errorf("pool concentration cap bps out of range: %d", p.Pool.ConcentrationCapBps)
	}
	if p.Loan.LoanToValueBps == 0 || p.Loan.LoanToValueBps > 10_000 {
		return fmt.Errorf("loan-to-value bps out of range: %d", p.Loan.LoanToValueBps)
	}
	if p.Loan.ProtocolFeeBps > 10_000 {
		return fmt.Errorf("protocol fee bps out of range: %d", p.Loan.ProtocolFeeBps)
	}
	if p.Loan.PenaltyCapBps > 10_000 {
		return fmt.Errorf("penalty cap bps out of range: %d", p.Loan.PenaltyCapBps)
	}
	if p.Liquidation.ProcessingFeeBps > 10_000 {
		return fmt.Errorf("liquidation processing fee bps out of range: %d", p.Liquidation.ProcessingFeeBps)
	}
	return nil
}

// MinDepositAmount returns the minimum deposit as a big integer.
func (p PoolParams) MinDepositAmount() *big.Int { return big.NewInt(p.MinDeposit) }

// MinWithdrawalAmount returns the minimum withdrawal as a big integer.
func (p PoolParams) MinWithdrawalAmount() *big.Int { return big.NewInt(p.MinWithdrawal) }

// MinDisbursementAmount returns the minimum disbursement as a big integer.
func (p PoolParams) MinDisbursementAmount() *big.Int { return big.NewInt(p.MinDisbursement) }

// MaxDuration converts the loan duration into a time.Duration.
func (p LoanParams) MaxDuration() time.Duration {
	return time.Duration(p.MaxDurationDays) * 24 * time.Hour
}

// OverpayToleranceAmount returns the tolerance as a big integer.
func (p LoanParams) OverpayToleranceAmount() *big.Int { return big.NewInt(p.OverpayTolerance) }

// GracePeriod converts the grace window into a time.Duration.
func (p LiquidationParams) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodDays) * 24 * time.Hour
}

// MaxQuoteAge converts the staleness threshold into a time.Duration.
func (p OracleParams) MaxQuoteAge() time.Duration {
	return time.Duration(p.MaxQuoteAgeSeconds) * time.Second
}
