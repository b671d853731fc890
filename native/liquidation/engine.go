package liquidation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"agrilend/attest"
	"agrilend/audit"
	"agrilend/collateral"
	"agrilend/config"
	"agrilend/core/events"
	"agrilend/native/common"
	"agrilend/native/loan"
	"agrilend/native/pool"
	"agrilend/treasury"
)

var (
	// ErrNilState is returned before the engine is wired to persistence.
	ErrNilState = errors.New("liquidation engine: state not configured")
	// ErrNilCollaborator is returned before required clients are wired.
	ErrNilCollaborator = errors.New("liquidation engine: collaborator not configured")
	// ErrNotFound indicates the loan id does not exist.
	ErrNotFound = errors.New("liquidation engine: loan not found")
	// ErrUnauthorized rejects callers outside the admin allowlist.
	ErrUnauthorized = errors.New("liquidation engine: caller not authorized")
	// ErrNotEligible rejects liquidation of loans still inside the grace
	// window or otherwise not liquidatable.
	ErrNotEligible = errors.New("liquidation engine: loan not eligible")
	// ErrFeeCollection indicates fee collection failed and the deployment
	// treats fee failures as fatal.
	ErrFeeCollection = errors.New("liquidation engine: processing fee collection failed")
)

const moduleName = "liquidation"

type engineState interface {
	GetLoan(id uint64) (*loan.Loan, error)
	PutLoan(*loan.Loan) error
	ActiveLoanIDs() ([]uint64, error)
	AppendLiquidation(*Record) error
	Liquidations(limit int) ([]*Record, error)
}

// Engine settles defaulted loans: it seizes escrowed collateral into custody,
// writes the principal loss off the pool, and records a signed attestation of
// the settlement facts. The collateral seizure is the commit point; every
// step after it is advisory and never reverses the default.
type Engine struct {
	loans *common.KeyedMutex

	state      engineState
	pool       *pool.Engine
	registry   collateral.Registry
	treasury   treasury.Collector
	signer     attest.Signer
	sink       audit.Sink
	emitter    events.Emitter
	pauses     common.PauseView
	loanParams config.LoanParams
	params     config.LiquidationParams
	admins     map[string]struct{}
	nowFn      func() time.Time
}

// NewEngine constructs a liquidation engine. Loan parameters are needed to
// value remaining debt at settlement time.
func NewEngine(loanParams config.LoanParams, params config.LiquidationParams) *Engine {
	return &Engine{
		loans:      common.NewKeyedMutex(),
		loanParams: loanParams,
		params:     params,
		admins:     make(map[string]struct{}),
		sink:       audit.NoopSink{},
		emitter:    events.NoopEmitter{},
		nowFn:      time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPool wires the pool accounting engine that absorbs principal losses.
func (e *Engine) SetPool(p *pool.Engine) { e.pool = p }

// SetRegistry wires the collateral registry used to seize escrow.
func (e *Engine) SetRegistry(r collateral.Registry) { e.registry = r }

// SetTreasury wires the processing fee collector.
func (e *Engine) SetTreasury(t treasury.Collector) { e.treasury = t }

// SetSigner wires the attestation signer. A nil signer skips attestations.
func (e *Engine) SetSigner(s attest.Signer) { e.signer = s }

// SetAuditSink configures the audit sink; nil resets to no-op.
func (e *Engine) SetAuditSink(sink audit.Sink) {
	if sink == nil {
		e.sink = audit.NoopSink{}
		return
	}
	e.sink = sink
}

// SetEmitter configures the event emitter; nil resets to no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// AuthorizeAdmin adds a principal to the liquidation allowlist.
func (e *Engine) AuthorizeAdmin(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	e.admins[addr] = struct{}{}
}

// SetNowFunc overrides the time source. Primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.pool == nil || e.registry == nil {
		return ErrNilCollaborator
	}
	return nil
}

func (e *Engine) authorized(actor string) bool {
	_, ok := e.admins[strings.TrimSpace(actor)]
	return ok
}

// CheckEligibility evaluates the grace-window rule for one loan without
// mutating anything. A loan is eligible once it is active, past its due date
// by more than the grace period, and still carries debt.
func (e *Engine) CheckEligibility(loanID uint64) (Eligibility, error) {
	if e == nil || e.state == nil {
		return Eligibility{}, ErrNilState
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return Eligibility{}, err
	}
	return e.evaluate(l, e.now()), nil
}

func (e *Engine) evaluate(l *loan.Loan, now time.Time) Eligibility {
	if l.Status != loan.StatusActive {
		return Eligibility{Reason: fmt.Sprintf("loan is %s, not active", l.Status)}
	}
	if l.DueDate <= 0 {
		return Eligibility{Reason: "loan has no due date"}
	}
	deadline := time.Unix(l.DueDate, 0).Add(e.params.GracePeriod())
	if !now.After(deadline) {
		return Eligibility{Reason: "grace period has not elapsed"}
	}
	remaining := loan.RemainingDebt(l, now.Unix(), e.loanParams)
	if remaining.Sign() <= 0 {
		return Eligibility{Reason: "no outstanding debt"}
	}
	overdue := (now.Unix() - l.DueDate) / 86_400
	var health *big.Rat
	if cv := l.CollateralValue; cv != nil {
		health = new(big.Rat).SetFrac(new(big.Int).Set(cv), remaining)
	}
	return Eligibility{Eligible: true, DaysOverdue: overdue, HealthRatio: health}
}

// Liquidate settles one defaulted loan. The escrow seizure is the commit
// point: a seizure failure rolls the loan back to Active untouched, while
// attestation, loss recording, and fee collection failures after it are
// audited but do not reverse the default. With fatal fee failures configured
// the error is returned only after the settlement record is persisted.
func (e *Engine) Liquidate(ctx context.Context, actor string, loanID uint64) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !e.authorized(actor) {
		return nil, ErrUnauthorized
	}

	unlock := e.loans.Lock(loanKey(loanID))
	defer unlock()

	l, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	eligibility := e.evaluate(l, now)
	if !eligibility.Eligible {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, eligibility.Reason)
	}

	remaining := loan.RemainingDebt(l, now.Unix(), e.loanParams)
	_, _, outPrincipal := loan.Outstanding(l, now.Unix(), e.loanParams)

	l.Status = loan.StatusDefaulted
	if err := e.state.PutLoan(l); err != nil {
		return nil, err
	}

	if err := e.registry.Seize(ctx, l.CollateralTokenID, l.ID, e.params.CustodyPrincipal); err != nil {
		// Compensate: the default never happened without the seizure.
		l.Status = loan.StatusActive
		if putErr := e.state.PutLoan(l); putErr != nil {
			return nil, putErr
		}
		e.sink.Record(actor, "liquidation.seize", fmt.Sprintf("seizure failed for loan %d: %v", l.ID, err), false)
		return nil, err
	}

	record := &Record{
		LoanID:            l.ID,
		Borrower:          l.Borrower,
		CollateralTokenID: l.CollateralTokenID,
		RemainingDebt:     remaining,
		CollateralValue:   cloneBigInt(l.CollateralValue),
		PrincipalLoss:     cloneBigInt(outPrincipal),
		ProcessingFee:     big.NewInt(0),
		Reason:            fmt.Sprintf("overdue %d days past grace period", eligibility.DaysOverdue),
		RecoveryExpected:  cloneBigInt(l.CollateralValue),
		Actor:             actor,
		Timestamp:         now.Unix(),
	}

	if e.signer != nil {
		digest := attest.LiquidationDigest(l.ID, l.CollateralTokenID, remaining, l.CollateralValue, now, actor)
		if sig, sigErr := e.signer.Sign(digest); sigErr != nil {
			e.sink.Record(actor, "liquidation.attest", fmt.Sprintf("attestation failed for loan %d: %v", l.ID, sigErr), false)
		} else {
			record.Attestation = hex.EncodeToString(sig)
		}
	}

	// The pool absorbs the unrecovered principal. A bookkeeping failure here
	// is audited and reconciled offline; the default stands.
	if lossErr := e.pool.RecordLiquidationLoss(ctx, l.ID, outPrincipal, remaining); lossErr != nil {
		e.sink.Record(actor, "liquidation.loss", fmt.Sprintf("loss recording failed for loan %d: %v", l.ID, lossErr), false)
	}

	var fatalFee error
	if e.treasury != nil && e.params.ProcessingFeeBps > 0 {
		fee := new(big.Int).Mul(remaining, new(big.Int).SetUint64(e.params.ProcessingFeeBps))
		fee.Quo(fee, big.NewInt(10_000))
		if fee.Sign() > 0 {
			if feeErr := e.treasury.CollectFee(ctx, l.ID, fee, treasury.FeeLiquidationProcessing); feeErr != nil {
				e.sink.Record(actor, "liquidation.fee", fmt.Sprintf("processing fee of %s failed for loan %d: %v", fee, l.ID, feeErr), false)
				if e.params.FeeFailureFatal {
					fatalFee = feeErr
				}
			} else {
				record.ProcessingFee = fee
			}
		}
	}

	// Once the seizure stands the record must land: a fatal fee failure is
	// surfaced only after the settlement trail is persisted, never by
	// stranding a defaulted loan without its record.
	if err := e.state.AppendLiquidation(record); err != nil {
		return nil, err
	}

	e.sink.Record(actor, "liquidation.settle", fmt.Sprintf("loan %d defaulted, debt %s, collateral %s seized to %s",
		l.ID, remaining, l.CollateralTokenID, e.params.CustodyPrincipal), true)
	e.emitter.Emit(events.LoanDefaulted{
		LoanID:        l.ID,
		Borrower:      l.Borrower,
		RemainingDebt: cloneBigInt(remaining),
		PrincipalLoss: cloneBigInt(outPrincipal),
	})
	if fatalFee != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeeCollection, fatalFee)
	}
	return record.Clone(), nil
}

// LiquidateEligible sweeps active loans and liquidates every eligible one, up
// to the configured batch cap. Each loan settles independently: one failure
// never aborts the run.
func (e *Engine) LiquidateEligible(ctx context.Context, actor string) ([]Outcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !e.authorized(actor) {
		return nil, ErrUnauthorized
	}
	ids, err := e.state.ActiveLoanIDs()
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(ids))
	settled := 0
	for _, id := range ids {
		if settled >= e.params.BatchCap {
			break
		}
		l, loadErr := e.loadLoan(id)
		if loadErr != nil {
			outcomes = append(outcomes, Outcome{LoanID: id, Err: loadErr.Error()})
			continue
		}
		if !e.evaluate(l, e.now()).Eligible {
			continue
		}
		if _, liqErr := e.Liquidate(ctx, actor, id); liqErr != nil {
			outcomes = append(outcomes, Outcome{LoanID: id, Err: liqErr.Error()})
			continue
		}
		outcomes = append(outcomes, Outcome{LoanID: id, Liquidated: true})
		settled++
	}
	e.sink.Record(actor, "liquidation.sweep", fmt.Sprintf("swept %d loans, settled %d", len(ids), settled), true)
	return outcomes, nil
}

// Recent returns the newest liquidation records, most recent first.
func (e *Engine) Recent(limit int) ([]*Record, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	records, err := e.state.Liquidations(limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (e *Engine) loadLoan(id uint64) (*loan.Loan, error) {
	l, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

func loanKey(id uint64) string {
	return fmt.Sprintf("loan/%d", id)
}
