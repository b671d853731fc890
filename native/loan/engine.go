package loan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"agrilend/audit"
	"agrilend/collateral"
	"agrilend/config"
	"agrilend/core/events"
	"agrilend/ledger"
	"agrilend/native/common"
	"agrilend/native/pool"
	"agrilend/oracle"
	"agrilend/treasury"
)

var (
	// ErrNilState is returned before the engine is wired to persistence.
	ErrNilState = errors.New("loan engine: state not configured")
	// ErrNilCollaborator is returned before required clients are wired.
	ErrNilCollaborator = errors.New("loan engine: collaborator not configured")
	// ErrNotFound indicates the loan id does not exist.
	ErrNotFound = errors.New("loan engine: loan not found")
	// ErrInvalidAmount rejects nil, zero, or negative amounts.
	ErrInvalidAmount = errors.New("loan engine: amount must be positive")
	// ErrNotBorrower rejects callers other than the loan's borrower.
	ErrNotBorrower = errors.New("loan engine: caller is not the borrower")
	// ErrBorrowerRole rejects callers without an active borrower role.
	ErrBorrowerRole = errors.New("loan engine: caller is not a registered borrower")
	// ErrNotOwner rejects applications against collateral the caller does not
	// own.
	ErrNotOwner = errors.New("loan engine: caller does not own the collateral")
	// ErrCollateralLocked rejects applications against escrowed collateral.
	ErrCollateralLocked = errors.New("loan engine: collateral already locked")
	// ErrMissingMetadata indicates the collateral lacks valuation metadata.
	ErrMissingMetadata = errors.New("loan engine: collateral metadata incomplete")
	// ErrStaleQuote rejects valuation against an outdated oracle price.
	ErrStaleQuote = errors.New("loan engine: oracle quote stale")
	// ErrExceedsApprovable rejects requests above the LTV-derived limit.
	ErrExceedsApprovable = errors.New("loan engine: requested amount exceeds approvable limit")
	// ErrInvalidStatus rejects operations against a loan in the wrong state.
	ErrInvalidStatus = errors.New("loan engine: loan status does not permit this operation")
	// ErrNoOutstandingDebt indicates the loan has nothing left to repay.
	ErrNoOutstandingDebt = errors.New("loan engine: no outstanding debt")
)

const moduleName = "loan"

// CallerID identifies the lifecycle engine to the pool's disbursement
// authorization list.
const CallerID = "loan-lifecycle"

// BorrowerView reports whether a principal holds an active borrower role.
type BorrowerView interface {
	IsBorrower(addr string) bool
}

type engineState interface {
	NextLoanID() (uint64, error)
	GetLoan(id uint64) (*Loan, error)
	PutLoan(*Loan) error
	LoansByBorrower(addr string) ([]*Loan, error)
	AppendRepayment(*RepaymentRecord) error
}

// Engine drives loans through the lifecycle state machine. External calls
// (collateral lock, disbursement, settlement transfer) are the commit points:
// a failure before the commit point leaves no local mutation, a failure after
// it triggers the compensating action mandated for that step.
type Engine struct {
	loans *common.KeyedMutex

	state     engineState
	pool      *pool.Engine
	registry  collateral.Registry
	oracle    oracle.PriceOracle
	ledger    ledger.Client
	treasury  treasury.Collector
	borrowers BorrowerView
	sink      audit.Sink
	emitter   events.Emitter
	pauses    common.PauseView
	params    config.LoanParams
	maxQuote  time.Duration
	custody   string
	nowFn     func() time.Time
}

// NewEngine constructs a lifecycle engine bound to the pool custody principal
// that receives repayments.
func NewEngine(custody string, params config.LoanParams, maxQuoteAge time.Duration) *Engine {
	return &Engine{
		loans:    common.NewKeyedMutex(),
		params:   params,
		maxQuote: maxQuoteAge,
		custody:  strings.TrimSpace(custody),
		sink:     audit.NoopSink{},
		emitter:  events.NoopEmitter{},
		nowFn:    time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPool wires the pool accounting engine used for disbursement and
// repayment settlement.
func (e *Engine) SetPool(p *pool.Engine) { e.pool = p }

// SetRegistry wires the collateral registry client.
func (e *Engine) SetRegistry(r collateral.Registry) { e.registry = r }

// SetOracle wires the commodity price oracle.
func (e *Engine) SetOracle(o oracle.PriceOracle) { e.oracle = o }

// SetLedger wires the settlement ledger used for repayment transfers.
func (e *Engine) SetLedger(c ledger.Client) { e.ledger = c }

// SetTreasury wires the protocol fee collector.
func (e *Engine) SetTreasury(t treasury.Collector) { e.treasury = t }

// SetBorrowerView wires the borrower role registry. A nil view admits every
// caller.
func (e *Engine) SetBorrowerView(v BorrowerView) { e.borrowers = v }

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

// SetNowFunc overrides the time source. Primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Params returns the loan parameters applied to new loans.
func (e *Engine) Params() config.LoanParams { return e.params }

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
	if e.pool == nil || e.registry == nil || e.oracle == nil || e.ledger == nil {
		return ErrNilCollaborator
	}
	return nil
}

// SubmitApplication values the collateral and persists a new loan awaiting
// the borrower's acceptance. The collateral value is the conservative
// minimum of the declared valuation and the oracle market value; the approved
// amount is the requested amount, never the loan-to-value ceiling.
func (e *Engine) SubmitApplication(ctx context.Context, borrower, collateralTokenID string, amountRequested *big.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	borrower = strings.TrimSpace(borrower)
	collateralTokenID = strings.TrimSpace(collateralTokenID)
	if borrower == "" || collateralTokenID == "" {
		return nil, ErrInvalidAmount
	}
	if amountRequested == nil || amountRequested.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if e.borrowers != nil && !e.borrowers.IsBorrower(borrower) {
		return nil, ErrBorrowerRole
	}

	token, err := e.registry.Get(ctx, collateralTokenID)
	if err != nil {
		return nil, err
	}
	if token.Owner != borrower {
		return nil, ErrNotOwner
	}
	locked, err := e.registry.IsLocked(ctx, collateralTokenID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrCollateralLocked
	}

	declared, ok := token.DeclaredValuation()
	if !ok || declared.Sign() <= 0 {
		return nil, ErrMissingMetadata
	}
	commodity, ok := token.Commodity()
	if !ok {
		return nil, ErrMissingMetadata
	}
	quantity, ok := token.Quantity()
	if !ok || quantity.Sign() <= 0 {
		return nil, ErrMissingMetadata
	}

	now := e.now()
	quote, err := e.oracle.GetPrice(ctx, commodity)
	if err != nil {
		return nil, fmt.Errorf("loan engine: price lookup: %w", err)
	}
	if quote.Stale(e.maxQuote, now) {
		return nil, ErrStaleQuote
	}

	market := quote.Value(quantity)
	collateralValue := declared
	if market.Cmp(declared) < 0 {
		collateralValue = market
	}

	approvable := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(e.params.LoanToValueBps))
	approvable.Quo(approvable, basisPoints)
	if amountRequested.Cmp(approvable) > 0 {
		return nil, ErrExceedsApprovable
	}
	// The borrower is disbursed what they asked for; the ceiling only caps.
	approved := new(big.Int).Set(amountRequested)

	id, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	l := &Loan{
		ID:                id,
		Borrower:          borrower,
		CollateralTokenID: collateralTokenID,
		CollateralValue:   new(big.Int).Set(collateralValue),
		AmountRequested:   new(big.Int).Set(amountRequested),
		AmountApproved:    approved,
		AprBps:            e.params.DefaultAprBps,
		Status:            StatusPendingApproval,
		CreatedAt:         now.Unix(),
		TotalRepaid:       big.NewInt(0),
	}
	if err := e.state.PutLoan(l); err != nil {
		return nil, err
	}

	e.sink.Record(borrower, "loan.submit", fmt.Sprintf("loan %d approved for %s (limit %s) against %s", id, approved, approvable, collateralTokenID), true)
	e.emitter.Emit(events.LoanSubmitted{LoanID: id, Borrower: borrower, AmountApproved: new(big.Int).Set(approved)})
	return l.Clone(), nil
}

// AcceptOffer escrows the collateral and disburses the approved amount. The
// collateral lock and the disbursement live in two independent subsystems, so
// a disbursement failure triggers the compensating unlock and the status
// rolls back to PendingApproval.
func (e *Engine) AcceptOffer(ctx context.Context, borrower string, loanID uint64) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return "", err
	}

	unlock := e.loans.Lock(loanKey(loanID))
	defer unlock()

	l, err := e.loadLoan(loanID)
	if err != nil {
		return "", err
	}
	if l.Borrower != strings.TrimSpace(borrower) {
		return "", ErrNotBorrower
	}
	if l.Status != StatusPendingApproval {
		return "", ErrInvalidStatus
	}

	if err := e.registry.Lock(ctx, l.CollateralTokenID, l.ID); err != nil {
		e.sink.Record(borrower, "loan.accept", fmt.Sprintf("collateral lock failed for loan %d: %v", l.ID, err), false)
		return "", err
	}

	now := e.now()
	l.Status = StatusApproved
	l.DueDate = now.Add(e.params.MaxDuration()).Unix()
	if err := e.state.PutLoan(l); err != nil {
		return "", err
	}

	receipt, err := e.pool.Disburse(ctx, CallerID, l.ID, l.Borrower, l.AmountApproved)
	if err != nil {
		// Compensate: release the escrow and revert the offer so the
		// borrower can retry once the pool recovers.
		if unlockErr := e.registry.Unlock(ctx, l.CollateralTokenID); unlockErr != nil {
			e.sink.Record(borrower, "loan.accept", fmt.Sprintf("compensating unlock failed for loan %d: %v", l.ID, unlockErr), false)
		}
		l.Status = StatusPendingApproval
		l.DueDate = 0
		if putErr := e.state.PutLoan(l); putErr != nil {
			return "", putErr
		}
		e.sink.Record(borrower, "loan.accept", fmt.Sprintf("disbursement failed for loan %d: %v", l.ID, err), false)
		return "", err
	}

	l.Status = StatusActive
	if err := e.state.PutLoan(l); err != nil {
		return "", err
	}

	e.sink.Record(borrower, "loan.accept", fmt.Sprintf("loan %d activated, disbursed %s (settlement %s)", l.ID, l.AmountApproved, receipt.Ref), true)
	e.emitter.Emit(events.LoanActivated{LoanID: l.ID, Borrower: l.Borrower, Amount: cloneBigInt(l.AmountApproved), Ref: receipt.Ref})
	return fmt.Sprintf("loan %d activated: %s disbursed (ref %s)", l.ID, l.AmountApproved, receipt.Ref), nil
}

// Repay settles one repayment instalment. The payment is allocated penalty ->
// interest -> principal, capped at remaining debt; the settlement transfer is
// the commit point for all local mutations that follow.
func (e *Engine) Repay(ctx context.Context, borrower string, loanID uint64, amount *big.Int) (*RepaymentResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := e.loans.Lock(loanKey(loanID))
	defer unlock()

	l, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if l.Borrower != strings.TrimSpace(borrower) {
		return nil, ErrNotBorrower
	}
	if l.Status != StatusActive {
		return nil, ErrInvalidStatus
	}

	now := e.now()
	outPenalty, outInterest, outPrincipal := Outstanding(l, now.Unix(), e.params)
	remaining := new(big.Int).Add(outPenalty, outInterest)
	remaining.Add(remaining, outPrincipal)
	if remaining.Sign() <= 0 {
		return nil, ErrNoOutstandingDebt
	}

	breakdown, err := AllocatePayment(outPenalty, outInterest, outPrincipal, amount, e.params.ProtocolFeeBps, e.params.OverpayToleranceAmount())
	if err != nil {
		return nil, err
	}

	memo := fmt.Sprintf("repay:%d:%d", l.ID, now.UnixNano())
	ref, err := e.ledger.Transfer(ctx, l.Borrower, e.custody, breakdown.Total, memo, now)
	if err != nil {
		e.sink.Record(borrower, "loan.repay", fmt.Sprintf("settlement failed for loan %d: %v", l.ID, err), false)
		return nil, err
	}

	l.TotalRepaid = new(big.Int).Add(ensureBig(l.TotalRepaid), breakdown.Total)
	l.Repayments = append(l.Repayments, Payment{
		Amount:    cloneBigInt(breakdown.Total),
		Timestamp: now.Unix(),
		Type:      classifyPayment(breakdown),
		Ref:       ref.ID,
	})
	l.LastPaymentAt = now.Unix()

	newRemaining := new(big.Int).Sub(remaining, breakdown.Total)
	settled := newRemaining.Sign() <= 0
	if settled {
		l.Status = StatusRepaid
	}
	if err := e.state.PutLoan(l); err != nil {
		return nil, err
	}
	if err := e.state.AppendRepayment(&RepaymentRecord{
		LoanID:    l.ID,
		Actor:     borrower,
		Amount:    cloneBigInt(breakdown.Total),
		Penalty:   cloneBigInt(breakdown.Penalty),
		Interest:  cloneBigInt(breakdown.Interest),
		Principal: cloneBigInt(breakdown.Principal),
		Fee:       cloneBigInt(breakdown.ProtocolFee),
		Ref:       ref.ID,
		Block:     ref.Block,
		Timestamp: now.Unix(),
	}); err != nil {
		return nil, err
	}
	if err := e.pool.RecordRepayment(ctx, l.ID, breakdown.Total, breakdown.Principal); err != nil {
		return nil, err
	}

	// Fee forwarding is advisory: a treasury outage never reverses a settled
	// repayment. The failed amount is audited for replay.
	if e.treasury != nil && breakdown.ProtocolFee.Sign() > 0 {
		if feeErr := e.treasury.CollectFee(ctx, l.ID, breakdown.ProtocolFee, treasury.FeeProtocolInterest); feeErr != nil {
			e.sink.Record(borrower, "loan.repay.fee", fmt.Sprintf("fee forward of %s failed for loan %d: %v", breakdown.ProtocolFee, l.ID, feeErr), false)
		}
	}

	if settled {
		// Release failure leaves the loan Repaid; the escrow is retried
		// administratively.
		if relErr := e.registry.Unlock(ctx, l.CollateralTokenID); relErr != nil {
			e.sink.Record(borrower, "loan.repay.release", fmt.Sprintf("collateral release failed for loan %d: %v", l.ID, relErr), false)
		}
		e.emitter.Emit(events.LoanRepaid{LoanID: l.ID, Borrower: l.Borrower})
	}

	e.sink.Record(borrower, "loan.repay", fmt.Sprintf("loan %d payment %s (penalty %s interest %s principal %s, settlement %s)",
		l.ID, breakdown.Total, breakdown.Penalty, breakdown.Interest, breakdown.Principal, ref.ID), true)
	e.emitter.Emit(events.LoanPayment{
		LoanID:    l.ID,
		Borrower:  l.Borrower,
		Amount:    cloneBigInt(breakdown.Total),
		Interest:  cloneBigInt(breakdown.Interest),
		Principal: cloneBigInt(breakdown.Principal),
		Penalty:   cloneBigInt(breakdown.Penalty),
		Ref:       ref.ID,
	})

	if newRemaining.Sign() < 0 {
		newRemaining = big.NewInt(0)
	}
	status := l.Status
	message := fmt.Sprintf("payment of %s settled (ref %s), remaining debt %s", breakdown.Total, ref.ID, newRemaining)
	if settled {
		message = fmt.Sprintf("loan %d fully repaid (ref %s)", l.ID, ref.ID)
	}
	return &RepaymentResult{
		Breakdown:     breakdown,
		Ref:           ref.ID,
		Message:       message,
		Status:        status,
		RemainingDebt: newRemaining,
	}, nil
}

// Get returns a snapshot of one loan.
func (e *Engine) Get(loanID uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// ByBorrower returns snapshots of a borrower's loans.
func (e *Engine) ByBorrower(addr string) ([]*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	loans, err := e.state.LoansByBorrower(strings.TrimSpace(addr))
	if err != nil {
		return nil, err
	}
	out := make([]*Loan, 0, len(loans))
	for _, l := range loans {
		out = append(out, l.Clone())
	}
	return out, nil
}

// Forecast projects a loan's debt components at the supplied time. Borrowers
// use it to plan repayments; it performs no external calls.
func (e *Engine) Forecast(loanID uint64, at time.Time) (*Forecast, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	l, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	penalty, interest, principal := Outstanding(l, at.Unix(), e.params)
	total := new(big.Int).Add(penalty, interest)
	total.Add(total, principal)
	return &Forecast{
		At:            at.Unix(),
		Penalty:       penalty,
		Interest:      interest,
		Principal:     principal,
		RemainingDebt: total,
	}, nil
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	l, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	l.TotalRepaid = ensureBig(l.TotalRepaid)
	l.AmountApproved = ensureBig(l.AmountApproved)
	l.AmountRequested = ensureBig(l.AmountRequested)
	l.CollateralValue = ensureBig(l.CollateralValue)
	return l, nil
}

func classifyPayment(b Breakdown) PaymentType {
	hasPrincipal := b.Principal.Sign() > 0
	hasYield := b.Interest.Sign() > 0 || b.Penalty.Sign() > 0
	switch {
	case hasPrincipal && hasYield:
		return PaymentMixed
	case hasPrincipal:
		return PaymentPrincipal
	default:
		return PaymentInterest
	}
}

func loanKey(id uint64) string {
	return fmt.Sprintf("loan/%d", id)
}
