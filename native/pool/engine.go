package pool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"agrilend/audit"
	"agrilend/config"
	"agrilend/core/events"
	"agrilend/ledger"
	"agrilend/native/common"
)

var (
	// ErrNilState is returned before the engine is wired to persistence.
	ErrNilState = errors.New("pool engine: state not configured")
	// ErrNilLedger is returned before the engine is wired to the custodian.
	ErrNilLedger = errors.New("pool engine: ledger client not configured")
	// ErrInvalidAmount rejects nil, zero, or negative amounts.
	ErrInvalidAmount = errors.New("pool engine: amount must be positive")
	// ErrBelowMinimum rejects amounts under the configured floor.
	ErrBelowMinimum = errors.New("pool engine: amount below configured minimum")
	// ErrInvalidPrincipal rejects blank principal identifiers.
	ErrInvalidPrincipal = errors.New("pool engine: principal required")
	// ErrPoolPaused is returned while the pool is halted by an operator.
	ErrPoolPaused = errors.New("pool engine: pool is paused")
	// ErrInsufficientBalance rejects withdrawals above the investor's claim.
	ErrInsufficientBalance = errors.New("pool engine: insufficient investor balance")
	// ErrInsufficientLiquidity rejects operations exceeding available funds.
	ErrInsufficientLiquidity = errors.New("pool engine: insufficient available liquidity")
	// ErrReserveBreached rejects withdrawals that cut into the emergency
	// reserve.
	ErrReserveBreached = errors.New("pool engine: withdrawal breaches emergency reserve")
	// ErrConcentrationCap rejects disbursements above the single-loan cap.
	ErrConcentrationCap = errors.New("pool engine: disbursement exceeds concentration cap")
	// ErrUnauthorizedCaller rejects disbursement attempts from callers other
	// than the loan lifecycle engine.
	ErrUnauthorizedCaller = errors.New("pool engine: caller not authorized to disburse")
	// ErrTxProcessedByOther is the fraud guard: the external transaction was
	// already claimed by a different investor.
	ErrTxProcessedByOther = errors.New("pool engine: transaction already processed by another investor")
	// ErrInvariantViolation marks a defect: an operation would break a pool
	// invariant. The operation halts rather than clamping silently.
	ErrInvariantViolation = errors.New("pool engine: accounting invariant violation")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "pool"

type engineState interface {
	GetPool() (*LiquidityPool, error)
	PutPool(*LiquidityPool) error
	GetInvestor(addr string) (*InvestorBalance, error)
	PutInvestor(*InvestorBalance) error
	GetProcessedTransaction(txID string) (*ProcessedTransaction, error)
	PutProcessedTransaction(*ProcessedTransaction) error
	AppendDisbursement(*DisbursementRecord) error
}

// Engine owns the liquidity pool ledger and all per-investor balances. Every
// money-moving operation follows validate -> external call -> local mutation
// -> audit, so internal ledgers are never credited for a transfer that did
// not settle.
type Engine struct {
	mu        sync.Mutex
	investors *common.KeyedMutex

	state      engineState
	ledger     ledger.Client
	params     config.PoolParams
	custody    string
	operator   string
	sink       audit.Sink
	emitter    events.Emitter
	pauses     common.PauseView
	disbursers map[string]struct{}
	nowFn      func() time.Time
}

// NewEngine constructs a pool engine bound to the custody principal that
// holds pooled funds at the external ledger. The operator principal executes
// the approve-then-pull disbursement flow.
func NewEngine(custody, operator string, params config.PoolParams) *Engine {
	return &Engine{
		investors:  common.NewKeyedMutex(),
		params:     params,
		custody:    strings.TrimSpace(custody),
		operator:   strings.TrimSpace(operator),
		sink:       audit.NoopSink{},
		emitter:    events.NoopEmitter{},
		disbursers: make(map[string]struct{}),
		nowFn:      time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the engine to the value-transfer custodian.
func (e *Engine) SetLedger(client ledger.Client) { e.ledger = client }

// SetAuditSink configures the fire-and-forget audit sink. Passing nil resets
// to a no-op sink.
func (e *Engine) SetAuditSink(sink audit.Sink) {
	if sink == nil {
		e.sink = audit.NoopSink{}
		return
	}
	e.sink = sink
}

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetParams replaces the pool parameters. Admin surface.
func (e *Engine) SetParams(params config.PoolParams) {
	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
}

// Params returns the currently applied pool parameters.
func (e *Engine) Params() config.PoolParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// AuthorizeDisburser registers an internal caller identity allowed to invoke
// Disburse. Only the loan lifecycle engine is expected here.
func (e *Engine) AuthorizeDisburser(caller string) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return
	}
	e.disbursers[caller] = struct{}{}
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
	if e.ledger == nil {
		return ErrNilLedger
	}
	return nil
}

func (e *Engine) loadPool() (*LiquidityPool, error) {
	p, err := e.state.GetPool()
	if err != nil {
		return nil, err
	}
	if p == nil {
		now := e.now().Unix()
		p = &LiquidityPool{CreatedAt: now, UpdatedAt: now}
	}
	p.TotalLiquidity = ensureBig(p.TotalLiquidity)
	p.AvailableLiquidity = ensureBig(p.AvailableLiquidity)
	p.TotalBorrowed = ensureBig(p.TotalBorrowed)
	p.TotalRepaid = ensureBig(p.TotalRepaid)
	p.TotalLossRecorded = ensureBig(p.TotalLossRecorded)
	return p, nil
}

func (e *Engine) guard(p *LiquidityPool) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if p != nil && p.Paused {
		return ErrPoolPaused
	}
	return nil
}

func checkInvariants(p *LiquidityPool) error {
	if p.TotalLiquidity.Sign() < 0 || p.AvailableLiquidity.Sign() < 0 ||
		p.TotalBorrowed.Sign() < 0 || p.TotalRepaid.Sign() < 0 {
		return ErrInvariantViolation
	}
	if p.AvailableLiquidity.Cmp(p.TotalLiquidity) > 0 {
		return ErrInvariantViolation
	}
	return nil
}

// Deposit applies a confirmed investor deposit to the pool. The external
// transaction identifier is the idempotency key: a retry by the same investor
// succeeds without re-applying, while a submission by a different investor is
// rejected as fraud.
func (e *Engine) Deposit(ctx context.Context, investor string, amount *big.Int, externalTxID string) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	investor = strings.TrimSpace(investor)
	if investor == "" {
		return nil, ErrInvalidPrincipal
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(e.params.MinDepositAmount()) < 0 {
		return nil, ErrBelowMinimum
	}
	externalTxID = strings.TrimSpace(externalTxID)
	if externalTxID == "" {
		return nil, fmt.Errorf("pool engine: external transaction id required")
	}

	unlock := e.investors.Lock(investor)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if err := e.guard(p); err != nil {
		return nil, err
	}

	processed, err := e.state.GetProcessedTransaction(externalTxID)
	if err != nil {
		return nil, err
	}
	if processed != nil {
		if processed.Processor != investor {
			e.sink.Record(investor, "pool.deposit", fmt.Sprintf("tx %s claimed by another investor", externalTxID), false)
			return nil, ErrTxProcessedByOther
		}
		return &Receipt{
			Amount:           new(big.Int).Set(amount),
			Message:          fmt.Sprintf("transaction %s already processed", externalTxID),
			AlreadyProcessed: true,
		}, nil
	}

	now := e.now()
	memo := fmt.Sprintf("deposit:%s:%s", investor, externalTxID)
	ref, err := e.ledger.TransferWithAllowance(ctx, investor, e.operator, e.custody, amount, memo, now)
	if err != nil {
		e.sink.Record(investor, "pool.deposit", fmt.Sprintf("ledger transfer failed for tx %s: %v", externalTxID, err), false)
		return nil, err
	}

	balance, err := e.loadInvestor(investor)
	if err != nil {
		return nil, err
	}
	newInvestor := balance.FirstDepositAt == 0

	p.TotalLiquidity = new(big.Int).Add(p.TotalLiquidity, amount)
	p.AvailableLiquidity = new(big.Int).Add(p.AvailableLiquidity, amount)
	if newInvestor {
		p.TotalInvestors++
	}
	p.UpdatedAt = now.Unix()

	balance.Balance = new(big.Int).Add(balance.Balance, amount)
	balance.TotalDeposited = new(big.Int).Add(balance.TotalDeposited, amount)
	balance.Deposits = append(balance.Deposits, DepositRecord{
		Amount:    new(big.Int).Set(amount),
		Ref:       ref.ID,
		Block:     ref.Block,
		Timestamp: now.Unix(),
	})
	if balance.FirstDepositAt == 0 {
		balance.FirstDepositAt = now.Unix()
	}
	balance.LastActivityAt = now.Unix()

	if err := checkInvariants(p); err != nil {
		return nil, err
	}
	if err := e.state.PutProcessedTransaction(&ProcessedTransaction{TxID: externalTxID, Processor: investor, ProcessedAt: now.Unix()}); err != nil {
		return nil, err
	}
	if err := e.state.PutInvestor(balance); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(p); err != nil {
		return nil, err
	}

	e.sink.Record(investor, "pool.deposit", fmt.Sprintf("deposited %s (tx %s, settlement %s)", amount, externalTxID, ref.ID), true)
	e.emitter.Emit(events.PoolDeposit{Investor: investor, Amount: new(big.Int).Set(amount), TxID: externalTxID, Ref: ref.ID})

	return &Receipt{
		Ref:     ref.ID,
		Amount:  new(big.Int).Set(amount),
		Message: fmt.Sprintf("deposit of %s settled (ref %s)", amount, ref.ID),
	}, nil
}

// Withdraw releases part of an investor's claim back to them. The outbound
// transfer is attempted before any local mutation, so a ledger failure leaves
// state untouched.
func (e *Engine) Withdraw(ctx context.Context, investor string, amount *big.Int) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	investor = strings.TrimSpace(investor)
	if investor == "" {
		return nil, ErrInvalidPrincipal
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(e.params.MinWithdrawalAmount()) < 0 {
		return nil, ErrBelowMinimum
	}

	unlock := e.investors.Lock(investor)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if err := e.guard(p); err != nil {
		return nil, err
	}

	balance, err := e.loadInvestor(investor)
	if err != nil {
		return nil, err
	}
	if balance.Balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	if p.AvailableLiquidity.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	// The withdrawal removes the claim from both totals; the reserve check
	// applies to the post-withdrawal pool.
	newTotal := new(big.Int).Sub(p.TotalLiquidity, amount)
	newAvailable := new(big.Int).Sub(p.AvailableLiquidity, amount)
	reserve := new(big.Int).Mul(newTotal, new(big.Int).SetUint64(e.params.EmergencyReserveBps))
	reserve.Quo(reserve, basisPoints)
	if newAvailable.Cmp(reserve) < 0 {
		return nil, ErrReserveBreached
	}

	now := e.now()
	memo := fmt.Sprintf("withdraw:%s:%d", investor, now.UnixNano())
	ref, err := e.ledger.Transfer(ctx, e.custody, investor, amount, memo, now)
	if err != nil {
		e.sink.Record(investor, "pool.withdraw", fmt.Sprintf("ledger transfer failed: %v", err), false)
		return nil, err
	}

	p.TotalLiquidity = newTotal
	p.AvailableLiquidity = newAvailable
	p.UpdatedAt = now.Unix()

	balance.Balance = new(big.Int).Sub(balance.Balance, amount)
	balance.TotalWithdrawn = new(big.Int).Add(balance.TotalWithdrawn, amount)
	balance.Withdrawals = append(balance.Withdrawals, WithdrawalRecord{
		Amount:    new(big.Int).Set(amount),
		Ref:       ref.ID,
		Block:     ref.Block,
		Timestamp: now.Unix(),
	})
	balance.LastActivityAt = now.Unix()

	if err := checkInvariants(p); err != nil {
		return nil, err
	}
	if err := e.state.PutInvestor(balance); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(p); err != nil {
		return nil, err
	}

	e.sink.Record(investor, "pool.withdraw", fmt.Sprintf("withdrew %s (settlement %s)", amount, ref.ID), true)
	e.emitter.Emit(events.PoolWithdrawal{Investor: investor, Amount: new(big.Int).Set(amount), Ref: ref.ID})

	return &Receipt{
		Ref:     ref.ID,
		Amount:  new(big.Int).Set(amount),
		Message: fmt.Sprintf("withdrawal of %s settled (ref %s)", amount, ref.ID),
	}, nil
}

// Disburse moves pool funds to a borrower address on behalf of an approved
// loan. Restricted to registered internal callers; this is the single entry
// point that moves pooled funds to an external destination.
func (e *Engine) Disburse(ctx context.Context, caller string, loanID uint64, destination string, amount *big.Int) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, ok := e.disbursers[strings.TrimSpace(caller)]; !ok {
		return nil, ErrUnauthorizedCaller
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, ErrInvalidPrincipal
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(e.params.MinDisbursementAmount()) < 0 {
		return nil, ErrBelowMinimum
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if err := e.guard(p); err != nil {
		return nil, err
	}
	if p.AvailableLiquidity.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	// Single-loan concentration cap against total liquidity.
	capped := new(big.Int).Mul(p.TotalLiquidity, new(big.Int).SetUint64(e.params.ConcentrationCapBps))
	capped.Quo(capped, basisPoints)
	if amount.Cmp(capped) > 0 {
		return nil, ErrConcentrationCap
	}

	now := e.now()
	// Two-step settlement: approve the operator, then pull from custody to
	// the destination under that allowance. Either step failing leaves the
	// pool untouched; the caller rolls back its own dependent state.
	if _, err := e.ledger.Approve(ctx, e.custody, e.operator, amount, now.Add(10*time.Minute)); err != nil {
		e.sink.Record(caller, "pool.disburse", fmt.Sprintf("approve failed for loan %d: %v", loanID, err), false)
		return nil, err
	}
	memo := fmt.Sprintf("disburse:%d:%d", loanID, now.UnixNano())
	ref, err := e.ledger.TransferWithAllowance(ctx, e.custody, e.operator, destination, amount, memo, now)
	if err != nil {
		e.sink.Record(caller, "pool.disburse", fmt.Sprintf("transfer failed for loan %d: %v", loanID, err), false)
		return nil, err
	}

	p.AvailableLiquidity = new(big.Int).Sub(p.AvailableLiquidity, amount)
	p.TotalBorrowed = new(big.Int).Add(p.TotalBorrowed, amount)
	p.UpdatedAt = now.Unix()

	if err := checkInvariants(p); err != nil {
		return nil, err
	}
	record := &DisbursementRecord{
		LoanID:      loanID,
		Destination: destination,
		Amount:      new(big.Int).Set(amount),
		Ref:         ref.ID,
		Block:       ref.Block,
		Actor:       caller,
		Timestamp:   now.Unix(),
	}
	if err := e.state.AppendDisbursement(record); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(p); err != nil {
		return nil, err
	}

	e.sink.Record(caller, "pool.disburse", fmt.Sprintf("disbursed %s to %s for loan %d (settlement %s)", amount, destination, loanID, ref.ID), true)
	e.emitter.Emit(events.PoolDisbursement{LoanID: loanID, Destination: destination, Amount: new(big.Int).Set(amount), Ref: ref.ID})

	return &Receipt{
		Ref:     ref.ID,
		Amount:  new(big.Int).Set(amount),
		Message: fmt.Sprintf("disbursement of %s settled (ref %s)", amount, ref.ID),
	}, nil
}

// RecordRepayment credits a settled repayment back to the pool. The principal
// portion restores lent-out liquidity while the remainder (interest and
// penalty) accrues as new pool value. Idempotency is the caller's
// responsibility: the loan lifecycle invokes this once per settled payment.
func (e *Engine) RecordRepayment(_ context.Context, loanID uint64, amount, principalPortion *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	principal := cloneBigInt(principalPortion)
	if principal.Sign() < 0 || principal.Cmp(amount) > 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadPool()
	if err != nil {
		return err
	}

	yield := new(big.Int).Sub(amount, principal)
	p.AvailableLiquidity = new(big.Int).Add(p.AvailableLiquidity, amount)
	p.TotalLiquidity = new(big.Int).Add(p.TotalLiquidity, yield)
	p.TotalRepaid = new(big.Int).Add(p.TotalRepaid, amount)
	p.TotalBorrowed = new(big.Int).Sub(p.TotalBorrowed, principal)
	if p.TotalBorrowed.Sign() < 0 {
		p.TotalBorrowed = big.NewInt(0)
	}
	p.UpdatedAt = e.now().Unix()

	if err := checkInvariants(p); err != nil {
		return err
	}
	if err := e.state.PutPool(p); err != nil {
		return err
	}
	e.sink.Record("loan-lifecycle", "pool.record_repayment", fmt.Sprintf("loan %d repaid %s (principal %s)", loanID, amount, principal), true)
	return nil
}

// RecordLiquidationLoss writes defaulted principal off the pool's outstanding
// exposure. Investor balances are not cut here; the realized loss accumulator
// keeps the gap visible for reconciliation.
func (e *Engine) RecordLiquidationLoss(_ context.Context, loanID uint64, principalLoss, totalDebt *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if principalLoss == nil || principalLoss.Sign() < 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadPool()
	if err != nil {
		return err
	}

	p.TotalBorrowed = new(big.Int).Sub(p.TotalBorrowed, principalLoss)
	if p.TotalBorrowed.Sign() < 0 {
		p.TotalBorrowed = big.NewInt(0)
	}
	p.TotalLossRecorded = new(big.Int).Add(p.TotalLossRecorded, principalLoss)
	p.UpdatedAt = e.now().Unix()

	if err := e.state.PutPool(p); err != nil {
		return err
	}
	e.sink.Record("liquidation", "pool.record_loss", fmt.Sprintf("loan %d principal loss %s of debt %s", loanID, principalLoss, totalDebt), true)
	e.emitter.Emit(events.PoolLoss{LoanID: loanID, PrincipalLoss: cloneBigInt(principalLoss)})
	return nil
}

// Pause halts money-moving operations.
func (e *Engine) Pause(actor string) error {
	return e.setPaused(actor, true)
}

// Resume lifts an operator pause.
func (e *Engine) Resume(actor string) error {
	return e.setPaused(actor, false)
}

func (e *Engine) setPaused(actor string, paused bool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.loadPool()
	if err != nil {
		return err
	}
	p.Paused = paused
	p.UpdatedAt = e.now().Unix()
	if err := e.state.PutPool(p); err != nil {
		return err
	}
	if paused {
		e.sink.Record(actor, "pool.pause", "pool paused", true)
		e.emitter.Emit(events.PoolPaused{Actor: actor})
	} else {
		e.sink.Record(actor, "pool.resume", "pool resumed", true)
		e.emitter.Emit(events.PoolResumed{Actor: actor})
	}
	return nil
}

// Pool returns a snapshot of the pool record.
func (e *Engine) Pool() (*LiquidityPool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Investor returns a snapshot of one investor's balance and history.
func (e *Engine) Investor(addr string) (*InvestorBalance, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrInvalidPrincipal
	}
	unlock := e.investors.Lock(addr)
	defer unlock()
	balance, err := e.loadInvestor(addr)
	if err != nil {
		return nil, err
	}
	return balance.Clone(), nil
}

func (e *Engine) loadInvestor(addr string) (*InvestorBalance, error) {
	balance, err := e.state.GetInvestor(addr)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		balance = &InvestorBalance{Address: addr}
	}
	balance.Balance = ensureBig(balance.Balance)
	balance.TotalDeposited = ensureBig(balance.TotalDeposited)
	balance.TotalWithdrawn = ensureBig(balance.TotalWithdrawn)
	return balance, nil
}
