package loan

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"agrilend/collateral"
	"agrilend/config"
	"agrilend/ledger"
	"agrilend/native/pool"
	"agrilend/oracle"
	"agrilend/treasury"
)

type mockState struct {
	nextID     uint64
	loans      map[uint64]*Loan
	repayments []*RepaymentRecord
}

func newMockState() *mockState {
	return &mockState{loans: make(map[uint64]*Loan)}
}

func (m *mockState) NextLoanID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}
func (m *mockState) GetLoan(id uint64) (*Loan, error) { return m.loans[id], nil }
func (m *mockState) PutLoan(l *Loan) error {
	m.loans[l.ID] = l
	return nil
}
func (m *mockState) LoansByBorrower(addr string) ([]*Loan, error) {
	var out []*Loan
	for _, l := range m.loans {
		if l.Borrower == addr {
			out = append(out, l)
		}
	}
	return out, nil
}
func (m *mockState) AppendRepayment(rec *RepaymentRecord) error {
	m.repayments = append(m.repayments, rec)
	return nil
}

type poolMockState struct {
	pool      *pool.LiquidityPool
	investors map[string]*pool.InvestorBalance
	processed map[string]*pool.ProcessedTransaction
}

func newPoolMockState() *poolMockState {
	return &poolMockState{
		investors: make(map[string]*pool.InvestorBalance),
		processed: make(map[string]*pool.ProcessedTransaction),
	}
}

func (m *poolMockState) GetPool() (*pool.LiquidityPool, error) { return m.pool, nil }
func (m *poolMockState) PutPool(p *pool.LiquidityPool) error {
	m.pool = p
	return nil
}
func (m *poolMockState) GetInvestor(addr string) (*pool.InvestorBalance, error) {
	return m.investors[addr], nil
}
func (m *poolMockState) PutInvestor(b *pool.InvestorBalance) error {
	m.investors[b.Address] = b
	return nil
}
func (m *poolMockState) GetProcessedTransaction(txID string) (*pool.ProcessedTransaction, error) {
	return m.processed[txID], nil
}
func (m *poolMockState) PutProcessedTransaction(tx *pool.ProcessedTransaction) error {
	m.processed[tx.TxID] = tx
	return nil
}
func (m *poolMockState) AppendDisbursement(*pool.DisbursementRecord) error { return nil }

type fixture struct {
	engine     *Engine
	state      *mockState
	poolEngine *pool.Engine
	poolState  *poolMockState
	settlement *ledger.MemLedger
	registry   *collateral.MemRegistry
	prices     *oracle.Manual
	fees       *treasury.MemCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	params := config.Default()

	settlement := ledger.NewMemLedger()
	poolState := newPoolMockState()
	poolEngine := pool.NewEngine("custody", "operator", params.Pool)
	poolEngine.SetState(poolState)
	poolEngine.SetLedger(settlement)
	poolEngine.AuthorizeDisburser(CallerID)

	registry := collateral.NewMemRegistry()
	prices := oracle.NewManual()
	fees := treasury.NewMemCollector()

	state := newMockState()
	engine := NewEngine("custody", params.Loan, params.Oracle.MaxQuoteAge())
	engine.SetState(state)
	engine.SetPool(poolEngine)
	engine.SetRegistry(registry)
	engine.SetOracle(prices)
	engine.SetLedger(settlement)
	engine.SetTreasury(fees)

	return &fixture{
		engine:     engine,
		state:      state,
		poolEngine: poolEngine,
		poolState:  poolState,
		settlement: settlement,
		registry:   registry,
		prices:     prices,
		fees:       fees,
	}
}

// seedPool funds the pool with one investor deposit so disbursements can
// settle.
func (f *fixture) seedPool(t *testing.T, amount int64) {
	t.Helper()
	f.settlement.Credit("lp", big.NewInt(amount))
	if _, err := f.settlement.Approve(context.Background(), "lp", "operator", big.NewInt(amount), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("approve operator: %v", err)
	}
	if _, err := f.poolEngine.Deposit(context.Background(), "lp", big.NewInt(amount), "seed-tx"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
}

// registerToken adds a maize warehouse receipt owned by bob.
func (f *fixture) registerToken(declaredValuation, quantity int64) {
	f.registry.Register(&collateral.Token{
		ID:    "WR-1",
		Owner: "bob",
		Metadata: collateral.Metadata{
			collateral.KeyValuation: collateral.NumberValue(big.NewInt(declaredValuation)),
			collateral.KeyCommodity: collateral.TextValue("MAIZE"),
			collateral.KeyQuantity:  collateral.NumberValue(big.NewInt(quantity)),
			collateral.KeyGrade:     collateral.TextValue("A"),
		},
	})
}

func (f *fixture) quoteMaize(t *testing.T, price string) {
	t.Helper()
	if err := f.prices.SetDecimal("MAIZE", price, time.Now()); err != nil {
		t.Fatalf("set quote: %v", err)
	}
}

func TestSubmitApplicationValuesAtMinimum(t *testing.T) {
	f := newFixture(t)
	f.registerToken(100_000_000, 1_000)
	// Market value 1000 * 80000 = 80M, below the declared 100M.
	f.quoteMaize(t, "80000")

	l, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(40_000_000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if l.CollateralValue.Cmp(big.NewInt(80_000_000)) != 0 {
		t.Fatalf("collateral value = %s, want 80000000", l.CollateralValue)
	}
	// Approval matches the request, under the 48M limit (60% LTV of the
	// conservative valuation).
	if l.AmountApproved.Cmp(big.NewInt(40_000_000)) != 0 {
		t.Fatalf("approved = %s, want the requested 40000000", l.AmountApproved)
	}
	if l.Status != StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", l.Status)
	}
	if l.DueDate != 0 {
		t.Fatalf("due date set before activation: %d", l.DueDate)
	}
}

func TestSubmitApplicationNeverApprovesAboveRequest(t *testing.T) {
	f := newFixture(t)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "80000")

	// A request below the 48M limit is approved as asked, not topped up.
	l, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(30_000_000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if l.AmountApproved.Cmp(l.AmountRequested) != 0 {
		t.Fatalf("approved %s differs from requested %s", l.AmountApproved, l.AmountRequested)
	}
}

func TestSubmitApplicationApprovesExactlyTheLimit(t *testing.T) {
	f := newFixture(t)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "80000")

	l, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(48_000_000))
	if err != nil {
		t.Fatalf("submit at limit: %v", err)
	}
	if l.AmountApproved.Cmp(big.NewInt(48_000_000)) != 0 {
		t.Fatalf("approved = %s, want 48000000", l.AmountApproved)
	}
}

func TestSubmitApplicationRejectsAboveApprovable(t *testing.T) {
	f := newFixture(t)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "80000")
	if _, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(50_000_000)); !errors.Is(err, ErrExceedsApprovable) {
		t.Fatalf("expected ErrExceedsApprovable, got %v", err)
	}
}

func TestSubmitApplicationStaleQuote(t *testing.T) {
	f := newFixture(t)
	f.registerToken(100_000_000, 1_000)
	f.prices.Set("MAIZE", big.NewRat(80_000, 1), time.Now().Add(-time.Hour))
	if _, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(40_000_000)); !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("expected ErrStaleQuote, got %v", err)
	}
}

func TestSubmitApplicationRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "80000")
	if _, err := f.engine.SubmitApplication(context.Background(), "mallory", "WR-1", big.NewInt(10_000_000)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSubmitApplicationRejectsLockedCollateral(t *testing.T) {
	f := newFixture(t)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "80000")
	if err := f.registry.Lock(context.Background(), "WR-1", 99); err != nil {
		t.Fatalf("pre-lock: %v", err)
	}
	if _, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(10_000_000)); !errors.Is(err, ErrCollateralLocked) {
		t.Fatalf("expected ErrCollateralLocked, got %v", err)
	}
}

func TestAcceptOfferActivatesLoan(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 200_000_000)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "100000")

	l, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(50_000_000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.engine.AcceptOffer(context.Background(), "bob", l.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	stored := f.state.loans[l.ID]
	if stored.Status != StatusActive {
		t.Fatalf("status = %s, want active", stored.Status)
	}
	if stored.DueDate == 0 {
		t.Fatalf("due date not set")
	}
	locked, err := f.registry.IsLocked(context.Background(), "WR-1")
	if err != nil || !locked {
		t.Fatalf("collateral not locked: %v %v", locked, err)
	}
	// The disbursement is the requested 50M, not the 60M ceiling.
	if stored.AmountApproved.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("approved = %s, want requested 50000000", stored.AmountApproved)
	}
	if got := f.settlement.Balance("bob"); got.Cmp(stored.AmountApproved) != 0 {
		t.Fatalf("borrower balance = %s, want %s", got, stored.AmountApproved)
	}
	if f.poolState.pool.TotalBorrowed.Cmp(stored.AmountApproved) != 0 {
		t.Fatalf("pool borrowed = %s, want %s", f.poolState.pool.TotalBorrowed, stored.AmountApproved)
	}
}

func TestAcceptOfferRejectsOtherBorrower(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 200_000_000)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "100000")
	l, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(50_000_000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.engine.AcceptOffer(context.Background(), "mallory", l.ID); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("expected ErrNotBorrower, got %v", err)
	}
}

func TestAcceptOfferDisbursementFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 200_000_000)
	f.registerToken(100_000_000, 1_000)
	f.quoteMaize(t, "100000")
	l, err := f.engine.SubmitApplication(context.Background(), "bob", "WR-1", big.NewInt(50_000_000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.settlement.FailNext(ledger.CodeUnavailable, "custodian outage")
	if _, err := f.engine.AcceptOffer(context.Background(), "bob", l.ID); err == nil {
		t.Fatalf("expected disbursement failure")
	}

	stored := f.state.loans[l.ID]
	if stored.Status != StatusPendingApproval {
		t.Fatalf("status after rollback = %s, want pending_approval", stored.Status)
	}
	if stored.DueDate != 0 {
		t.Fatalf("due date left set after rollback: %d", stored.DueDate)
	}
	locked, err := f.registry.IsLocked(context.Background(), "WR-1")
	if err != nil || locked {
		t.Fatalf("collateral still locked after rollback: %v %v", locked, err)
	}

	// The offer can be accepted again once the custodian recovers.
	if _, err := f.engine.AcceptOffer(context.Background(), "bob", l.ID); err != nil {
		t.Fatalf("retry accept: %v", err)
	}
	if f.state.loans[l.ID].Status != StatusActive {
		t.Fatalf("retry did not activate")
	}
}

// seedActiveLoan installs an already-running loan one accrual year old so
// repayment math is deterministic.
func (f *fixture) seedActiveLoan(t *testing.T, principal int64) *Loan {
	t.Helper()
	now := time.Now().Unix()
	l := &Loan{
		ID:                1,
		Borrower:          "bob",
		CollateralTokenID: "WR-1",
		CollateralValue:   big.NewInt(2 * principal),
		AmountRequested:   big.NewInt(principal),
		AmountApproved:    big.NewInt(principal),
		AprBps:            1_000,
		Status:            StatusActive,
		CreatedAt:         now - secondsPerYear,
		DueDate:           now + secondsPerYear,
		TotalRepaid:       big.NewInt(0),
	}
	f.state.loans[1] = l
	f.state.nextID = 1
	f.poolState.pool = &pool.LiquidityPool{
		TotalLiquidity:     big.NewInt(2 * principal),
		AvailableLiquidity: big.NewInt(principal),
		TotalBorrowed:      big.NewInt(principal),
		TotalRepaid:        big.NewInt(0),
		TotalLossRecorded:  big.NewInt(0),
		TotalInvestors:     1,
	}
	f.registerToken(2*principal, 1_000)
	if err := f.registry.Lock(context.Background(), "WR-1", 1); err != nil {
		t.Fatalf("lock collateral: %v", err)
	}
	return l
}

func TestRepayAllocatesInterestThenPrincipal(t *testing.T) {
	f := newFixture(t)
	f.seedActiveLoan(t, 50_000_000)
	f.settlement.Credit("bob", big.NewInt(60_000_000))

	result, err := f.engine.Repay(context.Background(), "bob", 1, big.NewInt(20_000_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if result.Breakdown.Interest.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("interest portion = %s, want 5000000", result.Breakdown.Interest)
	}
	if result.Breakdown.Principal.Cmp(big.NewInt(15_000_000)) != 0 {
		t.Fatalf("principal portion = %s, want 15000000", result.Breakdown.Principal)
	}
	if result.RemainingDebt.Cmp(big.NewInt(35_000_000)) != 0 {
		t.Fatalf("remaining = %s, want 35000000", result.RemainingDebt)
	}
	if result.Status != StatusActive {
		t.Fatalf("status = %s, want active", result.Status)
	}

	if got := f.settlement.Balance("custody"); got.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("custody balance = %s, want 20000000", got)
	}
	p := f.poolState.pool
	if p.AvailableLiquidity.Cmp(big.NewInt(70_000_000)) != 0 {
		t.Fatalf("pool available = %s, want 70000000", p.AvailableLiquidity)
	}
	if p.TotalLiquidity.Cmp(big.NewInt(105_000_000)) != 0 {
		t.Fatalf("pool total = %s, want 105000000", p.TotalLiquidity)
	}
	if p.TotalBorrowed.Cmp(big.NewInt(35_000_000)) != 0 {
		t.Fatalf("pool borrowed = %s, want 35000000", p.TotalBorrowed)
	}
	// 10% of the 5M interest portion.
	if got := f.fees.Total(treasury.FeeProtocolInterest); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("protocol fee = %s, want 500000", got)
	}
	if len(f.state.repayments) != 1 {
		t.Fatalf("repayment record count = %d, want 1", len(f.state.repayments))
	}
}

func TestRepayFullSettlesAndReleasesCollateral(t *testing.T) {
	f := newFixture(t)
	f.seedActiveLoan(t, 50_000_000)
	f.settlement.Credit("bob", big.NewInt(60_000_000))

	result, err := f.engine.Repay(context.Background(), "bob", 1, big.NewInt(55_000_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if result.Status != StatusRepaid {
		t.Fatalf("status = %s, want repaid", result.Status)
	}
	if result.RemainingDebt.Sign() != 0 {
		t.Fatalf("remaining = %s, want 0", result.RemainingDebt)
	}
	locked, err := f.registry.IsLocked(context.Background(), "WR-1")
	if err != nil || locked {
		t.Fatalf("collateral still locked after full repayment: %v %v", locked, err)
	}
	if _, err := f.engine.Repay(context.Background(), "bob", 1, big.NewInt(1_000)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("repay on settled loan: %v", err)
	}
}

func TestRepayOverpaymentRejected(t *testing.T) {
	f := newFixture(t)
	f.seedActiveLoan(t, 50_000_000)
	f.settlement.Credit("bob", big.NewInt(100_000_000))
	if _, err := f.engine.Repay(context.Background(), "bob", 1, big.NewInt(60_000_000)); !errors.Is(err, ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
}

func TestRepayFeeFailureDoesNotRevertPayment(t *testing.T) {
	f := newFixture(t)
	f.seedActiveLoan(t, 50_000_000)
	f.settlement.Credit("bob", big.NewInt(60_000_000))
	f.fees.FailNext(errors.New("treasury outage"))

	result, err := f.engine.Repay(context.Background(), "bob", 1, big.NewInt(20_000_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if result.Breakdown.Total.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("applied = %s, want 20000000", result.Breakdown.Total)
	}
	if f.state.loans[1].TotalRepaid.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("total repaid = %s, want 20000000", f.state.loans[1].TotalRepaid)
	}
	if got := f.fees.Total(treasury.FeeProtocolInterest); got.Sign() != 0 {
		t.Fatalf("fee recorded despite outage: %s", got)
	}
}

func TestRepaySettlementFailureLeavesLoanUntouched(t *testing.T) {
	f := newFixture(t)
	f.seedActiveLoan(t, 50_000_000)
	f.settlement.Credit("bob", big.NewInt(60_000_000))
	f.settlement.FailNext(ledger.CodeUnavailable, "custodian outage")

	if _, err := f.engine.Repay(context.Background(), "bob", 1, big.NewInt(20_000_000)); err == nil {
		t.Fatalf("expected settlement failure")
	}
	if f.state.loans[1].TotalRepaid.Sign() != 0 {
		t.Fatalf("total repaid mutated: %s", f.state.loans[1].TotalRepaid)
	}
	if len(f.state.repayments) != 0 {
		t.Fatalf("repayment recorded despite failure")
	}
}

func TestForecastProjectsComponents(t *testing.T) {
	f := newFixture(t)
	l := f.seedActiveLoan(t, 50_000_000)

	fc, err := f.engine.Forecast(l.ID, time.Now())
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if fc.Interest.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("interest = %s, want 5000000", fc.Interest)
	}
	if fc.Principal.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("principal = %s, want 50000000", fc.Principal)
	}
	if fc.RemainingDebt.Cmp(big.NewInt(55_000_000)) != 0 {
		t.Fatalf("remaining = %s, want 55000000", fc.RemainingDebt)
	}
}
