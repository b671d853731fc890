package liquidation

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"agrilend/attest"
	"agrilend/collateral"
	"agrilend/config"
	"agrilend/ledger"
	"agrilend/native/loan"
	"agrilend/native/pool"
	"agrilend/treasury"
)

const (
	accrualYear  = 31_557_600
	graceSeconds = 30 * 86_400
)

type mockState struct {
	loans   map[uint64]*loan.Loan
	records []*Record
}

func newMockState() *mockState {
	return &mockState{loans: make(map[uint64]*loan.Loan)}
}

func (m *mockState) GetLoan(id uint64) (*loan.Loan, error) { return m.loans[id], nil }
func (m *mockState) PutLoan(l *loan.Loan) error {
	m.loans[l.ID] = l
	return nil
}
func (m *mockState) ActiveLoanIDs() ([]uint64, error) {
	var ids []uint64
	for id, l := range m.loans {
		if l.Status == loan.StatusActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
func (m *mockState) AppendLiquidation(r *Record) error {
	m.records = append(m.records, r)
	return nil
}
func (m *mockState) Liquidations(limit int) ([]*Record, error) {
	out := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

type poolMockState struct {
	pool *pool.LiquidityPool
}

func (m *poolMockState) GetPool() (*pool.LiquidityPool, error) { return m.pool, nil }
func (m *poolMockState) PutPool(p *pool.LiquidityPool) error {
	m.pool = p
	return nil
}
func (m *poolMockState) GetInvestor(string) (*pool.InvestorBalance, error)        { return nil, nil }
func (m *poolMockState) PutInvestor(*pool.InvestorBalance) error                  { return nil }
func (m *poolMockState) GetProcessedTransaction(string) (*pool.ProcessedTransaction, error) {
	return nil, nil
}
func (m *poolMockState) PutProcessedTransaction(*pool.ProcessedTransaction) error { return nil }
func (m *poolMockState) AppendDisbursement(*pool.DisbursementRecord) error        { return nil }

type fixture struct {
	engine    *Engine
	state     *mockState
	poolState *poolMockState
	registry  *collateral.MemRegistry
	fees      *treasury.MemCollector
	signer    *attest.Secp256k1Signer
	params    config.Params
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	params := config.Default()

	poolState := &poolMockState{}
	poolEngine := pool.NewEngine("custody", "operator", params.Pool)
	poolEngine.SetState(poolState)
	poolEngine.SetLedger(ledger.NewMemLedger())

	signer, err := attest.GenerateSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}

	state := newMockState()
	registry := collateral.NewMemRegistry()
	fees := treasury.NewMemCollector()

	engine := NewEngine(params.Loan, params.Liquidation)
	engine.SetState(state)
	engine.SetPool(poolEngine)
	engine.SetRegistry(registry)
	engine.SetTreasury(fees)
	engine.SetSigner(signer)
	engine.AuthorizeAdmin("ops-admin")

	f := &fixture{
		engine:    engine,
		state:     state,
		poolState: poolState,
		registry:  registry,
		fees:      fees,
		signer:    signer,
		params:    params,
		now:       time.Unix(1_700_000_000, 0),
	}
	engine.SetNowFunc(func() time.Time { return f.now })
	return f
}

// seedOverdueLoan installs an active loan due at the fixture's base time with
// locked collateral, then advances the clock the given number of days.
func (f *fixture) seedOverdueLoan(t *testing.T, id uint64, tokenID string, daysPastDue int64) *loan.Loan {
	t.Helper()
	due := f.now.Unix()
	l := &loan.Loan{
		ID:                id,
		Borrower:          "bob",
		CollateralTokenID: tokenID,
		CollateralValue:   big.NewInt(20_000_000),
		AmountRequested:   big.NewInt(10_000_000),
		AmountApproved:    big.NewInt(10_000_000),
		AprBps:            1_000,
		Status:            loan.StatusActive,
		CreatedAt:         due - accrualYear,
		DueDate:           due,
		TotalRepaid:       big.NewInt(0),
	}
	f.state.loans[id] = l
	f.registry.Register(&collateral.Token{ID: tokenID, Owner: "bob"})
	if err := f.registry.Lock(context.Background(), tokenID, id); err != nil {
		t.Fatalf("lock collateral: %v", err)
	}
	if f.poolState.pool == nil {
		f.poolState.pool = &pool.LiquidityPool{
			TotalLiquidity:     big.NewInt(20_000_000),
			AvailableLiquidity: big.NewInt(10_000_000),
			TotalBorrowed:      big.NewInt(0),
			TotalRepaid:        big.NewInt(0),
			TotalLossRecorded:  big.NewInt(0),
			TotalInvestors:     1,
		}
	}
	f.poolState.pool.TotalBorrowed.Add(f.poolState.pool.TotalBorrowed, l.AmountApproved)
	if daysPastDue > 0 {
		f.now = time.Unix(due+daysPastDue*86_400, 0)
	}
	return l
}

func TestCheckEligibilityGraceWindow(t *testing.T) {
	f := newFixture(t)
	f.seedOverdueLoan(t, 1, "WR-1", 0)

	// At the grace deadline exactly the loan is still protected.
	f.now = time.Unix(f.now.Unix()+graceSeconds, 0)
	elig, err := f.engine.CheckEligibility(1)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if elig.Eligible {
		t.Fatalf("loan eligible inside the grace window")
	}

	// One second past the deadline it becomes liquidatable.
	f.now = f.now.Add(time.Second)
	elig, err = f.engine.CheckEligibility(1)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !elig.Eligible {
		t.Fatalf("loan not eligible past grace window: %s", elig.Reason)
	}
	if elig.DaysOverdue != 30 {
		t.Fatalf("days overdue = %d, want 30", elig.DaysOverdue)
	}
	if elig.HealthRatio == nil {
		t.Fatalf("health ratio missing")
	}
}

func TestCheckEligibilityRequiresActiveLoan(t *testing.T) {
	f := newFixture(t)
	l := f.seedOverdueLoan(t, 1, "WR-1", 31)
	l.Status = loan.StatusRepaid
	elig, err := f.engine.CheckEligibility(1)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if elig.Eligible {
		t.Fatalf("settled loan reported eligible")
	}
}

func TestLiquidateUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.seedOverdueLoan(t, 1, "WR-1", 31)
	if _, err := f.engine.Liquidate(context.Background(), "mallory", 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLiquidateInsideGraceWindow(t *testing.T) {
	f := newFixture(t)
	f.seedOverdueLoan(t, 1, "WR-1", 10)
	if _, err := f.engine.Liquidate(context.Background(), "ops-admin", 1); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestLiquidateSettlesLoan(t *testing.T) {
	f := newFixture(t)
	f.seedOverdueLoan(t, 1, "WR-1", 31)

	record, err := f.engine.Liquidate(context.Background(), "ops-admin", 1)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// One accrual year of interest (1M) plus one whole penalty month (200k)
	// on the 10M principal.
	if record.RemainingDebt.Cmp(big.NewInt(11_200_000)) != 0 {
		t.Fatalf("remaining debt = %s, want 11200000", record.RemainingDebt)
	}
	if record.PrincipalLoss.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("principal loss = %s, want 10000000", record.PrincipalLoss)
	}
	// 1% processing fee on remaining debt.
	if record.ProcessingFee.Cmp(big.NewInt(112_000)) != 0 {
		t.Fatalf("processing fee = %s, want 112000", record.ProcessingFee)
	}
	if got := f.fees.Total(treasury.FeeLiquidationProcessing); got.Cmp(big.NewInt(112_000)) != 0 {
		t.Fatalf("collected fee = %s, want 112000", got)
	}

	if f.state.loans[1].Status != loan.StatusDefaulted {
		t.Fatalf("loan status = %s, want defaulted", f.state.loans[1].Status)
	}
	token, err := f.registry.Get(context.Background(), "WR-1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token.Owner != f.params.Liquidation.CustodyPrincipal {
		t.Fatalf("token owner = %s, want %s", token.Owner, f.params.Liquidation.CustodyPrincipal)
	}

	p := f.poolState.pool
	if p.TotalBorrowed.Sign() != 0 {
		t.Fatalf("pool borrowed = %s, want 0", p.TotalBorrowed)
	}
	if p.TotalLossRecorded.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("pool loss = %s, want 10000000", p.TotalLossRecorded)
	}
	if p.TotalLiquidity.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("pool total = %s, want unchanged 20000000", p.TotalLiquidity)
	}

	sig, err := hex.DecodeString(record.Attestation)
	if err != nil {
		t.Fatalf("decode attestation: %v", err)
	}
	digest := attest.LiquidationDigest(1, "WR-1", record.RemainingDebt, record.CollateralValue, f.now, "ops-admin")
	if !attest.Verify(digest, sig, f.signer.PublicKeyBytes()) {
		t.Fatalf("attestation does not verify")
	}

	if len(f.state.records) != 1 {
		t.Fatalf("record count = %d, want 1", len(f.state.records))
	}
}

func TestLiquidateSeizeFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seedOverdueLoan(t, 1, "WR-1", 31)
	f.registry.FailNextSeize(errors.New("custodian outage"))

	if _, err := f.engine.Liquidate(context.Background(), "ops-admin", 1); err == nil {
		t.Fatalf("expected seizure failure")
	}
	if f.state.loans[1].Status != loan.StatusActive {
		t.Fatalf("status after rollback = %s, want active", f.state.loans[1].Status)
	}
	if len(f.state.records) != 0 {
		t.Fatalf("record written despite rollback")
	}
	if f.poolState.pool.TotalLossRecorded.Sign() != 0 {
		t.Fatalf("loss recorded despite rollback: %s", f.poolState.pool.TotalLossRecorded)
	}

	// The loan settles once the custodian recovers.
	if _, err := f.engine.Liquidate(context.Background(), "ops-admin", 1); err != nil {
		t.Fatalf("retry liquidate: %v", err)
	}
}

func TestLiquidateFeeFailureNonFatal(t *testing.T) {
	f := newFixture(t)
	f.seedOverdueLoan(t, 1, "WR-1", 31)
	f.fees.FailNext(errors.New("treasury outage"))

	record, err := f.engine.Liquidate(context.Background(), "ops-admin", 1)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if record.ProcessingFee.Sign() != 0 {
		t.Fatalf("fee recorded despite outage: %s", record.ProcessingFee)
	}
	if f.state.loans[1].Status != loan.StatusDefaulted {
		t.Fatalf("default reversed by fee failure")
	}
}

func TestLiquidateFeeFailureFatal(t *testing.T) {
	f := newFixture(t)
	params := f.params.Liquidation
	params.FeeFailureFatal = true
	f.engine = NewEngine(f.params.Loan, params)
	f.engine.SetState(f.state)
	poolEngine := pool.NewEngine("custody", "operator", f.params.Pool)
	poolEngine.SetState(f.poolState)
	poolEngine.SetLedger(ledger.NewMemLedger())
	f.engine.SetPool(poolEngine)
	f.engine.SetRegistry(f.registry)
	f.engine.SetTreasury(f.fees)
	f.engine.AuthorizeAdmin("ops-admin")
	f.engine.SetNowFunc(func() time.Time { return f.now })

	f.seedOverdueLoan(t, 1, "WR-1", 31)
	f.fees.FailNext(errors.New("treasury outage"))

	if _, err := f.engine.Liquidate(context.Background(), "ops-admin", 1); !errors.Is(err, ErrFeeCollection) {
		t.Fatalf("expected ErrFeeCollection, got %v", err)
	}
	// The default stands and the settlement trail must exist even when the
	// fee failure is surfaced as an error.
	if f.state.loans[1].Status != loan.StatusDefaulted {
		t.Fatalf("loan status = %s, want defaulted", f.state.loans[1].Status)
	}
	if len(f.state.records) != 1 {
		t.Fatalf("record count = %d, want 1", len(f.state.records))
	}
	if f.state.records[0].ProcessingFee.Sign() != 0 {
		t.Fatalf("fee recorded despite collection failure: %s", f.state.records[0].ProcessingFee)
	}
}

func TestLiquidateEligibleHonorsBatchCap(t *testing.T) {
	f := newFixture(t)
	params := f.params.Liquidation
	params.BatchCap = 1
	f.engine = NewEngine(f.params.Loan, params)
	f.engine.SetState(f.state)
	poolEngine := pool.NewEngine("custody", "operator", f.params.Pool)
	poolEngine.SetState(f.poolState)
	poolEngine.SetLedger(ledger.NewMemLedger())
	f.engine.SetPool(poolEngine)
	f.engine.SetRegistry(f.registry)
	f.engine.SetTreasury(f.fees)
	f.engine.AuthorizeAdmin("ops-admin")
	f.engine.SetNowFunc(func() time.Time { return f.now })

	f.seedOverdueLoan(t, 1, "WR-1", 0)
	f.seedOverdueLoan(t, 2, "WR-2", 31)

	outcomes, err := f.engine.LiquidateEligible(context.Background(), "ops-admin")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	settled := 0
	for _, o := range outcomes {
		if o.Liquidated {
			settled++
		}
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want batch cap 1", settled)
	}
	defaulted := 0
	for _, l := range f.state.loans {
		if l.Status == loan.StatusDefaulted {
			defaulted++
		}
	}
	if defaulted != 1 {
		t.Fatalf("defaulted loans = %d, want 1", defaulted)
	}
}

func TestLiquidateEligibleSkipsCurrentLoans(t *testing.T) {
	f := newFixture(t)
	f.seedOverdueLoan(t, 1, "WR-1", 31)
	// Loan 2 is active but not yet due at the advanced clock.
	current := &loan.Loan{
		ID:                2,
		Borrower:          "carol",
		CollateralTokenID: "WR-2",
		CollateralValue:   big.NewInt(20_000_000),
		AmountApproved:    big.NewInt(10_000_000),
		AprBps:            1_000,
		Status:            loan.StatusActive,
		CreatedAt:         f.now.Unix(),
		DueDate:           f.now.Unix() + accrualYear,
		TotalRepaid:       big.NewInt(0),
	}
	f.state.loans[2] = current
	f.registry.Register(&collateral.Token{ID: "WR-2", Owner: "carol"})

	outcomes, err := f.engine.LiquidateEligible(context.Background(), "ops-admin")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Liquidated || outcomes[0].LoanID != 1 {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if f.state.loans[2].Status != loan.StatusActive {
		t.Fatalf("current loan touched by sweep")
	}
}

func TestRecentReturnsMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	f.state.records = []*Record{
		{LoanID: 1, Timestamp: 100},
		{LoanID: 2, Timestamp: 200},
		{LoanID: 3, Timestamp: 300},
	}
	records, err := f.engine.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 || records[0].LoanID != 3 || records[1].LoanID != 2 {
		t.Fatalf("unexpected order: %+v", records)
	}
}
