package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agrilend/gateway/middleware"
	"agrilend/native/liquidation"
	"agrilend/native/loan"
	"agrilend/native/pool"
	"agrilend/observability/metrics"
)

const requestLimit = 1 << 20 // 1 MiB

// Handlers exposes the lending engines over HTTP. The authenticated subject
// is always the acting principal: investors act on their own balance,
// borrowers on their own loans.
type Handlers struct {
	Pool        *pool.Engine
	Loans       *loan.Engine
	Liquidation *liquidation.Engine
}

func (h *Handlers) mountInvestor(r chi.Router) {
	r.Post("/deposits", h.deposit)
	r.Post("/withdrawals", h.withdraw)
	r.Get("/balance", h.investorBalance)
}

func (h *Handlers) mountBorrower(r chi.Router) {
	r.Post("/applications", h.submitApplication)
	r.Post("/{loanID}/accept", h.acceptOffer)
	r.Post("/{loanID}/repayments", h.repay)
	r.Get("/", h.listLoans)
	r.Get("/{loanID}", h.getLoan)
	r.Get("/{loanID}/forecast", h.forecast)
}

func (h *Handlers) mountAdmin(r chi.Router) {
	r.Post("/pool/pause", h.pausePool)
	r.Post("/pool/resume", h.resumePool)
	r.Post("/liquidations/sweep", h.sweepLiquidations)
	r.Post("/liquidations/{loanID}", h.liquidate)
	r.Get("/liquidations", h.listLiquidations)
	r.Get("/liquidations/{loanID}/eligibility", h.eligibility)
}

// --- investor ---

type depositRequest struct {
	Amount string `json:"amount"`
	TxID   string `json:"tx_id"`
}

func (h *Handlers) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	receipt, err := h.Pool.Deposit(r.Context(), middleware.Subject(r.Context()), amount, req.TxID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !receipt.AlreadyProcessed {
		metrics.Lending().ObserveDeposit()
	}
	writeJSON(w, http.StatusOK, receiptView(receipt))
}

type withdrawRequest struct {
	Amount string `json:"amount"`
}

func (h *Handlers) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	receipt, err := h.Pool.Withdraw(r.Context(), middleware.Subject(r.Context()), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.Lending().ObserveWithdrawal()
	writeJSON(w, http.StatusOK, receiptView(receipt))
}

func (h *Handlers) investorBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Pool.Investor(middleware.Subject(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, investorView(balance))
}

func (h *Handlers) poolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Pool.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.Lending().SetPoolGauges(
		bigToFloat(stats.TotalLiquidity),
		bigToFloat(stats.AvailableLiquidity),
		stats.UtilizationBps,
		stats.HealthScore,
	)
	writeJSON(w, http.StatusOK, statsView(stats))
}

// --- borrower ---

type applicationRequest struct {
	CollateralTokenID string `json:"collateral_token_id"`
	AmountRequested   string `json:"amount_requested"`
}

func (h *Handlers) submitApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.AmountRequested)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	l, err := h.Loans.SubmitApplication(r.Context(), middleware.Subject(r.Context()), req.CollateralTokenID, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanView(l))
}

func (h *Handlers) acceptOffer(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	message, err := h.Loans.AcceptOffer(r.Context(), middleware.Subject(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.Lending().ObserveDisbursement()
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

type repayRequest struct {
	Amount string `json:"amount"`
}

func (h *Handlers) repay(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	result, err := h.Loans.Repay(r.Context(), middleware.Subject(r.Context()), id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.Lending().ObserveRepayment()
	writeJSON(w, http.StatusOK, repaymentView(result))
}

func (h *Handlers) listLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Loans.ByBorrower(middleware.Subject(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(loans))
	for _, l := range loans {
		views = append(views, loanView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": views})
}

func (h *Handlers) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	l, err := h.Loans.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if l.Borrower != middleware.Subject(r.Context()) {
		writeError(w, loan.ErrNotBorrower)
		return
	}
	writeJSON(w, http.StatusOK, loanView(l))
}

func (h *Handlers) forecast(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	l, err := h.Loans.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if l.Borrower != middleware.Subject(r.Context()) {
		writeError(w, loan.ErrNotBorrower)
		return
	}
	at := time.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		unix, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeBadRequest(w, fmt.Errorf("invalid at parameter: %w", parseErr))
			return
		}
		at = time.Unix(unix, 0)
	}
	fc, err := h.Loans.Forecast(id, at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":             fc.At,
		"penalty":        fc.Penalty.String(),
		"interest":       fc.Interest.String(),
		"principal":      fc.Principal.String(),
		"remaining_debt": fc.RemainingDebt.String(),
	})
}

// --- admin ---

func (h *Handlers) pausePool(w http.ResponseWriter, r *http.Request) {
	if err := h.Pool.Pause(middleware.Subject(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handlers) resumePool(w http.ResponseWriter, r *http.Request) {
	if err := h.Pool.Resume(middleware.Subject(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handlers) liquidate(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	record, err := h.Liquidation.Liquidate(r.Context(), middleware.Subject(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.Lending().ObserveLiquidation()
	writeJSON(w, http.StatusOK, liquidationView(record))
}

func (h *Handlers) sweepLiquidations(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.Liquidation.LiquidateEligible(r.Context(), middleware.Subject(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Liquidated {
			metrics.Lending().ObserveLiquidation()
		}
		views = append(views, map[string]any{
			"loan_id":    o.LoanID,
			"liquidated": o.Liquidated,
			"error":      o.Err,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": views})
}

func (h *Handlers) listLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			writeBadRequest(w, errors.New("invalid limit parameter"))
			return
		}
		limit = parsed
	}
	records, err := h.Liquidation.Recent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		views = append(views, liquidationView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": views})
}

func (h *Handlers) eligibility(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	elig, err := h.Liquidation.CheckEligibility(id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := map[string]any{
		"eligible":     elig.Eligible,
		"reason":       elig.Reason,
		"days_overdue": elig.DaysOverdue,
	}
	if elig.HealthRatio != nil {
		view["health_ratio"] = elig.HealthRatio.FloatString(4)
	}
	writeJSON(w, http.StatusOK, view)
}

// --- helpers ---

func decodeRequest(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func loanIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "loanID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid loan id %q", raw)
	}
	return id, nil
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func receiptView(receipt *pool.Receipt) map[string]any {
	return map[string]any{
		"ref":               receipt.Ref,
		"amount":            receipt.Amount.String(),
		"message":           receipt.Message,
		"already_processed": receipt.AlreadyProcessed,
	}
}

func investorView(b *pool.InvestorBalance) map[string]any {
	return map[string]any{
		"address":          b.Address,
		"balance":          b.Balance.String(),
		"total_deposited":  b.TotalDeposited.String(),
		"total_withdrawn":  b.TotalWithdrawn.String(),
		"deposits":         len(b.Deposits),
		"withdrawals":      len(b.Withdrawals),
		"first_deposit_at": b.FirstDepositAt,
		"last_activity_at": b.LastActivityAt,
	}
}

func statsView(s pool.Stats) map[string]any {
	return map[string]any{
		"total_liquidity":     s.TotalLiquidity.String(),
		"available_liquidity": s.AvailableLiquidity.String(),
		"total_borrowed":      s.TotalBorrowed.String(),
		"total_repaid":        s.TotalRepaid.String(),
		"total_loss_recorded": s.TotalLossRecorded.String(),
		"total_investors":     s.TotalInvestors,
		"paused":              s.Paused,
		"utilization_bps":     s.UtilizationBps,
		"apy_bps":             s.APYBps,
		"health_score":        s.HealthScore,
	}
}

func loanView(l *loan.Loan) map[string]any {
	return map[string]any{
		"id":                  l.ID,
		"borrower":            l.Borrower,
		"collateral_token_id": l.CollateralTokenID,
		"collateral_value":    l.CollateralValue.String(),
		"amount_requested":    l.AmountRequested.String(),
		"amount_approved":     l.AmountApproved.String(),
		"apr_bps":             l.AprBps,
		"status":              l.Status.String(),
		"created_at":          l.CreatedAt,
		"due_date":            l.DueDate,
		"total_repaid":        l.TotalRepaid.String(),
		"payments":            len(l.Repayments),
		"last_payment_at":     l.LastPaymentAt,
	}
}

func repaymentView(result *loan.RepaymentResult) map[string]any {
	return map[string]any{
		"ref":            result.Ref,
		"message":        result.Message,
		"status":         result.Status.String(),
		"remaining_debt": result.RemainingDebt.String(),
		"breakdown": map[string]string{
			"penalty":      result.Breakdown.Penalty.String(),
			"interest":     result.Breakdown.Interest.String(),
			"principal":    result.Breakdown.Principal.String(),
			"protocol_fee": result.Breakdown.ProtocolFee.String(),
			"total":        result.Breakdown.Total.String(),
		},
	}
}

func liquidationView(rec *liquidation.Record) map[string]any {
	return map[string]any{
		"loan_id":             rec.LoanID,
		"borrower":            rec.Borrower,
		"collateral_token_id": rec.CollateralTokenID,
		"remaining_debt":      rec.RemainingDebt.String(),
		"collateral_value":    rec.CollateralValue.String(),
		"principal_loss":      rec.PrincipalLoss.String(),
		"processing_fee":      rec.ProcessingFee.String(),
		"reason":              rec.Reason,
		"attestation":         rec.Attestation,
		"recovery_expected":   rec.RecoveryExpected.String(),
		"actor":               rec.Actor,
		"timestamp":           rec.Timestamp,
	}
}
