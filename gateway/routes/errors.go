package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"agrilend/collateral"
	"agrilend/ledger"
	"agrilend/native/common"
	"agrilend/native/liquidation"
	"agrilend/native/loan"
	"agrilend/native/pool"
	"agrilend/observability/metrics"
	"agrilend/oracle"
)

// statusForError maps engine sentinels onto HTTP status codes so clients can
// distinguish caller mistakes from pool conditions and upstream outages.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrBelowMinimum),
		errors.Is(err, pool.ErrInvalidPrincipal),
		errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, loan.ErrMissingMetadata),
		errors.Is(err, loan.ErrExceedsApprovable),
		errors.Is(err, loan.ErrOverpayment):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrUnauthorizedCaller),
		errors.Is(err, loan.ErrNotBorrower),
		errors.Is(err, loan.ErrBorrowerRole),
		errors.Is(err, loan.ErrNotOwner),
		errors.Is(err, liquidation.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, loan.ErrNotFound),
		errors.Is(err, liquidation.ErrNotFound),
		errors.Is(err, collateral.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrTxProcessedByOther),
		errors.Is(err, loan.ErrCollateralLocked),
		errors.Is(err, loan.ErrInvalidStatus),
		errors.Is(err, loan.ErrNoOutstandingDebt),
		errors.Is(err, liquidation.ErrNotEligible),
		errors.Is(err, collateral.ErrAlreadyLocked):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, pool.ErrReserveBreached),
		errors.Is(err, pool.ErrConcentrationCap):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrPoolPaused),
		errors.Is(err, common.ErrModulePaused),
		errors.Is(err, loan.ErrStaleQuote),
		errors.Is(err, oracle.ErrNoQuote):
		return http.StatusServiceUnavailable
	}
	var transferErr *ledger.TransferError
	if errors.As(err, &transferErr) {
		if transferErr.Retryable() {
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// rejectionLabels classifies an engine rejection for the operational
// counters. Plumbing failures and caller typos return empty labels and are
// not counted.
func rejectionLabels(err error) (engine, reason string) {
	switch {
	case errors.Is(err, pool.ErrTxProcessedByOther):
		return "pool", "fraud_guard"
	case errors.Is(err, pool.ErrReserveBreached):
		return "pool", "reserve"
	case errors.Is(err, pool.ErrConcentrationCap):
		return "pool", "concentration"
	case errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, pool.ErrInsufficientBalance):
		return "pool", "liquidity"
	case errors.Is(err, pool.ErrPoolPaused),
		errors.Is(err, common.ErrModulePaused):
		return "pool", "paused"
	case errors.Is(err, loan.ErrStaleQuote),
		errors.Is(err, oracle.ErrNoQuote):
		return "loan", "oracle"
	case errors.Is(err, loan.ErrExceedsApprovable):
		return "loan", "ltv"
	case errors.Is(err, loan.ErrOverpayment):
		return "loan", "overpayment"
	case errors.Is(err, loan.ErrCollateralLocked):
		return "loan", "collateral_locked"
	case errors.Is(err, liquidation.ErrNotEligible):
		return "liquidation", "not_eligible"
	case errors.Is(err, liquidation.ErrUnauthorized):
		return "liquidation", "unauthorized"
	}
	return "", ""
}

func writeError(w http.ResponseWriter, err error) {
	if engine, reason := rejectionLabels(err); engine != "" {
		metrics.Lending().ObserveRejection(engine, reason)
	}
	writeJSONError(w, statusForError(err), err)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		if trimmed := strings.TrimSpace(err.Error()); trimmed != "" {
			message = trimmed
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(fmt.Sprintf("{\"error\":%q}", http.StatusText(status)))
	}
	_, _ = w.Write(payload)
}
