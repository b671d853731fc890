package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics tracks the money-moving operations of the lending engines.
type LendingMetrics struct {
	deposits      prometheus.Counter
	withdrawals   prometheus.Counter
	disbursements prometheus.Counter
	repayments    prometheus.Counter
	liquidations  prometheus.Counter
	rejected      *prometheus.CounterVec

	totalLiquidity     prometheus.Gauge
	availableLiquidity prometheus.Gauge
	utilizationBps     prometheus.Gauge
	healthScore        prometheus.Gauge
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_pool_deposits_total",
				Help: "Count of settled investor deposits.",
			}),
			withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_pool_withdrawals_total",
				Help: "Count of settled investor withdrawals.",
			}),
			disbursements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_pool_disbursements_total",
				Help: "Count of settled loan disbursements.",
			}),
			repayments: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_loan_repayments_total",
				Help: "Count of settled repayment instalments.",
			}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_liquidations_total",
				Help: "Count of settled liquidations.",
			}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_operations_rejected_total",
				Help: "Count of rejected operations by engine and reason.",
			}, []string{"engine", "reason"}),
			totalLiquidity: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_total_liquidity",
				Help: "Total pool liquidity in settlement units.",
			}),
			availableLiquidity: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_available_liquidity",
				Help: "Liquidity available for disbursement in settlement units.",
			}),
			utilizationBps: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_utilization_bps",
				Help: "Pool utilization in basis points.",
			}),
			healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_health_score",
				Help: "Composite pool health score, 0 to 100.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.deposits,
			lendingRegistry.withdrawals,
			lendingRegistry.disbursements,
			lendingRegistry.repayments,
			lendingRegistry.liquidations,
			lendingRegistry.rejected,
			lendingRegistry.totalLiquidity,
			lendingRegistry.availableLiquidity,
			lendingRegistry.utilizationBps,
			lendingRegistry.healthScore,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveDeposit() {
	if m == nil {
		return
	}
	m.deposits.Inc()
}

func (m *LendingMetrics) ObserveWithdrawal() {
	if m == nil {
		return
	}
	m.withdrawals.Inc()
}

func (m *LendingMetrics) ObserveDisbursement() {
	if m == nil {
		return
	}
	m.disbursements.Inc()
}

func (m *LendingMetrics) ObserveRepayment() {
	if m == nil {
		return
	}
	m.repayments.Inc()
}

func (m *LendingMetrics) ObserveLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

func (m *LendingMetrics) ObserveRejection(engine, reason string) {
	if m == nil {
		return
	}
	if engine == "" {
		engine = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(engine, reason).Inc()
}

// SetPoolGauges publishes the derived pool statistics. Amounts above the
// float range are clamped; the gauges are operational signals, not ledger
// entries.
func (m *LendingMetrics) SetPoolGauges(total, available float64, utilizationBps, healthScore uint64) {
	if m == nil {
		return
	}
	m.totalLiquidity.Set(total)
	m.availableLiquidity.Set(available)
	m.utilizationBps.Set(float64(utilizationBps))
	m.healthScore.Set(float64(healthScore))
}
