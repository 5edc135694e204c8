package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"chainflow/core/events"
)

// LendingMetrics exposes loan lifecycle counters for the Prometheus endpoint.
type LendingMetrics struct {
	loansOpened     *prometheus.CounterVec
	loansRepaid     *prometheus.CounterVec
	loansLiquidated prometheus.Counter
	paramUpdates    *prometheus.CounterVec
	creditUpdates   *prometheus.CounterVec
	oracleFailures  *prometheus.CounterVec
	rpcRequests     *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the process-wide lending metrics registry.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			loansOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_loans_opened_total",
				Help: "Count of loans originated by credit tier.",
			}, []string{"tier"}),
			loansRepaid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_loans_repaid_total",
				Help: "Count of repayments by outcome (partial or closed).",
			}, []string{"outcome"}),
			loansLiquidated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_loans_liquidated_total",
				Help: "Count of executed liquidations.",
			}),
			paramUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_param_updates_total",
				Help: "Count of admin parameter updates by kind.",
			}, []string{"kind"}),
			creditUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_credit_updates_total",
				Help: "Count of credit registry mutations by kind.",
			}, []string{"kind"}),
			oracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_oracle_failures_total",
				Help: "Count of failed oracle lookups by source.",
			}, []string{"source"}),
			rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_rpc_requests_total",
				Help: "Count of JSON-RPC requests by method and status.",
			}, []string{"method", "status"}),
		}
		prometheus.MustRegister(
			lendingRegistry.loansOpened,
			lendingRegistry.loansRepaid,
			lendingRegistry.loansLiquidated,
			lendingRegistry.paramUpdates,
			lendingRegistry.creditUpdates,
			lendingRegistry.oracleFailures,
			lendingRegistry.rpcRequests,
		)
	})
	return lendingRegistry
}

// ObserveOracleFailure records a failed price lookup.
func (m *LendingMetrics) ObserveOracleFailure(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.oracleFailures.WithLabelValues(source).Inc()
}

// ObserveRPCRequest records a served JSON-RPC call.
func (m *LendingMetrics) ObserveRPCRequest(method, status string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.rpcRequests.WithLabelValues(method, status).Inc()
}

// Recorder adapts the metrics registry to the event emitter interface so the
// ledger and credit registry feed counters without knowing about Prometheus.
type Recorder struct {
	metrics *LendingMetrics
}

// NewRecorder constructs a recorder over the shared registry.
func NewRecorder() *Recorder {
	return &Recorder{metrics: Lending()}
}

// Emit implements the event emitter interface.
func (r *Recorder) Emit(evt events.Event) {
	if r == nil || r.metrics == nil || evt == nil {
		return
	}
	switch payload := evt.(type) {
	case events.LoanOpened:
		r.metrics.loansOpened.WithLabelValues(strconv.Itoa(int(payload.Tier))).Inc()
	case events.LoanRepaid:
		outcome := "partial"
		if payload.Closed {
			outcome = "closed"
		}
		r.metrics.loansRepaid.WithLabelValues(outcome).Inc()
	case events.LoanLiquidated:
		r.metrics.loansLiquidated.Inc()
	case events.TierParamsUpdated:
		r.metrics.paramUpdates.WithLabelValues("tier").Inc()
	case events.LiquidationParamsUpdated:
		r.metrics.paramUpdates.WithLabelValues("liquidation").Inc()
	case events.CreditTierUpdated:
		r.metrics.creditUpdates.WithLabelValues("tier").Inc()
	case events.CreditScoreCommitted:
		r.metrics.creditUpdates.WithLabelValues("commitment").Inc()
	}
}
