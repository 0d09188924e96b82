package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Ledger operations by op and outcome (kind of error, or "ok")
	Operations *prometheus.CounterVec

	// Blocked or rejected attempts by audit event type
	Blocked *prometheus.CounterVec

	// Proposal state transitions by target status
	ProposalTransitions *prometheus.CounterVec

	// Execute calls that lost the approved -> executed race
	ExecutionRaces prometheus.Counter

	// Supply counters by coin
	Issued      *prometheus.GaugeVec
	Circulating *prometheus.GaugeVec

	// Payout processor calls by outcome
	PayoutLatency *prometheus.HistogramVec

	// HTTP requests by route, method and status
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coin_ledger_operations_total",
			Help: "Ledger operations by operation and outcome",
		}, []string{"op", "outcome"}),

		Blocked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coin_ledger_blocked_total",
			Help: "Attempts blocked by compliance, supply policy or balance checks",
		}, []string{"event"}),

		ProposalTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coin_ledger_proposal_transitions_total",
			Help: "Mint proposal transitions by target status",
		}, []string{"status"}),

		ExecutionRaces: f.NewCounter(prometheus.CounterOpts{
			Name: "coin_ledger_proposal_execution_races_total",
			Help: "Proposal executions rejected because another execution won",
		}),

		Issued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coin_ledger_supply_issued",
			Help: "Cumulative issued supply",
		}, []string{"coin"}),

		Circulating: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coin_ledger_supply_circulating",
			Help: "Issued minus redeemed supply",
		}, []string{"coin"}),

		PayoutLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coin_ledger_payout_duration_seconds",
			Help:    "Duration of payout processor calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coin_ledger_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),

		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coin_ledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// IncrementOperation records the outcome of a ledger operation.
func (m *Metrics) IncrementOperation(op, outcome string) {
	if m != nil {
		m.Operations.WithLabelValues(op, outcome).Inc()
	}
}

// IncrementBlocked records a blocked attempt.
func (m *Metrics) IncrementBlocked(event string) {
	if m != nil {
		m.Blocked.WithLabelValues(event).Inc()
	}
}

// IncrementTransition records a proposal entering status.
func (m *Metrics) IncrementTransition(status string) {
	if m != nil {
		m.ProposalTransitions.WithLabelValues(status).Inc()
	}
}

// IncrementExecutionRace records a lost execution race.
func (m *Metrics) IncrementExecutionRace() {
	if m != nil {
		m.ExecutionRaces.Inc()
	}
}

// SetSupply publishes the supply counters of coin.
func (m *Metrics) SetSupply(coin string, issued, circulating decimal.Decimal) {
	if m != nil {
		m.Issued.WithLabelValues(coin).Set(issued.InexactFloat64())
		m.Circulating.WithLabelValues(coin).Set(circulating.InexactFloat64())
	}
}

// ObservePayout records a payout call.
func (m *Metrics) ObservePayout(outcome string, d time.Duration) {
	if m != nil {
		m.PayoutLatency.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// GinMiddleware counts requests per matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
