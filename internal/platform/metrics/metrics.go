package metrics

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the prometheus instruments for the transaction core.
// All observers are nil-receiver safe so wiring stays optional in tests.
type Metrics struct {
	transactionsTotal     *prometheus.CounterVec
	transactionAmount     *prometheus.HistogramVec
	riskLevelsTotal       *prometheus.CounterVec
	fraudRejectionsTotal  prometheus.Counter
	complianceTotal       *prometheus.CounterVec
	settlementRunsTotal   *prometheus.CounterVec
	settlementClaimMisses prometheus.Counter
	settledTotal          prometheus.Counter
	unsettledBacklog      prometheus.Gauge
	auditAppendFailures   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		transactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "transactions",
				Name:      "total",
				Help:      "Total transactions by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		transactionAmount: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "paymentflow",
				Subsystem: "transactions",
				Name:      "amount",
				Help:      "Transaction amounts by type.",
				Buckets:   prometheus.ExponentialBuckets(1, 10, 7),
			},
			[]string{"type"},
		),
		riskLevelsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "risk",
				Name:      "levels_total",
				Help:      "Fraud checks scored, partitioned by risk level.",
			},
			[]string{"level"},
		),
		fraudRejectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "risk",
				Name:      "rejections_total",
				Help:      "Transactions auto-rejected by the fraud reviewer.",
			},
		),
		complianceTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "compliance",
				Name:      "checks_total",
				Help:      "Compliance checks by resulting status.",
			},
			[]string{"status"},
		),
		settlementRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Batch processing runs partitioned by result.",
			},
			[]string{"result"},
		),
		settlementClaimMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "settlement",
				Name:      "claim_misses_total",
				Help:      "Transactions skipped because another batch claimed them first.",
			},
		),
		settledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "settlement",
				Name:      "settled_total",
				Help:      "Transactions settled across all batches.",
			},
		),
		unsettledBacklog: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "paymentflow",
				Subsystem: "settlement",
				Name:      "unsettled_backlog",
				Help:      "Completed transactions awaiting settlement.",
			},
		),
		auditAppendFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "paymentflow",
				Subsystem: "audit",
				Name:      "append_failures_total",
				Help:      "Audit appends that failed and forced a rollback.",
			},
		),
	}
}

func (m *Metrics) ObserveTransaction(txType, outcome string, amount float64) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(txType, outcome).Inc()
	m.transactionAmount.WithLabelValues(txType).Observe(amount)
}

func (m *Metrics) ObserveRiskLevel(level string) {
	if m == nil {
		return
	}
	m.riskLevelsTotal.WithLabelValues(level).Inc()
}

func (m *Metrics) FraudRejected() {
	if m == nil {
		return
	}
	m.fraudRejectionsTotal.Inc()
}

func (m *Metrics) ObserveCompliance(status string) {
	if m == nil {
		return
	}
	m.complianceTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSettlementRun(failed, settled int) {
	if m == nil {
		return
	}
	if failed > 0 {
		m.settlementRunsTotal.WithLabelValues("partial").Inc()
	} else {
		m.settlementRunsTotal.WithLabelValues("success").Inc()
	}
	if settled > 0 {
		m.settledTotal.Add(float64(settled))
	}
}

func (m *Metrics) SettlementClaimMissed() {
	if m == nil {
		return
	}
	m.settlementClaimMisses.Inc()
}

func (m *Metrics) AuditAppendFailed() {
	if m == nil {
		return
	}
	m.auditAppendFailures.Inc()
}

// RefreshSettlementBacklog polls the count of completed, unsettled
// transactions.
func (m *Metrics) RefreshSettlementBacklog(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	const q = `
SELECT COUNT(*) FROM transactions
WHERE status = 'completed' AND settlement_id IS NULL
`
	var backlog int64
	if err := db.QueryRowContext(ctx, q).Scan(&backlog); err != nil {
		return
	}
	m.unsettledBacklog.Set(float64(backlog))
}
