/*
Package metrics exposes ledger activity as Prometheus collectors.

METRICS:
  credits_offsets_applied_total        applies that committed
  credits_offset_lots_total            lots touched by committed applies
  credits_offsets_reverted_total       reverts that committed
  credits_applied_total                credits consumed (sum of applies)
  credits_reverted_total               credits given back by reverts
  credits_approved_total               credits added by lot approval
  credits_operation_failures_total     failures by operation and error kind
  credits_balance_drift                last reconciled drift per employee

Metrics implements credit.Recorder; pass it with credit.WithRecorder.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/warp/service-credits/credit"
)

const namespace = "credits"

type Metrics struct {
	offsetsApplied  prometheus.Counter
	offsetLots      prometheus.Counter
	offsetsReverted prometheus.Counter
	creditsApplied  prometheus.Counter
	creditsReverted prometheus.Counter
	creditsApproved prometheus.Counter
	failures        *prometheus.CounterVec
	drift           *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		offsetsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offsets_applied_total",
			Help:      "Offset applications committed.",
		}),
		offsetLots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offset_lots_total",
			Help:      "Credit lots drawn from by committed offset applications.",
		}),
		offsetsReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offsets_reverted_total",
			Help:      "Offset records reverted.",
		}),
		creditsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applied_total",
			Help:      "Service credits consumed by offsets.",
		}),
		creditsReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverted_total",
			Help:      "Service credits returned to lots by reverts.",
		}),
		creditsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approved_total",
			Help:      "Service credits added by lot approvals.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed ledger operations by operation and error kind.",
		}, []string{"op", "kind"}),
		drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_drift",
			Help:      "Cached minus computed balance at the last reconciliation.",
		}, []string{"employee_id"}),
	}
	reg.MustRegister(
		m.offsetsApplied, m.offsetLots, m.offsetsReverted,
		m.creditsApplied, m.creditsReverted, m.creditsApproved, m.failures, m.drift,
	)
	return m
}

func (m *Metrics) CreditApproved(credits decimal.Decimal) {
	m.creditsApproved.Add(credits.InexactFloat64())
}

func (m *Metrics) OffsetApplied(credits decimal.Decimal, lots int) {
	m.offsetsApplied.Inc()
	m.offsetLots.Add(float64(lots))
	m.creditsApplied.Add(credits.InexactFloat64())
}

func (m *Metrics) OffsetReverted(credits decimal.Decimal) {
	m.offsetsReverted.Inc()
	m.creditsReverted.Add(credits.InexactFloat64())
}

func (m *Metrics) OperationFailed(op, kind string) {
	m.failures.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) DriftObserved(employeeID credit.EmployeeID, drift decimal.Decimal) {
	m.drift.WithLabelValues(string(employeeID)).Set(drift.InexactFloat64())
}

var _ credit.Recorder = (*Metrics)(nil)
