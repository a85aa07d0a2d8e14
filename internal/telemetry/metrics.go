package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Payment status transitions applied.",
	}, []string{"from", "to"})

	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_conflicts_total",
		Help: "Operations rejected because the payment or listing was not in the expected state.",
	}, []string{"operation"})

	// ProjectionDriftTotal counts listing or fee projections that did not
	// match the expected source status after the payment transitioned.
	ProjectionDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_projection_drift_total",
		Help: "Listing or platform fee projections that failed to apply.",
	}, []string{"record"})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Payment gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	// LateCapturesTotal counts charges that settled at the gateway after the
	// payment had already failed.
	LateCapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_late_captures_total",
		Help: "Charges captured after their payment failed, by refund outcome.",
	}, []string{"outcome"})

	StalePaymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_stale_pending_payments_total",
		Help: "Reconciler checks that found a charge still open past the stale window.",
	})

	// UnappliedReversalsTotal counts transfer reversals that arrived after
	// the withdrawal was already completed.
	UnappliedReversalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "withdrawal_reversals_unapplied_total",
		Help: "Transfer reversals for completed withdrawals that need operator action.",
	})

	GatewayEventRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_event_retries_total",
		Help: "Gateway events re-dispatched after a retryable failure.",
	}, []string{"event"})

	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawals_total",
		Help: "Withdrawals by resulting status.",
	}, []string{"status"})
)
