package powers

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	// charges counts charge requests. Labels: result (charged|free|insufficient)
	charges *prometheus.CounterVec
	// syncAttempts counts remote writes. Labels: operation, outcome
	syncAttempts *prometheus.CounterVec
	// pulls counts balance pulls. Labels: outcome
	pulls        *prometheus.CounterVec
	renewals     prometheus.Counter
	available    prometheus.Gauge
	pendingQueue prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powers_charges_total",
			Help: "Charge requests by result.",
		}, []string{"result"}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powers_sync_attempts_total",
			Help: "Remote ledger writes by operation and outcome.",
		}, []string{"operation", "outcome"}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powers_pulls_total",
			Help: "Remote balance pulls by outcome.",
		}, []string{"outcome"}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "powers_renewals_total",
			Help: "Daily renewals applied locally.",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "powers_balance_available",
			Help: "Units available in the local cache.",
		}),
		pendingQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "powers_pending_queue_length",
			Help: "Debits waiting for remote confirmation.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.charges, m.syncAttempts, m.pulls, m.renewals, m.available, m.pendingQueue,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register powers metrics: %w", err)
		}
	}
	return m, nil
}
