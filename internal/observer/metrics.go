package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the observer's operational counters, served on /metrics.
type Metrics struct {
	VotesAccepted *prometheus.CounterVec
	VotesRejected *prometheus.CounterVec
	Deaths        *prometheus.CounterVec
	Births        prometheus.Counter
	SyncRepairs   prometheus.Counter
	BalanceUSD    prometheus.Gauge
}

// NewMetrics registers the metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VotesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "amialive_votes_accepted_total",
			Help: "Accepted votes by choice.",
		}, []string{"choice"}),
		VotesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "amialive_votes_rejected_total",
			Help: "Rejected votes by rejection kind.",
		}, []string{"kind"}),
		Deaths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "amialive_deaths_total",
			Help: "Deaths by cause.",
		}, []string{"cause"}),
		Births: factory.NewCounter(prometheus.CounterOpts{
			Name: "amialive_births_total",
			Help: "Successful births.",
		}),
		SyncRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "amialive_sync_repairs_total",
			Help: "State divergences repaired by the sync validator.",
		}),
		BalanceUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "amialive_balance_usd",
			Help: "Current ledger balance in USD.",
		}),
	}
}
