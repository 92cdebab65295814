package discoverer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	pendingChecksGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsweep_discoverer_pending_checks",
			Help: "Outstanding checks across all queued discovery jobs",
		},
	)

	processingRulesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsweep_discoverer_processing_rules",
			Help: "Discovery rules currently materialised as jobs",
		},
	)

	workerBusyGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsweep_discoverer_worker_busy_ratio",
			Help: "Busy fraction of each discoverer worker over the last tick",
		},
		[]string{"worker"},
	)

	flushedResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netsweep_discoverer_flushed_results_total",
			Help: "Discovered host results flushed to persistence",
		},
	)

	ruleErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netsweep_discoverer_rule_errors_total",
			Help: "Rule-level errors recorded by the discoverer",
		},
	)
)
