package logpipe

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_log_records_enqueued_total",
		Help: "Log records accepted by the pipeline queue.",
	})

	recordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_log_records_dropped_total",
			Help: "Log records discarded before persistence.",
		},
		[]string{"reason"},
	)

	recordsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_log_records_persisted_total",
		Help: "Log records written to the sink.",
	})

	recordsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_log_records_failed_total",
			Help: "Log records rejected by validation or the sink.",
		},
		[]string{"stage"},
	)
)

// Collectors returns the pipeline metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{recordsEnqueued, recordsDropped, recordsPersisted, recordsFailed}
}
