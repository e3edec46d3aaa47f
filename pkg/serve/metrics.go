package serve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Name:      "requests_total",
		Help:      "The total number of transform requests handled, by mode (port or batch).",
	}, []string{"mode"})

	recordErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Name:      "record_errors_total",
		Help:      "The total number of records that failed, by error code.",
	}, []string{"code"})

	requestDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conduit",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling one transform request.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"mode"})
)
