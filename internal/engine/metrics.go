package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trusttoken_operations_total",
		Help: "Trust token operations by kind and result.",
	}, []string{"operation", "result"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trusttoken_operation_duration_seconds",
		Help:    "End-to-end trust token operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(operationsTotal, operationDuration)
}

func observeOperation(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		if code := CodeOf(err); code != "" {
			result = string(code)
		} else {
			result = "transport-error"
		}
	}
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
