package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"drawsync/internal/metrics"
)

const subsystem = "server"

var (
	submittedOps = metrics.NewCounter(
		"ops_total",
		subsystem,
		"Submitted operations by result",
		[]string{"result"},
	)
	subscribers = metrics.NewGauge(
		"stream_subscribers",
		subsystem,
		"Open live stream connections",
		nil,
	)
	slowSubscribers = metrics.NewCounter(
		"stream_slow_subscribers_total",
		subsystem,
		"Live stream connections dropped because their queue was full",
		nil,
	)
)

var submitBatchSize = metrics.NewHistogram(
	"submit_batch_size",
	subsystem,
	"Operations per submit call",
	nil,
	prometheus.ExponentialBuckets(1, 2, 10),
)
