package transport

import "drawsync/internal/metrics"

var streamConnections = metrics.NewCounter(
	"stream_connections_total",
	"transport",
	"Ended live stream connections by outcome",
	[]string{"outcome"},
)
