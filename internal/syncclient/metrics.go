package syncclient

import "drawsync/internal/metrics"

const subsystem = "client"

var (
	opsGenerated = metrics.NewCounter(
		"ops_generated_total",
		subsystem,
		"Operations produced from local edits",
		[]string{"type"},
	)
	batchesSent = metrics.NewCounter(
		"batches_total",
		subsystem,
		"Submitted batches by outcome",
		[]string{"outcome"},
	)
	opsRejected = metrics.NewCounter(
		"ops_rejected_total",
		subsystem,
		"Submitted operations the service rejected",
		nil,
	)
	remoteOps = metrics.NewCounter(
		"remote_ops_total",
		subsystem,
		"Remote operations by source and result",
		[]string{"source", "result"},
	)
	echoBatches = metrics.NewCounter(
		"echo_batches_total",
		subsystem,
		"Remote batches discarded because they originated from this client",
		nil,
	)
	catchUps = metrics.NewCounter(
		"catch_ups_total",
		subsystem,
		"Completed catch-up runs by outcome",
		[]string{"outcome"},
	)
)

const (
	sourceStream  = "stream"
	sourceCatchUp = "catchup"

	resultApplied   = "applied"
	resultSkipped   = "skipped"
	resultMalformed = "malformed"
)
