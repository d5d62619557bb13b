package storage

import "drawsync/internal/ops"

// ApplyResult is the outcome of ApplyOps.
type ApplyResult struct {
	// ServerSeq is the document head after the batch.
	ServerSeq int64
	Accepted  []ops.Operation
	Rejected  []ops.Rejection
	// Duplicates counts operations skipped because they were already stored.
	Duplicates int
}

// SubmitResult converts r to the wire answer of a submit call.
func (r ApplyResult) SubmitResult() ops.SubmitResult {
	return ops.SubmitResult{
		Ack:       true,
		ServerSeq: r.ServerSeq,
		Rejected:  r.Rejected,
	}
}
