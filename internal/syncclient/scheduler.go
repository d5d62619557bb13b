package syncclient

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"drawsync/internal/element"
	"drawsync/internal/ops"
)

func (c *Client) recordLocalChange(snapshot []element.Element) error {
	if c.state == Uninitialized {
		return ErrUninitialized
	}
	generated, err := element.Diff(c.store, snapshot)
	if err != nil {
		return err
	}
	if len(generated) == 0 {
		return nil
	}
	for _, op := range generated {
		c.clientSeq++
		op.ClientSeq = c.clientSeq
		op.BaseSeq = c.serverSeq
		c.buffer = append(c.buffer, op)
		opsGenerated.WithLabelValues(string(op.Type)).Inc()
	}
	c.store.Reset(snapshot)
	c.logger.Debug("local change buffered",
		zap.Int("ops", len(generated)),
		zap.Int("buffered", len(c.buffer)),
		zap.Int64("base_seq", c.serverSeq),
	)
	c.scheduleFlush(c.cfg.FlushInterval)
	return nil
}

// scheduleFlush arms the flush timer unless one is already armed.
func (c *Client) scheduleFlush(after time.Duration) {
	if c.flushTimer != nil {
		return
	}
	c.flushTimerID++
	id := c.flushTimerID
	c.flushTimer = c.clock.AfterFunc(after, func() {
		c.post(flushTimerEvent{id: id})
	})
}

func (c *Client) stopFlushTimer() {
	if c.flushTimer == nil {
		return
	}
	c.flushTimer.Stop()
	c.flushTimer = nil
	c.flushTimerID++
}

// flush sends the whole buffer as one batch. With a batch already in flight it
// does nothing: submitDone reschedules once that batch resolves.
func (c *Client) flush() {
	if c.inFlight || len(c.buffer) == 0 {
		return
	}
	if c.socketID == "" {
		c.logger.Debug("flush held until connection identity is known", zap.Int("buffered", len(c.buffer)))
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.pending = batch
	c.inFlight = true

	generation, socketID := c.generation, c.socketID
	c.logger.Debug("submitting batch",
		zap.Int("ops", len(batch)),
		zap.Int64("first_client_seq", batch[0].ClientSeq),
		zap.String("socket_id", socketID),
	)
	go func() {
		result, err := c.transport.Submit(c.ctx, socketID, batch)
		c.post(submitDoneEvent{generation: generation, batch: batch, result: result, err: err})
	}()
}

func (c *Client) submitDone(ev submitDoneEvent) {
	c.inFlight = false
	if ev.generation != c.generation {
		// the store was reseeded while this batch was in flight
		c.logger.Debug("ignoring submit result from previous session", zap.Int("ops", len(ev.batch)))
		if len(c.buffer) > 0 {
			c.scheduleFlush(c.cfg.FlushInterval)
		}
		return
	}
	c.pending = nil

	err := ev.err
	if err == nil && !ev.result.Ack {
		err = errNotAcknowledged
	}
	if err != nil {
		batchesSent.WithLabelValues("failed").Inc()
		c.logger.Warn("submit failed, requeueing batch",
			zap.Int("ops", len(ev.batch)),
			zap.Int("buffered", len(c.buffer)),
			zap.Duration("retry_in", c.cfg.RetryInterval),
			zap.Error(err),
		)
		c.buffer = append(slices.Clone(ev.batch), c.buffer...)
		c.scheduleFlush(c.cfg.RetryInterval)
		return
	}

	batchesSent.WithLabelValues("ok").Inc()
	seen := c.serverSeq
	if ev.result.ServerSeq > c.serverSeq {
		c.serverSeq = ev.result.ServerSeq
	}
	if len(ev.result.Rejected) > 0 {
		opsRejected.WithLabelValues().Add(float64(len(ev.result.Rejected)))
		for _, r := range ev.result.Rejected {
			c.logger.Warn("operation rejected",
				zap.Int64("client_seq", r.ClientSeq),
				zap.String("element_id", r.ElementID),
				zap.String("reason", r.Reason),
			)
		}
		// The winning versions were committed after the batch's base, which
		// may be below the cursor the submit just advanced to.
		c.replayRejected(ev.result.Rejected, minBaseSeq(ev.batch), seen)
	}
	if len(c.buffer) > 0 {
		c.scheduleFlush(c.cfg.FlushInterval)
	}
}

func minBaseSeq(batch []ops.Input) int64 {
	least := batch[0].BaseSeq
	for _, op := range batch[1:] {
		least = min(least, op.BaseSeq)
	}
	return least
}
