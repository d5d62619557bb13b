package syncclient

import (
	"fmt"

	"go.uber.org/zap"

	"drawsync/internal/element"
	"drawsync/internal/ops"
)

type catchUpState struct {
	running bool
	// from is where the current run started.
	from int64
	// again asks for another run from againFrom once the current one ends.
	again     bool
	againFrom int64
	waiters   []chan error

	// Ops at or below replayUntil were already applied once. A run only
	// applies them again for elements in replay, own ops included, so a
	// rejected element ends on its committed value.
	replayUntil int64
	replay      map[string]struct{}
}

func (c *Client) isOwn(socketID string) bool {
	if socketID == "" {
		return false
	}
	_, ok := c.ownSockets[socketID]
	return ok
}

func (c *Client) applyRemote(batch []ops.Operation, origin string) {
	if len(batch) == 0 {
		return
	}
	if c.isOwn(origin) {
		echoBatches.WithLabelValues().Inc()
		c.logger.Debug("discarding echoed batch", zap.Int("ops", len(batch)), zap.String("origin", origin))
		return
	}
	if c.apply(batch, sourceStream, false) {
		c.render()
	}
}

// apply folds batch into the store and advances the cursor to the highest seq
// in it. With perOp set, operations from this client's own connections and
// already applied operations outside a replay are skipped individually. It
// reports whether the store changed.
func (c *Client) apply(batch []ops.Operation, source string, perOp bool) bool {
	changed := false
	for _, op := range batch {
		if op.Seq > c.serverSeq {
			c.serverSeq = op.Seq
		}
		if perOp && c.skipInCatchUp(op) {
			remoteOps.WithLabelValues(source, resultSkipped).Inc()
			continue
		}
		if c.applyOne(op, source) {
			changed = true
		}
	}
	return changed
}

func (c *Client) skipInCatchUp(op ops.Operation) bool {
	if op.Seq <= c.catchUp.replayUntil {
		_, ok := c.catchUp.replay[op.ElementID]
		return !ok
	}
	return c.isOwn(op.SocketID)
}

func (c *Client) applyOne(op ops.Operation, source string) bool {
	switch op.Type {
	case ops.Add, ops.Update:
		e, err := element.Parse([]byte(op.Data))
		if err == nil && e.ID != op.ElementID {
			err = fmt.Errorf("payload id %q does not match element %q", e.ID, op.ElementID)
		}
		if err != nil {
			remoteOps.WithLabelValues(source, resultMalformed).Inc()
			c.logger.Warn("dropping malformed remote operation",
				zap.String("source", source),
				zap.Int64("seq", op.Seq),
				zap.String("element_id", op.ElementID),
				zap.Error(err),
			)
			return false
		}
		c.store.Put(e)
	case ops.Delete:
		if !c.store.Tombstone(op.ElementID) {
			remoteOps.WithLabelValues(source, resultSkipped).Inc()
			return false
		}
	default:
		remoteOps.WithLabelValues(source, resultMalformed).Inc()
		c.logger.Warn("dropping remote operation of unknown type",
			zap.Int64("seq", op.Seq),
			zap.String("type", string(op.Type)),
		)
		return false
	}
	remoteOps.WithLabelValues(source, resultApplied).Inc()
	return true
}

func (c *Client) render() {
	if c.renderer == nil {
		return
	}
	c.renderer.Render(c.store.Elements())
}

// replayRejected re-reads the history of the rejected elements from the
// lowest base the batch was built on. seen is the cursor before the submit
// result advanced it; ops above it may not have been applied yet.
func (c *Client) replayRejected(rejected []ops.Rejection, from, seen int64) {
	if c.catchUp.replay == nil {
		c.catchUp.replay = make(map[string]struct{}, len(rejected))
	}
	for _, r := range rejected {
		c.catchUp.replay[r.ElementID] = struct{}{}
	}
	if c.catchUp.running {
		// a run in progress may still hold unapplied ops below seen
		seen = min(seen, c.catchUp.from)
		if c.catchUp.again {
			seen = min(seen, c.catchUp.againFrom)
		}
	}
	c.catchUp.replayUntil = max(c.catchUp.replayUntil, seen)
	c.requestCatchUp(from, nil)
}

// requestCatchUp starts a catch-up from the given seq, or queues one behind a
// run already in progress. waiter, when set, receives the outcome.
func (c *Client) requestCatchUp(from int64, waiter chan error) {
	if waiter != nil {
		c.catchUp.waiters = append(c.catchUp.waiters, waiter)
	}
	if c.catchUp.running {
		if !c.catchUp.again || from < c.catchUp.againFrom {
			c.catchUp.againFrom = from
		}
		c.catchUp.again = true
		return
	}
	c.catchUp.running = true
	c.catchUp.from = from
	c.fetchPage(from)
}

func (c *Client) fetchPage(since int64) {
	generation, limit := c.generation, c.cfg.CatchUpPageSize
	go func() {
		batch, err := c.transport.FetchSince(c.ctx, since, limit)
		c.post(catchUpPageEvent{generation: generation, since: since, batch: batch, err: err})
	}()
}

func (c *Client) catchUpPage(ev catchUpPageEvent) {
	if ev.generation != c.generation {
		// fetched against a store that has since been reseeded
		c.fetchPage(c.serverSeq)
		return
	}
	if ev.err != nil {
		c.logger.Warn("catch-up fetch failed", zap.Int64("since", ev.since), zap.Error(ev.err))
		c.finishCatchUp(fmt.Errorf("fetch ops since %d: %w", ev.since, ev.err))
		return
	}
	if c.apply(ev.batch, sourceCatchUp, true) {
		c.render()
	}
	c.logger.Debug("catch-up page applied",
		zap.Int64("since", ev.since),
		zap.Int("ops", len(ev.batch)),
		zap.Int64("server_seq", c.serverSeq),
	)
	if len(ev.batch) >= c.cfg.CatchUpPageSize {
		if next := ops.MaxSeq(ev.since, ev.batch); next > ev.since {
			c.fetchPage(next)
			return
		}
	}
	c.finishCatchUp(nil)
}

func (c *Client) finishCatchUp(err error) {
	if c.catchUp.again {
		c.catchUp.again = false
		c.catchUp.from = c.catchUp.againFrom
		c.fetchPage(c.catchUp.againFrom)
		return
	}
	c.catchUp.running = false
	c.catchUp.replayUntil = 0
	c.catchUp.replay = nil
	if err != nil {
		catchUps.WithLabelValues("failed").Inc()
	} else {
		catchUps.WithLabelValues("ok").Inc()
	}
	waiters := c.catchUp.waiters
	c.catchUp.waiters = nil
	for _, w := range waiters {
		w <- err
	}
}

func (c *Client) failCatchUpWaiters(err error) {
	waiters := c.catchUp.waiters
	c.catchUp = catchUpState{}
	for _, w := range waiters {
		w <- err
	}
}
