package syncclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"drawsync/internal/element"
	"drawsync/internal/ops"
)

const (
	flushInterval = 150 * time.Millisecond
	retryInterval = time.Second
	waitFor       = 5 * time.Second
	tick          = 5 * time.Millisecond
)

type submitReply struct {
	result ops.SubmitResult
	err    error
}

type submitCall struct {
	socketID string
	batch    []ops.Input
	reply    chan submitReply
}

type fetchReply struct {
	batch []ops.Operation
	err   error
}

type fetchCall struct {
	since int64
	limit int
	reply chan fetchReply
}

// fakeTransport hands every call to the test and blocks until the test
// replies, so the test decides when each round trip completes.
type fakeTransport struct {
	submits chan submitCall
	fetches chan fetchCall

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		submits: make(chan submitCall),
		fetches: make(chan fetchCall),
	}
}

func (f *fakeTransport) Submit(ctx context.Context, socketID string, batch []ops.Input) (ops.SubmitResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		current := f.maxInFlight.Load()
		if n <= current || f.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}
	call := submitCall{socketID: socketID, batch: batch, reply: make(chan submitReply, 1)}
	select {
	case f.submits <- call:
	case <-ctx.Done():
		return ops.SubmitResult{}, ctx.Err()
	}
	select {
	case r := <-call.reply:
		return r.result, r.err
	case <-ctx.Done():
		return ops.SubmitResult{}, ctx.Err()
	}
}

func (f *fakeTransport) FetchSince(ctx context.Context, since int64, limit int) ([]ops.Operation, error) {
	call := fetchCall{since: since, limit: limit, reply: make(chan fetchReply, 1)}
	select {
	case f.fetches <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-call.reply:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) expectSubmit(t *testing.T) submitCall {
	t.Helper()
	select {
	case call := <-f.submits:
		return call
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for submit")
	}
	return submitCall{}
}

func (f *fakeTransport) expectNoSubmit(t *testing.T) {
	t.Helper()
	select {
	case call := <-f.submits:
		t.Fatalf("unexpected submit of %d ops", len(call.batch))
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fakeTransport) expectFetch(t *testing.T) fetchCall {
	t.Helper()
	select {
	case call := <-f.fetches:
		return call
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for fetch")
	}
	return fetchCall{}
}

type renderRecorder struct {
	mu      sync.Mutex
	renders [][]element.Element
}

func (r *renderRecorder) Render(elements []element.Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, elements)
}

func (r *renderRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.renders)
}

type tester struct {
	*Client
	transport *fakeTransport
	clock     clockwork.FakeClock
	renders   *renderRecorder
}

func newTester(t *testing.T, pageSize int) *tester {
	t.Helper()
	tr := newFakeTransport()
	clock := clockwork.NewFakeClock()
	rec := &renderRecorder{}
	c := New(tr, rec,
		WithClock(clock),
		WithLogger(zaptest.NewLogger(t)),
		WithConfig(Config{
			FlushInterval:   flushInterval,
			RetryInterval:   retryInterval,
			CatchUpPageSize: pageSize,
		}),
	)
	t.Cleanup(c.Destroy)
	return &tester{Client: c, transport: tr, clock: clock, renders: rec}
}

func (ts *tester) snapshot(t *testing.T) (buffered, pending int, inFlight bool) {
	t.Helper()
	require.NoError(t, ts.inspect(func() {
		buffered, pending, inFlight = len(ts.buffer), len(ts.pending), ts.inFlight
	}))
	return buffered, pending, inFlight
}

func (ts *tester) waitServerSeq(t *testing.T, seq int64) {
	t.Helper()
	require.Eventually(t, func() bool { return ts.ServerSeq() == seq }, waitFor, tick)
}

func (ts *tester) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, _, inFlight := ts.snapshot(t)
		return !inFlight
	}, waitFor, tick)
}

func elem(t *testing.T, id string, version int64) element.Element {
	t.Helper()
	return element.New(id, version)
}

func encoded(t *testing.T, e element.Element) string {
	t.Helper()
	data, err := e.Encode()
	require.NoError(t, err)
	return data
}

func versions(elements []element.Element) map[string]int64 {
	out := make(map[string]int64, len(elements))
	for _, e := range elements {
		out[e.ID] = e.Version
	}
	return out
}

func clientSeqs(batch []ops.Input) []int64 {
	out := make([]int64, 0, len(batch))
	for _, op := range batch {
		out = append(out, op.ClientSeq)
	}
	return out
}

func TestSubmitThenRemoteUpdate(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1)}, 0))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2), elem(t, "B", 1)}))
	ts.clock.Advance(flushInterval)

	call := ts.transport.expectSubmit(t)
	require.Equal(t, "me", call.socketID)
	require.Len(t, call.batch, 2)
	require.Equal(t, ops.Update, call.batch[0].Type)
	require.Equal(t, "A", call.batch[0].ElementID)
	require.EqualValues(t, 2, call.batch[0].ElementVersion)
	require.Equal(t, ops.Add, call.batch[1].Type)
	require.Equal(t, "B", call.batch[1].ElementID)
	require.Equal(t, []int64{1, 2}, clientSeqs(call.batch))
	for _, op := range call.batch {
		require.Zero(t, op.BaseSeq)
	}

	call.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 5}}
	ts.waitServerSeq(t, 5)
	require.Equal(t, map[string]int64{"A": 2, "B": 1}, versions(ts.Elements()))

	require.NoError(t, ts.ApplyRemote([]ops.Operation{{
		Seq:            6,
		SocketID:       "peer",
		Type:           ops.Update,
		ElementID:      "A",
		ElementVersion: 3,
		Data:           encoded(t, elem(t, "A", 3)),
	}}, "peer"))
	require.EqualValues(t, 6, ts.ServerSeq())
	require.Equal(t, map[string]int64{"A": 3, "B": 1}, versions(ts.Elements()))
	require.Equal(t, 1, ts.renders.count())
}

func TestAtMostOneBatchInFlight(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1)}, 0))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2), elem(t, "B", 1)}))
	ts.clock.Advance(flushInterval)
	first := ts.transport.expectSubmit(t)

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 3), elem(t, "B", 1)}))
	ts.clock.Advance(flushInterval)
	ts.transport.expectNoSubmit(t)

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 3), elem(t, "B", 1), elem(t, "C", 1)}))
	buffered, pending, inFlight := ts.snapshot(t)
	require.Equal(t, 2, buffered)
	require.Equal(t, 2, pending)
	require.True(t, inFlight)

	first.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 2}}
	ts.waitServerSeq(t, 2)
	ts.waitIdle(t)
	ts.clock.Advance(flushInterval)

	second := ts.transport.expectSubmit(t)
	require.Equal(t, []int64{3, 4}, clientSeqs(second.batch))
	require.Equal(t, ops.Update, second.batch[0].Type)
	require.Equal(t, ops.Add, second.batch[1].Type)
	require.EqualValues(t, 0, second.batch[0].BaseSeq)
	second.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 4}}
	ts.waitServerSeq(t, 4)

	require.EqualValues(t, 1, ts.transport.maxInFlight.Load())
}

func TestFailedSubmitIsRetriedInOrder(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene(nil, 0))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1), elem(t, "B", 1)}))
	ts.clock.Advance(flushInterval)
	first := ts.transport.expectSubmit(t)
	require.Equal(t, []int64{1, 2}, clientSeqs(first.batch))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1), elem(t, "B", 1), elem(t, "C", 1)}))
	first.reply <- submitReply{err: errors.New("connection reset")}

	require.Eventually(t, func() bool {
		buffered, pending, inFlight := ts.snapshot(t)
		return buffered == 3 && pending == 0 && !inFlight
	}, waitFor, tick)

	ts.clock.Advance(retryInterval)
	second := ts.transport.expectSubmit(t)
	require.Equal(t, []int64{1, 2, 3}, clientSeqs(second.batch))
	require.Equal(t, []string{"A", "B", "C"}, []string{second.batch[0].ElementID, second.batch[1].ElementID, second.batch[2].ElementID})
	second.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 3}}
	ts.waitServerSeq(t, 3)

	buffered, pending, _ := ts.snapshot(t)
	require.Zero(t, buffered)
	require.Zero(t, pending)
}

func TestUnacknowledgedSubmitIsRetried(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene(nil, 0))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1)}))
	ts.clock.Advance(flushInterval)
	ts.transport.expectSubmit(t).reply <- submitReply{result: ops.SubmitResult{Ack: false}}
	ts.waitIdle(t)

	ts.clock.Advance(retryInterval)
	retry := ts.transport.expectSubmit(t)
	require.Equal(t, []int64{1}, clientSeqs(retry.batch))
	retry.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 1}}
	ts.waitServerSeq(t, 1)
}

func TestFlushWaitsForIdentity(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene(nil, 0))
	require.Equal(t, Syncing, ts.State())

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1)}))
	ts.clock.Advance(flushInterval)
	ts.transport.expectNoSubmit(t)

	ts.HandleIdentity("me")
	require.Equal(t, Connected, ts.State())
	ts.clock.Advance(flushInterval)
	call := ts.transport.expectSubmit(t)
	require.Equal(t, "me", call.socketID)
	call.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 1}}
	ts.waitServerSeq(t, 1)
}

func TestEchoSuppression(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1)}, 3))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 4, SocketID: "me", Type: ops.Update, ElementID: "A", ElementVersion: 2, Data: encoded(t, elem(t, "A", 2))},
		{Seq: 5, SocketID: "me", Type: ops.Add, ElementID: "B", ElementVersion: 1, Data: encoded(t, elem(t, "B", 1))},
	}, "me"))

	require.Equal(t, map[string]int64{"A": 1}, versions(ts.Elements()))
	require.EqualValues(t, 3, ts.ServerSeq())
	require.Zero(t, ts.renders.count())
}

func TestApplyRemoteSequenceIsMaximum(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene(nil, 0))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 9, Type: ops.Add, ElementID: "A", ElementVersion: 1, Data: encoded(t, elem(t, "A", 1))},
		{Seq: 7, Type: ops.Add, ElementID: "B", ElementVersion: 1, Data: encoded(t, elem(t, "B", 1))},
	}, "peer"))
	require.EqualValues(t, 9, ts.ServerSeq())

	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 8, Type: ops.Update, ElementID: "B", ElementVersion: 2, Data: encoded(t, elem(t, "B", 2))},
	}, "peer"))
	require.EqualValues(t, 9, ts.ServerSeq())
	require.Equal(t, map[string]int64{"A": 1, "B": 2}, versions(ts.Elements()))
	require.Equal(t, 2, ts.renders.count())
}

func TestApplyRemoteMalformedPayload(t *testing.T) {
	ts := newTester(t, 100)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1)}, 0))

	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 1, Type: ops.Update, ElementID: "A", ElementVersion: 2, Data: `{"id":"A","version":`},
		{Seq: 2, Type: ops.Update, ElementID: "A", ElementVersion: 3, Data: encoded(t, elem(t, "other", 3))},
		{Seq: 3, Type: ops.Add, ElementID: "B", ElementVersion: 1},
		{Seq: 4, Type: ops.Add, ElementID: "C", ElementVersion: 1, Data: encoded(t, elem(t, "C", 1))},
	}, "peer"))

	require.Equal(t, map[string]int64{"A": 1, "C": 1}, versions(ts.Elements()))
	require.EqualValues(t, 4, ts.ServerSeq())
	require.Equal(t, 1, ts.renders.count())
}

func TestApplyRemoteDeleteTombstones(t *testing.T) {
	ts := newTester(t, 100)
	base := elem(t, "A", 4).WithAttr("x", []byte(`12`))
	require.NoError(t, ts.InitializeFromScene([]element.Element{base}, 0))

	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 1, Type: ops.Delete, ElementID: "missing", ElementVersion: 1},
	}, "peer"))
	require.Zero(t, ts.renders.count())
	require.EqualValues(t, 1, ts.ServerSeq())

	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 2, Type: ops.Delete, ElementID: "A", ElementVersion: 5},
	}, "peer"))
	elements := ts.Elements()
	require.Len(t, elements, 1)
	require.True(t, elements[0].IsDeleted)
	require.EqualValues(t, 4, elements[0].Version)
	x, ok := elements[0].Attr("x")
	require.True(t, ok)
	require.Equal(t, `12`, string(x))
	require.Equal(t, 1, ts.renders.count())
}

func TestCatchUpPagesAndSkipsOwnOps(t *testing.T) {
	ts := newTester(t, 2)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1)}, 3))
	require.NoError(t, ts.SetSocketID("me"))

	result := make(chan error, 1)
	go func() { result <- ts.CatchUp(context.Background()) }()

	first := ts.transport.expectFetch(t)
	require.EqualValues(t, 3, first.since)
	require.Equal(t, 2, first.limit)
	first.reply <- fetchReply{batch: []ops.Operation{
		{Seq: 5, SocketID: "peer", Type: ops.Add, ElementID: "X", ElementVersion: 1, Data: encoded(t, elem(t, "X", 1))},
		{Seq: 4, SocketID: "me", Type: ops.Update, ElementID: "A", ElementVersion: 9, Data: encoded(t, elem(t, "A", 9))},
	}}

	second := ts.transport.expectFetch(t)
	require.EqualValues(t, 5, second.since)
	second.reply <- fetchReply{batch: []ops.Operation{
		{Seq: 6, SocketID: "peer", Type: ops.Delete, ElementID: "X", ElementVersion: 2},
	}}

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("catch-up did not finish")
	}
	require.EqualValues(t, 6, ts.ServerSeq())
	elements := ts.Elements()
	require.Equal(t, map[string]int64{"A": 1, "X": 1}, versions(elements))
	require.True(t, elements[1].IsDeleted)
	require.Equal(t, 2, ts.renders.count())
}

func TestCatchUpFailureIsReported(t *testing.T) {
	ts := newTester(t, 10)
	require.NoError(t, ts.InitializeFromScene(nil, 2))

	result := make(chan error, 1)
	go func() { result <- ts.CatchUp(context.Background()) }()
	ts.transport.expectFetch(t).reply <- fetchReply{err: errors.New("unavailable")}

	select {
	case err := <-result:
		require.ErrorContains(t, err, "unavailable")
	case <-time.After(waitFor):
		t.Fatal("catch-up did not finish")
	}
	require.EqualValues(t, 2, ts.ServerSeq())
}

func TestReconnectCatchesUpAndSkipsPreviousSession(t *testing.T) {
	ts := newTester(t, 10)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1)}, 1))
	ts.HandleIdentity("old")
	require.Equal(t, Connected, ts.State())

	ts.HandleDisconnect(errors.New("stream closed"))
	require.Equal(t, Disconnected, ts.State())

	ts.HandleIdentity("new")
	require.Equal(t, Connected, ts.State())
	require.Equal(t, "new", ts.SocketID())

	call := ts.transport.expectFetch(t)
	require.EqualValues(t, 1, call.since)
	call.reply <- fetchReply{batch: []ops.Operation{
		{Seq: 2, SocketID: "old", Type: ops.Update, ElementID: "A", ElementVersion: 7, Data: encoded(t, elem(t, "A", 7))},
		{Seq: 3, SocketID: "peer", Type: ops.Add, ElementID: "B", ElementVersion: 1, Data: encoded(t, elem(t, "B", 1))},
	}}
	ts.waitServerSeq(t, 3)
	require.Equal(t, map[string]int64{"A": 1, "B": 1}, versions(ts.Elements()))

	// the previous connection's ops are still recognised as our own echoes
	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 4, SocketID: "old", Type: ops.Delete, ElementID: "A", ElementVersion: 8},
	}, "old"))
	require.EqualValues(t, 3, ts.ServerSeq())
}

func TestRejectionForcesCatchUpFromBatchBase(t *testing.T) {
	ts := newTester(t, 10)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1)}, 2))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2)}))
	ts.clock.Advance(flushInterval)
	call := ts.transport.expectSubmit(t)
	require.EqualValues(t, 2, call.batch[0].BaseSeq)
	call.reply <- submitReply{result: ops.SubmitResult{
		Ack:       true,
		ServerSeq: 10,
		Rejected:  []ops.Rejection{{ClientSeq: 1, ElementID: "A", Reason: "element modified at seq 4"}},
	}}

	fetch := ts.transport.expectFetch(t)
	require.EqualValues(t, 2, fetch.since)
	fetch.reply <- fetchReply{batch: []ops.Operation{
		{Seq: 4, SocketID: "peer", Type: ops.Update, ElementID: "A", ElementVersion: 5, Data: encoded(t, elem(t, "A", 5))},
	}}
	require.Eventually(t, func() bool {
		return versions(ts.Elements())["A"] == 5
	}, waitFor, tick)
	require.EqualValues(t, 10, ts.ServerSeq())
}

func TestRejectionCatchUpKeepsAcceptedOwnChanges(t *testing.T) {
	ts := newTester(t, 10)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1), elem(t, "B", 1)}, 2))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2), elem(t, "B", 1)}))
	require.NoError(t, ts.ApplyRemote([]ops.Operation{
		{Seq: 3, SocketID: "peer", Type: ops.Update, ElementID: "B", ElementVersion: 2, Data: encoded(t, elem(t, "B", 2))},
	}, "peer"))
	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2), elem(t, "B", 3)}))

	ts.clock.Advance(flushInterval)
	call := ts.transport.expectSubmit(t)
	require.Equal(t, []int64{1, 2}, clientSeqs(call.batch))
	call.reply <- submitReply{result: ops.SubmitResult{
		Ack:       true,
		ServerSeq: 5,
		Rejected:  []ops.Rejection{{ClientSeq: 1, ElementID: "A", Reason: "element modified at seq 4"}},
	}}

	fetch := ts.transport.expectFetch(t)
	require.EqualValues(t, 2, fetch.since)
	fetch.reply <- fetchReply{batch: []ops.Operation{
		{Seq: 3, SocketID: "peer", Type: ops.Update, ElementID: "B", ElementVersion: 2, Data: encoded(t, elem(t, "B", 2))},
		{Seq: 4, SocketID: "peer", Type: ops.Update, ElementID: "A", ElementVersion: 5, Data: encoded(t, elem(t, "A", 5))},
		{Seq: 5, SocketID: "me", Type: ops.Update, ElementID: "B", ElementVersion: 3, Data: encoded(t, elem(t, "B", 3))},
	}}
	require.Eventually(t, func() bool {
		return versions(ts.Elements())["A"] == 5
	}, waitFor, tick)
	require.Equal(t, map[string]int64{"A": 5, "B": 3}, versions(ts.Elements()))
	require.EqualValues(t, 5, ts.ServerSeq())
}

func TestRejectionCatchUpEndsOnCommittedVersion(t *testing.T) {
	ts := newTester(t, 10)
	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "A", 1), elem(t, "B", 1)}, 2))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2), elem(t, "B", 1)}))
	ts.clock.Advance(flushInterval)
	first := ts.transport.expectSubmit(t)

	// B2 is built on base 2 while A2 is still in flight
	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2), elem(t, "B", 2)}))
	first.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 3}}
	ts.waitServerSeq(t, 3)
	ts.waitIdle(t)
	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 3), elem(t, "B", 2)}))

	ts.clock.Advance(flushInterval)
	second := ts.transport.expectSubmit(t)
	require.Len(t, second.batch, 2)
	require.EqualValues(t, 2, second.batch[0].BaseSeq)
	require.EqualValues(t, 3, second.batch[1].BaseSeq)
	second.reply <- submitReply{result: ops.SubmitResult{
		Ack:       true,
		ServerSeq: 5,
		Rejected:  []ops.Rejection{{ClientSeq: second.batch[1].ClientSeq, ElementID: "A", Reason: "element modified at seq 4"}},
	}}

	winner := element.New("A", 3).WithAttr("by", []byte(`"peer"`))
	fetch := ts.transport.expectFetch(t)
	require.EqualValues(t, 2, fetch.since)
	fetch.reply <- fetchReply{batch: []ops.Operation{
		{Seq: 3, SocketID: "me", Type: ops.Update, ElementID: "A", ElementVersion: 2, Data: encoded(t, elem(t, "A", 2))},
		{Seq: 4, SocketID: "peer", Type: ops.Update, ElementID: "A", ElementVersion: 3, Data: encoded(t, winner)},
		{Seq: 5, SocketID: "me", Type: ops.Update, ElementID: "B", ElementVersion: 2, Data: encoded(t, elem(t, "B", 2))},
	}}
	require.Eventually(t, func() bool {
		for _, e := range ts.Elements() {
			if by, ok := e.Attr("by"); ok && e.ID == "A" {
				return string(by) == `"peer"`
			}
		}
		return false
	}, waitFor, tick)
	require.Equal(t, map[string]int64{"A": 3, "B": 2}, versions(ts.Elements()))
	require.EqualValues(t, 5, ts.ServerSeq())
}

func TestSupersededFlushTimerIsIgnored(t *testing.T) {
	ts := newTester(t, 10)
	require.NoError(t, ts.InitializeFromScene(nil, 0))
	require.NoError(t, ts.SetSocketID("me"))
	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1)}))

	var armed uint64
	require.NoError(t, ts.inspect(func() { armed = ts.flushTimerID }))
	require.True(t, ts.post(flushTimerEvent{id: armed - 1}))
	ts.transport.expectNoSubmit(t)
	buffered, _, inFlight := ts.snapshot(t)
	require.Equal(t, 1, buffered)
	require.False(t, inFlight)

	ts.clock.Advance(flushInterval)
	call := ts.transport.expectSubmit(t)
	require.Len(t, call.batch, 1)
	call.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 1}}
	ts.waitServerSeq(t, 1)
}

func TestReinitializeIgnoresInFlightResult(t *testing.T) {
	ts := newTester(t, 10)
	require.NoError(t, ts.InitializeFromScene(nil, 0))
	require.NoError(t, ts.SetSocketID("me"))

	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1)}))
	ts.clock.Advance(flushInterval)
	call := ts.transport.expectSubmit(t)

	require.NoError(t, ts.InitializeFromScene([]element.Element{elem(t, "Z", 1)}, 20))
	call.reply <- submitReply{result: ops.SubmitResult{Ack: true, ServerSeq: 30}}
	ts.waitIdle(t)

	require.EqualValues(t, 20, ts.ServerSeq())
	require.Equal(t, map[string]int64{"Z": 1}, versions(ts.Elements()))
	require.Equal(t, Connected, ts.State())
}

func TestLifecycle(t *testing.T) {
	ts := newTester(t, 10)
	require.Equal(t, Uninitialized, ts.State())
	require.ErrorIs(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1)}), ErrUninitialized)

	require.NoError(t, ts.InitializeFromScene(nil, 0))
	require.Equal(t, Syncing, ts.State())
	require.NoError(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 1)}))

	ts.Destroy()
	ts.Destroy()
	require.Equal(t, Closed, ts.State())
	require.ErrorIs(t, ts.RecordLocalChange([]element.Element{elem(t, "A", 2)}), ErrClosed)
	require.ErrorIs(t, ts.ApplyRemote([]ops.Operation{{Seq: 1}}, "peer"), ErrClosed)
	require.ErrorIs(t, ts.CatchUp(context.Background()), ErrClosed)

	ts.clock.Advance(flushInterval)
	ts.transport.expectNoSubmit(t)
}

func TestUnchangedSnapshotBuffersNothing(t *testing.T) {
	ts := newTester(t, 10)
	snapshot := []element.Element{elem(t, "A", 1), elem(t, "B", 2)}
	require.NoError(t, ts.InitializeFromScene(snapshot, 0))
	require.NoError(t, ts.SetSocketID("me"))
	require.NoError(t, ts.RecordLocalChange(snapshot))

	buffered, _, _ := ts.snapshot(t)
	require.Zero(t, buffered)
	ts.clock.Advance(flushInterval)
	ts.transport.expectNoSubmit(t)
}
