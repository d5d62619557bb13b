// Package syncclient keeps a local element store consistent with the
// server-authoritative operation log of one document.
//
// A Client is a single-writer actor: one goroutine owns the element store, the
// sequence cursor and the operation buffers, and every public method, timer
// and network completion reaches it as an event on one channel. Nothing is
// shared behind locks.
package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"drawsync/internal/element"
	"drawsync/internal/ops"
)

var (
	// ErrClosed is returned by calls made after Destroy.
	ErrClosed = errors.New("sync client closed")
	// ErrUninitialized is returned by RecordLocalChange before InitializeFromScene.
	ErrUninitialized = errors.New("sync client not initialized")

	errNotAcknowledged = errors.New("batch not acknowledged")
)

// Transport is the client's view of the operation log service for one
// document.
type Transport interface {
	Submit(ctx context.Context, socketID string, batch []ops.Input) (ops.SubmitResult, error)
	FetchSince(ctx context.Context, sinceSeq int64, limit int) ([]ops.Operation, error)
}

// Renderer receives the full element list whenever remote operations changed
// the store. It is called from the client goroutine and must not call back
// into the Client synchronously.
type Renderer interface {
	Render(elements []element.Element)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(elements []element.Element)

func (f RenderFunc) Render(elements []element.Element) { f(elements) }

type Config struct {
	// FlushInterval is the debounce window between a local edit and the
	// submit that carries it.
	FlushInterval time.Duration
	// RetryInterval is the delay before resubmitting a batch whose submit
	// failed.
	RetryInterval time.Duration
	// CatchUpPageSize bounds one fetch during catch-up. A full page triggers
	// a fetch of the next one.
	CatchUpPageSize int
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:   150 * time.Millisecond,
		RetryInterval:   time.Second,
		CatchUpPageSize: 1000,
	}
}

type Opt func(*Client)

func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithConfig(cfg Config) Opt {
	return func(c *Client) {
		c.cfg = cfg
	}
}

func WithClock(clock clockwork.Clock) Opt {
	return func(c *Client) {
		c.clock = clock
	}
}

// Client synchronizes one document. Create it with New and release it with
// Destroy.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	clock     clockwork.Clock
	transport Transport
	renderer  Renderer

	events    chan any
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// ctx bounds network calls; it is cancelled only by Destroy.
	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is owned by the run goroutine.
	state      State
	generation uint64
	store      *element.Store
	serverSeq  int64
	// clientSeq survives re-initialization so a connection never reuses one.
	clientSeq  int64
	socketID   string
	ownSockets map[string]struct{}

	buffer   []ops.Input
	pending  []ops.Input
	inFlight bool

	flushTimer   clockwork.Timer
	flushTimerID uint64

	catchUp catchUpState
}

// New starts a client. It stays Uninitialized until InitializeFromScene.
func New(transport Transport, renderer Renderer, opts ...Opt) *Client {
	c := &Client{
		cfg:        DefaultConfig(),
		logger:     zap.NewNop(),
		clock:      clockwork.NewRealClock(),
		transport:  transport,
		renderer:   renderer,
		events:     make(chan any),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		store:      element.NewStore(nil),
		ownSockets: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.CatchUpPageSize <= 0 {
		c.cfg.CatchUpPageSize = DefaultConfig().CatchUpPageSize
	}
	if c.cfg.RetryInterval <= 0 {
		c.cfg.RetryInterval = c.cfg.FlushInterval
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c
}

type (
	initEvent struct {
		snapshot []element.Element
		baseSeq  int64
		done     chan struct{}
	}
	localChangeEvent struct {
		snapshot []element.Element
		done     chan error
	}
	remoteEvent struct {
		batch  []ops.Operation
		origin string
		done   chan struct{}
	}
	identityEvent struct {
		socketID   string
		fromStream bool
		done       chan struct{}
	}
	disconnectEvent struct {
		err  error
		done chan struct{}
	}
	catchUpEvent struct {
		done chan error
	}
	inspectEvent struct {
		fn   func()
		done chan struct{}
	}
	flushTimerEvent struct {
		id uint64
	}
	submitDoneEvent struct {
		generation uint64
		batch      []ops.Input
		result     ops.SubmitResult
		err        error
	}
	catchUpPageEvent struct {
		generation uint64
		since      int64
		batch      []ops.Operation
		err        error
	}
)

func (c *Client) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.teardown()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Client) handle(ev any) {
	switch ev := ev.(type) {
	case initEvent:
		c.initialize(ev.snapshot, ev.baseSeq)
		close(ev.done)
	case localChangeEvent:
		ev.done <- c.recordLocalChange(ev.snapshot)
	case remoteEvent:
		c.applyRemote(ev.batch, ev.origin)
		close(ev.done)
	case identityEvent:
		c.setIdentity(ev.socketID, ev.fromStream)
		close(ev.done)
	case disconnectEvent:
		c.disconnect(ev.err)
		close(ev.done)
	case catchUpEvent:
		c.requestCatchUp(c.serverSeq, ev.done)
	case inspectEvent:
		ev.fn()
		close(ev.done)
	case flushTimerEvent:
		if ev.id != c.flushTimerID {
			// stopped or superseded after it fired
			return
		}
		c.flushTimer = nil
		c.flush()
	case submitDoneEvent:
		c.submitDone(ev)
	case catchUpPageEvent:
		c.catchUpPage(ev)
	default:
		c.logger.Error("unknown sync client event", zap.Any("event", ev))
	}
}

// post delivers an internal event, giving up once the client is closed.
func (c *Client) post(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) call(ev any, done <-chan struct{}) error {
	if !c.post(ev) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) inspect(fn func()) error {
	done := make(chan struct{})
	return c.call(inspectEvent{fn: fn, done: done}, done)
}

func (c *Client) teardown() {
	c.stopFlushTimer()
	c.buffer = nil
	c.pending = nil
	c.state = Closed
	c.cancel()
	c.failCatchUpWaiters(ErrClosed)
	c.logger.Debug("sync client closed", zap.Int64("server_seq", c.serverSeq))
}

func (c *Client) initialize(snapshot []element.Element, baseSeq int64) {
	c.generation++
	c.stopFlushTimer()
	c.store.Reset(snapshot)
	c.serverSeq = baseSeq
	c.buffer = nil
	c.pending = nil
	c.catchUp.replayUntil = 0
	c.catchUp.replay = nil
	if c.socketID == "" {
		c.state = Syncing
	} else if c.state != Disconnected {
		c.state = Connected
	}
	c.logger.Debug("sync client initialized",
		zap.Int("elements", c.store.Len()),
		zap.Int64("server_seq", baseSeq),
		zap.Stringer("state", c.state),
	)
}

func (c *Client) setIdentity(socketID string, fromStream bool) {
	if socketID == "" {
		return
	}
	prev := c.state
	c.socketID = socketID
	c.ownSockets[socketID] = struct{}{}
	switch prev {
	case Syncing:
		c.state = Connected
	case Disconnected:
		if fromStream {
			c.state = Connected
			c.logger.Info("live stream recovered, catching up", zap.Int64("server_seq", c.serverSeq))
			c.requestCatchUp(c.serverSeq, nil)
		}
	}
	c.logger.Debug("connection identity set",
		zap.String("socket_id", socketID),
		zap.Stringer("from", prev),
		zap.Stringer("to", c.state),
	)
	if len(c.buffer) > 0 {
		c.scheduleFlush(c.cfg.FlushInterval)
	}
}

func (c *Client) disconnect(err error) {
	if c.state != Connected && c.state != Syncing {
		return
	}
	c.state = Disconnected
	c.logger.Warn("live stream lost", zap.Error(err), zap.Int64("server_seq", c.serverSeq))
}

// InitializeFromScene (re)seeds the store from snapshot with baseSeq as the
// authoritative cursor. Buffered operations and any scheduled flush are
// dropped; a batch already in flight completes but its result is ignored.
func (c *Client) InitializeFromScene(snapshot []element.Element, baseSeq int64) error {
	done := make(chan struct{})
	return c.call(initEvent{snapshot: snapshot, baseSeq: baseSeq, done: done}, done)
}

// RecordLocalChange diffs snapshot against the store, buffers the resulting
// operations and schedules a debounced flush.
func (c *Client) RecordLocalChange(snapshot []element.Element) error {
	done := make(chan error, 1)
	if !c.post(localChangeEvent{snapshot: snapshot, done: done}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// ApplyRemote folds operations pushed by the service into the store. A batch
// whose origin is this client is discarded whole.
func (c *Client) ApplyRemote(batch []ops.Operation, originSocketID string) error {
	done := make(chan struct{})
	return c.call(remoteEvent{batch: batch, origin: originSocketID, done: done}, done)
}

// CatchUp fetches and applies every operation after the current cursor. It
// returns once the log has been read to its end or a fetch failed.
func (c *Client) CatchUp(ctx context.Context) error {
	done := make(chan error, 1)
	if !c.post(catchUpEvent{done: done}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// SetSocketID records the connection identity, e.g. one carried over from a
// previous client for the same session.
func (c *Client) SetSocketID(socketID string) error {
	done := make(chan struct{})
	return c.call(identityEvent{socketID: socketID, done: done}, done)
}

// HandleIdentity is called by the live stream with the identity carried by
// the first frame of every connection.
func (c *Client) HandleIdentity(socketID string) {
	done := make(chan struct{})
	if err := c.call(identityEvent{socketID: socketID, fromStream: true, done: done}, done); err != nil {
		c.logger.Debug("identity dropped", zap.String("socket_id", socketID), zap.Error(err))
	}
}

// HandleOps is called by the live stream for every operation batch.
func (c *Client) HandleOps(batch []ops.Operation, originSocketID string) {
	if err := c.ApplyRemote(batch, originSocketID); err != nil {
		c.logger.Debug("remote batch dropped", zap.Int("ops", len(batch)), zap.Error(err))
	}
}

// HandleDisconnect is called by the live stream when its connection drops.
func (c *Client) HandleDisconnect(err error) {
	done := make(chan struct{})
	_ = c.call(disconnectEvent{err: err, done: done}, done)
}

func (c *Client) ServerSeq() int64 {
	var seq int64
	_ = c.inspect(func() { seq = c.serverSeq })
	return seq
}

func (c *Client) SocketID() string {
	var id string
	_ = c.inspect(func() { id = c.socketID })
	return id
}

func (c *Client) State() State {
	state := Closed
	_ = c.inspect(func() { state = c.state })
	return state
}

// Elements returns a reconstructed copy of the store.
func (c *Client) Elements() []element.Element {
	var elements []element.Element
	_ = c.inspect(func() { elements = c.store.Elements() })
	return elements
}

// Destroy cancels pending timers and drops all buffered operations. It is
// safe to call more than once.
func (c *Client) Destroy() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}
