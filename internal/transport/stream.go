package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"drawsync/internal/ops"
)

// StreamHandler receives live stream events. syncclient.Client implements it.
type StreamHandler interface {
	// HandleIdentity is called once per connection with the socket id the
	// service assigned to it.
	HandleIdentity(socketID string)
	HandleOps(batch []ops.Operation, originSocketID string)
	// HandleDisconnect is called when an established connection drops.
	HandleDisconnect(err error)
}

type StreamOpt func(*Stream)

func WithStreamLogger(logger *zap.Logger) StreamOpt {
	return func(s *Stream) {
		s.logger = logger
	}
}

func WithStreamClock(clock clockwork.Clock) StreamOpt {
	return func(s *Stream) {
		s.clock = clock
	}
}

// WithDialer replaces the websocket dialer, e.g. to carry a cookie jar.
func WithDialer(dialer *websocket.Dialer) StreamOpt {
	return func(s *Stream) {
		s.dialer = dialer
	}
}

// Stream keeps a websocket connection to the live operation stream of one
// document open, reconnecting after every failure until its context ends.
type Stream struct {
	url     string
	handler StreamHandler
	cfg     Config
	dialer  *websocket.Dialer
	header  http.Header
	logger  *zap.Logger
	clock   clockwork.Clock
}

func NewStream(serverURL, docID string, handler StreamHandler, cfg Config, opts ...StreamOpt) (*Stream, error) {
	u, err := streamURL(serverURL, docID)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		url:     u,
		handler: handler,
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		header:  http.Header{},
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func streamURL(serverURL, docID string) (string, error) {
	if docID == "" {
		return "", errors.New("document id is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("docs", docID, "stream").String(), nil
}

// Run connects and reads frames until ctx is cancelled. Failed or dropped
// connections are retried every ReconnectInterval.
func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		streamConnections.WithLabelValues(outcomeLabel(err)).Inc()
		s.logger.Info("stream disconnected, reconnecting",
			zap.String("url", s.url),
			zap.Duration("in", s.cfg.ReconnectInterval),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.ReconnectInterval):
		}
	}
}

func outcomeLabel(err error) string {
	var dialErr *dialError
	if errors.As(err, &dialErr) {
		return "dial_failed"
	}
	return "dropped"
}

type dialError struct {
	err error
}

func (e *dialError) Error() string { return fmt.Sprintf("dial stream: %v", e.err) }
func (e *dialError) Unwrap() error { return e.err }

// connect runs one connection. It returns once the connection is gone.
func (s *Stream) connect(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: %s", err, resp.Status)
		}
		return &dialError{err: err}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	defer stop()

	identified := false
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if identified && ctx.Err() == nil {
				s.handler.HandleDisconnect(err)
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var msg ops.StreamMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("skipping malformed stream frame", zap.Int("bytes", len(frame)), zap.Error(err))
			continue
		}
		if !identified {
			if msg.SocketID == "" || len(msg.Ops) > 0 {
				s.logger.Warn("stream opened without identity frame", zap.Int("ops", len(msg.Ops)))
				continue
			}
			identified = true
			s.logger.Debug("stream connected", zap.String("socket_id", msg.SocketID))
			s.handler.HandleIdentity(msg.SocketID)
			continue
		}
		s.handler.HandleOps(msg.Ops, msg.SocketID)
	}
}
