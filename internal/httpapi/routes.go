package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"drawsync/internal/auth"
	"drawsync/internal/element"
	"drawsync/internal/ops"
	"drawsync/internal/storage"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

type bootstrapResponse struct {
	Elements  []element.Element `json:"elements"`
	ServerSeq int64             `json:"serverSeq"`
}

type Opt func(*Server)

func WithLogger(logger *zap.Logger) Opt {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStreamQueueSize sets how many frames a live subscriber may lag behind
// before it is disconnected.
func WithStreamQueueSize(n int) Opt {
	return func(s *Server) {
		s.queueSize = n
	}
}

func WithPingInterval(d time.Duration) Opt {
	return func(s *Server) {
		s.pingInterval = d
	}
}

type Server struct {
	store        storage.Store
	logger       *zap.Logger
	queueSize    int
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	hub          *hub

	// submitMu keeps broadcasts in commit order.
	submitMu sync.Mutex
}

func NewServer(store storage.Store, opts ...Opt) *Server {
	s := &Server{
		store:        store,
		logger:       zap.NewNop(),
		queueSize:    64,
		pingInterval: 20 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queueSize <= 0 {
		s.queueSize = 64
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 20 * time.Second
	}
	s.hub = newHub(s.queueSize, s.logger)
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/docs/{docID}/ops", s.handleOps)
	mux.HandleFunc("/docs/{docID}/bootstrap", s.handleBootstrap)
	mux.HandleFunc("/docs/{docID}/stream", s.handleStream)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleFetch(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("docID")
	var payload ops.SubmitRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.logger.Debug("submit decode error", zap.String("doc_id", docID), zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SocketID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "socketId is required"})
		return
	}
	submitBatchSize.WithLabelValues().Observe(float64(len(payload.Ops)))

	s.submitMu.Lock()
	result, err := s.store.ApplyOps(r.Context(), docID, payload.SocketID, userID, payload.Ops)
	if err == nil {
		s.hub.broadcast(docID, payload.SocketID, result.Accepted)
	}
	s.submitMu.Unlock()
	if errors.Is(err, storage.ErrInvalidOp) {
		submittedOps.WithLabelValues("invalid").Add(float64(len(payload.Ops)))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.logger.Error("submit failed",
			zap.String("doc_id", docID),
			zap.String("socket_id", payload.SocketID),
			zap.Int("ops", len(payload.Ops)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	submittedOps.WithLabelValues("accepted").Add(float64(len(result.Accepted)))
	submittedOps.WithLabelValues("rejected").Add(float64(len(result.Rejected)))
	submittedOps.WithLabelValues("duplicate").Add(float64(result.Duplicates))

	if err := s.store.TouchClient(r.Context(), docID, payload.SocketID, userID); err != nil {
		s.logger.Warn("touch client failed", zap.String("socket_id", payload.SocketID), zap.Error(err))
	}
	s.logger.Debug("ops submitted",
		zap.String("doc_id", docID),
		zap.String("socket_id", payload.SocketID),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int64("server_seq", result.ServerSeq),
	)
	writeJSON(w, http.StatusOK, result.SubmitResult())
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	docID := r.PathValue("docID")
	since, ok := queryInt(w, r, "since")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	batch, head, err := s.store.GetOpsSince(r.Context(), docID, since, int(limit))
	if err != nil {
		s.logger.Error("fetch failed", zap.String("doc_id", docID), zap.Int64("since", since), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if socketID := r.URL.Query().Get("socketId"); socketID != "" {
		if err := s.store.UpdateClientCursor(r.Context(), docID, socketID, ops.MaxSeq(since, batch)); err != nil {
			s.logger.Warn("update cursor failed", zap.String("socket_id", socketID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, ops.FetchResult{ServerSeq: head, Ops: batch})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if _, ok := requireUser(w, r); !ok {
		return
	}
	docID := r.PathValue("docID")
	at, ok := queryInt(w, r, "at")
	if !ok {
		return
	}
	elements, seq, err := s.store.Replay(r.Context(), docID, at)
	if err != nil {
		s.logger.Error("bootstrap failed", zap.String("doc_id", docID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, bootstrapResponse{Elements: elements, ServerSeq: seq})
}

// handleStream serves the live operation stream. The first frame carries the
// connection's own socket id; later frames carry batches accepted from other
// connections of the same document.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("docID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", zap.String("doc_id", docID), zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe(docID)
	defer s.hub.unsubscribe(sub)
	logger := s.logger.With(zap.String("doc_id", docID), zap.String("socket_id", sub.socketID))
	if err := s.store.TouchClient(r.Context(), docID, sub.socketID, userID); err != nil {
		logger.Warn("touch client failed", zap.Error(err))
	}

	identity, err := json.Marshal(ops.StreamMessage{SocketID: sub.socketID, Ops: []ops.Operation{}})
	if err != nil {
		logger.Error("encode identity frame", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, identity); err != nil {
		logger.Debug("write identity frame", zap.Error(err))
		return
	}
	logger.Debug("stream subscribed")

	// Incoming frames are ignored; reading surfaces the peer's close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case f := <-sub.send:
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
			if err := s.store.UpdateClientCursor(r.Context(), docID, sub.socketID, f.seq); err != nil {
				logger.Warn("update cursor failed", zap.Error(err))
			}
		case <-ping.C:
			deadline := time.Now().Add(s.pingInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("stream ping failed", zap.Error(err))
				return
			}
		case <-sub.kick:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			logger.Debug("stream closed by peer")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return "", false
	}
	return userID, true
}

// queryInt reads a non-negative integer query parameter, 0 when absent.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return 0, true
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be a non-negative integer"})
		return 0, false
	}
	return parsed, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
