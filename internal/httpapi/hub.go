package httpapi

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"drawsync/internal/ops"
)

// frame is an encoded stream message and the highest seq it carries.
type frame struct {
	data []byte
	seq  int64
}

// subscriber is one live stream connection. Frames are queued on send; kick
// is closed when the hub drops the subscriber for falling behind.
type subscriber struct {
	docID    string
	socketID string
	send     chan frame
	kick     chan struct{}
}

// hub fans accepted operations out to the live subscribers of each document.
type hub struct {
	mu        sync.Mutex
	docs      map[string]map[*subscriber]struct{}
	queueSize int
	logger    *zap.Logger
}

func newHub(queueSize int, logger *zap.Logger) *hub {
	return &hub{
		docs:      make(map[string]map[*subscriber]struct{}),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (h *hub) subscribe(docID string) *subscriber {
	sub := &subscriber{
		docID:    docID,
		socketID: uuid.NewString(),
		send:     make(chan frame, h.queueSize),
		kick:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.docs[docID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.docs[docID] = subs
	}
	subs[sub] = struct{}{}
	subscribers.WithLabelValues().Inc()
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub)
}

// remove must be called with mu held. It reports whether sub was still
// subscribed.
func (h *hub) remove(sub *subscriber) bool {
	subs := h.docs[sub.docID]
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.docs, sub.docID)
	}
	subscribers.WithLabelValues().Dec()
	return true
}

// broadcast queues batch for every subscriber of docID except the one that
// produced it. A subscriber whose queue is full is dropped; it reconnects and
// catches up from its cursor.
func (h *hub) broadcast(docID, origin string, batch []ops.Operation) {
	if len(batch) == 0 {
		return
	}
	data, err := json.Marshal(ops.StreamMessage{SocketID: origin, Ops: batch})
	if err != nil {
		h.logger.Error("encode stream frame", zap.Error(err))
		return
	}
	f := frame{data: data, seq: ops.MaxSeq(0, batch)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.docs[docID] {
		if sub.socketID == origin {
			continue
		}
		select {
		case sub.send <- f:
		default:
			h.remove(sub)
			close(sub.kick)
			slowSubscribers.WithLabelValues().Inc()
			h.logger.Warn("dropping slow stream subscriber",
				zap.String("doc_id", docID),
				zap.String("socket_id", sub.socketID),
			)
		}
	}
}

func (h *hub) count(docID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs[docID])
}
