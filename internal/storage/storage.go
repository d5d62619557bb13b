package storage

import (
	"context"
	"errors"

	"drawsync/internal/element"
	"drawsync/internal/ops"
)

// ErrInvalidOp is returned when a submitted batch contains an operation that
// is missing required metadata. Nothing from such a batch is stored.
var ErrInvalidOp = errors.New("invalid operation")

// DefaultFetchLimit bounds GetOpsSince when the caller passes no limit. It is
// also the maximum page a caller may ask for.
const DefaultFetchLimit = 1000

// Store defines the persistence contract for document operation logs.
type Store interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// ApplyOps validates a submitted batch, rejects operations that conflict
	// with a change the submitter had not seen, and appends the rest to the
	// document log with contiguous sequence numbers.
	//
	// Operations already stored for the same socket and clientSeq are skipped,
	// so a batch retried after a lost response is not applied twice.
	ApplyOps(ctx context.Context, docID, socketID, actor string, batch []ops.Input) (ApplyResult, error)

	// GetOpsSince returns up to limit operations with seq > since in seq
	// order, along with the document's head seq.
	GetOpsSince(ctx context.Context, docID string, since int64, limit int) ([]ops.Operation, int64, error)

	// HeadSeq returns the highest seq assigned in the document, 0 when the
	// document has no operations.
	HeadSeq(ctx context.Context, docID string) (int64, error)

	// Replay rebuilds the element list by applying the log forward up to
	// atSeq, or to the head when atSeq is not positive. It returns the seq the
	// result reflects.
	Replay(ctx context.Context, docID string, atSeq int64) ([]element.Element, int64, error)

	// TouchClient upserts connection presence without advancing its cursor.
	TouchClient(ctx context.Context, docID, socketID, actor string) error

	// UpdateClientCursor upserts a connection's cursor to at least seq. The
	// cursor never regresses.
	UpdateClientCursor(ctx context.Context, docID, socketID string, seq int64) error
}
