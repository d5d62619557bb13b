package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"drawsync/internal/element"
	"drawsync/internal/ops"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT PRIMARY KEY,
	head_seq INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ops (
	doc_id TEXT NOT NULL REFERENCES documents(doc_id),
	seq INTEGER NOT NULL,
	op_id TEXT NOT NULL UNIQUE,
	client_seq INTEGER NOT NULL,
	socket_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	type TEXT NOT NULL,
	element_id TEXT NOT NULL,
	element_version INTEGER NOT NULL,
	base_seq INTEGER NOT NULL,
	data TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (doc_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_dedupe
ON ops(doc_id, socket_id, client_seq);

CREATE INDEX IF NOT EXISTS idx_ops_element
ON ops(doc_id, element_id, seq DESC);

CREATE TABLE IF NOT EXISTS clients (
	doc_id TEXT NOT NULL,
	socket_id TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	last_seen_seq INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (doc_id, socket_id)
);
`

const opColumns = `seq, op_id, client_seq, socket_id, type, element_id, element_version, base_seq, data, created_at`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, and every pragma below applies to it.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type latestChange struct {
	seq     int64
	version int64
}

func (s *SQLiteStore) ApplyOps(ctx context.Context, docID, socketID, actor string, batch []ops.Input) (ApplyResult, error) {
	if docID == "" {
		return ApplyResult{}, errors.New("docId is required")
	}
	if socketID == "" {
		return ApplyResult{}, fmt.Errorf("%w: socketId is required", ErrInvalidOp)
	}
	for i, op := range batch {
		if err := op.Validate(); err != nil {
			return ApplyResult{}, fmt.Errorf("%w: op %d: %v", ErrInvalidOp, i, err)
		}
	}
	if len(batch) == 0 {
		head, err := s.HeadSeq(ctx, docID)
		if err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{ServerSeq: head}, nil
	}

	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = transaction.Rollback() }()

	now := s.now()
	head, err := ensureDocument(ctx, transaction, docID, now)
	if err != nil {
		return ApplyResult{}, err
	}

	insert, err := transaction.PrepareContext(ctx, `
		INSERT INTO ops (doc_id, `+opColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	var result ApplyResult
	latest := make(map[string]latestChange)
	for _, in := range batch {
		duplicate, err := isStored(ctx, transaction, docID, socketID, in.ClientSeq)
		if err != nil {
			return ApplyResult{}, err
		}
		if duplicate {
			result.Duplicates++
			continue
		}

		last, ok := latest[in.ElementID]
		if !ok {
			last, ok, err = latestForElement(ctx, transaction, docID, in.ElementID)
			if err != nil {
				return ApplyResult{}, err
			}
		}
		if ok && last.seq > in.BaseSeq && in.ElementVersion <= last.version {
			result.Rejected = append(result.Rejected, ops.Rejection{
				ClientSeq: in.ClientSeq,
				ElementID: in.ElementID,
				Reason: fmt.Sprintf("element modified at seq %d (version %d), base was seq %d (version %d)",
					last.seq, last.version, in.BaseSeq, in.ElementVersion),
			})
			continue
		}

		head++
		op := ops.Operation{
			OpID:           uuid.NewString(),
			Seq:            head,
			ClientSeq:      in.ClientSeq,
			SocketID:       socketID,
			Type:           in.Type,
			ElementID:      in.ElementID,
			ElementVersion: in.ElementVersion,
			BaseSeq:        in.BaseSeq,
			Data:           in.Data,
			Timestamp:      now.UTC(),
		}
		if _, err := insert.ExecContext(ctx, docID,
			op.Seq, op.OpID, op.ClientSeq, op.SocketID, string(op.Type), op.ElementID,
			op.ElementVersion, op.BaseSeq, op.Data, now.UnixNano(),
		); err != nil {
			return ApplyResult{}, fmt.Errorf("insert op: %w", err)
		}
		latest[in.ElementID] = latestChange{seq: op.Seq, version: op.ElementVersion}
		result.Accepted = append(result.Accepted, op)
	}

	if len(result.Accepted) > 0 {
		if _, err := transaction.ExecContext(ctx, `
			UPDATE documents SET head_seq = ?, updated_at = ? WHERE doc_id = ?
		`, head, now.Unix(), docID); err != nil {
			return ApplyResult{}, fmt.Errorf("advance head: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit ops: %w", err)
	}
	result.ServerSeq = head
	return result, nil
}

func ensureDocument(ctx context.Context, transaction *sql.Tx, docID string, now time.Time) (int64, error) {
	if _, err := transaction.ExecContext(ctx, `
		INSERT INTO documents (doc_id, head_seq, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(doc_id) DO NOTHING
	`, docID, now.Unix(), now.Unix()); err != nil {
		return 0, fmt.Errorf("create document: %w", err)
	}
	var head int64
	row := transaction.QueryRowContext(ctx, "SELECT head_seq FROM documents WHERE doc_id = ?", docID)
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("read head seq: %w", err)
	}
	return head, nil
}

func isStored(ctx context.Context, transaction *sql.Tx, docID, socketID string, clientSeq int64) (bool, error) {
	var n int
	row := transaction.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ops WHERE doc_id = ? AND socket_id = ? AND client_seq = ?
	`, docID, socketID, clientSeq)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check duplicate op: %w", err)
	}
	return n > 0, nil
}

func latestForElement(ctx context.Context, transaction *sql.Tx, docID, elementID string) (latestChange, bool, error) {
	var last latestChange
	row := transaction.QueryRowContext(ctx, `
		SELECT seq, element_version FROM ops
		WHERE doc_id = ? AND element_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, docID, elementID)
	switch err := row.Scan(&last.seq, &last.version); {
	case errors.Is(err, sql.ErrNoRows):
		return latestChange{}, false, nil
	case err != nil:
		return latestChange{}, false, fmt.Errorf("latest op for element: %w", err)
	}
	return last, true, nil
}

func (s *SQLiteStore) GetOpsSince(ctx context.Context, docID string, since int64, limit int) ([]ops.Operation, int64, error) {
	if limit <= 0 || limit > DefaultFetchLimit {
		limit = DefaultFetchLimit
	}
	head, err := s.HeadSeq(ctx, docID)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+`
		FROM ops
		WHERE doc_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, docID, since, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query ops: %w", err)
	}
	batch, err := scanOps(rows)
	if err != nil {
		return nil, 0, err
	}
	return batch, head, nil
}

func scanOps(rows *sql.Rows) ([]ops.Operation, error) {
	defer rows.Close()
	batch := make([]ops.Operation, 0)
	for rows.Next() {
		var op ops.Operation
		var opType string
		var createdAt int64
		if err := rows.Scan(&op.Seq, &op.OpID, &op.ClientSeq, &op.SocketID, &opType, &op.ElementID,
			&op.ElementVersion, &op.BaseSeq, &op.Data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		op.Type = ops.Type(opType)
		op.Timestamp = time.Unix(0, createdAt).UTC()
		batch = append(batch, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return batch, nil
}

func (s *SQLiteStore) HeadSeq(ctx context.Context, docID string) (int64, error) {
	var head int64
	row := s.db.QueryRowContext(ctx, "SELECT head_seq FROM documents WHERE doc_id = ?", docID)
	switch err := row.Scan(&head); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("head seq: %w", err)
	}
	return head, nil
}

func (s *SQLiteStore) Replay(ctx context.Context, docID string, atSeq int64) ([]element.Element, int64, error) {
	head, err := s.HeadSeq(ctx, docID)
	if err != nil {
		return nil, 0, err
	}
	if atSeq <= 0 || atSeq > head {
		atSeq = head
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+`
		FROM ops
		WHERE doc_id = ? AND seq <= ?
		ORDER BY seq ASC
	`, docID, atSeq)
	if err != nil {
		return nil, 0, fmt.Errorf("query ops: %w", err)
	}
	log, err := scanOps(rows)
	if err != nil {
		return nil, 0, err
	}

	store := element.NewStore(nil)
	for _, op := range log {
		switch op.Type {
		case ops.Add, ops.Update:
			e, err := element.Parse([]byte(op.Data))
			if err != nil || e.ID != op.ElementID {
				// stored ops are validated on the way in; skip what still fails
				continue
			}
			store.Put(e)
		case ops.Delete:
			store.Tombstone(op.ElementID)
		}
	}
	return store.Elements(), atSeq, nil
}

func (s *SQLiteStore) TouchClient(ctx context.Context, docID, socketID, actor string) error {
	if socketID == "" {
		return errors.New("socketId is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (doc_id, socket_id, actor, last_seen_seq, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(doc_id, socket_id) DO UPDATE SET
			actor = excluded.actor,
			updated_at = excluded.updated_at
	`, docID, socketID, actor, s.now().Unix())
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateClientCursor(ctx context.Context, docID, socketID string, seq int64) error {
	if socketID == "" {
		return errors.New("socketId is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (doc_id, socket_id, last_seen_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id, socket_id) DO UPDATE SET
			last_seen_seq = MAX(clients.last_seen_seq, excluded.last_seen_seq),
			updated_at = excluded.updated_at
	`, docID, socketID, seq, s.now().Unix())
	if err != nil {
		return fmt.Errorf("update client cursor: %w", err)
	}
	return nil
}

// ClientCursor returns the stored cursor of one connection.
func (s *SQLiteStore) ClientCursor(ctx context.Context, docID, socketID string) (int64, error) {
	var seq int64
	row := s.db.QueryRowContext(ctx, `
		SELECT last_seen_seq FROM clients WHERE doc_id = ? AND socket_id = ?
	`, docID, socketID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("client cursor: %w", err)
	}
	return seq, nil
}
