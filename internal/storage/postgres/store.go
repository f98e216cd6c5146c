package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"collabtext/internal/model"
	"collabtext/internal/storage"
)

// Store implements storage.Store against PostgreSQL.
type Store struct {
	db       *DB
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// New constructs a Store. Snapshot bytes are zstd-compressed before being
// written by UpdateDocumentSnapshot and transparently decompressed by
// GetDocument, since a full CRDT snapshot for a long-lived document can
// run into the megabytes and compresses well (repeated JSON-ish op
// encodings).
func New(db *DB) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd decoder: %w", err)
	}
	return &Store{db: db, encoder: enc, decoder: dec}, nil
}

var _ storage.Store = (*Store)(nil)

func (s *Store) GetDocument(ctx context.Context, id model.DocumentId) (*model.Document, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT owner_id, snapshot_state, snapshot_version FROM documents WHERE id = $1`, int64(id))

	var ownerID int64
	var compressed []byte
	var version int64
	if err := row.Scan(&ownerID, &compressed, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.WrapNotFound(err)
		}
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}

	var state []byte
	if len(compressed) > 0 {
		var err error
		state, err = s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot for document %d: %w", id, err)
		}
	}

	return &model.Document{
		Id:              id,
		OwnerId:         model.UserId(ownerID),
		SnapshotState:   state,
		SnapshotVersion: version,
	}, nil
}

func (s *Store) CheckDocumentAccess(ctx context.Context, id model.DocumentId, userID model.UserId) (*model.AccessRole, error) {
	var ownerID int64
	if err := s.db.Pool.QueryRow(ctx, `SELECT owner_id FROM documents WHERE id = $1`, int64(id)).Scan(&ownerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.WrapNotFound(err)
		}
		return nil, fmt.Errorf("check access, lookup owner of %d: %w", id, err)
	}
	if ownerID == int64(userID) {
		return &model.AccessRole{Role: "owner"}, nil
	}

	var role string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT role FROM document_access WHERE document_id = $1 AND user_id = $2`,
		int64(id), int64(userID)).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.WrapNotFound(err)
		}
		return nil, fmt.Errorf("check access for document %d, user %d: %w", id, userID, err)
	}
	return &model.AccessRole{Role: role}, nil
}

func (s *Store) GetUserByOpenId(ctx context.Context, openID string) (*model.User, error) {
	var id int64
	var name string
	err := s.db.Pool.QueryRow(ctx, `SELECT id, name FROM users WHERE open_id = $1`, openID).Scan(&id, &name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.WrapNotFound(err)
		}
		return nil, fmt.Errorf("get user by open id: %w", err)
	}
	return &model.User{Id: model.UserId(id), Name: name}, nil
}

func (s *Store) AddOperation(ctx context.Context, op model.Operation) error {
	clock, err := json.Marshal(op.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO operations (document_id, version, client_id, user_id, update_bytes, lamport_time, vector_clock)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		int64(op.DocumentId), op.Version, string(op.ClientId), int64(op.UserId), op.Update, int64(op.LamportTime), clock,
	)
	if err != nil {
		return fmt.Errorf("add operation for document %d version %d: %w", op.DocumentId, op.Version, err)
	}
	return nil
}

func (s *Store) GetOperationsSince(ctx context.Context, id model.DocumentId, version int64) ([]model.Operation, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT version, client_id, user_id, update_bytes, lamport_time, vector_clock
		 FROM operations WHERE document_id = $1 AND version > $2 ORDER BY version ASC`,
		int64(id), version,
	)
	if err != nil {
		return nil, fmt.Errorf("get operations for document %d since %d: %w", id, version, err)
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var clientID string
		var userID int64
		var lamport int64
		var clockRaw []byte
		if err := rows.Scan(&op.Version, &clientID, &userID, &op.Update, &lamport, &clockRaw); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		op.DocumentId = id
		op.ClientId = model.ClientId(clientID)
		op.UserId = model.UserId(userID)
		op.LamportTime = uint64(lamport)
		if err := json.Unmarshal(clockRaw, &op.VectorClock); err != nil {
			return nil, fmt.Errorf("unmarshal vector clock for version %d: %w", op.Version, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	var selStart, selEnd *int64
	if sess.Selection != nil {
		start, end := int64(sess.Selection.Start), int64(sess.Selection.End)
		selStart, selEnd = &start, &end
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sessions (client_id, document_id, user_id, color, position, selection_start, selection_end, last_heartbeat)
		 VALUES ($1,$2,$3,$4,$5,$6,$7, now())
		 ON CONFLICT (client_id) DO UPDATE SET
		   document_id = EXCLUDED.document_id, user_id = EXCLUDED.user_id,
		   color = EXCLUDED.color, position = EXCLUDED.position,
		   selection_start = EXCLUDED.selection_start, selection_end = EXCLUDED.selection_end,
		   last_heartbeat = now()`,
		string(sess.ClientId), int64(sess.DocumentId), int64(sess.UserId), string(sess.Color),
		int64(sess.Position), selStart, selEnd,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ClientId, err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, clientID model.ClientId) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE client_id = $1`, string(clientID)); err != nil {
		return fmt.Errorf("delete session %s: %w", clientID, err)
	}
	return nil
}

func (s *Store) UpdateSessionCursor(ctx context.Context, clientID model.ClientId, c model.Cursor) error {
	var selStart, selEnd *int64
	if c.Selection != nil {
		start, end := int64(c.Selection.Start), int64(c.Selection.End)
		selStart, selEnd = &start, &end
	}
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE sessions SET position = $2, selection_start = $3, selection_end = $4, last_heartbeat = now()
		 WHERE client_id = $1`,
		string(clientID), int64(c.Position), selStart, selEnd,
	)
	if err != nil {
		return fmt.Errorf("update cursor for %s: %w", clientID, err)
	}
	return nil
}

func (s *Store) UpdateDocumentSnapshot(ctx context.Context, id model.DocumentId, state []byte, version int64) error {
	compressed := s.encoder.EncodeAll(state, nil)
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE documents SET snapshot_state = $2, snapshot_version = $3 WHERE id = $1`,
		int64(id), compressed, version,
	)
	if err != nil {
		return fmt.Errorf("update snapshot for document %d: %w", id, err)
	}
	return nil
}

func (s *Store) AddOfflineOperation(ctx context.Context, e model.OfflineQueueEntry) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO offline_queue (client_id, document_id, sequence_number, update_bytes) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (client_id, document_id, sequence_number) DO NOTHING`,
		string(e.ClientId), int64(e.DocumentId), e.SequenceNumber, e.Update,
	)
	if err != nil {
		return fmt.Errorf("add offline op for %s: %w", e.ClientId, err)
	}
	return nil
}

func (s *Store) GetOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) ([]model.OfflineQueueEntry, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT sequence_number, update_bytes FROM offline_queue
		 WHERE client_id = $1 AND document_id = $2 ORDER BY sequence_number ASC`,
		string(clientID), int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("get offline queue for %s: %w", clientID, err)
	}
	defer rows.Close()

	var entries []model.OfflineQueueEntry
	for rows.Next() {
		e := model.OfflineQueueEntry{ClientId: clientID, DocumentId: id}
		if err := rows.Scan(&e.SequenceNumber, &e.Update); err != nil {
			return nil, fmt.Errorf("scan offline queue row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ClearOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) error {
	_, err := s.db.Pool.Exec(ctx,
		`DELETE FROM offline_queue WHERE client_id = $1 AND document_id = $2`,
		string(clientID), int64(id),
	)
	if err != nil {
		return fmt.Errorf("clear offline queue for %s: %w", clientID, err)
	}
	return nil
}
