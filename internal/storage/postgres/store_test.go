package postgres

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"collabtext/internal/model"
)

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	s, err := New(&DB{Pool: mock})
	require.NoError(t, err)
	return s, mock
}

func TestGetDocument_OwnerAndSnapshot(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	compressed := s.encoder.EncodeAll([]byte("snapshot-bytes"), nil)
	mock.ExpectQuery(`SELECT owner_id, snapshot_state, snapshot_version FROM documents WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "snapshot_state", "snapshot_version"}).
			AddRow(int64(7), compressed, int64(3)))

	doc, err := s.GetDocument(context.Background(), model.DocumentId(42))
	require.NoError(t, err)
	require.Equal(t, model.UserId(7), doc.OwnerId)
	require.Equal(t, int64(3), doc.SnapshotVersion)
	require.Equal(t, []byte("snapshot-bytes"), doc.SnapshotState)
}

func TestCheckDocumentAccess_OwnerShortCircuits(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT owner_id FROM documents WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"owner_id"}).AddRow(int64(9)))

	role, err := s.CheckDocumentAccess(context.Background(), model.DocumentId(1), model.UserId(9))
	require.NoError(t, err)
	require.Equal(t, "owner", role.Role)
}

func TestCheckDocumentAccess_GrantLookup(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT owner_id FROM documents WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"owner_id"}).AddRow(int64(9)))
	mock.ExpectQuery(`SELECT role FROM document_access WHERE document_id = \$1 AND user_id = \$2`).
		WithArgs(int64(1), int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"role"}).AddRow("editor"))

	role, err := s.CheckDocumentAccess(context.Background(), model.DocumentId(1), model.UserId(5))
	require.NoError(t, err)
	require.Equal(t, "editor", role.Role)
}

func TestAddOperation_MarshalsVectorClock(t *testing.T) {
	s, mock := newStore(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO operations`).
		WithArgs(int64(1), int64(4), "client-a", int64(2), []byte("upd"), int64(11),
			[]byte(`{"client-a":3}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AddOperation(context.Background(), model.Operation{
		DocumentId:  1,
		Version:     4,
		ClientId:    "client-a",
		UserId:      2,
		Update:      []byte("upd"),
		LamportTime: 11,
		VectorClock: map[model.ClientId]uint64{"client-a": 3},
	})
	require.NoError(t, err)
}
