package offline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabtext/internal/crdt"
	"collabtext/internal/model"
	"collabtext/internal/room"
)

type fakeStore struct {
	offline map[string][]model.OfflineQueueEntry
	cleared []string
}

func newFakeStore() *fakeStore { return &fakeStore{offline: map[string][]model.OfflineQueueEntry{}} }

func (f *fakeStore) GetDocument(ctx context.Context, id model.DocumentId) (*model.Document, error) { return nil, nil }
func (f *fakeStore) CheckDocumentAccess(ctx context.Context, id model.DocumentId, userID model.UserId) (*model.AccessRole, error) { return nil, nil }
func (f *fakeStore) GetUserByOpenId(ctx context.Context, openID string) (*model.User, error) { return nil, nil }
func (f *fakeStore) AddOperation(ctx context.Context, op model.Operation) error { return nil }
func (f *fakeStore) GetOperationsSince(ctx context.Context, id model.DocumentId, version int64) ([]model.Operation, error) { return nil, nil }
func (f *fakeStore) CreateSession(ctx context.Context, s model.Session) error { return nil }
func (f *fakeStore) DeleteSession(ctx context.Context, clientID model.ClientId) error { return nil }
func (f *fakeStore) UpdateSessionCursor(ctx context.Context, clientID model.ClientId, c model.Cursor) error { return nil }
func (f *fakeStore) UpdateDocumentSnapshot(ctx context.Context, id model.DocumentId, state []byte, version int64) error { return nil }
func (f *fakeStore) AddOfflineOperation(ctx context.Context, e model.OfflineQueueEntry) error {
	f.offline[string(e.ClientId)] = append(f.offline[string(e.ClientId)], e)
	return nil
}
func (f *fakeStore) GetOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) ([]model.OfflineQueueEntry, error) {
	return f.offline[string(clientID)], nil
}
func (f *fakeStore) ClearOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) error {
	f.cleared = append(f.cleared, string(clientID))
	delete(f.offline, string(clientID))
	return nil
}

func newTestRoom(t *testing.T) *room.Room {
	t.Helper()
	engine, err := crdt.New()
	require.NoError(t, err)
	return room.New(model.DocumentId(7), engine, newFakeStore(), nil, zap.NewNop(), room.Config{SnapshotOpThreshold: 100}, 0)
}

func TestDrain_AppliesInSequenceOrderAndCountsRecovered(t *testing.T) {
	store := newFakeStore()
	rec := New(store, zap.NewNop())
	rm := newTestRoom(t)

	src, err := crdt.New()
	require.NoError(t, err)
	u1, err := src.ApplyLocalText("a")
	require.NoError(t, err)
	u2, err := src.ApplyLocalText("ab")
	require.NoError(t, err)
	u3, err := src.ApplyLocalText("abc")
	require.NoError(t, err)

	entries := []model.OfflineQueueEntry{
		{ClientId: "c1", DocumentId: 7, Update: u3, SequenceNumber: 3},
		{ClientId: "c1", DocumentId: 7, Update: u1, SequenceNumber: 1},
		{ClientId: "c1", DocumentId: 7, Update: u2, SequenceNumber: 2},
	}

	result := rec.Drain(context.Background(), rm, "c1", 7, 1, entries)
	require.Equal(t, 3, result.Recovered)
	require.Equal(t, 0, result.Conflicts)
	require.Contains(t, store.cleared, "c1")
}

func TestDrain_CountsConflictsSeparately(t *testing.T) {
	store := newFakeStore()
	rec := New(store, zap.NewNop())
	rm := newTestRoom(t)

	entries := []model.OfflineQueueEntry{
		{ClientId: "c1", DocumentId: 7, Update: []byte("not a change"), SequenceNumber: 1},
	}

	result := rec.Drain(context.Background(), rm, "c1", 7, 1, entries)
	require.Equal(t, 0, result.Recovered)
	require.Equal(t, 1, result.Conflicts)
}
