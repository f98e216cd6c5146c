package room

import (
	"context"
	"sync"

	"collabtext/internal/errs"
	"collabtext/internal/model"
)

// fakeStore is an in-memory storage.Store used across room package tests,
// avoiding a real Postgres dependency the way goph-keeper's pgxmock tests
// avoid a real connection at the repository layer.
type fakeStore struct {
	mu          sync.Mutex
	documents   map[model.DocumentId]*model.Document
	operations  map[model.DocumentId][]model.Operation
	snapshots   map[model.DocumentId][]byte
	offline     map[string][]model.OfflineQueueEntry
	cursorCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents:  make(map[model.DocumentId]*model.Document),
		operations: make(map[model.DocumentId][]model.Operation),
		snapshots:  make(map[model.DocumentId][]byte),
		offline:    make(map[string][]model.OfflineQueueEntry),
	}
}

func (f *fakeStore) GetDocument(ctx context.Context, id model.DocumentId) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeStore) CheckDocumentAccess(ctx context.Context, id model.DocumentId, userID model.UserId) (*model.AccessRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if doc.OwnerId == userID {
		return &model.AccessRole{Role: "owner"}, nil
	}
	return nil, errs.ErrAccessDenied
}

func (f *fakeStore) GetUserByOpenId(ctx context.Context, openID string) (*model.User, error) {
	return &model.User{Id: 1, Name: openID}, nil
}

func (f *fakeStore) AddOperation(ctx context.Context, op model.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operations[op.DocumentId] = append(f.operations[op.DocumentId], op)
	return nil
}

func (f *fakeStore) GetOperationsSince(ctx context.Context, id model.DocumentId, version int64) ([]model.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Operation
	for _, op := range f.operations[id] {
		if op.Version > version {
			out = append(out, op)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, s model.Session) error { return nil }
func (f *fakeStore) DeleteSession(ctx context.Context, clientID model.ClientId) error { return nil }

func (f *fakeStore) UpdateSessionCursor(ctx context.Context, clientID model.ClientId, c model.Cursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorCalls++
	return nil
}

func (f *fakeStore) UpdateDocumentSnapshot(ctx context.Context, id model.DocumentId, state []byte, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[id] = state
	if doc, ok := f.documents[id]; ok {
		doc.SnapshotVersion = version
		doc.SnapshotState = state
	}
	return nil
}

func (f *fakeStore) AddOfflineOperation(ctx context.Context, e model.OfflineQueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(e.ClientId)
	f.offline[key] = append(f.offline[key], e)
	return nil
}

func (f *fakeStore) GetOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) ([]model.OfflineQueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.OfflineQueueEntry(nil), f.offline[string(clientID)]...), nil
}

func (f *fakeStore) ClearOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.offline, string(clientID))
	return nil
}
