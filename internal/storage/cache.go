package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"collabtext/internal/model"
)

// cacheTTL bounds how stale a cached document/access lookup may be. Access
// grants and document ownership change rarely relative to join_room
// traffic, so a short TTL is enough to absorb reconnect storms while
// bounding how long a revoked grant or changed document stays visible.
// Failed lookups (NotFound, AccessDenied) are never cached.
const cacheTTL = 30 * time.Second

// CachedStore wraps a Store with an in-process ristretto cache in front of
// GetDocument and CheckDocumentAccess — the two reads every join_room
// performs, and the ones most likely to repeat under a reconnect storm
// (spec §5's "getOrCreate may block on the metadata store").
type CachedStore struct {
	inner Store
	cache *ristretto.Cache
}

// NewCachedStore wraps inner with a bounded-size ristretto cache.
func NewCachedStore(inner Store) (*CachedStore, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 25, // 32MiB of cached document/access metadata
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("new cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: c}, nil
}

func docKey(id model.DocumentId) string {
	return fmt.Sprintf("doc:%d", id)
}

func accessKey(id model.DocumentId, userID model.UserId) string {
	return fmt.Sprintf("access:%d:%d", id, userID)
}

func (c *CachedStore) GetDocument(ctx context.Context, id model.DocumentId) (*model.Document, error) {
	if v, ok := c.cache.Get(docKey(id)); ok {
		doc := v.(model.Document)
		return &doc, nil
	}
	doc, err := c.inner.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(docKey(id), *doc, int64(len(doc.SnapshotState))+1, cacheTTL)
	return doc, nil
}

func (c *CachedStore) CheckDocumentAccess(ctx context.Context, id model.DocumentId, userID model.UserId) (*model.AccessRole, error) {
	key := accessKey(id, userID)
	if v, ok := c.cache.Get(key); ok {
		role := v.(model.AccessRole)
		return &role, nil
	}
	role, err := c.inner.CheckDocumentAccess(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, *role, 1, cacheTTL)
	return role, nil
}

// InvalidateDocument drops a cached document, e.g. right after this
// process writes a new snapshot, so a racing read on another shard's
// process-local cache doesn't matter (only this process's own cache needs
// to move off a value it itself wrote).
func (c *CachedStore) InvalidateDocument(id model.DocumentId) {
	c.cache.Del(docKey(id))
}

func (c *CachedStore) GetUserByOpenId(ctx context.Context, openID string) (*model.User, error) {
	return c.inner.GetUserByOpenId(ctx, openID)
}

func (c *CachedStore) AddOperation(ctx context.Context, op model.Operation) error {
	return c.inner.AddOperation(ctx, op)
}

func (c *CachedStore) GetOperationsSince(ctx context.Context, id model.DocumentId, version int64) ([]model.Operation, error) {
	return c.inner.GetOperationsSince(ctx, id, version)
}

func (c *CachedStore) CreateSession(ctx context.Context, s model.Session) error {
	return c.inner.CreateSession(ctx, s)
}

func (c *CachedStore) DeleteSession(ctx context.Context, clientID model.ClientId) error {
	return c.inner.DeleteSession(ctx, clientID)
}

func (c *CachedStore) UpdateSessionCursor(ctx context.Context, clientID model.ClientId, cur model.Cursor) error {
	return c.inner.UpdateSessionCursor(ctx, clientID, cur)
}

func (c *CachedStore) UpdateDocumentSnapshot(ctx context.Context, id model.DocumentId, state []byte, version int64) error {
	if err := c.inner.UpdateDocumentSnapshot(ctx, id, state, version); err != nil {
		return err
	}
	c.InvalidateDocument(id)
	return nil
}

func (c *CachedStore) AddOfflineOperation(ctx context.Context, e model.OfflineQueueEntry) error {
	return c.inner.AddOfflineOperation(ctx, e)
}

func (c *CachedStore) GetOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) ([]model.OfflineQueueEntry, error) {
	return c.inner.GetOfflineQueue(ctx, clientID, id)
}

func (c *CachedStore) ClearOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) error {
	return c.inner.ClearOfflineQueue(ctx, clientID, id)
}
