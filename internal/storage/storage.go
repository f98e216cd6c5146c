// Package storage declares the persistence collaborator of spec §6.3. The
// collaboration core depends only on this interface; internal/storage/
// postgres provides the concrete implementation, internal/storage also
// hosts an in-process cache in front of the two hot read paths
// (getDocument, checkDocumentAccess) that every join_room exercises.
package storage

import (
	"context"

	"collabtext/internal/model"
)

// Store is the full storage collaborator required by the core.
type Store interface {
	GetDocument(ctx context.Context, id model.DocumentId) (*model.Document, error)
	CheckDocumentAccess(ctx context.Context, id model.DocumentId, userID model.UserId) (*model.AccessRole, error)
	GetUserByOpenId(ctx context.Context, openID string) (*model.User, error)

	AddOperation(ctx context.Context, op model.Operation) error
	GetOperationsSince(ctx context.Context, id model.DocumentId, version int64) ([]model.Operation, error)

	CreateSession(ctx context.Context, s model.Session) error
	DeleteSession(ctx context.Context, clientID model.ClientId) error
	UpdateSessionCursor(ctx context.Context, clientID model.ClientId, c model.Cursor) error

	UpdateDocumentSnapshot(ctx context.Context, id model.DocumentId, state []byte, version int64) error

	AddOfflineOperation(ctx context.Context, e model.OfflineQueueEntry) error
	GetOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) ([]model.OfflineQueueEntry, error)
	ClearOfflineQueue(ctx context.Context, clientID model.ClientId, id model.DocumentId) error
}

// notFoundError tags storage-layer "not found" outcomes. The postgres
// package wraps pgx.ErrNoRows in it. Unwrap returns the wrapped backend
// error, so errors.Is matches that error (not errs.ErrNotFound).
type notFoundError struct{ wrapped error }

func (e *notFoundError) Error() string { return e.wrapped.Error() }
func (e *notFoundError) Unwrap() error { return e.wrapped }

// WrapNotFound tags err as a storage-layer not-found outcome.
func WrapNotFound(err error) error { return &notFoundError{wrapped: err} }
