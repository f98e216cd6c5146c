package room

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabtext/internal/crdt"
	"collabtext/internal/errs"
	"collabtext/internal/model"
)

func TestGetOrCreate_NotFoundForMissingDocument(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, nil, zap.NewNop(), Config{})

	_, err := reg.GetOrCreate(context.Background(), model.DocumentId(99))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetOrCreate_ConstructsOnceConcurrently(t *testing.T) {
	store := newFakeStore()
	store.documents[1] = &model.Document{Id: 1, OwnerId: 1}
	reg := NewRegistry(store, nil, zap.NewNop(), Config{})

	var wg sync.WaitGroup
	rooms := make([]*Room, 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := reg.GetOrCreate(context.Background(), model.DocumentId(1))
			require.NoError(t, err)
			rooms[i] = r
		}()
	}
	wg.Wait()

	for i := 1; i < 16; i++ {
		require.Same(t, rooms[0], rooms[i])
	}
}

func TestGetOrCreate_ReplaysTrailingOperations(t *testing.T) {
	store := newFakeStore()
	store.documents[1] = &model.Document{Id: 1, OwnerId: 1}
	reg := NewRegistry(store, nil, zap.NewNop(), Config{})

	r, err := reg.GetOrCreate(context.Background(), model.DocumentId(1))
	require.NoError(t, err)

	src, err := crdt.New()
	require.NoError(t, err)

	update1, err := src.ApplyLocalText("x")
	require.NoError(t, err)
	_, err = r.ApplyRemote(context.Background(), update1, "origin", 1)
	require.NoError(t, err)
	require.NoError(t, r.Checkpoint(context.Background()))

	update2, err := src.ApplyLocalText("xy")
	require.NoError(t, err)
	_, err = r.ApplyRemote(context.Background(), update2, "origin", 1)
	require.NoError(t, err)

	wantText, err := r.engine.Text()
	require.NoError(t, err)

	reg.Drop(1)
	r2, err := reg.GetOrCreate(context.Background(), model.DocumentId(1))
	require.NoError(t, err)
	gotText, err := r2.engine.Text()
	require.NoError(t, err)
	require.Equal(t, wantText, gotText)
}

func TestDrop_RemovesFromRegistry(t *testing.T) {
	store := newFakeStore()
	store.documents[1] = &model.Document{Id: 1, OwnerId: 1}
	reg := NewRegistry(store, nil, zap.NewNop(), Config{})

	_, err := reg.GetOrCreate(context.Background(), model.DocumentId(1))
	require.NoError(t, err)
	reg.Drop(1)
	_, ok := reg.Get(1)
	require.False(t, ok)
}
