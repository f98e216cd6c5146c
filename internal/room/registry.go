package room

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/crdt"
	"collabtext/internal/errs"
	"collabtext/internal/fanout"
	"collabtext/internal/model"
	"collabtext/internal/storage"
)

// Registry is the process-wide mapping from DocumentId to live Room (spec
// §4.2). Race-free: at most one Room is constructed per DocumentId even
// under concurrent GetOrCreate calls for the same id.
type Registry struct {
	mu    sync.Mutex
	rooms map[model.DocumentId]*Room

	store  storage.Store
	bus    *fanout.Bus
	logger *zap.Logger
	cfg    Config
}

// NewRegistry constructs an empty Registry (spec §4.2: init = empty).
func NewRegistry(store storage.Store, bus *fanout.Bus, logger *zap.Logger, cfg Config) *Registry {
	return &Registry{
		rooms:  make(map[model.DocumentId]*Room),
		store:  store,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
	}
}

// GetOrCreate returns the live Room for id, creating it on demand by
// consulting the metadata store and loading the latest snapshot if any.
// Fails with errs.ErrNotFound when the document does not exist.
func (reg *Registry) GetOrCreate(ctx context.Context, id model.DocumentId) (*Room, error) {
	reg.mu.Lock()
	if r, ok := reg.rooms[id]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	// Hold the registry lock across construction so at most one Room is
	// built per id even under a concurrent join storm for a brand new
	// document; construction only blocks other GetOrCreate calls for other
	// ids for as long as the metadata lookup below takes, which is bounded
	// by the caller's context.
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[id]; ok {
		return r, nil
	}

	doc, err := reg.store.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: document %d: %v", errs.ErrNotFound, id, err)
	}

	var engine *crdt.Engine
	if len(doc.SnapshotState) > 0 {
		engine, err = crdt.Load(doc.SnapshotState)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for document %d: %w", id, err)
		}
	} else {
		engine, err = crdt.New()
		if err != nil {
			return nil, fmt.Errorf("new engine for document %d: %w", id, err)
		}
	}

	ops, err := reg.store.GetOperationsSince(ctx, id, doc.SnapshotVersion)
	if err != nil {
		return nil, fmt.Errorf("load trailing operations for document %d: %w", id, err)
	}
	for _, op := range ops {
		if err := engine.ApplyUpdate(op.Update); err != nil {
			reg.logger.Warn("discarding unreplayable persisted operation",
				zap.Int64("documentId", int64(id)), zap.Int64("version", op.Version), zap.Error(err))
		}
	}

	r := New(id, engine, reg.store, reg.bus, reg.logger, reg.cfg, doc.SnapshotVersion)
	reg.rooms[id] = r
	return r, nil
}

// Drop removes a Room from the registry. The caller must have already
// checkpointed it and must hold no further references.
func (reg *Registry) Drop(id model.DocumentId) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	delete(reg.rooms, id)
	reg.mu.Unlock()
	if ok {
		r.Close()
	}
}

// Get returns the live Room for id without creating one.
func (reg *Registry) Get(id model.DocumentId) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Rooms returns a snapshot of every currently live Room.
func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Shutdown checkpoints every live room concurrently (bounded by
// errgroup.SetLimit so a process hosting thousands of rooms doesn't open
// thousands of simultaneous snapshot writes) and aggregates any failures,
// then drops them all. Spec §9: "torn down on shutdown with a final
// checkpoint of every live Room".
func (reg *Registry) Shutdown(ctx context.Context) error {
	rooms := reg.Rooms()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)

	var mu sync.Mutex
	var combined error

	for _, r := range rooms {
		r := r
		g.Go(func() error {
			if err := r.Checkpoint(gctx); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range rooms {
		reg.Drop(r.DocumentId())
	}

	return combined
}
