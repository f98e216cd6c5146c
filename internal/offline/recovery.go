// Package offline implements spec §4.7: on reconnect, after room_joined,
// the client drains updates accumulated while disconnected and the server
// reports recovered vs. conflicting counts. Because the CRDT is idempotent
// and commutative, repeated or reordered delivery is safe (spec §4.7,
// P1/P2).
package offline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"collabtext/internal/model"
	"collabtext/internal/room"
	"collabtext/internal/storage"
)

// Recovery drains a client's offline queue into a Room and tallies the
// outcome.
type Recovery struct {
	store  storage.Store
	logger *zap.Logger
}

// New constructs a Recovery collaborator.
func New(store storage.Store, logger *zap.Logger) *Recovery {
	return &Recovery{store: store, logger: logger}
}

// Result is the {recovered, conflicts} pair reported back to the client.
type Result struct {
	Recovered int
	Conflicts int
}

// Drain applies entries to rm in ascending sequenceNumber order via the
// normal update path, then clears any server-side mirror of the client's
// queue (populated by earlier best-effort AddOfflineOperation calls, e.g.
// from a prior session that queued but never got to flush before losing
// its connection). Applied updates are removed from the client's queue by
// virtue of the caller not re-sending them; this method does not mutate
// the entries slice.
func (r *Recovery) Drain(ctx context.Context, rm *room.Room, clientID model.ClientId, documentID model.DocumentId, userID model.UserId, entries []model.OfflineQueueEntry) Result {
	sorted := append([]model.OfflineQueueEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNumber < sorted[j].SequenceNumber })

	var result Result
	for _, e := range sorted {
		if _, err := rm.ApplyRemote(ctx, e.Update, clientID, userID); err != nil {
			r.logger.Warn("offline replay entry failed to apply",
				zap.String("clientId", string(clientID)), zap.Int64("sequenceNumber", e.SequenceNumber), zap.Error(err))
			result.Conflicts++
			continue
		}
		result.Recovered++
	}

	if err := r.store.ClearOfflineQueue(ctx, clientID, documentID); err != nil {
		r.logger.Warn("failed to clear server-side offline queue mirror",
			zap.String("clientId", string(clientID)), zap.Error(err))
	}
	return result
}

// Mirror best-effort persists one queued entry to the server-side offline
// queue, so a client that loses local durable storage before it can
// reconnect (crash, device loss) still has a server-held copy to recover
// from via PullMirrored. Loss of this write is not fatal: the client's own
// local queue remains the primary source of truth (spec §4.7).
func (r *Recovery) Mirror(ctx context.Context, e model.OfflineQueueEntry) {
	if err := r.store.AddOfflineOperation(ctx, e); err != nil {
		r.logger.Warn("failed to mirror offline queue entry", zap.String("clientId", string(e.ClientId)), zap.Error(err))
	}
}

// PullMirrored returns any entries the server is holding for clientID on
// documentID, for a client that wants to recover a queue it no longer has
// locally.
func (r *Recovery) PullMirrored(ctx context.Context, clientID model.ClientId, documentID model.DocumentId) ([]model.OfflineQueueEntry, error) {
	return r.store.GetOfflineQueue(ctx, clientID, documentID)
}

// RecoverMirrored pulls and drains any entries still held in the
// server-side mirror for clientID on documentID — left behind when entries
// were mirrored but their Drain never reached the matching
// ClearOfflineQueue, e.g. the process crashed mid-replay. Called on every
// join so a client that lost its own local queue (crash, device loss)
// recovers automatically, without needing to send offline_replay itself.
// A no-op Result when nothing was mirrored.
func (r *Recovery) RecoverMirrored(ctx context.Context, rm *room.Room, clientID model.ClientId, documentID model.DocumentId, userID model.UserId) Result {
	entries, err := r.PullMirrored(ctx, clientID, documentID)
	if err != nil {
		r.logger.Warn("failed to pull mirrored offline queue", zap.String("clientId", string(clientID)), zap.Error(err))
		return Result{}
	}
	if len(entries) == 0 {
		return Result{}
	}
	return r.Drain(ctx, rm, clientID, documentID, userID, entries)
}
