// Package room implements the per-document Room of spec §4.3: it owns the
// CRDT document, the member set, Lamport/vector clocks, the unpersisted-
// operation buffer, and the last-snapshot marker, and serializes every
// mutation through a single exclusive lock held across apply, persist, and
// local broadcast — the "exclusive lock" discipline spec §5 sanctions as
// an alternative to a dedicated per-Room worker goroutine.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"collabtext/internal/crdt"
	"collabtext/internal/errs"
	"collabtext/internal/fanout"
	"collabtext/internal/model"
	"collabtext/internal/protocol"
	"collabtext/internal/storage"
)

// member is one locally-connected session plus the outbound channel its
// Session handler drains — the same register/broadcast shape the teacher's
// agent Hub uses, scoped to one Room instead of one process.
type member struct {
	session model.Session
	outbox  chan []byte
}

// Room is one live document's server-side state. Exists only while it has
// at least one member (spec I1); callers obtain one via registry.Registry.
type Room struct {
	mu sync.Mutex

	id     model.DocumentId
	engine *crdt.Engine
	store  storage.Store
	bus    *fanout.Bus
	logger *zap.Logger

	members     map[model.ClientId]*member
	lamport     uint64
	vectorClock map[model.ClientId]uint64
	pendingOps  []model.BufferedOp
	snapshot    model.Snapshot

	snapshotThreshold  int
	persistenceTimeout time.Duration

	busSub    *fanout.Subscription
	busCancel context.CancelFunc
}

// Config holds the tunables of spec §6.4 that affect Room behavior.
type Config struct {
	SnapshotOpThreshold int
	PersistenceTimeout  time.Duration
}

// New constructs a Room over an already-initialized engine (either fresh or
// loaded from a snapshot by the caller, per spec §4.6's read path).
func New(id model.DocumentId, engine *crdt.Engine, store storage.Store, bus *fanout.Bus, logger *zap.Logger, cfg Config, initialSnapshotVersion int64) *Room {
	r := &Room{
		id:                 id,
		engine:             engine,
		store:              store,
		bus:                bus,
		logger:             logger,
		members:            make(map[model.ClientId]*member),
		vectorClock:        make(map[model.ClientId]uint64),
		snapshot:           model.Snapshot{Version: initialSnapshotVersion, Timestamp: time.Now()},
		snapshotThreshold:  cfg.SnapshotOpThreshold,
		persistenceTimeout: cfg.PersistenceTimeout,
	}
	if cfg.SnapshotOpThreshold == 0 {
		r.snapshotThreshold = 100
	}
	if cfg.PersistenceTimeout == 0 {
		r.persistenceTimeout = 5 * time.Second
	}
	if bus != nil {
		r.startBusSubscriber(id)
	}
	return r
}

// AdmitResult is the snapshot package returned to a newly-admitted client.
type AdmitResult struct {
	FullState  []byte
	Members    []model.Session
	Lamport    uint64
	Evicted    bool // true if a prior session with the same ClientId was replaced
}

// Admit inserts session into members (spec I2: at most once per ClientId).
// Re-admitting an existing ClientId evicts the old entry first; the caller
// is expected to emit user_left then user_joined to peers in that order,
// which Admit enables by reporting Evicted.
func (r *Room) Admit(session model.Session, outbox chan []byte) AdmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, evicted := r.members[session.ClientId]
	if evicted {
		delete(r.members, session.ClientId)
	}
	r.members[session.ClientId] = &member{session: session, outbox: outbox}

	return AdmitResult{
		FullState: r.engine.EncodeStateAsUpdate(),
		Members:   r.membersLocked(),
		Lamport:   r.lamport,
		Evicted:   evicted,
	}
}

// FullState returns the current full CRDT state, encoded the same way
// Admit's AdmitResult.FullState is — used to refresh a just-admitted
// client's state after a server-side recovery applies more operations
// than the Admit snapshot captured.
func (r *Room) FullState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.EncodeStateAsUpdate()
}

func (r *Room) membersLocked() []model.Session {
	out := make([]model.Session, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.session)
	}
	return out
}

// Leave removes clientID from members. If the room becomes empty, the
// caller (the session layer's disconnect cleanup) is responsible for
// checkpointing it and dropping it from the Registry; Leave itself only
// reports whether that happened.
func (r *Room) Leave(clientID model.ClientId) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, clientID)
	return len(r.members) == 0
}

// MemberCount reports the current live membership size.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Broadcast sends raw bytes to every local member except except (pass ""
// to exclude none). Non-blocking: a member whose outbox is full is logged
// and skipped rather than stalling the Room's single writer on a slow
// socket, matching spec §5's "broadcast hands bytes to the transport
// layer, which may buffer or apply backpressure" — backpressure is the
// transport's problem, not the Room's.
func (r *Room) Broadcast(except model.ClientId, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(except, payload)
}

func (r *Room) broadcastLocked(except model.ClientId, payload []byte) {
	for id, m := range r.members {
		if id == except {
			continue
		}
		select {
		case m.outbox <- payload:
		default:
			r.logger.Warn("dropping broadcast to slow member", zap.String("clientId", string(id)))
		}
	}
}

// ApplyRemote merges an update originated by originClientId, advances the
// Lamport clock and that client's vector-clock entry, buffers and persists
// the operation, and — if a bus is configured — publishes it for peer
// processes holding other shards of this Room. Local members are notified
// by the session layer, which owns message framing (protocol.Encode); the
// Room never puts raw CRDT bytes on a member's outbox, since every other
// frame that outbox carries is a framed protocol.Envelope. Returns the
// post-apply Lamport time for the caller's own broadcast envelope.
func (r *Room) ApplyRemote(ctx context.Context, update []byte, originClientId model.ClientId, userID model.UserId) (lamport uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.engine.ApplyUpdate(update); err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrUpdateFailed, err)
	}

	r.lamport++
	r.vectorClock[originClientId]++
	r.pendingOps = append(r.pendingOps, model.BufferedOp{
		Update:    update,
		ClientId:  originClientId,
		Timestamp: time.Now(),
	})

	op := model.Operation{
		DocumentId:  r.id,
		ClientId:    originClientId,
		UserId:      userID,
		Update:      update,
		LamportTime: r.lamport,
		VectorClock: copyClock(r.vectorClock),
		Version:     r.snapshot.Version + int64(len(r.pendingOps)),
	}
	if perr := r.persistOperation(ctx, op); perr != nil {
		// Best-effort: the in-memory CRDT remains authoritative until the
		// next successful checkpoint (spec §4.6).
		r.logger.Error("persist operation failed, will retry at next checkpoint",
			zap.Int64("documentId", int64(r.id)), zap.Error(perr))
	}

	if r.bus != nil {
		framed, ferr := protocol.Encode(protocol.KindUpdate, protocol.Update{
			Update: update, ClientId: string(originClientId), LamportTime: &r.lamport,
			OriginInstance: r.bus.InstanceID(),
		})
		if ferr != nil {
			r.logger.Error("encode update for fanout bus failed", zap.Error(ferr))
		} else if perr := r.bus.Publish(ctx, r.id, framed); perr != nil {
			r.logger.Error("publish to fanout bus failed", zap.Error(perr))
		}
	}

	if len(r.pendingOps) > r.snapshotThreshold {
		go r.checkpointAsync()
	}

	return r.lamport, nil
}

func copyClock(in map[model.ClientId]uint64) map[model.ClientId]uint64 {
	out := make(map[model.ClientId]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// persistOperation retries transient storage failures a few times within
// the persistence timeout budget before giving up — a single dropped write
// is recoverable at the next checkpoint, but a brief connection blip
// shouldn't need to wait that long.
func (r *Room) persistOperation(ctx context.Context, op model.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, r.persistenceTimeout)
	defer cancel()

	b := retry.WithMaxRetries(3, retry.NewConstant(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := r.store.AddOperation(ctx, op); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// ComputeDiff returns the delta advancing a peer at stateVector to the
// Room's current state. Always succeeds for an unknown/empty vector (spec
// §4.3 edge case) by falling back to a full diff.
func (r *Room) ComputeDiff(stateVector []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.EncodeDiff(stateVector)
}

// UpdateCursor records a presence update for clientID. Loss of the
// best-effort persistence write is not fatal (spec §4.3).
func (r *Room) UpdateCursor(clientID model.ClientId, position uint32, selection *model.Selection) (model.Cursor, bool) {
	r.mu.Lock()
	m, ok := r.members[clientID]
	if !ok {
		r.mu.Unlock()
		return model.Cursor{}, false
	}
	m.session.Position = position
	m.session.Selection = selection
	m.session.LastHeartbeat = time.Now()
	cursor := model.Cursor{
		ClientId:  clientID,
		UserId:    m.session.UserId,
		Position:  position,
		Selection: selection,
		Color:     m.session.Color,
		Name:      m.session.Name,
	}
	r.mu.Unlock()

	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), r.persistenceTimeout)
		defer cancel()
		if err := r.store.UpdateSessionCursor(wctx, clientID, cursor); err != nil {
			r.logger.Warn("best-effort cursor persist failed", zap.String("clientId", string(clientID)), zap.Error(err))
		}
	}()

	return cursor, true
}

// Touch refreshes a member's heartbeat timestamp (spec §4.4 JOINED state,
// ping handling).
func (r *Room) Touch(clientID model.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[clientID]; ok {
		m.session.LastHeartbeat = time.Now()
	}
}

// StaleMembers returns ClientIds whose last heartbeat is older than
// timeout, for the session layer's heartbeat sweep (spec P6).
func (r *Room) StaleMembers(timeout time.Duration) []model.ClientId {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var stale []model.ClientId
	for id, m := range r.members {
		if now.Sub(m.session.LastHeartbeat) > timeout {
			stale = append(stale, id)
		}
	}
	return stale
}

// Checkpoint encodes the full CRDT state, hands it to the persistence
// adapter, and clears pendingOps (spec §4.3/§4.6).
func (r *Room) Checkpoint(ctx context.Context) error {
	r.mu.Lock()
	state := r.engine.EncodeStateAsUpdate()
	version := r.snapshot.Version + int64(len(r.pendingOps))
	r.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, r.persistenceTimeout)
	defer cancel()
	b := retry.WithMaxRetries(3, retry.NewConstant(50*time.Millisecond))
	err := retry.Do(wctx, b, func(ctx context.Context) error {
		if err := r.store.UpdateDocumentSnapshot(ctx, r.id, state, version); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkpoint document %d: %w", r.id, err)
	}

	r.mu.Lock()
	// Only the operations this snapshot covers leave the buffer: any
	// appended while the write was in flight stay pending, so the next
	// operation's version does not repeat one already persisted.
	if covered := int(version - r.snapshot.Version); covered >= len(r.pendingOps) {
		r.pendingOps = nil
	} else if covered > 0 {
		r.pendingOps = r.pendingOps[covered:]
	}
	if version > r.snapshot.Version {
		r.snapshot = model.Snapshot{Version: version, Timestamp: time.Now()}
	}
	r.mu.Unlock()

	r.logger.Info("checkpointed room",
		zap.Int64("documentId", int64(r.id)),
		zap.Int64("version", version),
		zap.String("size", humanize.Bytes(uint64(len(state)))),
	)
	return nil
}

func (r *Room) checkpointAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), r.persistenceTimeout)
	defer cancel()
	if err := r.Checkpoint(ctx); err != nil {
		r.logger.Error("async checkpoint failed", zap.Int64("documentId", int64(r.id)), zap.Error(err))
	}
}

// HasPendingOps reports whether any operation has been buffered since the
// last checkpoint, used by the periodic snapshot sweep to skip idle rooms.
func (r *Room) HasPendingOps() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingOps) > 0
}

// Lamport returns the current Lamport clock value.
func (r *Room) Lamport() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lamport
}

// DocumentId returns the document this Room belongs to.
func (r *Room) DocumentId() model.DocumentId { return r.id }

// startBusSubscriber applies cross-process updates published by sibling
// shards holding other members of this Room. It never republishes to the
// bus (only the originating process does that, in ApplyRemote) to avoid an
// infinite relay loop between shards.
func (r *Room) startBusSubscriber(id model.DocumentId) {
	ctx, cancel := context.WithCancel(context.Background())
	r.busCancel = cancel
	r.busSub = r.bus.Subscribe(ctx, id)
	go func() {
		for payload := range r.busSub.C {
			r.applyFromBus(payload)
		}
	}()
}

// applyFromBus handles a framed update published to this Room's channel.
// Redis pub/sub delivers every publish back to the publishing process too
// (fanout.Bus's own doc comment), so a frame this same Bus instance
// published is a self-echo, not something a sibling shard originated —
// applying and re-broadcasting it locally would double-deliver every
// update on top of the local fan-out session.onUpdate already did, and
// echo the update back to its own origin. Only a frame stamped with a
// different OriginInstance is forwarded. The payload is a full
// protocol.Envelope (the same frame ApplyRemote publishes), not raw CRDT
// bytes, so every local member's outbox keeps receiving the one frame
// shape session.send and writePump expect.
func (r *Room) applyFromBus(payload []byte) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil || env.Kind != protocol.KindUpdate {
		r.logger.Warn("discarding unrecognized frame from fanout bus", zap.Error(err))
		return
	}
	var upd protocol.Update
	if err := protocol.DecodePayload(env, &upd); err != nil {
		r.logger.Warn("discarding unparseable update payload from fanout bus", zap.Error(err))
		return
	}
	if r.bus != nil && upd.OriginInstance == r.bus.InstanceID() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.engine.ApplyUpdate(upd.Update); err != nil {
		r.logger.Warn("discarding unreplayable update from fanout bus", zap.Error(err))
		return
	}
	r.broadcastLocked("", payload)
}

// Close releases the Room's bus subscription. Called by registry.Registry
// when the last member leaves.
func (r *Room) Close() {
	if r.busCancel != nil {
		r.busCancel()
	}
	if r.busSub != nil {
		_ = r.busSub.Close()
	}
}
