// Package session implements the per-connection Session/Connection Handler
// of spec §4.4: the INIT → JOINED → CLOSED state machine, message
// dispatch, fan-out to peers, and resource release on disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabtext/internal/authn"
	"collabtext/internal/config"
	"collabtext/internal/errs"
	"collabtext/internal/model"
	"collabtext/internal/offline"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
	"collabtext/internal/storage"
	"collabtext/internal/transport"
)

// state names the connection's position in spec §4.4's state machine.
type state int

const (
	stateInit state = iota
	stateJoined
	stateClosed
)

// Handler is the process-wide collaborator shared by every connection: the
// Room Registry, storage, auth verifier, color assigner, offline recovery,
// and the tunables of spec §6.4. One Handler serves arbitrarily many
// concurrent connections by calling Serve once per accepted socket.
type Handler struct {
	registry *room.Registry
	store    storage.Store
	verifier *authn.Verifier
	colors   *presence.Assigner
	recovery *offline.Recovery
	logger   *zap.Logger
	cfg      config.Config

	mu      sync.Mutex
	cancels map[model.ClientId]context.CancelFunc
}

// New constructs a Handler.
func New(registry *room.Registry, store storage.Store, verifier *authn.Verifier, recovery *offline.Recovery, logger *zap.Logger, cfg config.Config) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		verifier: verifier,
		colors:   presence.NewAssigner(),
		recovery: recovery,
		logger:   logger,
		cfg:      cfg,
		cancels:  make(map[model.ClientId]context.CancelFunc),
	}
}

// session is the per-connection state; not exported, constructed by
// Handler.Serve.
type session struct {
	h    *Handler
	conn transport.Conn

	state state

	clientID   model.ClientId
	userID     model.UserId
	documentID model.DocumentId
	name       string
	color      model.Color
	rm         *room.Room

	outbox chan []byte
}

// Serve runs the full lifecycle of one connection: join, dispatch,
// cleanup. Blocks until the connection closes. ctx governs the whole
// connection; Serve derives its own cancelable child so the heartbeat
// sweeper can force a synthetic disconnect (spec §4.4's ">90s silent"
// rule) by canceling it.
func (h *Handler) Serve(ctx context.Context, conn transport.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		h:      h,
		conn:   conn,
		state:  stateInit,
		outbox: make(chan []byte, 256),
	}

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writePump()
	}()

	s.readLoop(ctx, cancel)

	s.cleanup(context.Background())
	close(s.outbox)
	writerWG.Wait()
	_ = conn.Close()
}

func (s *session) writePump() {
	for payload := range s.outbox {
		if err := s.conn.WriteMessage(payload); err != nil {
			s.h.logger.Debug("write failed, dropping connection", zap.Error(err))
			return
		}
	}
}

func (s *session) send(kind protocol.Kind, payload any) {
	raw, err := protocol.Encode(kind, payload)
	if err != nil {
		s.h.logger.Error("failed to encode outgoing message", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	select {
	case s.outbox <- raw:
	default:
		s.h.logger.Warn("dropping message to slow client", zap.String("clientId", string(s.clientID)), zap.String("kind", string(kind)))
	}
}

func (s *session) sendError(code errs.Code, message string) {
	s.send(protocol.KindError, protocol.Error{Code: string(code), Message: message})
}

// initOutcome is handleInitMessage's verdict on one INIT-state message.
type initOutcome int

const (
	// initRetry keeps the connection in INIT, waiting for a valid
	// join_room before the deadline — spec §4.4/§7: NotInRoom and
	// ServerError both "reply, do not close"/"allow retry".
	initRetry initOutcome = iota
	initJoined
	// initClose closes the connection after the reply has been sent —
	// spec §7: AuthFailed/UserNotFound/NotFound/AccessDenied all close.
	initClose
)

// readLoop drives INIT → JOINED → (returns on disconnect/error). A single
// background reader feeds both states through one channel so a message
// that keeps the connection in INIT (spec §4.4: "any other message yields
// NotInRoom and is otherwise ignored") doesn't cost the client its one
// chance to send join_room — the loop keeps reading until join_room
// succeeds, a closing error code is sent, or the join deadline fires.
func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	type readResult struct {
		payload []byte
		err     error
	}
	reads := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			p, err := s.conn.ReadMessage()
			select {
			case reads <- readResult{p, err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	joinCtx, joinCancel := context.WithTimeout(ctx, s.h.cfg.JoinDeadline)
	defer joinCancel()

initLoop:
	for {
		select {
		case r := <-reads:
			if r.err != nil {
				return
			}
			switch s.handleInitMessage(ctx, cancel, r.payload) {
			case initJoined:
				break initLoop
			case initClose:
				return
			case initRetry:
				// stay in INIT, wait for the next message
			}
		case <-joinCtx.Done():
			s.sendError(errs.CodeAuthFailed, "join_room not received within deadline")
			return
		}
	}

	for {
		select {
		case r := <-reads:
			if r.err != nil {
				return
			}
			if !s.handleJoinedMessage(ctx, r.payload) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleInitMessage processes one INIT-state message. Any kind other than
// join_room yields NotInRoom and is otherwise ignored, without closing
// (spec §4.4); a failed join_room closes only for the error codes spec §7
// marks as closing (AuthFailed, UserNotFound, NotFound, AccessDenied) —
// ServerError "allows retry" instead.
func (s *session) handleInitMessage(ctx context.Context, cancel context.CancelFunc, raw []byte) initOutcome {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.sendError(errs.CodeServerError, "malformed message")
		return initRetry
	}
	if env.Kind != protocol.KindJoinRoom {
		s.sendError(errs.CodeNotInRoom, "expected join_room")
		return initRetry
	}

	var req protocol.JoinRoom
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.sendError(errs.CodeServerError, "malformed join_room payload")
		return initRetry
	}

	if err := s.join(ctx, cancel, req); err != nil {
		code := errs.CodeFor(err)
		s.sendError(code, err.Error())
		if code == errs.CodeServerError {
			return initRetry
		}
		return initClose
	}
	return initJoined
}

// join implements spec §4.4's numbered join_room logic.
func (s *session) join(ctx context.Context, cancel context.CancelFunc, req protocol.JoinRoom) error {
	openID, err := s.h.verifier.Verify(req.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAuthFailed, err)
	}

	user, err := s.h.store.GetUserByOpenId(ctx, openID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUserNotFound, err)
	}

	documentID := model.DocumentId(req.DocumentId)
	rm, err := s.h.registry.GetOrCreate(ctx, documentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", errs.ErrServerError, err)
	}

	// GetOrCreate may have just constructed rm and registered it with zero
	// members (spec I1 only allows that transiently, between construction
	// and Admit). If anything below fails before Admit runs, drop it again
	// rather than leaking an empty Room + bus-subscriber goroutine forever —
	// but only if it is still empty, since a concurrent joiner may have
	// admitted in the meantime.
	admitted := false
	defer func() {
		if !admitted && rm.MemberCount() == 0 {
			s.h.registry.Drop(documentID)
		}
	}()

	if _, err := s.h.store.CheckDocumentAccess(ctx, documentID, user.Id); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAccessDenied, err)
	}

	clientID := model.ClientId(req.ClientId)
	if clientID == "" {
		clientID = model.ClientId(uuid.NewString())
	}

	s.clientID = clientID
	s.userID = user.Id
	s.documentID = documentID
	s.name = user.Name
	s.color = s.h.colors.Next()
	s.rm = rm
	s.state = stateJoined

	sess := model.Session{
		ClientId:      clientID,
		UserId:        user.Id,
		DocumentId:    documentID,
		Color:         s.color,
		Name:          s.name,
		LastHeartbeat: time.Now(),
	}

	admitResult := rm.Admit(sess, s.outbox)
	admitted = true

	if err := s.h.store.CreateSession(ctx, sess); err != nil {
		s.h.logger.Warn("failed to persist session record", zap.String("clientId", string(clientID)), zap.Error(err))
	}

	s.h.mu.Lock()
	s.h.cancels[clientID] = cancel
	s.h.mu.Unlock()

	if admitResult.Evicted {
		rm.Broadcast(clientID, encodeOrNil(protocol.KindUserLeft, protocol.UserBrief{ClientId: string(clientID), UserId: int64(user.Id)}, s.h.logger))
	}

	docState := admitResult.FullState
	if recovered := s.h.recovery.RecoverMirrored(ctx, rm, clientID, documentID, user.Id); recovered.Recovered > 0 || recovered.Conflicts > 0 {
		s.h.logger.Info("recovered server-mirrored offline queue on join",
			zap.String("clientId", string(clientID)), zap.Int("recovered", recovered.Recovered), zap.Int("conflicts", recovered.Conflicts))
		docState = rm.FullState()
	}

	s.send(protocol.KindRoomJoined, protocol.RoomJoined{
		DocumentId:  int64(documentID),
		ClientId:    string(clientID),
		Users:       brief(admitResult.Members),
		DocState:    docState,
		LamportTime: admitResult.Lamport,
	})

	rm.Broadcast(clientID, encodeOrNil(protocol.KindUserJoined, protocol.UserBrief{
		ClientId: string(clientID), UserId: int64(user.Id), Name: s.name, Color: string(s.color),
	}, s.h.logger))

	return nil
}

func brief(sessions []model.Session) []protocol.UserBrief {
	out := make([]protocol.UserBrief, 0, len(sessions))
	for _, m := range sessions {
		out = append(out, protocol.UserBrief{
			ClientId: string(m.ClientId), UserId: int64(m.UserId), Name: m.Name, Color: string(m.Color),
		})
	}
	return out
}

func encodeOrNil(kind protocol.Kind, payload any, logger *zap.Logger) []byte {
	raw, err := protocol.Encode(kind, payload)
	if err != nil {
		logger.Error("failed to encode broadcast", zap.String("kind", string(kind)), zap.Error(err))
		return nil
	}
	return raw
}

// handleJoinedMessage dispatches one JOINED-state message. Returns false
// when the connection should be torn down.
func (s *session) handleJoinedMessage(ctx context.Context, raw []byte) bool {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.sendError(errs.CodeServerError, "malformed message")
		return true
	}

	switch env.Kind {
	case protocol.KindUpdate:
		s.onUpdate(ctx, env)
	case protocol.KindSyncStep1:
		s.onSyncStep1(env)
	case protocol.KindCursorUpdate:
		s.onCursorUpdate(env)
	case protocol.KindOfflineReplay:
		s.onOfflineReplay(ctx, env)
	case protocol.KindPing:
		s.rm.Touch(s.clientID)
		s.send(protocol.KindPong, protocol.Pong{})
	case protocol.KindJoinRoom:
		// Already joined; a second join_room on the same connection is not
		// part of the state machine's accepted transitions from JOINED.
		s.sendError(errs.CodeServerError, "already joined")
	default:
		s.sendError(errs.CodeServerError, fmt.Sprintf("unexpected message kind %q", env.Kind))
	}
	return true
}

func (s *session) onUpdate(ctx context.Context, env protocol.Envelope) {
	var req protocol.Update
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.sendError(errs.CodeServerError, "malformed update payload")
		return
	}

	lamport, err := s.rm.ApplyRemote(ctx, req.Update, s.clientID, s.userID)
	if err != nil {
		s.sendError(errs.CodeUpdateFailed, err.Error())
		return
	}

	now := time.Now()
	s.rm.Broadcast(s.clientID, encodeOrNil(protocol.KindUpdate, protocol.Update{
		Update: req.Update, ClientId: string(s.clientID), LamportTime: &lamport, Timestamp: &now,
	}, s.h.logger))
}

func (s *session) onSyncStep1(env protocol.Envelope) {
	var req protocol.SyncStep1
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.sendError(errs.CodeServerError, "malformed sync_step1 payload")
		return
	}
	diff, err := s.rm.ComputeDiff(req.StateVector)
	if err != nil {
		s.sendError(errs.CodeServerError, err.Error())
		return
	}
	s.send(protocol.KindSyncStep2, protocol.SyncStep2{Update: diff, ClientId: string(s.clientID)})
}

// onCursorUpdate re-emits every cursor_update it receives to peers and
// updates the session record (spec §4.4: throttling is the client's job —
// CURSOR_THROTTLE_MS governs the client's emit interval, "server does not
// throttle").
func (s *session) onCursorUpdate(env protocol.Envelope) {
	var req protocol.CursorUpdate
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.sendError(errs.CodeServerError, "malformed cursor_update payload")
		return
	}
	var sel *model.Selection
	if req.Selection != nil {
		sel = &model.Selection{Start: req.Selection.Start, End: req.Selection.End}
	}
	cursor, ok := s.rm.UpdateCursor(s.clientID, req.Position, sel)
	if !ok {
		return
	}

	var wireSel *protocol.Selection
	if cursor.Selection != nil {
		wireSel = &protocol.Selection{Start: cursor.Selection.Start, End: cursor.Selection.End}
	}
	s.rm.Broadcast(s.clientID, encodeOrNil(protocol.KindCursorUpdate, protocol.CursorUpdate{
		ClientId: string(cursor.ClientId), Position: cursor.Position, Selection: wireSel,
		Color: string(cursor.Color), Name: cursor.Name,
	}, s.h.logger))
}

func (s *session) onOfflineReplay(ctx context.Context, env protocol.Envelope) {
	var req protocol.OfflineReplay
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.sendError(errs.CodeServerError, "malformed offline_replay payload")
		return
	}

	entries := make([]model.OfflineQueueEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = model.OfflineQueueEntry{
			ClientId: s.clientID, DocumentId: s.documentID,
			Update: e.Update, SequenceNumber: e.SequenceNumber,
		}
	}

	// Mirror the batch server-side before applying it, so a crash partway
	// through Drain leaves a copy RecoverMirrored can pick up on this
	// client's next join instead of losing the entries outright.
	for _, e := range entries {
		s.h.recovery.Mirror(ctx, e)
	}

	result := s.h.recovery.Drain(ctx, s.rm, s.clientID, s.documentID, s.userID, entries)
	s.send(protocol.KindRecoveryResult, protocol.RecoveryResult{Recovered: result.Recovered, Conflicts: result.Conflicts})
}

// cleanup implements disconnect (spec §4.4): remove from room, notify
// peers, checkpoint+drop if empty, delete the session record.
func (s *session) cleanup(ctx context.Context) {
	if s.state != stateJoined || s.rm == nil {
		return
	}

	s.h.mu.Lock()
	delete(s.h.cancels, s.clientID)
	s.h.mu.Unlock()

	empty := s.rm.Leave(s.clientID)
	s.rm.Broadcast("", encodeOrNil(protocol.KindUserLeft, protocol.UserBrief{
		ClientId: string(s.clientID), UserId: int64(s.userID),
	}, s.h.logger))

	if empty {
		if err := s.rm.Checkpoint(ctx); err != nil {
			s.h.logger.Error("checkpoint on last-member-leaves failed", zap.Error(err))
		}
		s.h.registry.Drop(s.documentID)
	}

	if err := s.h.store.DeleteSession(ctx, s.clientID); err != nil {
		s.h.logger.Warn("failed to delete session record", zap.String("clientId", string(s.clientID)), zap.Error(err))
	}
}

// RunHeartbeatSweeper periodically evicts sessions silent for longer than
// the configured heartbeat timeout (spec §4.4, P6). Runs until ctx is
// canceled.
func (h *Handler) RunHeartbeatSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

func (h *Handler) sweepOnce() {
	for _, rm := range h.registry.Rooms() {
		for _, clientID := range rm.StaleMembers(h.cfg.HeartbeatTimeout) {
			h.mu.Lock()
			cancel, ok := h.cancels[clientID]
			h.mu.Unlock()
			if ok {
				h.logger.Info("evicting stale session", zap.String("clientId", string(clientID)))
				cancel()
			}
		}
	}
}

// RunSnapshotSweeper periodically checkpoints every live Room that has
// buffered operations since its last checkpoint (spec §4.6 trigger (c): a
// periodic timer, default 60s, for an active Room — independent of the
// op-count threshold and last-member-leaves triggers). Runs until ctx is
// canceled.
func (h *Handler) RunSnapshotSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.snapshotSweepOnce(ctx)
		}
	}
}

func (h *Handler) snapshotSweepOnce(ctx context.Context) {
	for _, rm := range h.registry.Rooms() {
		if !rm.HasPendingOps() {
			continue
		}
		if err := rm.Checkpoint(ctx); err != nil {
			h.logger.Error("periodic checkpoint failed",
				zap.Int64("documentId", int64(rm.DocumentId())), zap.Error(err))
		}
	}
}
