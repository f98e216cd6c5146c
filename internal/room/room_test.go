package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabtext/internal/crdt"
	"collabtext/internal/fanout"
	"collabtext/internal/model"
	"collabtext/internal/protocol"
)

func newTestRoom(t *testing.T) (*Room, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	engine, err := crdt.New()
	require.NoError(t, err)
	r := New(model.DocumentId(1), engine, store, nil, zap.NewNop(), Config{SnapshotOpThreshold: 100, PersistenceTimeout: 0}, 0)
	return r, store
}

func TestAdmit_TracksMembership(t *testing.T) {
	r, _ := newTestRoom(t)
	sess := model.Session{ClientId: "c1", UserId: 1, DocumentId: 1}
	res := r.Admit(sess, make(chan []byte, 4))
	require.False(t, res.Evicted)
	require.Len(t, res.Members, 1)
	require.Equal(t, 1, r.MemberCount())
}

func TestAdmit_DuplicateClientIdEvictsOld(t *testing.T) {
	r, _ := newTestRoom(t)
	sess := model.Session{ClientId: "c1", UserId: 1, DocumentId: 1}
	r.Admit(sess, make(chan []byte, 4))
	res := r.Admit(sess, make(chan []byte, 4))
	require.True(t, res.Evicted)
	require.Equal(t, 1, r.MemberCount())
}

func TestLeave_EmptyWhenLastMemberGone(t *testing.T) {
	r, _ := newTestRoom(t)
	r.Admit(model.Session{ClientId: "c1"}, make(chan []byte, 4))
	empty := r.Leave("c1")
	require.True(t, empty)
	require.Equal(t, 0, r.MemberCount())
}

func TestApplyRemote_AdvancesLamportAndVectorClock(t *testing.T) {
	r, store := newTestRoom(t)
	a, err := crdt.New()
	require.NoError(t, err)
	update, err := a.ApplyLocalText("hi")
	require.NoError(t, err)

	lamport, err := r.ApplyRemote(context.Background(), update, "origin", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lamport)
	require.Len(t, store.operations[1], 1)
	require.Equal(t, uint64(1), store.operations[1][0].VectorClock["origin"])
}

func TestApplyRemote_RejectsEmptyUpdateWithoutMutatingState(t *testing.T) {
	r, _ := newTestRoom(t)
	before := r.Lamport()
	_, err := r.ApplyRemote(context.Background(), nil, "origin", 1)
	require.Error(t, err)
	require.Equal(t, before, r.Lamport())
}

func TestBroadcast_ExcludesOrigin(t *testing.T) {
	r, _ := newTestRoom(t)
	outA := make(chan []byte, 4)
	outB := make(chan []byte, 4)
	r.Admit(model.Session{ClientId: "a"}, outA)
	r.Admit(model.Session{ClientId: "b"}, outB)

	r.Broadcast("a", []byte("payload"))

	select {
	case <-outA:
		t.Fatal("origin should not receive its own broadcast")
	default:
	}
	select {
	case msg := <-outB:
		require.Equal(t, []byte("payload"), msg)
	default:
		t.Fatal("peer did not receive broadcast")
	}
}

func TestCheckpoint_ClearsPendingOps(t *testing.T) {
	r, store := newTestRoom(t)
	a, err := crdt.New()
	require.NoError(t, err)
	update, err := a.ApplyLocalText("hi")
	require.NoError(t, err)
	_, err = r.ApplyRemote(context.Background(), update, "origin", 1)
	require.NoError(t, err)

	require.NoError(t, r.Checkpoint(context.Background()))
	require.NotEmpty(t, store.snapshots[1])
	require.Empty(t, r.pendingOps)
}

func TestUpdateCursor_UnknownClientReportsFalse(t *testing.T) {
	r, _ := newTestRoom(t)
	_, ok := r.UpdateCursor("ghost", 0, nil)
	require.False(t, ok)
}

// ApplyRemote must not put raw CRDT bytes on any local member's outbox —
// every other frame that outbox carries is a JSON protocol.Envelope, and
// the session layer already broadcasts a properly framed update to peers.
func TestApplyRemote_DoesNotBroadcastRawBytesLocally(t *testing.T) {
	r, _ := newTestRoom(t)
	out := make(chan []byte, 4)
	r.Admit(model.Session{ClientId: "peer"}, out)

	a, err := crdt.New()
	require.NoError(t, err)
	update, err := a.ApplyLocalText("hi")
	require.NoError(t, err)

	_, err = r.ApplyRemote(context.Background(), update, "origin", 1)
	require.NoError(t, err)

	select {
	case msg := <-out:
		t.Fatalf("Room broadcast raw bytes to a local member: %v", msg)
	default:
	}
}

// applyFromBus receives the same framed update ApplyRemote publishes to
// the bus and must forward that frame, unmodified, to local members —
// never the raw CRDT bytes it applies to its own engine.
func TestApplyFromBus_ForwardsFramedEnvelopeToLocalMembers(t *testing.T) {
	r, _ := newTestRoom(t)
	out := make(chan []byte, 4)
	r.Admit(model.Session{ClientId: "local-peer"}, out)

	a, err := crdt.New()
	require.NoError(t, err)
	update, err := a.ApplyLocalText("hi")
	require.NoError(t, err)

	framed, err := protocol.Encode(protocol.KindUpdate, protocol.Update{
		Update: update, ClientId: "remote-shard-client",
	})
	require.NoError(t, err)

	r.applyFromBus(framed)

	select {
	case msg := <-out:
		require.Equal(t, framed, msg)
		env, err := protocol.DecodeEnvelope(msg)
		require.NoError(t, err)
		require.Equal(t, protocol.KindUpdate, env.Kind)
	default:
		t.Fatal("local member did not receive the framed bus update")
	}
}

// A frame this process's own Bus published comes back on the subscription
// too (Redis pub/sub delivers to the publisher), and must be suppressed
// rather than re-broadcast and re-applied a second time.
func TestApplyFromBus_SkipsSelfPublishedEcho(t *testing.T) {
	store := newFakeStore()
	engine, err := crdt.New()
	require.NoError(t, err)
	bus := &fanout.Bus{} // zero-value instanceID == ""

	// Built directly rather than via New: New subscribes to the bus
	// immediately when bus is non-nil, which would dial through this
	// zero-value Bus's nil Redis client. applyFromBus itself needs no
	// live subscription to exercise.
	r := &Room{
		id:                 model.DocumentId(1),
		engine:             engine,
		store:              store,
		bus:                bus,
		logger:             zap.NewNop(),
		members:            make(map[model.ClientId]*member),
		vectorClock:        make(map[model.ClientId]uint64),
		snapshotThreshold:  100,
		persistenceTimeout: time.Second,
	}

	out := make(chan []byte, 4)
	r.Admit(model.Session{ClientId: "local-peer"}, out)

	a, err := crdt.New()
	require.NoError(t, err)
	update, err := a.ApplyLocalText("hi")
	require.NoError(t, err)

	selfEcho, err := protocol.Encode(protocol.KindUpdate, protocol.Update{
		Update: update, ClientId: "c1", OriginInstance: bus.InstanceID(),
	})
	require.NoError(t, err)

	r.applyFromBus(selfEcho)

	select {
	case msg := <-out:
		t.Fatalf("self-published echo should not be re-broadcast: %v", msg)
	default:
	}

	fromSibling, err := protocol.Encode(protocol.KindUpdate, protocol.Update{
		Update: update, ClientId: "c1", OriginInstance: "sibling-shard",
	})
	require.NoError(t, err)

	r.applyFromBus(fromSibling)

	select {
	case msg := <-out:
		require.Equal(t, fromSibling, msg)
	default:
		t.Fatal("a frame from a sibling shard must still be forwarded")
	}
}
