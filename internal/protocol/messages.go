// Package protocol defines the wire message schema of spec §4.5: the JSON
// envelope exchanged between client and server over the transport of
// internal/transport, and the state machine names used by internal/session.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names one of the message types of spec §4.5's table.
type Kind string

const (
	KindJoinRoom      Kind = "join_room"
	KindRoomJoined    Kind = "room_joined"
	KindSyncStep1     Kind = "sync_step1"
	KindSyncStep2     Kind = "sync_step2"
	KindUpdate        Kind = "update"
	KindCursorUpdate  Kind = "cursor_update"
	KindUserJoined    Kind = "user_joined"
	KindUserLeft      Kind = "user_left"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindError         Kind = "error"

	// KindOfflineReplay and KindRecoveryResult implement spec §4.7's offline
	// recovery flow. §4.5's message table predates recovery and does not
	// name a wire message for it; these two fill that gap: the client
	// drains its local queue as a single batch instead of one update per
	// queued entry so the server can report one recovered/conflicts count
	// matching the scenario in spec §8.2, rather than the client having to
	// tally per-update acks itself.
	KindOfflineReplay  Kind = "offline_replay"
	KindRecoveryResult Kind = "recovery_result"
)

// Envelope is the outer frame: a Kind tag plus a raw payload, decoded into
// the concrete type matching Kind by DecodePayload.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a typed payload into an Envelope ready for
// transport.Conn.WriteMessage.
func Encode(kind Kind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Payload: raw})
}

// JoinRoom is the C→S join_room payload.
type JoinRoom struct {
	DocumentId int64  `json:"documentId"`
	ClientId   string `json:"clientId"`
	Token      string `json:"token"`
}

// RoomJoined is the S→C room_joined payload.
type RoomJoined struct {
	DocumentId  int64        `json:"documentId"`
	ClientId    string       `json:"clientId"`
	Users       []UserBrief  `json:"users"`
	DocState    []byte       `json:"docState"`
	LamportTime uint64       `json:"lamportTime"`
}

// UserBrief describes one present member, used in room_joined's roster and
// in user_joined/user_left notifications.
type UserBrief struct {
	ClientId string `json:"clientId"`
	UserId   int64  `json:"userId"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`
}

// SyncStep1 is the C→S sync_step1 payload.
type SyncStep1 struct {
	StateVector []byte `json:"stateVector"`
	ClientId    string `json:"clientId"`
}

// SyncStep2 is the S→C sync_step2 payload.
type SyncStep2 struct {
	Update   []byte `json:"update"`
	ClientId string `json:"clientId"`
}

// Update is the bidirectional update payload. OriginInstance is set only
// on frames published to internal/fanout's cross-process bus, identifying
// the publishing process so a sibling shard can tell its own echo (Redis
// pub/sub delivers to the publisher too) apart from a frame that actually
// originated on another shard; it is never set on frames exchanged
// directly with a client.
type Update struct {
	Update         []byte     `json:"update"`
	ClientId       string     `json:"clientId"`
	LamportTime    *uint64    `json:"lamportTime,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	OriginInstance string     `json:"originInstance,omitempty"`
}

// CursorUpdate is the bidirectional cursor_update payload.
type CursorUpdate struct {
	ClientId  string     `json:"clientId"`
	UserId    *int64     `json:"userId,omitempty"`
	Position  uint32     `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
	Color     string     `json:"color,omitempty"`
	Name      string     `json:"name,omitempty"`
}

// Selection is an inclusive cursor selection range.
type Selection struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Ping is the C→S keepalive payload (empty object).
type Ping struct{}

// Pong is the S→C keepalive reply (empty object).
type Pong struct{}

// Error is the S→C error payload of spec §7.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// OfflineReplayEntry is one queued update drained from a client's local
// offline buffer.
type OfflineReplayEntry struct {
	SequenceNumber int64  `json:"sequenceNumber"`
	Update         []byte `json:"update"`
}

// OfflineReplay is the C→S offline_replay payload.
type OfflineReplay struct {
	ClientId   string               `json:"clientId"`
	DocumentId int64                `json:"documentId"`
	Entries    []OfflineReplayEntry `json:"entries"`
}

// RecoveryResult is the S→C recovery_result payload.
type RecoveryResult struct {
	Recovered int `json:"recovered"`
	Conflicts int `json:"conflicts"`
}
