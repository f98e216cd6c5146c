// Package model holds the data model shared across the collaboration core:
// documents, sessions, cursors, and the persisted operation log.
package model

import "time"

// DocumentId identifies a document. Stable, assigned by the out-of-scope
// metadata API.
type DocumentId int64

// UserId identifies an authenticated user, resolved from a verified token.
type UserId int64

// ClientId is opaque and globally unique per connection instance. A client
// that reconnects is assigned a new ClientId.
type ClientId string

// Color is one of a fixed palette assigned round-robin to joining sessions.
type Color string

// Palette is the fixed 8-color rotation used for cursor/presence display.
var Palette = []Color{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

// Document is the subset of document-metadata state the core consumes.
// Everything else about documents (title, ownership transfer, sharing) is
// out of scope and lives behind the metadata API.
type Document struct {
	Id              DocumentId
	OwnerId         UserId
	SnapshotState   []byte // nil if never checkpointed
	SnapshotVersion int64
}

// AccessRole is returned by checkDocumentAccess for a non-owner grant.
type AccessRole struct {
	Role string
}

// User is the subset of user-account state the core consumes.
type User struct {
	Id   UserId
	Name string
}

// Session is per-connection server state binding a client to a room and a
// user identity. Lifetime equals one connection.
type Session struct {
	ClientId      ClientId
	UserId        UserId
	DocumentId    DocumentId
	Color         Color
	Name          string
	LastHeartbeat time.Time
	Position      uint32
	Selection     *Selection
}

// Selection is an optional cursor selection range.
type Selection struct {
	Start uint32
	End   uint32
}

// Cursor is the ephemeral presence payload fanned out to peers.
type Cursor struct {
	ClientId  ClientId
	UserId    UserId
	Position  uint32
	Selection *Selection
	Color     Color
	Name      string
}

// BufferedOp is accumulated in a Room's pendingOps buffer since the last
// checkpoint.
type BufferedOp struct {
	Update    []byte
	ClientId  ClientId
	Timestamp time.Time
}

// Operation is the persisted, append-only record of an accepted update.
// (DocumentId, Version) is unique; Version strictly increases per document.
type Operation struct {
	DocumentId  DocumentId
	ClientId    ClientId
	UserId      UserId
	Update      []byte
	LamportTime uint64
	VectorClock map[ClientId]uint64
	Version     int64
}

// OfflineQueueEntry is a per-client FIFO entry drained on reconnect.
type OfflineQueueEntry struct {
	ClientId       ClientId
	DocumentId     DocumentId
	Update         []byte
	SequenceNumber int64
}

// Snapshot describes a Room's last checkpoint.
type Snapshot struct {
	Version   int64
	Timestamp time.Time
}
