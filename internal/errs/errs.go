// Package errs contains sentinel errors shared across the collaboration
// core, matched with errors.Is at the boundaries that translate them to
// wire error codes.
package errs

import "errors"

var (
	// ErrAuthFailed indicates a missing, malformed, or expired bearer token.
	ErrAuthFailed = errors.New("auth failed")

	// ErrUserNotFound indicates a valid token with no matching user.
	ErrUserNotFound = errors.New("user not found")

	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied indicates the user lacks permission on the document.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotInRoom indicates a message arrived before join_room succeeded.
	ErrNotInRoom = errors.New("not in room")

	// ErrUpdateFailed indicates update bytes were invalid or the CRDT engine
	// rejected them.
	ErrUpdateFailed = errors.New("update failed")

	// ErrServerError indicates an unexpected internal failure.
	ErrServerError = errors.New("server error")

	// ErrRoomEmpty names the condition of acting on a room that has no
	// members left. The registry does not return it.
	ErrRoomEmpty = errors.New("room has no members")

	// ErrDuplicateClient indicates a ClientId already present in a room's
	// member set; callers evict the old session rather than surfacing this.
	ErrDuplicateClient = errors.New("duplicate client id")
)

// Code is the wire-level error taxonomy of the sync protocol.
type Code string

const (
	CodeAuthFailed    Code = "AuthFailed"
	CodeUserNotFound  Code = "UserNotFound"
	CodeNotFound      Code = "NotFound"
	CodeAccessDenied  Code = "AccessDenied"
	CodeNotInRoom     Code = "NotInRoom"
	CodeUpdateFailed  Code = "UpdateFailed"
	CodeServerError   Code = "ServerError"
)

// CodeFor maps a sentinel error to its wire code, defaulting to
// ServerError for anything unrecognized.
func CodeFor(err error) Code {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrNotInRoom):
		return CodeNotInRoom
	case errors.Is(err, ErrUpdateFailed):
		return CodeUpdateFailed
	default:
		return CodeServerError
	}
}
