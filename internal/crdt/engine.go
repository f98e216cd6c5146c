// Package crdt wraps an opaque sequence-CRDT library behind the primitives
// spec §4.1 requires: apply-update, encode-state, encode-diff-since-state-
// vector, and post-merge observation. The concrete engine is
// github.com/automerge/automerge-go, applied to a single text field named
// "shared-text".
package crdt

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// sharedTextKey is the one text field every document's CRDT doc exposes.
const sharedTextKey = "shared-text"

// Engine owns one automerge.Doc and serializes every operation on it. All
// Room mutation funnels through here, so Engine itself does not need to be
// safe for unsynchronized concurrent use by multiple Rooms — but it is
// made safe for concurrent use by a single Room's worker plus background
// checkpoint/observe calls.
type Engine struct {
	mu       sync.Mutex
	doc      *automerge.Doc
	observer func()
}

// New creates an engine over an empty document and ensures the shared text
// field exists so early Set/Splice calls never race doc initialization.
func New() (*Engine, error) {
	doc := automerge.New()
	if err := ensureText(doc); err != nil {
		return nil, err
	}
	return &Engine{doc: doc}, nil
}

// Load reconstructs an engine from a full-state snapshot (spec I7: snapshot
// plus trailing operations reconstructs state exactly; trailing operations
// are applied by the caller via ApplyUpdate after Load returns).
func Load(snapshot []byte) (*Engine, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := ensureText(doc); err != nil {
		return nil, err
	}
	return &Engine{doc: doc}, nil
}

func ensureText(doc *automerge.Doc) error {
	if v, err := doc.Path(sharedTextKey).Get(); err == nil && v.Kind() == automerge.KindText {
		return nil
	}
	if err := doc.Path(sharedTextKey).Set(automerge.NewText("")); err != nil {
		return fmt.Errorf("init shared text: %w", err)
	}
	return nil
}

// Observe registers the single callback invoked after every successful
// ApplyUpdate or non-empty ApplyLocalText. There is at most one observer,
// matching the teacher's single broadcast-on-apply shape. The server does
// not register one: Room.ApplyRemote persists each operation directly.
func (e *Engine) Observe(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

// ApplyUpdate merges an encoded delta into the document. An update is one
// automerge change, encoded by the originating replica via Change.Save().
// Empty or unparseable bytes are rejected without mutating state (spec
// §4.3 edge case: UpdateFailed leaves Room state untouched).
func (e *Engine) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("empty update")
	}
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	if len(changes) == 0 {
		return fmt.Errorf("decode update: no changes")
	}
	change := changes[0]

	e.mu.Lock()
	err = e.doc.Apply(change)
	observer := e.observer
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("apply update: %w", err)
	}

	if observer != nil {
		observer()
	}
	return nil
}

// ApplyLocalText replaces the document's shared text with newText,
// producing and returning the locally-generated change bytes that the
// caller broadcasts as an "update" message. Used by the reference client
// and by tests that originate edits server-side.
func (e *Engine) ApplyLocalText(newText string) ([]byte, error) {
	e.mu.Lock()
	bytes, observer, err := e.applyLocalTextLocked(newText)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if observer != nil && bytes != nil {
		observer()
	}
	return bytes, nil
}

func (e *Engine) applyLocalTextLocked(newText string) ([]byte, func(), error) {
	text := e.doc.Path(sharedTextKey).Text()
	if err := text.Set(newText); err != nil {
		return nil, nil, fmt.Errorf("update text: %w", err)
	}
	if _, err := e.doc.Commit(""); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	changes, err := e.doc.Changes()
	if err != nil {
		return nil, nil, fmt.Errorf("list changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil, nil
	}
	last := changes[len(changes)-1]
	return last.Save(), e.observer, nil
}

// EncodeStateAsUpdate returns the full current state as a delta against the
// empty document — the bytes a brand new peer needs.
func (e *Engine) EncodeStateAsUpdate() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Save()
}

// EncodeStateVector returns a compact summary of the changes this replica
// has applied, expressed as the document's current head hashes. A peer
// presents this back in sync_step1 and receives EncodeDiff's delta.
func (e *Engine) EncodeStateVector() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	heads := e.doc.Heads()
	sv := stateVector{Heads: make([]string, len(heads))}
	for i, h := range heads {
		sv.Heads[i] = h.String()
	}
	return encodeStateVector(sv)
}

// EncodeDiff returns the delta advancing a peer at stateVector to the
// current state. An unknown or malformed state vector still yields a
// valid delta: it is treated as "peer has nothing", matching spec §4.3's
// "computeDiff with an unknown state vector still yields a valid delta".
// Only the changes whose hashes appear in the vector are left out; their
// ancestors are included again, which the receiving peer ignores since
// applying a change it already has is a no-op.
func (e *Engine) EncodeDiff(stateVector []byte) ([]byte, error) {
	known := map[string]bool{}
	if sv, err := decodeStateVector(stateVector); err == nil {
		for _, h := range sv.Heads {
			known[h] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changes, err := e.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}

	var missing []changeEnvelope
	for _, c := range changes {
		if known[c.Hash().String()] {
			continue
		}
		missing = append(missing, changeEnvelope{Bytes: c.Save()})
	}
	return encodeDiff(missing)
}

// Text returns the current contents of the shared text field. Used for
// tests, debugging, and the reference client's render loop.
func (e *Engine) Text() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Path(sharedTextKey).Text().Get()
}

// ReplaceState discards the current document and loads snapshot in its
// place, used by clients that receive a full state in room_joined after
// having started from an empty local engine.
func (e *Engine) ReplaceState(snapshot []byte) error {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := ensureText(doc); err != nil {
		return err
	}
	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()
	return nil
}

// Fork returns an independent copy of the underlying document; later
// ApplyUpdate calls on e do not affect the copy. The copy has no observer.
func (e *Engine) Fork() (*Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	forked, err := e.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	return &Engine{doc: forked}, nil
}
