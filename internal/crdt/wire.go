package crdt

import "encoding/json"

// stateVector is our compact summary of applied operations: the document's
// current causal heads. automerge-go does not expose a Yjs-style raw state
// vector, so the change-hash frontier serves the same purpose: a peer that
// reports these heads has, by definition, seen every change reachable from
// them.
type stateVector struct {
	Heads []string `json:"heads"`
}

// changeEnvelope carries one encoded automerge change.
type changeEnvelope struct {
	Bytes []byte `json:"bytes"`
}

// diffEnvelope is the wire shape of EncodeDiff's return value: zero or more
// changes the peer is missing, applied by the peer in order via
// ApplyUpdate-per-change (see DecodeDiff).
type diffEnvelope struct {
	Changes []changeEnvelope `json:"changes"`
}

func encodeStateVector(sv stateVector) ([]byte, error) {
	return json.Marshal(sv)
}

func decodeStateVector(raw []byte) (stateVector, error) {
	var sv stateVector
	if err := json.Unmarshal(raw, &sv); err != nil {
		return stateVector{}, err
	}
	return sv, nil
}

func encodeDiff(changes []changeEnvelope) ([]byte, error) {
	return json.Marshal(diffEnvelope{Changes: changes})
}

// DecodeDiff exposes diffEnvelope decoding to callers (the reference
// client's sync_step2 handler) that need to split a diff back into per-change update bytes for
// ApplyUpdate.
func DecodeDiff(raw []byte) ([][]byte, error) {
	var env diffEnvelope
	if err := jsonUnmarshal(raw, &env); err != nil {
		return nil, err
	}
	out := make([][]byte, len(env.Changes))
	for i, c := range env.Changes {
		out[i] = c.Bytes
	}
	return out, nil
}

func jsonUnmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
