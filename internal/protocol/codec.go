package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeEnvelope splits a raw frame into its Kind and raw payload.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals an Envelope's payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return nil
}
