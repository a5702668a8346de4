package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BuildEnvelope marshals body and wraps it with its type discriminator.
func BuildEnvelope(t Type, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s body: %w", t, err)
	}
	return Envelope{Type: t, Body: raw}, nil
}

// mustEnvelope is for envelope bodies that are always marshalable
// (plain structs of strings/ints) — used by the error constructors so
// their call sites don't have to handle an error that can't occur.
func mustEnvelope(t Type, body any) Envelope {
	env, err := BuildEnvelope(t, body)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodeBody unmarshals env.Body into dst, rejecting unknown fields so a
// malformed or unexpected shape is caught at the wire boundary rather
// than silently dropped (§9: fail closed on malformed input).
func DecodeBody(env Envelope, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(env.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding %s body: %w", env.Type, err)
	}
	return nil
}
