package session

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fabstir/compute-node/internal/crypto"
	"github.com/fabstir/compute-node/internal/wire"
)

// sendError emits a plaintext error envelope — only legal before a
// session key exists (§4.2: "Errors after a session key is established
// MUST be emitted encrypted").
func (sv *Supervisor) sendError(code wire.ErrorCode, message string) {
	if err := sv.conn.WriteEnvelope(wire.NewError(code, message)); err != nil {
		slog.Warn("failed writing error envelope", "session", sv.session.ID, "err", err)
	}
}

// sendEncryptedError wraps an error envelope's bytes under the session
// key, for use once a handshake has succeeded.
func (sv *Supervisor) sendEncryptedError(code wire.ErrorCode, message string) {
	body := wire.ErrorBody{Code: code, Message: message}
	plain, err := json.Marshal(body)
	if err != nil {
		slog.Error("marshaling encrypted error body", "err", err)
		return
	}
	sv.sendEncrypted(wire.TypeError, plain)
}

// sendEncrypted seals plaintext under the session key with the next
// outbound AAD counter and writes it as an encrypted_chunk-shaped
// envelope of type t. Used for encrypted errors and any other encrypted
// outbound frame that isn't a streamed token chunk (those go through
// sendChunk instead, which is keyed on the per-turn chunk_index rather
// than this session-wide counter).
func (sv *Supervisor) sendEncrypted(t wire.Type, plaintext []byte) {
	key, _, ok := sv.keys.Borrow(sv.session.ID)
	if !ok {
		sv.sendError(wire.ErrCodeInternal, "session key unavailable")
		return
	}
	counter, _ := sv.keys.NextOutboundCounter(sv.session.ID)
	aad := crypto.ChunkAAD(int(counter))
	payload, err := crypto.Encrypt(key[:], aad, plaintext)
	if err != nil {
		slog.Error("encrypting outbound frame", "err", err)
		return
	}
	env, err := wire.BuildEnvelope(t, wire.EncryptedChunkBody{
		NonceHex:      payload.NonceHex,
		CiphertextHex: payload.CiphertextHex,
		Index:         int(counter),
	})
	if err != nil {
		slog.Error("building encrypted envelope", "err", err)
		return
	}
	if err := sv.conn.WriteEnvelope(env); err != nil {
		slog.Warn("failed writing encrypted envelope", "session", sv.session.ID, "err", err)
	}
}

// sendChunk seals one streamed token under AAD chunk_<chunkIndex>, where
// chunkIndex is the session's own zero-based, per-turn counter (§4.2: "i
// monotonic per assistant turn"; scenario #1: the first chunk of a turn
// is sealed under "chunk_0"). Unlike sendEncrypted, this never reads the
// shared outbound counter — that counter is no longer zero-based once a
// prior error or response frame has advanced it, which would desync any
// spec-conformant client deriving "chunk_0" for the very first chunk.
func (sv *Supervisor) sendChunk(chunkIndex int, token string) error {
	key, _, ok := sv.keys.Borrow(sv.session.ID)
	if !ok {
		return crypto.ErrSessionKeyNotFound
	}
	plaintext, err := json.Marshal(map[string]any{"token": token})
	if err != nil {
		return fmt.Errorf("marshaling chunk token: %w", err)
	}
	aad := crypto.ChunkAAD(chunkIndex)
	payload, err := crypto.Encrypt(key[:], aad, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting chunk: %w", err)
	}
	env, err := wire.BuildEnvelope(wire.TypeEncryptedChunk, wire.EncryptedChunkBody{
		NonceHex:      payload.NonceHex,
		CiphertextHex: payload.CiphertextHex,
		Index:         chunkIndex,
	})
	if err != nil {
		return fmt.Errorf("building encrypted_chunk envelope: %w", err)
	}
	return sv.conn.WriteEnvelope(env)
}
