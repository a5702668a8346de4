package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fabstir/compute-node/internal/crypto"
	"github.com/fabstir/compute-node/internal/vectorstore"
	"github.com/fabstir/compute-node/internal/wire"
)

// uploadVectorsPayload is the inner JSON of an UploadVectorsBody, decoded
// only after AEAD decryption (§4.5).
type uploadVectorsPayload struct {
	Vectors []vectorRecord `json:"vectors"`
}

type vectorRecord struct {
	ID        string                     `json:"id"`
	Embedding [vectorstore.Dimension]float32 `json:"embedding"`
	Metadata  json.RawMessage            `json:"metadata,omitempty"`
}

type searchVectorsPayload struct {
	Query     [vectorstore.Dimension]float32 `json:"query"`
	K         int                             `json:"k"`
	Threshold *float32                        `json:"threshold,omitempty"`
}

func (sv *Supervisor) ensureVectorStore() *vectorstore.Store {
	if sv.vectors == nil {
		sv.vectors = vectorstore.New(sv.cfg.VectorLimitPerSession)
	}
	return sv.vectors
}

func (sv *Supervisor) handleUploadVectors(env wire.Envelope) {
	if sv.session.State == Handshaking {
		sv.refuse(wire.ErrCodeInvalidState, "session not yet initialised")
		return
	}
	var body wire.UploadVectorsBody
	if err := wire.DecodeBody(env, &body); err != nil {
		sv.refuse(wire.ErrCodeMalformedEnvelope, err.Error())
		return
	}
	plain, err := sv.decryptInbound(body.NonceHex, body.CiphertextHex, sv.session.MessageIndex)
	if err != nil {
		sv.refuse(wire.ErrCodeDecryptionFailed, err.Error())
		return
	}
	sv.session.MessageIndex++
	var payload uploadVectorsPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		sv.refuse(wire.ErrCodeMalformedEnvelope, err.Error())
		return
	}
	vectors := make([]vectorstore.Vector, len(payload.Vectors))
	for i, r := range payload.Vectors {
		vectors[i] = vectorstore.Vector{ID: r.ID, Embedding: r.Embedding, Metadata: r.Metadata}
	}
	result := sv.ensureVectorStore().Upload(vectors, body.Replace)
	sv.sendEncryptedJSON(wire.TypeUploadVectorsResult, wire.UploadVectorsResultBody{
		Uploaded: result.Uploaded,
		Rejected: result.Rejected,
		Errors:   result.Errors,
	})
}

func (sv *Supervisor) handleSearchVectors(env wire.Envelope) {
	if sv.session.State == Handshaking {
		sv.refuse(wire.ErrCodeInvalidState, "session not yet initialised")
		return
	}
	var body wire.SearchVectorsBody
	if err := wire.DecodeBody(env, &body); err != nil {
		sv.refuse(wire.ErrCodeMalformedEnvelope, err.Error())
		return
	}
	plain, err := sv.decryptInbound(body.NonceHex, body.CiphertextHex, sv.session.MessageIndex)
	if err != nil {
		sv.refuse(wire.ErrCodeDecryptionFailed, err.Error())
		return
	}
	sv.session.MessageIndex++
	var payload searchVectorsPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		sv.refuse(wire.ErrCodeMalformedEnvelope, err.Error())
		return
	}
	hits := sv.ensureVectorStore().Search(payload.Query, payload.K, payload.Threshold, nil)
	resultJSON, err := json.Marshal(hits)
	if err != nil {
		slog.Error("marshaling search results", "err", err)
		return
	}
	sv.sendEncryptedSearchResult(resultJSON)
}

func (sv *Supervisor) handleLoadVectorDatabase(ctx context.Context, env wire.Envelope) {
	if sv.session.State == Handshaking {
		sv.refuse(wire.ErrCodeInvalidState, "session not yet initialised")
		return
	}
	var body wire.LoadVectorDatabaseBody
	if err := wire.DecodeBody(env, &body); err != nil {
		sv.refuse(wire.ErrCodeMalformedEnvelope, err.Error())
		return
	}
	plain, err := sv.decryptInbound(body.NonceHex, body.CiphertextHex, sv.session.MessageIndex)
	if err != nil {
		sv.refuse(wire.ErrCodeDecryptionFailed, err.Error())
		return
	}
	sv.session.MessageIndex++
	cid := string(plain)

	count, err := sv.ensureVectorStore().LoadCID(ctx, sv.blobs, cid, func(p vectorstore.Progress) {
		env, buildErr := wire.BuildEnvelope(wire.TypeVectorLoadProgress, wire.VectorLoadProgressBody{
			Phase:      p.Phase,
			Percentage: p.Percentage,
		})
		if buildErr != nil {
			return
		}
		if writeErr := sv.conn.WriteEnvelope(env); writeErr != nil {
			slog.Warn("failed writing vector load progress", "session", sv.session.ID, "err", writeErr)
		}
	})
	if err != nil {
		out, buildErr := wire.BuildEnvelope(wire.TypeVectorDatabaseError, wire.VectorDatabaseErrorBody{Message: err.Error()})
		if buildErr == nil {
			_ = sv.conn.WriteEnvelope(out)
		}
		return
	}

	out, err := wire.BuildEnvelope(wire.TypeVectorDatabaseLoaded, wire.VectorDatabaseLoadedBody{Count: count})
	if err != nil {
		slog.Error("building VectorDatabaseLoaded", "err", err)
		return
	}
	if err := sv.conn.WriteEnvelope(out); err != nil {
		slog.Warn("failed writing VectorDatabaseLoaded", "session", sv.session.ID, "err", err)
	}
}

// decryptInbound opens an AEAD frame using the inbound AAD convention
// derived from the message index (§4.2), rather than trusting a
// redundant aadHex on the wire.
func (sv *Supervisor) decryptInbound(nonceHex, ciphertextHex string, index int) ([]byte, error) {
	key, _, ok := sv.keys.Borrow(sv.session.ID)
	if !ok {
		return nil, crypto.ErrSessionKeyNotFound
	}
	aad := crypto.MessageAAD(index)
	return crypto.Decrypt(key[:], toPayload(nonceHex, ciphertextHex, aad))
}

// sendEncryptedJSON marshals v and seals it as an encrypted frame of
// type t.
func (sv *Supervisor) sendEncryptedJSON(t wire.Type, v any) {
	plain, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshaling outbound body", "type", t, "err", err)
		return
	}
	sv.sendEncrypted(t, plain)
}

// sendEncryptedSearchResult wraps already-serialised search hits into the
// SearchVectorsResultBody shape.
func (sv *Supervisor) sendEncryptedSearchResult(plain []byte) {
	key, _, ok := sv.keys.Borrow(sv.session.ID)
	if !ok {
		sv.sendError(wire.ErrCodeInternal, "session key unavailable")
		return
	}
	counter, _ := sv.keys.NextOutboundCounter(sv.session.ID)
	aad := crypto.ChunkAAD(int(counter))
	payload, err := crypto.Encrypt(key[:], aad, plain)
	if err != nil {
		slog.Error("encrypting search result", "err", err)
		return
	}
	env, err := wire.BuildEnvelope(wire.TypeSearchVectorsResult, wire.SearchVectorsResultBody{
		NonceHex:      payload.NonceHex,
		CiphertextHex: payload.CiphertextHex,
	})
	if err != nil {
		slog.Error("building search result envelope", "err", err)
		return
	}
	if err := sv.conn.WriteEnvelope(env); err != nil {
		slog.Warn("failed writing search result", "session", sv.session.ID, "err", err)
	}
}
