package session

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/fabstir/compute-node/internal/crypto"
	"github.com/fabstir/compute-node/internal/wire"
)

// handleInit runs the handshake branch of §4.3: decrypt via C2, validate
// the inner payload against locally-held authoritative state (the
// configured model name and the configured minimum price — see DESIGN.md for why this replaces a live on-chain job-record RPC that
// §6's opaque contract surface has no view function for), register the
// session key with C8, and ack or refuse.
func (sv *Supervisor) handleInit(ctx context.Context, env wire.Envelope) {
	if sv.session.State != Handshaking {
		sv.refuse(wire.ErrCodeInvalidState, "session already initialised")
		return
	}
	if !sv.channel.Configured() {
		sv.sendError(wire.ErrCodeEncryptionNotSupported, "host has no configured key")
		sv.session.State = Terminating
		return
	}

	var body wire.EncryptedSessionInitBody
	if err := wire.DecodeBody(env, &body); err != nil {
		sv.sendError(wire.ErrCodeMalformedEnvelope, err.Error())
		sv.session.State = Terminating
		return
	}

	init := crypto.InitEnvelope{
		EphPubHex:     body.EphemeralPubKeyHex,
		CiphertextHex: body.CiphertextHex,
		SignatureHex:  body.SignatureHex,
		NonceHex:      body.NonceHex,
		AADHex:        body.AADHex,
	}
	sessionKey, payload, err := sv.channel.DecryptInit(init, body.PayerAddress)
	if err != nil {
		sv.sendError(classifyInitError(err), err.Error())
		sv.session.State = Terminating
		return
	}

	// The session key is registered as soon as it is known, before any
	// further validation, so that every failure from this point on can be
	// reported encrypted (§4.3: "if key available"; scenario #6 requires
	// an encrypted MODEL_UNAUTHORIZED). A validation failure below still
	// leaves the session in Terminating, and the deferred disconnect
	// sequence in Run() removes the just-registered key along with
	// everything else.
	var key [32]byte
	copy(key[:], sessionKey)
	sv.keys.Put(sv.session.ID, key)

	if payload.ModelName != sv.cfg.ModelName {
		sv.sendEncryptedError(wire.ErrCodeModelUnauthorized, "modelName does not match the host's bound model")
		sv.session.State = Terminating
		return
	}
	if payload.PricePerToken < sv.cfg.TokenPricingUSDC {
		sv.sendEncryptedError(wire.ErrCodeInvalidState, "pricePerToken below the host's advertised minimum")
		sv.session.State = Terminating
		return
	}
	settler, ok := sv.settle.For(body.ChainID)
	if !ok {
		sv.sendEncryptedError(wire.ErrCodeInvalidState, "unrecognised chainId")
		sv.session.State = Terminating
		return
	}

	sv.session.JobID = payload.JobID
	sv.session.ChainID = body.ChainID
	sv.session.ModelDigest = sv.binding.ModelDigest
	sv.session.PricePerToken = payload.PricePerToken
	sv.session.State = AwaitingPrompt
	sv.settler = settler

	ack, err := wire.BuildEnvelope(wire.TypeSessionInitAck, wire.SessionInitAckBody{
		JobID:        payload.JobID,
		ModelDigest:  hex.EncodeToString(sv.binding.ModelDigest[:]),
		TemplateKind: string(sv.binding.TemplateKind),
	})
	if err != nil {
		slog.Error("building session_init_ack", "err", err)
		return
	}
	if err := sv.conn.WriteEnvelope(ack); err != nil {
		slog.Warn("failed writing session_init_ack", "session", sv.session.ID, "err", err)
	}
}

// classifyInitError maps a C2 decryption failure to the closest wire
// error code (§9 closed ErrorCode enum).
func classifyInitError(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, crypto.ErrInvalidSignature):
		return wire.ErrCodeInvalidSignature
	case errors.Is(err, crypto.ErrEncryptionNotSupported):
		return wire.ErrCodeEncryptionNotSupported
	default:
		return wire.ErrCodeDecryptionFailed
	}
}
