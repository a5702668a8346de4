package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fabstir/compute-node/internal/inference"
	"github.com/fabstir/compute-node/internal/proof"
	"github.com/fabstir/compute-node/internal/template"
	"github.com/fabstir/compute-node/internal/wire"
)

// promptPayload is the inner JSON of a decrypted encrypted_message
// (§4.3 "Prompt branch" / §4.4 params).
type promptPayload struct {
	Content       string   `json:"content"`
	Action        string   `json:"action,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"topP,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	VectorDatabase string  `json:"vectorDatabase,omitempty"`
}

const actionImageGeneration = "image_generation"

// handlePrompt runs the prompt branch of §4.3: decrypt, append to
// context, route image-generation requests per the auto-routing open
// question, truncate, template-render, dispatch to C4, and stream the
// result back as encrypted_chunk/encrypted_response frames.
func (sv *Supervisor) handlePrompt(ctx context.Context, env wire.Envelope) {
	if sv.session.State == Handshaking {
		sv.sendError(wire.ErrCodeInvalidState, "session not yet initialised")
		return
	}
	if sv.session.State == Generating {
		sv.sendEncryptedError(wire.ErrCodeInvalidState, "a generation is already in flight for this session")
		return
	}

	var body wire.EncryptedMessageBody
	if err := wire.DecodeBody(env, &body); err != nil {
		sv.refuse(wire.ErrCodeMalformedEnvelope, err.Error())
		return
	}
	plain, err := sv.decryptInbound(body.NonceHex, body.CiphertextHex, sv.session.MessageIndex)
	if err != nil {
		sv.sendEncryptedError(wire.ErrCodeDecryptionFailed, err.Error())
		return
	}
	sv.session.MessageIndex++

	var prompt promptPayload
	if err := json.Unmarshal(plain, &prompt); err != nil {
		sv.sendEncryptedError(wire.ErrCodeMalformedEnvelope, err.Error())
		return
	}

	if prompt.Action == actionImageGeneration {
		if !sv.cfg.AutoImageRouting {
			sv.sendEncryptedError(wire.ErrCodeInvalidState, "image_generation routing is disabled on this node")
			return
		}
		// Routing only: the image collaborator itself is out of scope
		// (§4.3 "out of scope for this core beyond routing").
		sv.sendEncryptedError(wire.ErrCodeInternal, "image_generation has no bound collaborator")
		return
	}

	if prompt.VectorDatabase != "" {
		if _, err := sv.ensureVectorStore().LoadCID(ctx, sv.blobs, prompt.VectorDatabase, nil); err != nil {
			slog.Warn("inline vector_database load failed", "session", sv.session.ID, "err", err)
		}
	}

	sv.session.Context = append(sv.session.Context, Message{Role: "user", Content: prompt.Content})
	sv.session.State = Generating

	maxTokens := prompt.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	sv.session.Context = truncateContext(sv.modelTemplate(), sv.session.Context, sv.cfg.ModelContextWindow, maxTokens)

	rendered := template.Render(sv.modelTemplate(), toTemplateMessages(sv.session.Context))
	inputDigest := sha256.Sum256([]byte(rendered))

	params := inference.Params{
		MaxTokens:   maxTokens,
		Temperature: prompt.Temperature,
		TopP:        prompt.TopP,
		Seed:        prompt.Seed,
		Stop:        prompt.Stop,
	}

	out, err := sv.engine.Generate(ctx, rendered, params)
	if err != nil {
		sv.sendEncryptedError(classifyDispatchError(err), err.Error())
		sv.session.State = AwaitingPrompt
		return
	}

	sv.stream(ctx, out, inputDigest)
}

func classifyDispatchError(err error) wire.ErrorCode {
	if err == inference.ErrOverloaded {
		return wire.ErrCodeOverloaded
	}
	return wire.ErrCodeInternal
}

// stream drains a GenerateOutput, emitting encrypted_chunk frames and
// running C6/C7 checkpoints as tokens_since_last_checkpoint crosses
// CHECKPOINT_TOKENS, then emits the closing encrypted_response (§4.3
// steps 3-5).
func (sv *Supervisor) stream(ctx context.Context, out *inference.GenerateOutput, inputDigest [32]byte) {
	// chunk_index resets to 0 at the start of every assistant turn (§3:
	// "monotonic, reset per assistant turn"); the first encrypted_chunk of
	// the turn is sealed under AAD "chunk_0" (scenario #1).
	sv.session.ChunkIndex = 0

	var lastProofRef string
	var content []byte
	for tok := range out.Tokens {
		sv.session.TotalTokensGenerated++
		sv.session.TokensSinceLastCheckpoint++
		content = append(content, tok...)
		if err := sv.sendChunk(sv.session.ChunkIndex, tok); err != nil {
			slog.Warn("failed writing encrypted_chunk", "session", sv.session.ID, "err", err)
		}
		sv.session.ChunkIndex++

		if sv.proofEnabled() && sv.session.TokensSinceLastCheckpoint >= uint64(sv.cfg.CheckpointTokens) {
			// Output digest reflects the bytes emitted so far this turn;
			// the engine's own digest is only final once the channel
			// closes.
			ref, err := sv.checkpoint(ctx, inputDigest, sha256.Sum256(content), sv.session.TokensSinceLastCheckpoint)
			if err != nil {
				slog.Warn("checkpoint failed, coalescing into next one", "session", sv.session.ID, "err", err)
			} else {
				sv.session.TokensSinceLastCheckpoint = 0
				lastProofRef = ref
			}
		}
	}

	// A turn ending mid-interval leaves the remainder in
	// tokens_since_last_checkpoint rather than forcing an early checkpoint
	// here — the next turn's stream continues accumulating toward
	// CHECKPOINT_TOKENS, and the disconnect sequence flushes whatever is
	// still pending (§4.3 "Disconnect").
	result := <-out.Done

	sv.session.Context = append(sv.session.Context, Message{Role: "assistant", Content: string(content), ProofRef: lastProofRef})
	sv.sendEncryptedJSON(wire.TypeEncryptedResponse, wire.EncryptedResponseBody{
		FinishReason: result.FinishReason,
		ProofRef:     lastProofRef,
	})
	sv.session.State = AwaitingPrompt
}

// checkpoint produces a proof record for the tokens claimed and submits
// it on-chain via C7, returning the blob CID as a client-facing proof
// reference (§4.6, §4.7).
func (sv *Supervisor) checkpoint(ctx context.Context, inputDigest, outputDigest [32]byte, tokensClaimed uint64) (string, error) {
	rec, err := sv.proofs.Generate(ctx, proof.Request{
		JobID:         sv.session.JobID,
		ModelDigest:   sv.session.ModelDigest,
		InputDigest:   inputDigest,
		OutputDigest:  outputDigest,
		TokensClaimed: tokensClaimed,
	})
	if err != nil {
		return "", fmt.Errorf("generating proof: %w", err)
	}
	if sv.settler == nil {
		return "", fmt.Errorf("no settler resolved for this session's chain")
	}
	if _, err := sv.settler.SubmitCheckpoint(ctx, sv.session.JobID, tokensClaimed, rec.BlobHash, rec.BlobCID); err != nil {
		return "", fmt.Errorf("submitting checkpoint on-chain: %w", err)
	}
	return rec.BlobCID, nil
}
