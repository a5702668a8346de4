package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fabstir/compute-node/internal/config"
	"github.com/fabstir/compute-node/internal/crypto"
	"github.com/fabstir/compute-node/internal/template"
	"github.com/fabstir/compute-node/internal/vectorstore"
	"github.com/fabstir/compute-node/internal/wire"
)

// Supervisor is C3: one goroutine per accepted connection, running its
// state machine to completion (§4.3, §5 "individual session supervisors
// are single tasks that handle their sockets, timers, and orchestration
// in one serialised logical thread").
type Supervisor struct {
	conn    Transport
	channel *crypto.Channel
	keys    KeyRegistry
	engine  Dispatcher
	proofs  ProofGenerator // nil when disabled
	settle  SettlementResolver
	blobs   BlobFetcher
	cfg     *config.Config
	binding ModelBinding

	session       *Session
	vectors       *vectorstore.Store
	cancel        context.CancelFunc
	settler       Settler // resolved once the job's chain_id is known
	terminateOnce sync.Once
}

// Deps bundles the collaborators a Supervisor needs, grounded on each
// component named in SPEC_FULL.md §4.
type Deps struct {
	Channel   *crypto.Channel
	Keys      KeyRegistry
	Engine    Dispatcher
	Proofs    ProofGenerator
	Settle    SettlementResolver
	Blobs     BlobFetcher
	Config    *config.Config
	Binding   ModelBinding
}

// NewSupervisor builds a Supervisor for one freshly-upgraded connection.
// sessionID must be universally unique (the caller mints it, typically
// with github.com/google/uuid).
func NewSupervisor(sessionID string, conn Transport, deps Deps) *Supervisor {
	now := time.Now()
	return &Supervisor{
		conn:    conn,
		channel: deps.Channel,
		keys:    deps.Keys,
		engine:  deps.Engine,
		proofs:  deps.Proofs,
		settle:  deps.Settle,
		blobs:   deps.Blobs,
		cfg:     deps.Config,
		binding: deps.Binding,
		session: &Session{
			ID:             sessionID,
			State:          Handshaking,
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}
}

// Run drives the connection's read loop until disconnect or a fatal
// error, then runs the Terminating sequence. It blocks until the
// session ends.
func (sv *Supervisor) Run(ctx context.Context, read func() (wire.Envelope, error)) {
	ctx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel
	defer cancel()
	defer sv.terminate(ctx, "connection closed")

	idleTimeout := sv.cfg.SessionIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}

	for {
		type readResult struct {
			env wire.Envelope
			err error
		}
		resultCh := make(chan readResult, 1)
		go func() {
			env, err := read()
			resultCh <- readResult{env, err}
		}()

		select {
		case res := <-resultCh:
			if res.err != nil {
				if wire.IsMalformed(res.err) {
					sv.refuse(wire.ErrCodeMalformedEnvelope, res.err.Error())
					continue
				}
				return
			}
			sv.session.touch()
			sv.keys.Touch(sv.session.ID)
			sv.handleEnvelope(ctx, res.env)
			if sv.session.State == Terminating {
				return
			}
		case <-time.After(idleTimeout):
			slog.Info("session idle timeout", "session", sv.session.ID)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (sv *Supervisor) handleEnvelope(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeEncryptedSessionInit:
		sv.handleInit(ctx, env)
	case wire.TypeEncryptedMessage:
		sv.handlePrompt(ctx, env)
	case wire.TypeUploadVectors:
		sv.handleUploadVectors(env)
	case wire.TypeSearchVectors:
		sv.handleSearchVectors(env)
	case wire.TypeLoadVectorDatabase:
		sv.handleLoadVectorDatabase(ctx, env)
	case wire.TypeSessionEnd:
		sv.session.State = Terminating
	default:
		sv.refuse(wire.ErrCodeMalformedEnvelope, "unrecognised message type")
	}
}

// refuse reports an error using whichever form (plaintext/encrypted) is
// currently legal for the session's state.
func (sv *Supervisor) refuse(code wire.ErrorCode, message string) {
	if sv.session.State == Handshaking {
		sv.sendError(code, message)
		return
	}
	sv.sendEncryptedError(code, message)
}

// modelTemplate resolves the chat-template kind bound at startup.
func (sv *Supervisor) modelTemplate() template.Kind { return sv.binding.TemplateKind }

// proofEnabled reports whether C6/C7 checkpointing should run at all.
func (sv *Supervisor) proofEnabled() bool {
	return sv.cfg.EnableProofGeneration && sv.proofs != nil
}
