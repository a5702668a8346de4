// Package session implements C3: one supervisor per accepted WebSocket
// connection, owning that connection's entire mutable state and driving
// its handshake/prompt/generation/disconnect state machine. It is pure
// orchestration over C1 (wire), C2 (crypto), C4 (inference), C5
// (vectorstore), C6/C7/C9 (proof/chain), and C8 (registry) — no new
// third-party dependency, matching the teacher's own main.go, which
// wires concrete collaborators together without an application
// framework.
package session

import (
	"log/slog"
	"time"
)

// State is the closed set of session lifecycle states (§4.3).
type State string

const (
	Handshaking   State = "handshaking"
	AwaitingPrompt State = "awaiting_prompt"
	Generating    State = "generating"
	Terminating   State = "terminating"
)

// Message is one turn of conversation context (§3).
type Message struct {
	Role        string // "user", "assistant", "system"
	Content     string
	TokensCount int
	ProofRef    string
}

// Session holds all per-connection mutable state (§3). Exactly one
// Supervisor owns a Session for its entire lifetime; nothing else
// mutates it.
type Session struct {
	ID            string
	JobID         string
	ChainID       int64
	ModelDigest   [32]byte
	PricePerToken int64

	State State

	MessageIndex               int
	ChunkIndex                 int
	TotalTokensGenerated       uint64
	TokensSinceLastCheckpoint  uint64

	Context []Message

	CreatedAt      time.Time
	LastActivityAt time.Time
}

// LogValue renders the session as structured slog fields, matching the
// teacher's practice of logging domain objects as key/value pairs rather
// than via %+v.
func (s *Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("session_id", s.ID),
		slog.String("job_id", s.JobID),
		slog.Int64("chain_id", s.ChainID),
		slog.String("state", string(s.State)),
		slog.Uint64("total_tokens_generated", s.TotalTokensGenerated),
	)
}

// touch updates LastActivityAt to now.
func (s *Session) touch() {
	s.LastActivityAt = time.Now()
}
