package session

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fabstir/compute-node/internal/inference"
	"github.com/fabstir/compute-node/internal/proof"
	"github.com/fabstir/compute-node/internal/template"
	"github.com/fabstir/compute-node/internal/wire"
)

// Transport is the minimal outbound contract the gateway connection
// satisfies (*wire.Conn); narrowed here so tests can substitute an
// in-memory fake instead of a real socket.
type Transport interface {
	WriteEnvelope(env wire.Envelope) error
}

// KeyRegistry is the C8 contract the supervisor depends on.
type KeyRegistry interface {
	Put(sessionID string, key [32]byte)
	Borrow(sessionID string) (key [32]byte, counter uint64, ok bool)
	NextOutboundCounter(sessionID string) (uint64, bool)
	Touch(sessionID string)
	Remove(sessionID string)
}

// Dispatcher is the C4 contract the supervisor depends on.
type Dispatcher interface {
	Generate(ctx context.Context, prompt string, params inference.Params) (*inference.GenerateOutput, error)
}

// ProofGenerator is the C6 contract the supervisor depends on. A nil
// ProofGenerator means proof generation is disabled (§6
// enable_proof_generation=false); the supervisor skips checkpoint
// attestation entirely in that case.
type ProofGenerator interface {
	Generate(ctx context.Context, req proof.Request) (proof.Record, error)
}

// Settler is the C7 contract the supervisor depends on, scoped to a
// single already-resolved chain.
type Settler interface {
	SubmitCheckpoint(ctx context.Context, jobID string, tokensClaimed uint64, blobHash [32]byte, blobCID string) (common.Hash, error)
	CompleteSession(ctx context.Context, jobID string, totalTokens uint64) (common.Hash, error)
}

// SettlementResolver maps a job's chain_id to its Settler, closed over
// the node's configured chain registry (§4.7 "closed registry").
type SettlementResolver interface {
	For(chainID int64) (Settler, bool)
}

// BlobFetcher is the minimal blob-store contract used to bulk-load a
// vector database by CID (C5's load_cid, §4.5).
type BlobFetcher interface {
	Get(ctx context.Context, cid string) ([]byte, error)
}

// ModelBinding is the process-wide result of C9's startup binding: the
// model digest every session validates against, and the chat-template
// kind used to render context for it.
type ModelBinding struct {
	ModelDigest  [32]byte
	TemplateKind template.Kind
}
