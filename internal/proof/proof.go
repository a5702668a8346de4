// Package proof implements C6: the cryptographic proof-of-work generator
// and its off-chain blob upload.
//
// Two tagged modes are supported per §9's closed-variant guidance: strong
// (a STARK-style attestation, ~200 KiB) and simple (a short hash-tuple
// attestation for development). This repository does not implement a
// STARK prover (§1 out of scope); the strong path instead produces a
// deterministically-sized, digest-bound attestation structure so the
// surrounding pipeline — blob upload, hash verification, on-chain
// checkpointing — is fully exercised end to end. See DESIGN.md.
//
// The LRU cache is github.com/hashicorp/golang-lru/v2, already present in
// the retrieved pack's dependency graph (orbas1-Synnergy) and the
// idiomatic choice over a hand-rolled cache.
package proof

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

// Type is the closed set of proof modes.
type Type string

const (
	Strong Type = "strong"
	Simple Type = "simple"
)

// strongProofSize approximates §4.6's "≈ 200 KiB" strong attestation.
const strongProofSize = 200 * 1024

// Request describes one attestation to produce (§4.6).
type Request struct {
	JobID         string
	ModelDigest   [32]byte
	InputDigest   [32]byte
	OutputDigest  [32]byte
	TokensClaimed uint64
}

// Record is what goes on-chain; the full proof bytes live off-chain
// keyed by BlobCID (§3).
type Record struct {
	JobID         string
	ModelDigest   [32]byte
	InputDigest   [32]byte
	OutputDigest  [32]byte
	TokensClaimed uint64
	Type          Type
	BlobHash      [32]byte
	BlobCID       string
	CreatedAt     time.Time
}

// cacheKey identifies a proof by the digest tuple the spec says C6 may
// deduplicate on (§4.6 "Cache").
type cacheKey struct {
	input  [32]byte
	output [32]byte
}

// BlobStore is the minimal contract this package depends on, satisfied by
// *blob.HTTPClient without an import cycle.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (cid string, err error)
}

// Generator produces proofs under a bounded worker pool with an optional
// LRU cache of recent records. The pool bound is enforced by
// golang.org/x/sync/semaphore rather than a hand-rolled counter, matching
// C4's dispatcher-adjacent admission-control idiom (§4.6).
type Generator struct {
	proofType Type
	blobs     BlobStore
	cache     *lru.Cache[cacheKey, Record]
	sem       *semaphore.Weighted
}

// New builds a Generator. workers bounds concurrent attestation jobs
// (§4.6 "bounded worker pool"); cacheSize <= 0 disables caching.
func New(proofType Type, blobs BlobStore, workers, cacheSize int) (*Generator, error) {
	if workers <= 0 {
		workers = 1
	}
	var cache *lru.Cache[cacheKey, Record]
	if cacheSize > 0 {
		c, err := lru.New[cacheKey, Record](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("constructing proof cache: %w", err)
		}
		cache = c
	}

	return &Generator{
		proofType: proofType,
		blobs:     blobs,
		cache:     cache,
		sem:       semaphore.NewWeighted(int64(workers)),
	}, nil
}

// Close is a no-op kept for symmetry with collaborators that do own
// background goroutines; the semaphore-bounded pool has none to stop.
func (g *Generator) Close() {}

// ErrSaturated is returned when the worker pool cannot accept more work
// without blocking (§4.6 "If the pool is saturated, C3 may coalesce the
// current checkpoint into the next one rather than block the stream").
var ErrSaturated = fmt.Errorf("proof generator saturated")

// Generate produces a Record for req, checking the cache first. Admission
// is fail-fast: Generate returns ErrSaturated immediately if no worker
// slot is free rather than blocking the caller.
func (g *Generator) Generate(ctx context.Context, req Request) (Record, error) {
	key := cacheKey{input: req.InputDigest, output: req.OutputDigest}
	if g.cache != nil {
		if cached, ok := g.cache.Get(key); ok {
			return cached, nil
		}
	}

	if !g.sem.TryAcquire(1) {
		return Record{}, ErrSaturated
	}
	defer g.sem.Release(1)

	rec, err := g.attest(ctx, req)
	if err != nil {
		return Record{}, err
	}
	if g.cache != nil {
		g.cache.Add(key, rec)
	}
	return rec, nil
}

func (g *Generator) attest(ctx context.Context, req Request) (Record, error) {
	bytes, err := buildAttestation(g.proofType, req)
	if err != nil {
		return Record{}, err
	}

	blobHash := sha256.Sum256(bytes)
	cid, err := g.blobs.Put(ctx, bytes)
	if err != nil {
		return Record{}, fmt.Errorf("uploading proof blob: %w", err)
	}

	return Record{
		JobID:         req.JobID,
		ModelDigest:   req.ModelDigest,
		InputDigest:   req.InputDigest,
		OutputDigest:  req.OutputDigest,
		TokensClaimed: req.TokensClaimed,
		Type:          g.proofType,
		BlobHash:      blobHash,
		BlobCID:       cid,
		CreatedAt:     time.Now(),
	}, nil
}

// buildAttestation binds (model_digest, input_digest, output_digest,
// tokens_claimed, job_id) into proof bytes. Simple mode returns the bare
// header (the three digests, the token count and the job ID); strong mode
// returns a SHA-256 chain seeded by that header and cut to the target
// size, so every byte on the wire is still a function of those inputs
// (no unbound/random filler that downstream verification could not
// recompute).
func buildAttestation(t Type, req Request) ([]byte, error) {
	header := attestationHeader(req)
	switch t {
	case Simple:
		return header, nil
	case Strong:
		return expand(header, strongProofSize), nil
	default:
		return nil, fmt.Errorf("unknown proof type %q", t)
	}
}

func attestationHeader(req Request) []byte {
	buf := make([]byte, 0, 32*3+8+len(req.JobID))
	buf = append(buf, req.ModelDigest[:]...)
	buf = append(buf, req.InputDigest[:]...)
	buf = append(buf, req.OutputDigest[:]...)
	tok := make([]byte, 8)
	binary.BigEndian.PutUint64(tok, req.TokensClaimed)
	buf = append(buf, tok...)
	buf = append(buf, []byte(req.JobID)...)
	return buf
}

// expand deterministically stretches seed to size bytes by repeated
// SHA-256, so the full attestation body remains a pure function of the
// digest tuple rather than random filler.
func expand(seed []byte, size int) []byte {
	out := make([]byte, 0, size)
	block := sha256.Sum256(seed)
	for len(out) < size {
		out = append(out, block[:]...)
		block = sha256.Sum256(block[:])
	}
	return out[:size]
}
