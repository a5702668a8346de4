// Package vectorstore implements C5: a per-session in-memory 384-dim
// vector index with cosine search and an optional bulk-load path from the
// blob store.
//
// Grounded on the teacher's map-plus-mutex idiom (x402.InMemoryTokenStore)
// generalized to vectors; no BLAS/ANN library is introduced because the
// spec's own target (≤100ms at 10,000 vectors, brute-force cosine) is well
// within reach of a plain loop over float32 slices — see DESIGN.md.
package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Dimension is the fixed embedding width (§3).
const Dimension = 384

// MaxMetadataBytes bounds opaque per-vector metadata (§3).
const MaxMetadataBytes = 10 * 1024

// ErrVectorLimitExceeded is returned when an insert would exceed the
// per-session capacity (§4.5).
var ErrVectorLimitExceeded = fmt.Errorf("VECTOR_LIMIT_EXCEEDED")

// Vector is a single stored embedding (§3).
type Vector struct {
	ID        string
	Embedding [Dimension]float32
	Metadata  []byte
}

// UploadResult reports per-batch outcomes (§4.5).
type UploadResult struct {
	Uploaded int
	Rejected int
	Errors   []string
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ID       string
	Score    float32
	Metadata []byte
}

// MetadataFilter is a predicate over a vector's metadata, evaluated during
// search (§4.5). Implementations must be safe to call concurrently.
type MetadataFilter func(metadata []byte) bool

// Store is a single session's vector index. Build it with New: a zero
// Store has a limit of 0 and rejects every insert.
type Store struct {
	limit int

	mu      sync.RWMutex
	vectors map[string]Vector
	order   []string // insertion order, for deterministic iteration
}

// New creates a Store capped at limit vectors (§6
// vector_limit_per_session, default 100000).
func New(limit int) *Store {
	if limit <= 0 {
		limit = 100000
	}
	return &Store{limit: limit, vectors: make(map[string]Vector)}
}

// Upload validates and inserts vectors. If replace is true, all existing
// vectors are cleared first (§4.5).
func (s *Store) Upload(vectors []Vector, replace bool) UploadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replace {
		s.vectors = make(map[string]Vector)
		s.order = nil
	}

	var res UploadResult
	for _, v := range vectors {
		if err := validate(v); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", v.ID, err))
			continue
		}
		if _, exists := s.vectors[v.ID]; !exists && len(s.vectors) >= s.limit {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", v.ID, ErrVectorLimitExceeded))
			continue
		}
		if _, exists := s.vectors[v.ID]; !exists {
			s.order = append(s.order, v.ID)
		}
		s.vectors[v.ID] = v
		res.Uploaded++
	}
	return res
}

func validate(v Vector) error {
	if v.ID == "" {
		return fmt.Errorf("missing id")
	}
	for _, f := range v.Embedding {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("embedding contains non-finite component")
		}
	}
	if len(v.Metadata) > MaxMetadataBytes {
		return fmt.Errorf("metadata exceeds %d bytes", MaxMetadataBytes)
	}
	return nil
}

// Search returns the top-k vectors by cosine similarity to query,
// filtered by an optional threshold and metadata predicate, sorted
// strictly descending by score (§4.5, §8).
func (s *Store) Search(query [Dimension]float32, k int, threshold *float32, filter MetadataFilter) []SearchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qNorm := norm(query)
	results := make([]SearchResult, 0, len(s.vectors))
	for _, id := range s.order {
		v, ok := s.vectors[id]
		if !ok {
			continue
		}
		if filter != nil && !filter(v.Metadata) {
			continue
		}
		score := cosineSimilarity(query, qNorm, v.Embedding)
		if threshold != nil && score < *threshold {
			continue
		}
		results = append(results, SearchResult{ID: v.ID, Score: score, Metadata: v.Metadata})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results
}

func norm(v [Dimension]float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a [Dimension]float32, aNorm float64, b [Dimension]float32) float32 {
	if aNorm == 0 {
		return 0
	}
	var dot, bSumSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSumSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bSumSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (aNorm * bNorm))
}

// Len reports the current vector count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// Clear drops all vectors, used on session termination (§4.5 "Cleanup").
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = make(map[string]Vector)
	s.order = nil
}
