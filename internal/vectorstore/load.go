package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Progress reports bulk-load progress (§4.5, §6 VectorLoadProgress).
type Progress struct {
	Phase      string // "downloading", "parsing", "indexing"
	Percentage int
}

// ProgressFunc receives Progress updates. Implementations must not block
// significantly — the session supervisor forwards each update as a wire
// frame.
type ProgressFunc func(Progress)

// blobFetcher is the minimal blob-store contract this package depends on;
// satisfied by *blob.HTTPClient without importing it directly, avoiding a
// dependency cycle between vectorstore and blob.
type blobFetcher interface {
	Get(ctx context.Context, cid string) ([]byte, error)
}

// record is the on-the-wire JSON shape of one stored vector.
type record struct {
	ID        string             `json:"id"`
	Embedding [Dimension]float32 `json:"embedding"`
	Metadata  json.RawMessage    `json:"metadata,omitempty"`
}

// LoadCID fetches a JSON array of vector records from the blob store and
// inserts them with replace semantics (§4.5 load_cid), reporting progress
// through report at each phase.
func (s *Store) LoadCID(ctx context.Context, fetcher blobFetcher, cid string, report ProgressFunc) (int, error) {
	if report == nil {
		report = func(Progress) {}
	}

	report(Progress{Phase: "downloading", Percentage: 0})
	raw, err := fetcher.Get(ctx, cid)
	if err != nil {
		return 0, fmt.Errorf("fetching vector database %s: %w", cid, err)
	}
	report(Progress{Phase: "downloading", Percentage: 100})

	report(Progress{Phase: "parsing", Percentage: 0})
	var records []record
	if err := json.Unmarshal(raw, &records); err != nil {
		return 0, fmt.Errorf("parsing vector database %s: %w", cid, err)
	}
	report(Progress{Phase: "parsing", Percentage: 100})

	vectors := make([]Vector, len(records))
	total := len(records)
	for i, r := range records {
		vectors[i] = Vector{ID: r.ID, Embedding: r.Embedding, Metadata: r.Metadata}
		if total > 0 && i%maxInt(1, total/20) == 0 {
			report(Progress{Phase: "indexing", Percentage: i * 100 / total})
		}
	}

	result := s.Upload(vectors, true)
	report(Progress{Phase: "indexing", Percentage: 100})

	if result.Rejected > 0 {
		return result.Uploaded, fmt.Errorf("%d of %d vectors rejected during load", result.Rejected, total)
	}
	return result.Uploaded, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
