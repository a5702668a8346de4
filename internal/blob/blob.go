// Package blob is the HTTP bridge to the decentralized, content-addressed
// blob store (§6). This is an external collaborator (§1 out of scope to
// reimplement); this package is the thin client the core depends on.
//
// Grounded on the teacher's x402.RemoteFacilitator (a small JSON-over-HTTP
// client with a bounded timeout and structured error wrapping), adapted
// from a payment facilitator to a content-addressed byte store.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

// Store is the content-addressed byte store contract used by C5 and C6.
type Store interface {
	// Put uploads data and returns its content identifier.
	Put(ctx context.Context, data []byte) (cid string, err error)
	// Get fetches the bytes addressed by cid.
	Get(ctx context.Context, cid string) ([]byte, error)
}

// HTTPClient talks to a blob store bridge over HTTP, matching §6's
// "HTTP bridge expected at a configured base URL; content-addressed
// GET/PUT with a z...-prefixed base58btc CID as identifier."
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds an HTTPClient rooted at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Put uploads data and derives its CID locally as z<base58btc(sha256(data))>,
// matching §6's "Integrity verified locally by SHA-256 match to on-chain
// proofHash" — the CID is content-derived, not server-assigned, so a
// caller can always recompute and verify it.
func (c *HTTPClient) Put(ctx context.Context, data []byte) (string, error) {
	cid := CIDFor(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/"+cid, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("building blob PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob store unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("blob store PUT %s: status %d: %s", cid, resp.StatusCode, body)
	}
	return cid, nil
}

// Get fetches the bytes addressed by cid.
func (c *HTTPClient) Get(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+cid, nil)
	if err != nil {
		return nil, fmt.Errorf("building blob GET request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob store unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("blob store GET %s: status %d", cid, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// CIDFor derives the z-prefixed base58btc content identifier for data.
func CIDFor(data []byte) string {
	sum := sha256.Sum256(data)
	return "z" + base58.Encode(sum[:])
}

// VerifyHash checks that data hashes to the expected 32-byte blob_hash
// (§3 "integrity verifiable by blob_hash").
func VerifyHash(data []byte, expected [32]byte) bool {
	got := sha256.Sum256(data)
	return got == expected
}
