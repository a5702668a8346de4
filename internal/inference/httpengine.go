package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPEngine adapts a local inference server's streaming completion
// endpoint to the Engine interface. The runtime behind it (llama.cpp,
// vLLM, or similar) is the opaque collaborator §1 puts out of scope;
// this is the thin bridge the dispatcher depends on, grounded on the
// same request/response shape as blob.HTTPClient.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine builds an HTTPEngine rooted at baseURL, expected to expose
// POST /completion accepting {prompt, params...} and returning a stream
// of newline-delimited JSON chunks {"token": "...", "stop": bool,
// "finish_reason": "..."}.
func NewHTTPEngine(baseURL string) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 0}, // streaming response, no fixed deadline
	}
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type completionChunk struct {
	Token        string `json:"token"`
	Stop         bool   `json:"stop"`
	FinishReason string `json:"finish_reason"`
}

// Generate posts prompt/params to the configured engine and pumps its
// streamed chunks onto the returned channels.
func (e *HTTPEngine) Generate(ctx context.Context, prompt string, params Params) (<-chan string, <-chan Result, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Seed:        params.Seed,
		Stop:        params.Stop,
		Stream:      true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("inference engine unavailable: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("inference engine returned status %d", resp.StatusCode)
	}

	tokens := make(chan string)
	result := make(chan Result, 1)

	go func() {
		defer resp.Body.Close()
		defer close(tokens)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		finishReason := "stop"
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk completionChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				result <- Result{FinishReason: "error", Err: fmt.Errorf("decoding engine chunk: %w", err)}
				return
			}
			if chunk.Stop {
				if chunk.FinishReason != "" {
					finishReason = chunk.FinishReason
				}
				break
			}
			select {
			case tokens <- chunk.Token:
			case <-ctx.Done():
				result <- Result{FinishReason: "cancelled", Err: ctx.Err()}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			result <- Result{FinishReason: "error", Err: fmt.Errorf("reading engine stream: %w", err)}
			return
		}
		result <- Result{FinishReason: finishReason}
	}()

	return tokens, result, nil
}

var _ Engine = (*HTTPEngine)(nil)
