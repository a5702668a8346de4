// Package inference implements C4: the serialized dispatcher in front of
// the single GPU-resident model. The model itself is an opaque,
// token-generating collaborator (§1 out of scope); this package owns
// FIFO fairness across sessions, backpressure, cancellation, and output
// digesting.
//
// Grounded on the teacher's single-process, channel-fed architecture. The
// bounded queue uses a buffered Go channel sized to MAX_QUEUE — the same
// "closed with TryAcquire-style fail-fast" idiom golang.org/x/sync exposes
// via semaphore.Weighted, which the pack's libp2p-heavy repos already pull
// in transitively.
package inference

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrOverloaded is returned when MAX_QUEUE is exceeded (§4.4).
var ErrOverloaded = errors.New("OVERLOADED")

// Params carries the generation knobs of §4.4.
type Params struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	Seed        *int64
	Stop        []string
}

// Engine is the opaque token-generating collaborator. Implementations run
// on the GPU and are expected to honor ctx cancellation promptly (§5
// "Cancellation tells C4 to stop producing tokens").
type Engine interface {
	// Generate streams tokens for prompt. The returned token channel is
	// closed when generation ends; exactly one Result is sent on result
	// afterward.
	Generate(ctx context.Context, prompt string, params Params) (tokens <-chan string, result <-chan Result, err error)
}

// Result is delivered exactly once after the token channel closes.
type Result struct {
	FinishReason string
	Err          error
}

// DoneResult carries the finish reason and the SHA-256 digest of the
// exact concatenated bytes emitted (§4.4's "output_digest").
type DoneResult struct {
	FinishReason string
	OutputDigest [32]byte
	Err          error
}

// GenerateOutput is returned to the caller (C3) once the request has been
// accepted onto the queue; it owns the token channel and the eventual
// digest/finish-reason.
type GenerateOutput struct {
	Tokens <-chan string
	// Done is closed after exactly one DoneResult has been sent.
	Done <-chan DoneResult
}

type request struct {
	ctx      context.Context
	prompt   string
	params   Params
	accepted chan *GenerateOutput
}

// Dispatcher serializes access to the shared model behind a single worker
// goroutine reading a bounded, FIFO queue.
type Dispatcher struct {
	engine Engine
	queue  chan *request
	cap    int
}

// New builds a Dispatcher over engine with the given MAX_QUEUE, and starts
// the single worker goroutine that preserves FIFO fairness across
// sessions (§4.4, §5 "Inference dispatch is FIFO per session but may
// interleave between sessions").
func New(engine Engine, maxQueue int) *Dispatcher {
	if maxQueue <= 0 {
		maxQueue = 1
	}
	d := &Dispatcher{
		engine: engine,
		queue:  make(chan *request, maxQueue),
		cap:    maxQueue,
	}
	go d.worker()
	return d
}

// Generate enqueues a generation request, failing fast with ErrOverloaded
// if the queue is already full (§4.4). On success it returns as soon as
// the request is dequeued and the engine has started streaming — not
// when generation completes.
func (d *Dispatcher) Generate(ctx context.Context, prompt string, params Params) (*GenerateOutput, error) {
	req := &request{ctx: ctx, prompt: prompt, params: params, accepted: make(chan *GenerateOutput, 1)}
	select {
	case d.queue <- req:
	default:
		return nil, ErrOverloaded
	}

	select {
	case out := <-req.accepted:
		if out == nil {
			return nil, fmt.Errorf("starting generation: engine rejected request")
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueCapacity reports MAX_QUEUE, exposed for metrics/tests.
func (d *Dispatcher) QueueCapacity() int { return d.cap }

// QueueLen reports the current number of queued (not yet dequeued)
// requests.
func (d *Dispatcher) QueueLen() int { return len(d.queue) }

func (d *Dispatcher) worker() {
	for req := range d.queue {
		d.run(req)
	}
}

func (d *Dispatcher) run(req *request) {
	tokens, result, err := d.engine.Generate(req.ctx, req.prompt, req.params)
	if err != nil {
		req.accepted <- nil
		return
	}

	outTokens := make(chan string)
	done := make(chan DoneResult, 1)
	req.accepted <- &GenerateOutput{Tokens: outTokens, Done: done}

	// Run the pump synchronously in the worker: the dispatcher is
	// single-worker by design (§4.4 "serialises access"), so the next
	// queued request only starts once this one's token stream is fully
	// drained by the consumer.
	h := sha256.New()
	defer close(outTokens)
	defer close(done)

	for tok := range tokens {
		h.Write([]byte(tok))
		select {
		case outTokens <- tok:
		case <-req.ctx.Done():
			for range tokens {
			}
			done <- DoneResult{FinishReason: "cancelled", Err: req.ctx.Err()}
			return
		}
	}

	res := <-result
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	done <- DoneResult{FinishReason: res.FinishReason, OutputDigest: digest, Err: res.Err}
}
