package chain

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/fabstir/compute-node/internal/template"
)

var getNodeFullInfoSig = selector("getNodeFullInfo(bytes32)")

// ErrModelNotApproved is returned when the node-registry contract does
// not list the local model's digest as approved.
var ErrModelNotApproved = fmt.Errorf("model digest not present in on-chain approved list")

// Binding is the result of resolving a local model file against the
// on-chain registry (§4.9): its content digest and the chat-template
// variant it is declared to use.
type Binding struct {
	ModelDigest  [32]byte
	TemplateKind template.Kind
}

// ModelRegistry is the C9 facade: it hashes the local model file and
// checks it against the node-registry contract's approved-model list.
type ModelRegistry struct {
	backend  Backend
	contract common.Address
	caller   common.Address
	// templates maps a known model digest to the chat-template kind it
	// was approved with. Populated from config; the contract's view
	// function only confirms approval, it does not carry template
	// metadata, so this side table binds the two together locally.
	templates map[[32]byte]template.Kind
}

// NewModelRegistry builds a facade bound to a dialed backend and
// contract. templates may be nil if no override is configured, in which
// case Bind defaults to template.Plain.
func NewModelRegistry(backend Backend, contract, caller common.Address, templates map[[32]byte]template.Kind) *ModelRegistry {
	if templates == nil {
		templates = make(map[[32]byte]template.Kind)
	}
	return &ModelRegistry{backend: backend, contract: contract, caller: caller, templates: templates}
}

// digestFile computes the SHA-256 digest of the file at path.
func digestFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening model file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, fmt.Errorf("hashing model file: %w", err)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Bind computes the local model's digest, confirms it is on the
// on-chain approved list, and resolves its chat-template kind.
func (r *ModelRegistry) Bind(ctx context.Context, modelPath string) (Binding, error) {
	digest, err := digestFile(modelPath)
	if err != nil {
		return Binding{}, err
	}

	approved, err := r.isApproved(ctx, digest)
	if err != nil {
		return Binding{}, fmt.Errorf("checking model approval: %w", err)
	}
	if !approved {
		return Binding{}, ErrModelNotApproved
	}

	kind, ok := r.templates[digest]
	if !ok {
		kind = template.Plain
	}
	return Binding{ModelDigest: digest, TemplateKind: kind}, nil
}

func (r *ModelRegistry) isApproved(ctx context.Context, digest [32]byte) (bool, error) {
	data := append(append([]byte{}, getNodeFullInfoSig...), bytes32Pad(digest)...)
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{
		From: r.caller,
		To:   &r.contract,
		Data: data,
	}, nil)
	if err != nil {
		return false, err
	}
	if len(out) < 32 {
		return false, nil
	}
	// A single bool return is ABI-encoded as a right-aligned 32-byte word.
	return out[31] != 0, nil
}
