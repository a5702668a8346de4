package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"testing"

	dsecp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/hkdf"

	"github.com/fabstir/compute-node/internal/config"
	"github.com/fabstir/compute-node/internal/crypto"
	"github.com/fabstir/compute-node/internal/inference"
	"github.com/fabstir/compute-node/internal/proof"
	"github.com/fabstir/compute-node/internal/template"
	"github.com/fabstir/compute-node/internal/wire"
)

// --- test doubles, grounded on the teacher's in-memory fake idiom ---

type fakeTransport struct {
	mu  sync.Mutex
	out []wire.Envelope
}

func (f *fakeTransport) WriteEnvelope(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, env)
	return nil
}

func (f *fakeTransport) last() wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return wire.Envelope{}
	}
	return f.out[len(f.out)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type fakeKeyRegistry struct {
	mu      sync.Mutex
	entries map[string][32]byte
	ctr     map[string]uint64
	removed []string
}

func newFakeKeyRegistry() *fakeKeyRegistry {
	return &fakeKeyRegistry{entries: map[string][32]byte{}, ctr: map[string]uint64{}}
}

func (r *fakeKeyRegistry) Put(sessionID string, key [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionID] = key
}

func (r *fakeKeyRegistry) Borrow(sessionID string) ([32]byte, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.entries[sessionID]
	return k, r.ctr[sessionID], ok
}

func (r *fakeKeyRegistry) NextOutboundCounter(sessionID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[sessionID]; !ok {
		return 0, false
	}
	r.ctr[sessionID]++
	return r.ctr[sessionID], true
}

func (r *fakeKeyRegistry) Touch(sessionID string) {}

func (r *fakeKeyRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
	r.removed = append(r.removed, sessionID)
}

type fakeSettler struct {
	mu                 sync.Mutex
	checkpointCalls    int
	completeCalls      int
	lastTotalTokens    uint64
	checkpointTokens   []uint64
}

func (s *fakeSettler) SubmitCheckpoint(ctx context.Context, jobID string, tokensClaimed uint64, blobHash [32]byte, blobCID string) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointCalls++
	s.checkpointTokens = append(s.checkpointTokens, tokensClaimed)
	return common.Hash{}, nil
}

func (s *fakeSettler) CompleteSession(ctx context.Context, jobID string, totalTokens uint64) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	s.lastTotalTokens = totalTokens
	return common.Hash{}, nil
}

type fakeResolver struct {
	settler *fakeSettler
	chainID int64
}

func (r *fakeResolver) For(chainID int64) (Settler, bool) {
	if chainID != r.chainID {
		return nil, false
	}
	return r.settler, true
}

type fakeProofGen struct {
	mu    sync.Mutex
	calls int
}

func (p *fakeProofGen) Generate(ctx context.Context, req proof.Request) (proof.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return proof.Record{JobID: req.JobID, BlobCID: "z-test-cid", TokensClaimed: req.TokensClaimed}, nil
}

type fakeEngine struct {
	tokens []string
}

func (e *fakeEngine) Generate(ctx context.Context, prompt string, params inference.Params) (<-chan string, <-chan inference.Result, error) {
	tokCh := make(chan string)
	resCh := make(chan inference.Result, 1)
	go func() {
		defer close(tokCh)
		for _, t := range e.tokens {
			tokCh <- t
		}
		resCh <- inference.Result{FinishReason: "stop"}
	}()
	return tokCh, resCh, nil
}

type fakeBlobFetcher struct{}

func (fakeBlobFetcher) Get(ctx context.Context, cid string) ([]byte, error) { return nil, nil }

// --- handshake fixture: simulates the client side of §4.2 ---

type handshakeFixture struct {
	hostKey    *ecdsa.PrivateKey
	payerKey   *ecdsa.PrivateKey
	payerAddr  string
}

func newHandshakeFixture(t *testing.T) *handshakeFixture {
	t.Helper()
	hostKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	payerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating payer key: %v", err)
	}
	return &handshakeFixture{
		hostKey:   hostKey,
		payerKey:  payerKey,
		payerAddr: ethcrypto.PubkeyToAddress(payerKey.PublicKey).Hex(),
	}
}

// buildInit performs the client side of the handshake against f's host
// key: ephemeral ECDH, HKDF derivation, AEAD-sealing the inner payload,
// and signing the ciphertext digest with the payer key — the mirror
// image of Channel.DecryptInit, built independently here since that code
// legitimately only exists on the client in production.
func (f *handshakeFixture) buildInit(t *testing.T, jobID, modelName string, pricePerToken int64, sessionKey [32]byte) wire.EncryptedSessionInitBody {
	t.Helper()

	ephPriv, err := dsecp.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}

	hostPubCompressed := ethcrypto.CompressPubkey(&f.hostKey.PublicKey)
	hostPubDecred, err := dsecp.ParsePubKey(hostPubCompressed)
	if err != nil {
		t.Fatalf("parsing host pubkey: %v", err)
	}

	var point, result dsecp.JacobianPoint
	hostPubDecred.AsJacobian(&point)
	dsecp.ScalarMultNonConst(&ephPriv.Key, &point, &result)
	result.ToAffine()
	x := result.X.Bytes()
	sharedSecret := x[:]

	derivedKey := make([]byte, crypto.SessionKeySize)
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte("fabstir/session-init v1"))
	if _, err := r.Read(derivedKey); err != nil {
		t.Fatalf("hkdf: %v", err)
	}

	inner := struct {
		SessionKey    string `json:"sessionKey"`
		JobID         string `json:"jobId"`
		ModelName     string `json:"modelName"`
		PricePerToken int64  `json:"pricePerToken"`
	}{
		SessionKey:    crypto.EncodeHex(sessionKey[:]),
		JobID:         jobID,
		ModelName:     modelName,
		PricePerToken: pricePerToken,
	}
	plain, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner payload: %v", err)
	}

	const aad = "session_init"
	payload, err := crypto.Encrypt(derivedKey, aad, plain)
	if err != nil {
		t.Fatalf("sealing init payload: %v", err)
	}

	ciphertext, err := crypto.DecodeHex(payload.CiphertextHex)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	digest := sha256.Sum256(ciphertext)
	sig, err := ethcrypto.Sign(digest[:], f.payerKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	return wire.EncryptedSessionInitBody{
		EphemeralPubKeyHex: crypto.EncodeHex(ephPriv.PubKey().SerializeCompressed()),
		NonceHex:           payload.NonceHex,
		CiphertextHex:      payload.CiphertextHex,
		SignatureHex:       crypto.EncodeHex(sig),
		AADHex:             payload.AADHex,
		PayerAddress:       f.payerAddr,
		JobID:              jobID,
		ChainID:            84532,
	}
}

func newTestSupervisor(t *testing.T, fixture *handshakeFixture, modelName string, minPrice int64, engine *fakeEngine, settler *fakeSettler, proofGen *fakeProofGen, enableProof bool) (*Supervisor, *fakeTransport, *fakeKeyRegistry) {
	t.Helper()
	transport := &fakeTransport{}
	keys := newFakeKeyRegistry()
	cfg := &config.Config{
		ModelName:             modelName,
		TokenPricingUSDC:      minPrice,
		ModelContextWindow:    4096,
		CheckpointTokens:      50,
		VectorLimitPerSession: 1000,
		EnableProofGeneration: enableProof,
	}
	var pg ProofGenerator
	if proofGen != nil {
		pg = proofGen
	}
	var settlerResolver SettlementResolver
	if settler != nil {
		settlerResolver = &fakeResolver{settler: settler, chainID: 84532}
	}
	var disp Dispatcher
	if engine != nil {
		disp = inference.New(engine, 16)
	}
	deps := Deps{
		Channel: crypto.NewChannel(fixture.hostKey),
		Keys:    keys,
		Engine:  disp,
		Proofs:  pg,
		Settle:  settlerResolver,
		Blobs:   fakeBlobFetcher{},
		Config:  cfg,
		Binding: ModelBinding{ModelDigest: [32]byte{0xAB}, TemplateKind: template.Plain},
	}
	sv := NewSupervisor("sess-1", transport, deps)
	return sv, transport, keys
}

func mustBuildEnvelope(t *testing.T, typ wire.Type, body any) wire.Envelope {
	t.Helper()
	env, err := wire.BuildEnvelope(typ, body)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	return env
}

func TestHandleInitAcceptsValidHandshake(t *testing.T) {
	fixture := newHandshakeFixture(t)
	sv, transport, keys := newTestSupervisor(t, fixture, "tinyllama", 1, nil, nil, nil, false)

	var sessionKey [32]byte
	sessionKey[0] = 0x42
	body := fixture.buildInit(t, "15", "tinyllama", 2272727273, sessionKey)
	sv.handleInit(context.Background(), mustBuildEnvelope(t, wire.TypeEncryptedSessionInit, body))

	if sv.session.State != AwaitingPrompt {
		t.Fatalf("expected AwaitingPrompt, got %v", sv.session.State)
	}
	if _, _, ok := keys.Borrow(sv.session.ID); !ok {
		t.Fatal("expected session key to be registered with the key registry")
	}
	if transport.count() != 1 {
		t.Fatalf("expected exactly one reply, got %d", transport.count())
	}
	if transport.last().Type != wire.TypeSessionInitAck {
		t.Fatalf("expected session_init_ack, got %v", transport.last().Type)
	}
}

// decryptErrorBody decrypts an encrypted error envelope sent after a
// session key has been registered (§4.3: errors are encrypted once a key
// exists), using the AAD index carried on the wire body itself.
func decryptErrorBody(t *testing.T, sv *Supervisor, env wire.Envelope) wire.ErrorBody {
	t.Helper()
	var encBody wire.EncryptedChunkBody
	if err := wire.DecodeBody(env, &encBody); err != nil {
		t.Fatalf("decoding encrypted error envelope: %v", err)
	}
	key, _, ok := sv.keys.Borrow(sv.session.ID)
	if !ok {
		t.Fatal("no session key available to decrypt error")
	}
	aad := crypto.ChunkAAD(encBody.Index)
	plain, err := crypto.Decrypt(key[:], toPayload(encBody.NonceHex, encBody.CiphertextHex, aad))
	if err != nil {
		t.Fatalf("decrypting error body: %v", err)
	}
	var errBody wire.ErrorBody
	if err := json.Unmarshal(plain, &errBody); err != nil {
		t.Fatalf("unmarshaling error body: %v", err)
	}
	return errBody
}

func TestHandleInitRejectsModelMismatch(t *testing.T) {
	fixture := newHandshakeFixture(t)
	sv, transport, _ := newTestSupervisor(t, fixture, "tinyllama", 1, nil, nil, nil, false)

	var sessionKey [32]byte
	body := fixture.buildInit(t, "15", "some-other-model", 2272727273, sessionKey)
	sv.handleInit(context.Background(), mustBuildEnvelope(t, wire.TypeEncryptedSessionInit, body))

	if sv.session.State != Terminating {
		t.Fatalf("expected Terminating after model mismatch, got %v", sv.session.State)
	}
	errBody := decryptErrorBody(t, sv, transport.last())
	if errBody.Code != wire.ErrCodeModelUnauthorized {
		t.Fatalf("expected MODEL_UNAUTHORIZED, got %v", errBody.Code)
	}
}

func TestHandleInitRejectsPriceBelowMinimum(t *testing.T) {
	fixture := newHandshakeFixture(t)
	sv, transport, _ := newTestSupervisor(t, fixture, "tinyllama", 1000, nil, nil, nil, false)

	var sessionKey [32]byte
	body := fixture.buildInit(t, "15", "tinyllama", 1, sessionKey)
	sv.handleInit(context.Background(), mustBuildEnvelope(t, wire.TypeEncryptedSessionInit, body))

	if sv.session.State != Terminating {
		t.Fatalf("expected Terminating after underpriced init, got %v", sv.session.State)
	}
	if transport.count() != 1 {
		t.Fatalf("expected exactly one reply, got %d", transport.count())
	}
}

func initializedSupervisor(t *testing.T, engine *fakeEngine, settler *fakeSettler, proofGen *fakeProofGen, enableProof bool) (*Supervisor, *fakeTransport, *fakeKeyRegistry) {
	t.Helper()
	fixture := newHandshakeFixture(t)
	sv, transport, keys := newTestSupervisor(t, fixture, "tinyllama", 1, engine, settler, proofGen, enableProof)

	var sessionKey [32]byte
	sessionKey[0] = 0x7
	body := fixture.buildInit(t, "15", "tinyllama", 2272727273, sessionKey)
	sv.handleInit(context.Background(), mustBuildEnvelope(t, wire.TypeEncryptedSessionInit, body))
	if sv.session.State != AwaitingPrompt {
		t.Fatalf("setup: expected AwaitingPrompt, got %v", sv.session.State)
	}
	return sv, transport, keys
}

// sealPrompt builds an encrypted_message envelope for an already
// handshaken session, using the same session key the supervisor holds.
func sealPrompt(t *testing.T, sv *Supervisor, content string) wire.Envelope {
	t.Helper()
	key, _, ok := sv.keys.Borrow(sv.session.ID)
	if !ok {
		t.Fatal("no session key to seal prompt with")
	}
	plain, err := json.Marshal(promptPayload{Content: content, MaxTokens: 64})
	if err != nil {
		t.Fatalf("marshal prompt: %v", err)
	}
	aad := crypto.MessageAAD(sv.session.MessageIndex)
	payload, err := crypto.Encrypt(key[:], aad, plain)
	if err != nil {
		t.Fatalf("sealing prompt: %v", err)
	}
	return mustBuildEnvelope(t, wire.TypeEncryptedMessage, wire.EncryptedMessageBody{
		NonceHex:      payload.NonceHex,
		CiphertextHex: payload.CiphertextHex,
		Index:         sv.session.MessageIndex,
	})
}

func TestCheckpointCadenceFlushesExactlyConfiguredTokens(t *testing.T) {
	tokens := make([]string, 120)
	for i := range tokens {
		tokens[i] = "t"
	}
	engine := &fakeEngine{tokens: tokens}
	settler := &fakeSettler{}
	proofGen := &fakeProofGen{}
	sv, transport, _ := initializedSupervisor(t, engine, settler, proofGen, true)

	env := sealPrompt(t, sv, "generate 120 tokens please")
	sv.handlePrompt(context.Background(), env)

	if sv.session.TotalTokensGenerated != 120 {
		t.Fatalf("expected 120 tokens generated, got %d", sv.session.TotalTokensGenerated)
	}
	if settler.checkpointCalls != 2 {
		t.Fatalf("expected exactly 2 mid-stream checkpoints for 120 tokens at 50/checkpoint, got %d", settler.checkpointCalls)
	}
	for _, got := range settler.checkpointTokens {
		if got != 50 {
			t.Fatalf("expected each checkpoint to claim 50 tokens, got %d", got)
		}
	}
	if sv.session.TokensSinceLastCheckpoint != 20 {
		t.Fatalf("expected 20 tokens pending after two checkpoints of 120, got %d", sv.session.TokensSinceLastCheckpoint)
	}

	sv.terminate(context.Background(), "test disconnect")
	if sv.session.TokensSinceLastCheckpoint != 0 {
		t.Fatalf("expected pending checkpoint flushed on disconnect, got %d remaining", sv.session.TokensSinceLastCheckpoint)
	}
	if settler.checkpointCalls != 3 {
		t.Fatalf("expected a third flush checkpoint on disconnect, got %d calls", settler.checkpointCalls)
	}
	if settler.completeCalls != 1 {
		t.Fatalf("expected exactly one complete_session call, got %d", settler.completeCalls)
	}
	if settler.lastTotalTokens != 120 {
		t.Fatalf("expected complete_session total_tokens=120, got %d", settler.lastTotalTokens)
	}
	_ = transport
}

func TestCompleteSessionCalledExactlyOnceAcrossRepeatedTerminate(t *testing.T) {
	settler := &fakeSettler{}
	sv, _, _ := initializedSupervisor(t, &fakeEngine{tokens: []string{"a"}}, settler, &fakeProofGen{}, false)

	ctx := context.Background()
	sv.terminate(ctx, "explicit session_end")
	sv.terminate(ctx, "deferred Run() cleanup racing the explicit one")

	if settler.completeCalls != 1 {
		t.Fatalf("expected exactly one complete_session call across repeated terminate(), got %d", settler.completeCalls)
	}
}

func TestModelMismatchNeverSubmitsAProof(t *testing.T) {
	proofGen := &fakeProofGen{}
	fixture := newHandshakeFixture(t)
	sv, _, _ := newTestSupervisor(t, fixture, "tinyllama", 1, nil, nil, proofGen, true)

	var sessionKey [32]byte
	body := fixture.buildInit(t, "15", "wrong-model", 2272727273, sessionKey)
	sv.handleInit(context.Background(), mustBuildEnvelope(t, wire.TypeEncryptedSessionInit, body))

	if proofGen.calls != 0 {
		t.Fatalf("expected zero proof submissions on model mismatch, got %d", proofGen.calls)
	}
}

func TestTamperedCiphertextKeepsSessionInAwaitingPrompt(t *testing.T) {
	sv, _, _ := initializedSupervisor(t, &fakeEngine{tokens: []string{"a"}}, &fakeSettler{}, &fakeProofGen{}, false)

	env := sealPrompt(t, sv, "hello")
	var body wire.EncryptedMessageBody
	if err := wire.DecodeBody(env, &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	ciphertext, err := crypto.DecodeHex(body.CiphertextHex)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	ciphertext[0] ^= 0x01
	body.CiphertextHex = crypto.EncodeHex(ciphertext)
	tampered := mustBuildEnvelope(t, wire.TypeEncryptedMessage, body)

	sv.handlePrompt(context.Background(), tampered)

	if sv.session.State != AwaitingPrompt {
		t.Fatalf("expected session to remain AwaitingPrompt after tampered ciphertext, got %v", sv.session.State)
	}
}
