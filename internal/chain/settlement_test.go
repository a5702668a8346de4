package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeBackend is an in-memory stand-in for *ethclient.Client, grounded on
// the same idiom the teacher tests against a local devnet RPC, but kept
// dependency-free here: no network, no go-ethereum test node.
type fakeBackend struct {
	nonce       uint64
	pricing     map[common.Address]*big.Int
	sendCount   int32
	failCalls   int
	failErr     error
	lastTxData  []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pricing: make(map[common.Address]*big.Int)}
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1e9)}, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.failCalls > 0 {
		f.failCalls--
		return f.failErr
	}
	atomic.AddInt32(&f.sendCount, 1)
	f.nonce++
	f.lastTxData = tx.Data()
	return nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	price, ok := f.pricing[msg.From]
	out := make([]byte, 32)
	if ok {
		b := price.Bytes()
		copy(out[32-len(b):], b)
	}
	return out, nil
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func newTestSettlement(t *testing.T, backend *fakeBackend) *Settlement {
	t.Helper()
	key := testKey(t)
	return &Settlement{
		chainID:    big.NewInt(84532),
		contract:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		backend:    backend,
	}
}

func TestSubmitCheckpointEncodesJobAndSends(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSettlement(t, backend)

	hash, err := s.SubmitCheckpoint(context.Background(), "job-1", 500, [32]byte{9}, "zabc")
	if err != nil {
		t.Fatalf("SubmitCheckpoint: %v", err)
	}
	if hash == (common.Hash{}) {
		t.Fatal("expected non-zero tx hash")
	}
	if len(backend.lastTxData) < 4 || string(backend.lastTxData[:4]) != string(submitProofOfWorkSig) {
		t.Fatal("expected submit_proof_of_work selector in call data")
	}
}

func TestCompleteSessionSendsExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSettlement(t, backend)

	if _, err := s.CompleteSession(context.Background(), "job-1", 1000); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if atomic.LoadInt32(&backend.sendCount) != 1 {
		t.Fatalf("expected exactly one transaction, got %d", backend.sendCount)
	}
}

var testBillingToken = common.HexToAddress("0x2222222222222222222222222222222222222222")

func TestSetTokenPricingSkipsWhenUnchanged(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSettlement(t, backend)
	backend.pricing[s.address] = big.NewInt(42)

	hash, err := s.SetTokenPricing(context.Background(), testBillingToken, big.NewInt(42))
	if err != nil {
		t.Fatalf("SetTokenPricing: %v", err)
	}
	if hash != (common.Hash{}) {
		t.Fatal("expected no transaction when pricing already matches")
	}
	if backend.sendCount != 0 {
		t.Fatalf("expected zero transactions sent, got %d", backend.sendCount)
	}
}

func TestSetTokenPricingSendsWhenChanged(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSettlement(t, backend)
	backend.pricing[s.address] = big.NewInt(10)

	if _, err := s.SetTokenPricing(context.Background(), testBillingToken, big.NewInt(99)); err != nil {
		t.Fatalf("SetTokenPricing: %v", err)
	}
	if backend.sendCount != 1 {
		t.Fatalf("expected one transaction, got %d", backend.sendCount)
	}
}

func TestRegistrarEnsureRegisteredIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSettlement(t, backend)
	r := NewRegistrar(s, RegisterNodeParams{
		Metadata:       "tinyllama node",
		APIURL:         "https://node.example/ws",
		ModelIDs:       [][32]byte{{1}},
		MinPriceNative: big.NewInt(1),
		MinPriceStable: big.NewInt(1),
	})

	for i := 0; i < 3; i++ {
		if err := r.EnsureRegistered(context.Background()); err != nil {
			t.Fatalf("EnsureRegistered call %d: %v", i, err)
		}
	}
	if backend.sendCount != 1 {
		t.Fatalf("expected exactly one register_node transaction, got %d", backend.sendCount)
	}
}

func TestSendCallRetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.failCalls = 2
	backend.failErr = context.DeadlineExceeded
	s := newTestSettlement(t, backend)

	if _, err := s.CompleteSession(context.Background(), "job-2", 10); err != nil {
		t.Fatalf("expected eventual success after transient failures, got %v", err)
	}
	if backend.sendCount != 1 {
		t.Fatalf("expected exactly one successful send after retries, got %d", backend.sendCount)
	}
}
