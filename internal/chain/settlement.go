package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	registerNodeSig     = selector("register_node(string,string,bytes32[],uint256,uint256)")
	setTokenPricingSig  = selector("set_token_pricing(address,uint256)")
	getNodePricingSig   = selector("get_node_pricing(address,address)")
	submitProofOfWorkSig = selector("submit_proof_of_work(bytes32,uint256,bytes32,string)")
	completeSessionSig  = selector("complete_session_job(bytes32,uint256)")
)

func jobIDHash(jobID string) [32]byte {
	return crypto.Keccak256Hash([]byte(jobID))
}

// Settlement submits checkpoint and session-completion transactions for a
// single configured chain (§4.7 "Settlement"). One Settlement is built per
// active chain_id.
type Settlement struct {
	chainID    *big.Int
	contract   common.Address
	privateKey *ecdsa.PrivateKey
	address    common.Address
	backend    Backend
	closeFn    func()
}

// NewSettlement dials rpcURL and binds it to contract on the given chain.
// The caller must Close it when done.
func NewSettlement(ctx context.Context, chainID int64, rpcURL string, contract common.Address, hostKey *ecdsa.PrivateKey) (*Settlement, error) {
	if !IsSupportedChain(chainID) {
		return nil, fmt.Errorf("unsupported chain id %d", chainID)
	}
	backend, closeFn, err := dialBackend(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &Settlement{
		chainID:    big.NewInt(chainID),
		contract:   contract,
		privateKey: hostKey,
		address:    crypto.PubkeyToAddress(hostKey.PublicKey),
		backend:    backend,
		closeFn:    closeFn,
	}, nil
}

// Close releases the underlying RPC connection.
func (s *Settlement) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// Backend exposes the dialed RPC connection so other collaborators bound
// to the same chain (e.g. C9's ModelRegistry) can reuse it rather than
// opening a second connection.
func (s *Settlement) Backend() Backend { return s.backend }

// Address returns the relayer address transactions are sent from.
func (s *Settlement) Address() common.Address { return s.address }

// sendCall signs and submits callData to the bound contract, retrying
// transient failures per §4.7's backoff policy.
func (s *Settlement) sendCall(ctx context.Context, callData []byte) (common.Hash, error) {
	var txHash common.Hash
	err := withRetry(ctx, func(ctx context.Context) error {
		nonce, err := s.backend.PendingNonceAt(ctx, s.address)
		if err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}

		gasLimit := uint64(150_000)
		if est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: s.address,
			To:   &s.contract,
			Data: callData,
		}); err == nil {
			gasLimit = est * 12 / 10
		}

		header, err := s.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("latest header: %w", err)
		}
		tip := big.NewInt(1e9)
		feeCap := new(big.Int).Add(header.BaseFee, tip)

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &s.contract,
			Value:     new(big.Int),
			Data:      callData,
		})

		signed, err := types.SignTx(tx, types.NewLondonSigner(s.chainID), s.privateKey)
		if err != nil {
			return permanent(fmt.Errorf("signing tx: %w", err))
		}

		if err := s.backend.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("transaction_failed: %w", err)
		}
		txHash = signed.Hash()
		return nil
	})
	return txHash, err
}

// SubmitCheckpoint records tokensClaimed and a proof blob reference
// on-chain for jobID (§4.6/§4.7: C6 proof records are checkpointed via
// C7). blobCID may be empty when proof generation is disabled.
func (s *Settlement) SubmitCheckpoint(ctx context.Context, jobID string, tokensClaimed uint64, blobHash [32]byte, blobCID string) (common.Hash, error) {
	id := jobIDHash(jobID)
	offset, tail := packStringArg(4, blobCID)

	data := make([]byte, 0, 4+4*32+len(tail))
	data = append(data, submitProofOfWorkSig...)
	data = append(data, bytes32Pad(id)...)
	data = append(data, padUint64(tokensClaimed)...)
	data = append(data, bytes32Pad(blobHash)...)
	data = append(data, offset...)
	data = append(data, tail...)

	hash, err := s.sendCall(ctx, data)
	if err != nil {
		return hash, fmt.Errorf("submitting checkpoint for job %s: %w", jobID, err)
	}
	slog.Info("checkpoint submitted", "job_id", jobID, "tokens_claimed", tokensClaimed, "tx", hash.Hex())
	return hash, nil
}

// CompleteSession finalises jobID with its total token count (§4.3
// Terminating: "exactly one complete_session attempt per job").
func (s *Settlement) CompleteSession(ctx context.Context, jobID string, totalTokens uint64) (common.Hash, error) {
	id := jobIDHash(jobID)
	data := make([]byte, 0, 4+2*32)
	data = append(data, completeSessionSig...)
	data = append(data, bytes32Pad(id)...)
	data = append(data, padUint64(totalTokens)...)

	hash, err := s.sendCall(ctx, data)
	if err != nil {
		return hash, fmt.Errorf("completing session %s: %w", jobID, err)
	}
	slog.Info("session completed on-chain", "job_id", jobID, "total_tokens", totalTokens, "tx", hash.Hex())
	return hash, nil
}

// currentPricing reads this node's on-chain price-per-token for token via
// the view call get_node_pricing(node, token).
func (s *Settlement) currentPricing(ctx context.Context, token common.Address) (*big.Int, error) {
	data := append(append([]byte{}, getNodePricingSig...), addrPad(s.address)...)
	data = append(data, addrPad(token)...)
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &s.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("reading current pricing: %w", err)
	}
	if len(out) < 32 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// SetTokenPricing idempotently sets this node's price per token for the
// job's billing token (§4.7 "for the job's billing token"; idempotent
// set_token_pricing): if the on-chain value already matches, no
// transaction is sent.
func (s *Settlement) SetTokenPricing(ctx context.Context, token common.Address, pricePerToken *big.Int) (common.Hash, error) {
	current, err := s.currentPricing(ctx, token)
	if err == nil && current.Cmp(pricePerToken) == 0 {
		slog.Info("token pricing already up to date on-chain", "token", token.Hex(), "price_per_token", pricePerToken.String())
		return common.Hash{}, nil
	}

	data := append(append([]byte{}, setTokenPricingSig...), addrPad(token)...)
	data = append(data, pad32(pricePerToken)...)
	hash, err := s.sendCall(ctx, data)
	if err != nil {
		return hash, fmt.Errorf("setting token pricing: %w", err)
	}
	slog.Info("token pricing updated on-chain", "token", token.Hex(), "price_per_token", pricePerToken.String(), "tx", hash.Hex())
	return hash, nil
}

// RegisterNode submits a one-shot register_node(metadata, apiUrl,
// modelIds, minPriceNative, minPriceStable) call (§6 "register_node")
// advertising the models this node serves and the minimum prices it will
// accept, denominated in the chain's native gas token and in its
// configured stablecoin respectively.
func (s *Settlement) RegisterNode(ctx context.Context, metadata, apiURL string, modelIDs [][32]byte, minPriceNative, minPriceStable *big.Int) (common.Hash, error) {
	const headWords = 5
	metaOffset := headWords * 32
	metaTail := packStringTail(metadata)
	apiOffset := metaOffset + len(metaTail)
	apiTail := packStringTail(apiURL)
	idsOffset := apiOffset + len(apiTail)
	idsTail := packBytes32ArrayTail(modelIDs)

	data := make([]byte, 0, 4+headWords*32+len(metaTail)+len(apiTail)+len(idsTail))
	data = append(data, registerNodeSig...)
	data = append(data, offsetWord(metaOffset)...)
	data = append(data, offsetWord(apiOffset)...)
	data = append(data, offsetWord(idsOffset)...)
	data = append(data, pad32(minPriceNative)...)
	data = append(data, pad32(minPriceStable)...)
	data = append(data, metaTail...)
	data = append(data, apiTail...)
	data = append(data, idsTail...)

	hash, err := s.sendCall(ctx, data)
	if err != nil {
		return hash, fmt.Errorf("registering node: %w", err)
	}
	slog.Info("node registered on-chain", "address", s.address.Hex(), "api_url", apiURL, "model_count", len(modelIDs), "tx", hash.Hex())
	return hash, nil
}
