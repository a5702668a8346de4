// Package chain implements C7 (checkpoint/settlement submission) and C9
// (on-chain model-registry facade), grounded on the teacher's
// x402.LocalFacilitator: manual ABI encoding, ethclient.DialContext,
// types.SignTx against a London signer, and a relayer key that pays its
// own gas. Where the teacher talks to a fixed USDC contract, this package
// talks to a small fixed set of node-registry functions across a closed
// set of supported chains.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of *ethclient.Client this package depends on. It
// exists so tests can substitute an in-memory fake instead of dialing a
// real RPC endpoint.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Endpoint is one entry in the closed chain_id -> (RPC, contract) registry
// (§4.7 "chain_id -> RPC endpoint + contract address, closed to the
// chains the node is configured for").
type Endpoint struct {
	ChainID  int64
	Name     string
	Contract common.Address
}

// knownChainNames is the fixed set of settlement chains this node
// understands how to talk to: Base Sepolia and opBNB Testnet. Contract
// addresses are supplied at config time since they are
// deployment-specific.
var knownChainNames = map[int64]string{
	84532: "base-sepolia",
	5611:  "opbnb-testnet",
}

// IsSupportedChain reports whether chainID is one this package knows how
// to dial and encode calls for.
func IsSupportedChain(chainID int64) bool {
	_, ok := knownChainNames[chainID]
	return ok
}

// ChainName returns the human label for a supported chain ID.
func ChainName(chainID int64) string {
	return knownChainNames[chainID]
}

// dialBackend connects to rpcURL via ethclient. Broken out as a var so
// tests can stub it without touching the network.
var dialBackend = func(ctx context.Context, rpcURL string) (Backend, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc connect %s: %w", rpcURL, err)
	}
	return client, client.Close, nil
}
