package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fabstir/compute-node/internal/chain"
	"github.com/fabstir/compute-node/internal/config"
	"github.com/fabstir/compute-node/internal/session"
)

// chainResolver adapts a fixed map of dialed chain.Settlement instances to
// session.SettlementResolver — one Settlement per chain_id the node is
// configured to settle on (§4.7 "closed registry").
type chainResolver struct {
	settlements map[int64]*chain.Settlement
}

func (r chainResolver) For(chainID int64) (session.Settler, bool) {
	s, ok := r.settlements[chainID]
	if !ok {
		return nil, false
	}
	return s, true
}

// buildSettlementResolver dials every chain marked active in cfg and
// returns a resolver over them plus the raw map (so main can Close each
// connection and pick the primary chain's Settlement out again).
func buildSettlementResolver(ctx context.Context, cfg *config.Config) (session.SettlementResolver, map[int64]*chain.Settlement, error) {
	contract := common.HexToAddress(cfg.NodeRegistryAddress)
	settlements := make(map[int64]*chain.Settlement)

	for chainID, active := range cfg.ChainActive {
		if !active {
			continue
		}
		rpcURL, ok := cfg.RPCURLPerChain[chainID]
		if !ok || rpcURL == "" {
			return nil, settlements, fmt.Errorf("chain %d is active but has no rpc_url configured", chainID)
		}
		s, err := chain.NewSettlement(ctx, chainID, rpcURL, contract, cfg.HostPrivateKey)
		if err != nil {
			return nil, settlements, fmt.Errorf("dialing chain %d: %w", chainID, err)
		}
		settlements[chainID] = s
	}

	if _, ok := settlements[cfg.ChainID]; !ok {
		return nil, settlements, fmt.Errorf("primary CHAIN_ID %d is not marked active", cfg.ChainID)
	}

	return chainResolver{settlements: settlements}, settlements, nil
}
