package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// RegisterNodeParams is the fixed argument set register_node advertises
// for this node (§6): free-form metadata, the URL clients reach it at,
// the model digests it serves, and the minimum per-token price it accepts
// in the chain's native gas token and in its configured stablecoin.
type RegisterNodeParams struct {
	Metadata       string
	APIURL         string
	ModelIDs       [][32]byte
	MinPriceNative *big.Int
	MinPriceStable *big.Int
}

// Registrar ensures register_node is submitted at most once per process
// lifetime, regardless of how many times EnsureRegistered is called (§6:
// "register_node ... idempotent at startup").
type Registrar struct {
	settlement *Settlement
	params     RegisterNodeParams
	once       sync.Once
	err        error
}

// NewRegistrar wraps a Settlement for one-shot node registration.
func NewRegistrar(settlement *Settlement, params RegisterNodeParams) *Registrar {
	return &Registrar{settlement: settlement, params: params}
}

// EnsureRegistered submits register_node on the first call only; later
// calls return the first call's result without resubmitting.
func (r *Registrar) EnsureRegistered(ctx context.Context) error {
	r.once.Do(func() {
		_, err := r.settlement.RegisterNode(ctx, r.params.Metadata, r.params.APIURL, r.params.ModelIDs, r.params.MinPriceNative, r.params.MinPriceStable)
		r.err = err
	})
	if r.err != nil {
		return fmt.Errorf("node registration: %w", r.err)
	}
	return nil
}
