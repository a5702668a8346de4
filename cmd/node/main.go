// Command node runs a single compute node: the WebSocket gateway (C1),
// per-connection session supervisors (C3), and the startup sequence that
// binds a model, registers on-chain, and dials each configured chain's
// settlement contract.
package main

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fabstir/compute-node/internal/blob"
	"github.com/fabstir/compute-node/internal/chain"
	"github.com/fabstir/compute-node/internal/config"
	"github.com/fabstir/compute-node/internal/crypto"
	"github.com/fabstir/compute-node/internal/inference"
	"github.com/fabstir/compute-node/internal/proof"
	"github.com/fabstir/compute-node/internal/registry"
	"github.com/fabstir/compute-node/internal/session"
	"github.com/fabstir/compute-node/internal/template"
	"github.com/fabstir/compute-node/internal/wire"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if !cfg.RequiresEncryption() {
		slog.Error("HOST_PRIVATE_KEY is required: the session core refuses to run without a configured channel")
		os.Exit(1)
	}
	channel := crypto.NewChannel(cfg.HostPrivateKey)

	keys := registry.New(cfg.SessionIdleTimeout)

	blobs := blob.NewHTTPClient(cfg.BlobStoreBaseURL)

	// The LLM runtime itself is an opaque, out-of-scope collaborator; this
	// bridges to whatever local server fronts the GPU-resident model.
	engine := inference.NewHTTPEngine(cfg.EngineBaseURL)
	dispatcher := inference.New(engine, cfg.MaxQueue)

	resolver, settlements, err := buildSettlementResolver(ctx, cfg)
	if err != nil {
		slog.Error("settlement setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, s := range settlements {
			s.Close()
		}
	}()
	primary := settlements[cfg.ChainID]

	contractAddr := common.HexToAddress(cfg.NodeRegistryAddress)
	modelRegistry := chain.NewModelRegistry(primary.Backend(), contractAddr, primary.Address(), nil)
	binding, err := modelRegistry.Bind(ctx, cfg.ModelPath)
	if err != nil {
		slog.Error("model binding failed, refusing to start", "model_path", cfg.ModelPath, "err", err)
		os.Exit(1)
	}
	if kind := template.Kind(cfg.ChatTemplateKind); kind != "" {
		binding.TemplateKind = kind
	}
	slog.Info("model bound", "digest", binding.ModelDigest, "template", binding.TemplateKind)

	registrar := chain.NewRegistrar(primary, chain.RegisterNodeParams{
		Metadata:       cfg.NodeMetadata,
		APIURL:         cfg.NodeAPIURL,
		ModelIDs:       [][32]byte{binding.ModelDigest},
		MinPriceNative: big.NewInt(cfg.MinPriceNativePerToken),
		MinPriceStable: big.NewInt(cfg.TokenPricingUSDC),
	})
	if err := registrar.EnsureRegistered(ctx); err != nil {
		slog.Error("node registration failed", "err", err)
		os.Exit(1)
	}
	billingToken := common.HexToAddress(cfg.BillingTokenAddress)
	if _, err := primary.SetTokenPricing(ctx, billingToken, big.NewInt(cfg.TokenPricingUSDC)); err != nil {
		slog.Warn("setting token pricing failed, continuing with existing on-chain price", "err", err)
	}

	var proofGen session.ProofGenerator
	if cfg.EnableProofGeneration {
		g, err := proof.New(cfg.ProofType, blobs, cfg.ProofWorkers, cfg.ProofCacheSize)
		if err != nil {
			slog.Error("proof generator setup failed", "err", err)
			os.Exit(1)
		}
		defer g.Close()
		proofGen = g
	}

	deps := session.Deps{
		Channel: channel,
		Keys:    keys,
		Engine:  dispatcher,
		Proofs:  proofGen,
		Settle:  resolver,
		Blobs:   blobs,
		Config:  cfg,
		Binding: session.ModelBinding(binding),
	}

	handler := func(conn *wire.Conn) {
		sessionID := uuid.NewString()
		sv := session.NewSupervisor(sessionID, conn, deps)
		sv.Run(context.Background(), conn.ReadEnvelope)
	}

	gateway := wire.NewGateway(cfg.RateLimitPerMinute, handler)
	slog.Info("listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, gateway); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}
