// Package config loads node configuration from the environment.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// ProofType selects which of the two tagged proof modes C6 produces.
type ProofType string

const (
	ProofStrong ProofType = "strong"
	ProofSimple ProofType = "simple"
)

// ThinkingMode is the closed set of reasoning-effort hints a client may request.
type ThinkingMode string

const (
	ThinkingAbsent  ThinkingMode = "absent"
	ThinkingEnabled ThinkingMode = "enabled"
	ThinkingDisabled ThinkingMode = "disabled"
	ThinkingLow     ThinkingMode = "low"
	ThinkingMedium  ThinkingMode = "medium"
	ThinkingHigh    ThinkingMode = "high"
)

// Environment is the closed set of deployment environments. It governs
// whether the simple (development-only) proof mode may be selected —
// §9's open question on the simple proof path's production semantics is
// resolved here: simple is refused outright when Environment is
// EnvProduction.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all node configuration (closed option set, §6).
type Config struct {
	ListenAddr string

	Environment Environment

	// ChainID is the job chain this node primarily advertises on; RPCURLPerChain
	// may additionally cover other recognised chains (§6: Base Sepolia 84532,
	// opBNB Testnet 5611).
	ChainID       int64
	RPCURLPerChain map[int64]string

	// HostPrivateKey is mandatory whenever encryption or settlement is used
	// (§4.2, §4.7). Hex-encoded secp256k1 key, "0x" prefix optional.
	HostPrivateKeyHex string
	HostPrivateKey    *ecdsa.PrivateKey
	HostAddress       string

	ModelPath string
	// ModelName is the advertised name jobs reference in their init
	// payload's modelName field (§4.2) — derived from ModelPath's base
	// filename, since the node serves exactly one GPU-resident model.
	ModelName string
	// EngineBaseURL points at the local inference server fronting the
	// GPU-resident model (§1 "the LLM runtime itself, treated as a
	// token-generating opaque engine" — out of scope to implement here).
	EngineBaseURL string

	EnableProofGeneration bool
	ProofType             ProofType
	ProofCacheSize        int
	// ProofWorkers bounds C6's concurrent attestation pool (§4.6).
	ProofWorkers int

	DefaultThinkingMode ThinkingMode

	TokenPricingUSDC int64

	AutoImageRouting bool

	CheckpointTokens       int
	RateLimitPerMinute     int
	SessionIdleTimeout     time.Duration
	VectorLimitPerSession  int

	// MaxQueue bounds C4's FIFO work queue (§4.4 MAX_QUEUE); exceeding it
	// fails new generate calls fast with OVERLOADED.
	MaxQueue int
	// ModelContextWindow is the model's token window, used by context
	// truncation (§4.3) to decide when to drop oldest non-system messages.
	ModelContextWindow int
	// ChatTemplateKind names the chat-template variant bound to ModelPath
	// at startup (§4.3's closed tagged-variant set). The on-chain registry
	// only confirms model approval, not template kind, so this is the
	// local side-table entry for the node's single served model.
	ChatTemplateKind string

	BlobStoreBaseURL string

	// NodeRegistryAddress is the on-chain marketplace contract used by C7/C9.
	NodeRegistryAddress string

	// BillingTokenAddress is the ERC-20 token set_token_pricing and
	// get_node_pricing are called against (§4.7 "for the job's billing
	// token"). The node serves a single billing token for its lifetime.
	BillingTokenAddress string

	// NodeAPIURL and NodeMetadata are advertised verbatim in register_node
	// (§6) so clients can discover how to reach this node and what it is.
	NodeAPIURL  string
	NodeMetadata string
	// MinPriceNativePerToken is the minimum per-token price this node will
	// accept denominated in the chain's native gas token, advertised
	// alongside TokenPricingUSDC (the stablecoin-denominated minimum) in
	// register_node's minPriceNative/minPriceStable pair.
	MinPriceNativePerToken int64

	// ChainActive records, per §9's open question on chain 5611, whether
	// settlement on that chain is active or merely supported-but-inactive.
	// Surfaced at configuration time rather than discovered mid-session.
	ChainActive map[int64]bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present (dev convenience); real
// deployments set real env vars and omit the file entirely.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:            getEnv("LISTEN_ADDR", ":8080"),
		Environment:           Environment(getEnv("ENVIRONMENT", string(EnvDevelopment))),
		ChainID:               int64(getEnvInt("CHAIN_ID", 84532)),
		HostPrivateKeyHex:     getEnv("HOST_PRIVATE_KEY", ""),
		ModelPath:             getEnv("MODEL_PATH", ""),
		EngineBaseURL:         getEnv("ENGINE_BASE_URL", "http://localhost:8081"),
		EnableProofGeneration: getEnvBool("ENABLE_PROOF_GENERATION", true),
		ProofType:             ProofType(getEnv("PROOF_TYPE", string(ProofSimple))),
		ProofCacheSize:        getEnvInt("PROOF_CACHE_SIZE", 128),
		ProofWorkers:          getEnvInt("PROOF_WORKERS", 4),
		DefaultThinkingMode:   ThinkingMode(getEnv("DEFAULT_THINKING_MODE", string(ThinkingAbsent))),
		TokenPricingUSDC:      int64(getEnvInt("TOKEN_PRICING_USDC", 1)),
		AutoImageRouting:      getEnvBool("AUTO_IMAGE_ROUTING", false),
		CheckpointTokens:      getEnvInt("CHECKPOINT_TOKENS", 50),
		RateLimitPerMinute:    getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		SessionIdleTimeout:    time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_SECONDS", 1800)) * time.Second,
		VectorLimitPerSession: getEnvInt("VECTOR_LIMIT_PER_SESSION", 100000),
		MaxQueue:              getEnvInt("MAX_QUEUE", 16),
		ModelContextWindow:    getEnvInt("MODEL_CONTEXT_WINDOW", 4096),
		ChatTemplateKind:      getEnv("CHAT_TEMPLATE", "plain"),
		BlobStoreBaseURL:      getEnv("BLOB_STORE_BASE_URL", "http://localhost:5001"),
		NodeRegistryAddress:   getEnv("NODE_REGISTRY_ADDRESS", ""),
		BillingTokenAddress:   getEnv("BILLING_TOKEN_ADDRESS", ""),
		NodeAPIURL:            getEnv("NODE_API_URL", ""),
		NodeMetadata:          getEnv("NODE_METADATA", ""),
		MinPriceNativePerToken: int64(getEnvInt("MIN_PRICE_NATIVE_PER_TOKEN", 0)),
		RPCURLPerChain: map[int64]string{
			84532: getEnv("RPC_URL_84532", "https://sepolia.base.org"),
			5611:  getEnv("RPC_URL_5611", "https://opbnb-testnet-rpc.bnbchain.org"),
		},
		ChainActive: map[int64]bool{
			84532: true,
			5611:  getEnvBool("CHAIN_5611_ACTIVE", false),
		},
	}

	if cfg.ProofType != ProofStrong && cfg.ProofType != ProofSimple {
		return nil, fmt.Errorf("PROOF_TYPE must be %q or %q, got %q", ProofStrong, ProofSimple, cfg.ProofType)
	}
	if cfg.Environment == EnvProduction && cfg.ProofType == ProofSimple {
		return nil, fmt.Errorf("PROOF_TYPE=%q is refused under ENVIRONMENT=%q", ProofSimple, EnvProduction)
	}
	if _, ok := cfg.RPCURLPerChain[cfg.ChainID]; !ok {
		return nil, fmt.Errorf("CHAIN_ID %d has no entry in rpc_url_per_chain", cfg.ChainID)
	}

	if cfg.HostPrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.HostPrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("HOST_PRIVATE_KEY is not a valid secp256k1 key: %w", err)
		}
		cfg.HostPrivateKey = key
		cfg.HostAddress = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}

	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("MODEL_PATH is required")
	}
	base := filepath.Base(cfg.ModelPath)
	cfg.ModelName = getEnv("MODEL_NAME", strings.TrimSuffix(base, filepath.Ext(base)))

	return cfg, nil
}

// RequiresEncryption reports whether the crypto channel (C2) can operate —
// callers should refuse encrypted_session_init with ENCRYPTION_NOT_SUPPORTED
// otherwise.
func (c *Config) RequiresEncryption() bool {
	return c.HostPrivateKey != nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
