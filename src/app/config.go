package app

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/rules"
	"github.com/ethaccount/bundler/tracer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

type AppConfig struct {
	// =========================== REQUIRED ===========================

	// Node RPC exposing debug_traceCall (required)
	NodeRPCURL *string

	// =========================== OPTIONAL ===========================

	// Logging configuration
	LogLevel *string

	// Environment and public host, used for swagger and pprof
	Environment *string
	Host        *string

	// HTTP server configuration
	Port *string

	// CORS configuration
	AllowOrigins *[]string

	// Audit log database, disabled when empty
	DSN *string
	// Shared mempool store, in-process when empty
	RedisAddr *string

	// Migration configuration
	MigrationPath *string

	// Chain and entry points
	ChainID     *int64
	EntryPoints *[]common.Address

	// Validation
	MempoolRulesPath       *string
	MempoolID              *string
	TracerName             *string
	SimulationTimeout      *time.Duration
	SimulationGasCap       *uint64
	SimulationCode         *hexutil.Bytes
	PaymasterGasMultiplier *decimal.Decimal

	// Mempool
	RevalidationInterval *time.Duration
	EntryTTL             *time.Duration
}

func NewAppConfig() *AppConfig {
	config := &AppConfig{}

	// Load required configuration
	loadRequiredConfig(config)

	// Load optional configuration with defaults
	loadOptionalConfig(config)

	return config
}

// loadRequiredConfig loads all required configuration values and fails fast if any are missing
func loadRequiredConfig(config *AppConfig) {
	nodeRPCURL := os.Getenv("NODE_RPC_URL")
	if nodeRPCURL == "" {
		log.Fatalf("REQUIRED: NODE_RPC_URL not set in environment")
	}
	config.NodeRPCURL = &nodeRPCURL
}

// loadOptionalConfig loads all optional configuration values with sensible defaults
func loadOptionalConfig(config *AppConfig) {
	// HTTP server port (default: 8080)
	port := getEnvWithDefault("PORT", "8080")
	config.Port = &port

	// Log level (default: debug)
	// Available levels: "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled"
	logLevel := getEnvWithDefault("LOG_LEVEL", "debug")
	config.LogLevel = &logLevel

	environment := getEnvWithDefault("ENVIRONMENT", "dev")
	config.Environment = &environment

	host := getEnvWithDefault("HOST", "localhost:"+port)
	config.Host = &host

	dsn := os.Getenv("DB_URL")
	config.DSN = &dsn

	redisAddr := os.Getenv("REDIS_URL")
	config.RedisAddr = &redisAddr

	// Migration path (default: file://migrations)
	migrationPath := getEnvWithDefault("MIGRATION_PATH", "file://migrations")
	config.MigrationPath = &migrationPath

	allowOrigins := splitList(os.Getenv("ALLOW_ORIGINS"))
	config.AllowOrigins = &allowOrigins

	loadChainConfig(config)
	loadValidationConfig(config)

	revalidationInterval := getSeconds("REVALIDATION_INTERVAL", 60)
	config.RevalidationInterval = &revalidationInterval

	entryTTL := getSeconds("ENTRY_TTL", 1800)
	config.EntryTTL = &entryTTL
}

// loadChainConfig reads the chain id (0 means ask the node) and entry points
func loadChainConfig(config *AppConfig) {
	var chainID int64
	if s := os.Getenv("CHAIN_ID"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil || parsed < 0 {
			log.Fatalf("invalid CHAIN_ID value '%s'", s)
		}
		chainID = parsed
	}
	config.ChainID = &chainID

	entryPoints := []common.Address{erc4337.EntryPointV07}
	if list := splitList(os.Getenv("ENTRY_POINTS")); len(list) > 0 {
		entryPoints = entryPoints[:0]
		for _, s := range list {
			if !common.IsHexAddress(s) {
				log.Fatalf("invalid entry point address '%s' in ENTRY_POINTS", s)
			}
			entryPoints = append(entryPoints, common.HexToAddress(s))
		}
	}
	config.EntryPoints = &entryPoints
}

// loadValidationConfig loads the simulation and mempool rule settings
func loadValidationConfig(config *AppConfig) {
	rulesPath := os.Getenv("MEMPOOL_RULES_PATH")
	config.MempoolRulesPath = &rulesPath

	mempoolID := getEnvWithDefault("MEMPOOL_ID", rules.DefaultMempoolID)
	config.MempoolID = &mempoolID

	tracerName := getEnvWithDefault("TRACER", tracer.CollectorName)
	config.TracerName = &tracerName

	timeout := getSeconds("SIMULATION_TIMEOUT", 10)
	config.SimulationTimeout = &timeout

	var gasCap uint64
	if s := os.Getenv("SIMULATION_GAS_CAP"); s != "" {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			log.Fatalf("invalid SIMULATION_GAS_CAP value '%s'", s)
		}
		gasCap = parsed
	}
	config.SimulationGasCap = &gasCap

	var code hexutil.Bytes
	if s := os.Getenv("ENTRY_POINT_SIMULATIONS_CODE"); s != "" {
		decoded, err := hexutil.Decode(s)
		if err != nil {
			log.Fatalf("invalid ENTRY_POINT_SIMULATIONS_CODE: %v", err)
		}
		code = decoded
	}
	config.SimulationCode = &code

	multiplier := decimal.NewFromInt(1)
	if s := os.Getenv("PAYMASTER_GAS_MULTIPLIER"); s != "" {
		parsed, err := decimal.NewFromString(s)
		if err != nil || !parsed.IsPositive() {
			log.Fatalf("invalid PAYMASTER_GAS_MULTIPLIER value '%s'", s)
		}
		multiplier = parsed
	}
	config.PaymasterGasMultiplier = &multiplier
}

// getSeconds parses a duration in seconds from environment with default fallback
func getSeconds(key string, defaultSeconds int) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return time.Duration(defaultSeconds) * time.Second
	}

	if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
		return time.Duration(parsed) * time.Second
	}

	log.Printf("Warning: Invalid %s value '%s', using default %d seconds", key, s, defaultSeconds)
	return time.Duration(defaultSeconds) * time.Second
}

// splitList parses a comma-separated list, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
