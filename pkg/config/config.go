package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"os"
)

// Config holds all configuration for the validator process.
type Config struct {
	// Identity
	ValidatorID  string
	BLSKeyPath   string
	ShardGroup   int
	NumPreshards int

	// Server configuration
	RPCListenAddr  string
	P2PListenAddr  string
	MetricsAddr    string

	// Storage
	DataDir    string
	KVBackend  string // goleveldb | badgerdb | boltdb
	DatabaseURL string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Genesis / epoch bootstrap
	GenesisFile string

	// Consensus timing
	ProposalTimeout  time.Duration
	VoteTimeout      time.Duration
	MaxMissedPerEpoch int

	// Peers
	SiblingPeers []string
	ForeignPeers []string

	LogLevel string
}

// Load reads configuration from environment variables. Callers should call
// Validate (or ValidateForDevelopment) immediately afterwards.
func Load() (*Config, error) {
	cfg := &Config{
		ValidatorID:  getEnv("VALIDATOR_ID", ""),
		BLSKeyPath:   getEnv("BLS_KEY_PATH", "./data/bls.key"),
		ShardGroup:   getEnvInt("SHARD_GROUP", 0),
		NumPreshards: getEnvInt("NUM_PRESHARDS", 256),

		RPCListenAddr: getEnv("RPC_LISTEN_ADDR", "0.0.0.0:18000"),
		P2PListenAddr: getEnv("P2P_LISTEN_ADDR", "0.0.0.0:18001"),
		MetricsAddr:   getEnv("METRICS_ADDR", "0.0.0.0:9090"),

		DataDir:     getEnv("DATA_DIR", "./data"),
		KVBackend:   getEnv("KV_BACKEND", "goleveldb"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		GenesisFile: getEnv("GENESIS_FILE", "./genesis.yaml"),

		ProposalTimeout:   getEnvDuration("PROPOSAL_TIMEOUT", 4*time.Second),
		VoteTimeout:       getEnvDuration("VOTE_TIMEOUT", 4*time.Second),
		MaxMissedPerEpoch: getEnvInt("MAX_MISSED_PER_EPOCH", 50),

		SiblingPeers: splitCSV(getEnv("SIBLING_PEERS", "")),
		ForeignPeers: splitCSV(getEnv("FOREIGN_PEERS", "")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that all configuration required to run a validator in
// production is present.
func (c *Config) Validate() error {
	var errs []string

	if c.ValidatorID == "" {
		errs = append(errs, "VALIDATOR_ID is required but not set")
	}
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}
	if c.NumPreshards <= 0 {
		errs = append(errs, "NUM_PRESHARDS must be positive")
	}
	if c.ShardGroup < 0 {
		errs = append(errs, "SHARD_GROUP must not be negative")
	}
	switch c.KVBackend {
	case "goleveldb", "badgerdb", "boltdb":
	default:
		errs = append(errs, fmt.Sprintf("KV_BACKEND %q is not one of goleveldb|badgerdb|boltdb", c.KVBackend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for a
// single-node local devnet.
func (c *Config) ValidateForDevelopment() error {
	if c.NumPreshards <= 0 {
		return fmt.Errorf("development configuration validation failed:\n  - NUM_PRESHARDS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
