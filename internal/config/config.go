package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/phuaky/pong-rank/internal/constants"
)

const (
	LedgerSQLite = "sqlite"
	LedgerEVM    = "evm"

	MetadataSQLite = "sqlite"
	MetadataMongo  = "mongo"
	MetadataSheets = "sheets"

	// PolicyPlaceholder renders ledger ids without metadata as "Unknown".
	PolicyPlaceholder = "placeholder"
	// PolicyRepair additionally writes a synthesized metadata row.
	PolicyRepair = "repair"
)

type Config struct {
	ServerPort string
	LogLevel   string
	APIToken   string
	DBPath     string

	LedgerBackend      string
	EVMRPCURL          string
	EVMContractAddress string
	EVMSignerKey       string
	EVMRequestsPerSec  float64

	MetadataBackend       string
	MongoURI              string
	MongoDatabase         string
	SheetsURL             string
	MetadataMaxKeys       int
	MissingMetadataPolicy string

	RepairInterval time.Duration
	OrphanGrace    time.Duration
	OrphanSweep    bool
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		APIToken:   getEnv("API_TOKEN", ""),
		DBPath:     getEnv("DB_PATH", "pongrank.db"),

		LedgerBackend:      getEnv("LEDGER_BACKEND", LedgerSQLite),
		EVMRPCURL:          getEnv("EVM_RPC_URL", ""),
		EVMContractAddress: getEnv("EVM_CONTRACT_ADDRESS", ""),
		EVMSignerKey:       getEnv("EVM_SIGNER_KEY", ""),

		MetadataBackend:       getEnv("METADATA_BACKEND", MetadataSQLite),
		MongoURI:              getEnv("MONGO_URI", ""),
		MongoDatabase:         getEnv("MONGO_DATABASE", "pongrank"),
		SheetsURL:             getEnv("SHEETS_URL", ""),
		MissingMetadataPolicy: getEnv("MISSING_METADATA_POLICY", PolicyPlaceholder),
	}

	var err error
	if cfg.EVMRequestsPerSec, err = strconv.ParseFloat(getEnv("EVM_RPS", "5"), 64); err != nil {
		return nil, fmt.Errorf("invalid EVM_RPS: %w", err)
	}
	if cfg.MetadataMaxKeys, err = strconv.Atoi(getEnv("METADATA_MAX_KEYS", strconv.Itoa(constants.DefaultMaxKeysPerQuery))); err != nil {
		return nil, fmt.Errorf("invalid METADATA_MAX_KEYS: %w", err)
	}
	if cfg.RepairInterval, err = time.ParseDuration(getEnv("REPAIR_INTERVAL", "1m")); err != nil {
		return nil, fmt.Errorf("invalid REPAIR_INTERVAL: %w", err)
	}
	if cfg.OrphanGrace, err = time.ParseDuration(getEnv("ORPHAN_GRACE", "24h")); err != nil {
		return nil, fmt.Errorf("invalid ORPHAN_GRACE: %w", err)
	}
	if cfg.OrphanSweep, err = strconv.ParseBool(getEnv("ORPHAN_SWEEP", "false")); err != nil {
		return nil, fmt.Errorf("invalid ORPHAN_SWEEP: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info().
		Str("db_path", cfg.DBPath).
		Str("server_port", cfg.ServerPort).
		Str("log_level", cfg.LogLevel).
		Str("ledger_backend", cfg.LedgerBackend).
		Str("metadata_backend", cfg.MetadataBackend).
		Int("metadata_max_keys", cfg.MetadataMaxKeys).
		Str("missing_metadata_policy", cfg.MissingMetadataPolicy).
		Dur("repair_interval", cfg.RepairInterval).
		Bool("orphan_sweep", cfg.OrphanSweep).
		Msg("configuration loaded")

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case LedgerSQLite:
	case LedgerEVM:
		if c.EVMRPCURL == "" || c.EVMContractAddress == "" || c.EVMSignerKey == "" {
			return fmt.Errorf("EVM_RPC_URL, EVM_CONTRACT_ADDRESS and EVM_SIGNER_KEY are required for the evm ledger")
		}
		if c.EVMRequestsPerSec <= 0 {
			return fmt.Errorf("EVM_RPS must be positive")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	switch c.MetadataBackend {
	case MetadataSQLite:
	case MetadataMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo metadata store")
		}
	case MetadataSheets:
		if c.SheetsURL == "" {
			return fmt.Errorf("SHEETS_URL is required for the sheets metadata store")
		}
	default:
		return fmt.Errorf("unknown METADATA_BACKEND %q", c.MetadataBackend)
	}

	if c.MetadataMaxKeys < 1 {
		return fmt.Errorf("METADATA_MAX_KEYS must be at least 1")
	}
	if c.MissingMetadataPolicy != PolicyPlaceholder && c.MissingMetadataPolicy != PolicyRepair {
		return fmt.Errorf("unknown MISSING_METADATA_POLICY %q", c.MissingMetadataPolicy)
	}
	if c.RepairInterval <= 0 {
		return fmt.Errorf("REPAIR_INTERVAL must be positive")
	}
	if c.OrphanGrace <= 0 {
		return fmt.Errorf("ORPHAN_GRACE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var Module = fx.Provide(Load)
