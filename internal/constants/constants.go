package constants

import "time"

const (
	LedgerReadTimeout  = 30 * time.Second
	LedgerWriteTimeout = 3 * time.Minute
	MetadataTimeout    = 5 * time.Second
	RequestTimeout     = 4 * time.Minute
	ExternalAPITimeout = 10 * time.Second
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
)

const (
	// DefaultMaxKeysPerQuery is the document store's per-query key limit.
	DefaultMaxKeysPerQuery = 10
	MetadataFanOut         = 4

	LedgerPageSize  = 200
	LedgerBatchSize = 100
	LedgerFanOut    = 8
)

const (
	PlaceholderName  = "Unknown"
	PlaceholderScore = "?-?"

	// SynthesizedOwnerPrefix keys profiles written by the repair policy.
	SynthesizedOwnerPrefix = "ledger:"
)

const (
	MaxRepairAttempts = 10
	RepairQueueSize   = 1024
)

const (
	ShutdownTimeout = 5 * time.Second
)
