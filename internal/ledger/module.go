package ledger

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/phuaky/pong-rank/internal/config"
)

// New selects the ledger backend named by LEDGER_BACKEND.
func New(lc fx.Lifecycle, cfg *config.Config, db *sqlx.DB, logger zerolog.Logger) (Client, error) {
	switch cfg.LedgerBackend {
	case config.LedgerSQLite:
		return NewSQLiteLedger(db, logger), nil
	case config.LedgerEVM:
		l, err := NewEVMLedger(context.Background(), EVMConfig{
			RPCURL:          cfg.EVMRPCURL,
			ContractAddress: cfg.EVMContractAddress,
			SignerKey:       cfg.EVMSignerKey,
			RequestsPerSec:  cfg.EVMRequestsPerSec,
		}, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(l.Close))
		return l, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}

var Module = fx.Provide(New)
