package fx

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/database"
	"github.com/phuaky/pong-rank/internal/ledger"
	"github.com/phuaky/pong-rank/internal/logger"
	"github.com/phuaky/pong-rank/internal/metadata"
	"github.com/phuaky/pong-rank/internal/scheduler"
	"github.com/phuaky/pong-rank/internal/server"
	"github.com/phuaky/pong-rank/internal/service"
)

// verifyLedger re-hashes the local ledger log before serving. Backends
// without a local log are skipped.
func verifyLedger(lc fx.Lifecycle, l ledger.Client, logger zerolog.Logger) {
	v, ok := l.(interface{ Verify(ctx context.Context) error })
	if !ok {
		return
	}
	lc.Append(fx.StartHook(func(ctx context.Context) error {
		if err := v.Verify(ctx); err != nil {
			logger.Error().Err(err).Msg("ledger verification failed")
			return err
		}
		logger.Info().Msg("ledger verified")
		return nil
	}))
}

var Module = fx.Options(
	logger.Module,
	config.Module,
	fx.Provide(database.New),
	// stores
	ledger.Module,
	metadata.Module,
	// svc
	fx.Provide(service.NewRepairQueue),
	fx.Provide(service.NewPlayerService),
	fx.Provide(service.NewMatchService),
	fx.Provide(service.NewRepairService),
	scheduler.Module,
	// server
	fx.Provide(server.NewLadderServer),
	fx.Invoke(verifyLedger),
)
