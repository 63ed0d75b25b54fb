package metadata

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/phuaky/pong-rank/internal/api"
	"github.com/phuaky/pong-rank/internal/config"
)

// New selects the metadata backend named by METADATA_BACKEND.
func New(lc fx.Lifecycle, cfg *config.Config, db *sqlx.DB, logger zerolog.Logger) (Store, error) {
	switch cfg.MetadataBackend {
	case config.MetadataSQLite:
		return NewSQLiteStore(db, cfg.MetadataMaxKeys, logger), nil
	case config.MetadataMongo:
		s, err := NewMongoStore(context.Background(), cfg.MongoURI, cfg.MongoDatabase, cfg.MetadataMaxKeys, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(s.Close))
		return s, nil
	case config.MetadataSheets:
		return NewSheetsStore(api.NewSheetsClient(cfg.SheetsURL), logger), nil
	}
	return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
}

var Module = fx.Provide(New)
