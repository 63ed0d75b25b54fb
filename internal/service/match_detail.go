package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/ledger"
)

// load reads the ledger records of ids and their metadata in parallel and
// merges them. Ids the ledger does not know are dropped.
func (s *MatchService) load(ctx context.Context, ids []codec.FixedID) ([]domain.Match, error) {
	records := make([]ledger.Match, len(ids))
	var meta map[uuid.UUID]domain.MatchMetadata

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		inner, innerCtx := errgroup.WithContext(gCtx)
		inner.SetLimit(constants.LedgerFanOut)
		for i, id := range ids {
			inner.Go(func() error {
				rec, err := s.ledger.GetMatch(innerCtx, id)
				if err != nil {
					return fmt.Errorf("failed to get match %s: %w", id.UUID(), err)
				}
				records[i] = rec
				return nil
			})
		}
		return inner.Wait()
	})
	g.Go(func() error {
		var err error
		metaCtx, cancel := context.WithTimeout(gCtx, constants.MetadataTimeout)
		defer cancel()
		meta, err = s.meta.GetMatchMetadataByIDs(metaCtx, codec.DecodeAll(ids))
		if err != nil {
			return fmt.Errorf("failed to get match metadata: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Int("count", len(ids)).Msg("failed to load matches")
		return nil, err
	}

	matches, missing := mergeMatches(records, meta)
	if len(missing) > 0 {
		s.logger.Warn().
			Str("signal", "missing_metadata").
			Int("count", len(missing)).
			Msg("ledger matches without metadata")
		if s.policy == config.PolicyRepair {
			s.synthesizeMetadata(ctx, missing)
		}
	}
	return matches, nil
}

// synthesizeMetadata writes placeholder rows for ledger matches that have
// none. The tx ref is not known here and stays empty.
func (s *MatchService) synthesizeMetadata(ctx context.Context, records []ledger.Match) {
	for _, rec := range records {
		id := rec.ID.UUID()
		kind := domain.KindForTeamSize(len(rec.WinnerIDs))
		if err := s.meta.CreateMatchMetadata(ctx, id, constants.PlaceholderScore, kind); err != nil {
			s.logger.Warn().Err(err).Str("match_id", id.String()).Msg("failed to synthesize match metadata")
			continue
		}
		s.logger.Info().Str("match_id", id.String()).Msg("synthesized metadata for ledger match")
	}
}
