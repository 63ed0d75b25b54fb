package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/elo"
	"github.com/phuaky/pong-rank/internal/ledger"
	"github.com/phuaky/pong-rank/internal/metadata"
)

type PlayerService struct {
	ledger ledger.Client
	meta   metadata.Store
	policy string
	logger zerolog.Logger
}

func NewPlayerService(l ledger.Client, meta metadata.Store, cfg *config.Config, logger zerolog.Logger) *PlayerService {
	return &PlayerService{
		ledger: l,
		meta:   meta,
		policy: cfg.MissingMetadataPolicy,
		logger: logger.With().Str("service", "player").Logger(),
	}
}

type RegisterPlayerInput struct {
	// OwnerKey is the verified identity of the caller, supplied by the session layer.
	OwnerKey string
	Name     string
	Email    string
	PhotoURL string
}

type RegisterPlayerResult struct {
	Player domain.Player
	TxRef  string
}

// RegisterPlayer stages the profile, then registers the id on the ledger. A
// ledger failure leaves the staged profile behind; retrying with the same
// owner key picks that identifier up again.
func (s *PlayerService) RegisterPlayer(ctx context.Context, in RegisterPlayerInput) (*RegisterPlayerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	r := newRun(WorkflowRegisterPlayer, s.logger)

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, r.fail(fmt.Errorf("%w: name is required", domain.ErrInvalidInput))
	}
	if strings.TrimSpace(in.OwnerKey) == "" {
		return nil, r.fail(fmt.Errorf("%w: owner key is required", domain.ErrInvalidInput))
	}

	id, err := s.allocate(ctx, in.OwnerKey)
	if err != nil {
		return nil, r.fail(err)
	}
	fixed := codec.Encode(id)
	r.setID(id)
	r.advance(StateIdentifierAllocated)

	profile := domain.UserProfile{
		OwnerKey: in.OwnerKey,
		PlayerID: id,
		Name:     name,
		Email:    strings.TrimSpace(in.Email),
		PhotoURL: strings.TrimSpace(in.PhotoURL),
	}
	metaCtx, metaCancel := context.WithTimeout(ctx, constants.MetadataTimeout)
	err = s.meta.UpsertUserProfile(metaCtx, profile)
	metaCancel()
	if err != nil {
		return nil, r.fail(fmt.Errorf("%w: %w", domain.ErrMetadataWriteFailed, err))
	}
	r.advance(StateMetadataStaged)

	// an abandoned request must not abort a submission that may still confirm
	ledgerCtx, ledgerCancel := context.WithTimeout(context.WithoutCancel(ctx), constants.LedgerWriteTimeout)
	ref, err := s.ledger.RegisterPlayer(ledgerCtx, fixed)
	ledgerCancel()
	if err != nil {
		return nil, r.fail(err)
	}
	r.advance(StateLedgerConfirmed)
	r.advance(StateComplete)

	s.logger.Info().
		Str("player_id", id.String()).
		Str("owner_key", in.OwnerKey).
		Str("tx_ref", string(ref)).
		Msg("player registered")

	return &RegisterPlayerResult{
		Player: domain.Player{
			ID:       id,
			Name:     profile.Name,
			Email:    profile.Email,
			PhotoURL: profile.PhotoURL,
			OwnerKey: profile.OwnerKey,
			Rating:   elo.BaseRating,
		},
		TxRef: string(ref),
	}, nil
}

// allocate mints a fresh identifier, or re-uses the one staged by an earlier
// attempt that never reached the ledger.
func (s *PlayerService) allocate(ctx context.Context, ownerKey string) (uuid.UUID, error) {
	metaCtx, cancel := context.WithTimeout(ctx, constants.MetadataTimeout)
	defer cancel()

	existing, err := s.meta.GetUserByOwnerKey(metaCtx, ownerKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up owner: %w", err)
	}
	if existing == nil {
		id, _ := codec.New()
		return id, nil
	}

	exists, err := s.ledger.PlayerExists(ctx, codec.Encode(existing.PlayerID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to check ledger registration: %w", err)
	}
	if exists {
		return uuid.Nil, fmt.Errorf("%w: owner %s is player %s", domain.ErrAlreadyRegistered, ownerKey, existing.PlayerID)
	}

	s.logger.Info().
		Str("owner_key", ownerKey).
		Str("player_id", existing.PlayerID.String()).
		Msg("resuming registration of staged profile")
	return existing.PlayerID, nil
}

// ListPlayers returns every player on the ledger, best rating first.
func (s *PlayerService) ListPlayers(ctx context.Context) ([]domain.Player, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	ids, err := s.ledger.GetAllPlayerIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list ledger player ids")
		return nil, fmt.Errorf("failed to list player ids: %w", err)
	}

	players, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortLeaderboard(players)

	s.logger.Debug().Int("count", len(players)).Msg("players listed")
	return players, nil
}

func (s *PlayerService) GetPlayer(ctx context.Context, id uuid.UUID) (*domain.Player, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	fixed := codec.Encode(id)
	exists, err := s.ledger.PlayerExists(ctx, fixed)
	if err != nil {
		return nil, fmt.Errorf("failed to check player: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: player %s", domain.ErrNotFound, id)
	}

	players, err := s.load(ctx, []codec.FixedID{fixed})
	if err != nil {
		return nil, err
	}
	return &players[0], nil
}

// RatingHistory is served only by ledgers that keep per-match history.
func (s *PlayerService) RatingHistory(ctx context.Context, id uuid.UUID) ([]ledger.RatingChange, error) {
	h, ok := s.ledger.(interface {
		RatingHistory(ctx context.Context, playerID codec.FixedID) ([]ledger.RatingChange, error)
	})
	if !ok {
		return nil, fmt.Errorf("%w: rating history is not kept by this ledger", domain.ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.LedgerReadTimeout)
	defer cancel()
	return h.RatingHistory(ctx, codec.Encode(id))
}

// load fetches ledger stats and profiles for ids in parallel and merges them.
func (s *PlayerService) load(ctx context.Context, ids []codec.FixedID) ([]domain.Player, error) {
	var stats []ledger.PlayerStats
	var profiles map[uuid.UUID]domain.UserProfile

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = s.ledger.GetPlayersBatch(gCtx, ids)
		if err != nil {
			return fmt.Errorf("failed to get ledger stats: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		metaCtx, cancel := context.WithTimeout(gCtx, constants.MetadataTimeout)
		defer cancel()
		profiles, err = s.meta.GetUsersByPlayerIDs(metaCtx, codec.DecodeAll(ids))
		if err != nil {
			return fmt.Errorf("failed to get profiles: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Int("count", len(ids)).Msg("failed to load players")
		return nil, err
	}

	players, missing := mergePlayers(stats, profiles)
	if len(missing) > 0 {
		s.logger.Warn().
			Str("signal", "missing_metadata").
			Int("count", len(missing)).
			Msg("ledger players without profile")
		if s.policy == config.PolicyRepair {
			s.synthesizeProfiles(ctx, missing)
		}
	}
	return players, nil
}

// synthesizeProfiles writes placeholder profiles for ledger ids that have
// none. Failures are logged; the read still succeeds.
func (s *PlayerService) synthesizeProfiles(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		err := s.meta.UpsertUserProfile(ctx, domain.UserProfile{
			OwnerKey: constants.SynthesizedOwnerPrefix + id.String(),
			PlayerID: id,
			Name:     constants.PlaceholderName,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("player_id", id.String()).Msg("failed to synthesize profile")
			continue
		}
		s.logger.Info().Str("player_id", id.String()).Msg("synthesized profile for ledger player")
	}
}
