package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/elo"
	"github.com/phuaky/pong-rank/internal/ledger"
	"github.com/phuaky/pong-rank/internal/metadata"
)

type MatchService struct {
	ledger  ledger.Client
	meta    metadata.Store
	repairs *RepairQueue
	policy  string
	logger  zerolog.Logger
	now     func() time.Time

	// writeMu serializes read-ratings -> compute -> submit so that two matches
	// sharing a player never compute their deltas from the same base rating.
	writeMu sync.Mutex
}

func NewMatchService(l ledger.Client, meta metadata.Store, repairs *RepairQueue, cfg *config.Config, logger zerolog.Logger) *MatchService {
	return &MatchService{
		ledger:  l,
		meta:    meta,
		repairs: repairs,
		policy:  cfg.MissingMetadataPolicy,
		logger:  logger.With().Str("service", "match").Logger(),
		now:     time.Now,
	}
}

type LogMatchInput struct {
	// MatchID is optional. Callers that may retry should supply one so a
	// retry after an indeterminate failure is recognized instead of resubmitted.
	MatchID   uuid.UUID
	Kind      domain.MatchKind
	WinnerIDs []uuid.UUID
	LoserIDs  []uuid.UUID
	Score     string
}

type LogMatchResult struct {
	Match domain.Match
	TxRef string
	// AlreadyRecorded means the match id was found on the ledger and nothing
	// was submitted.
	AlreadyRecorded bool
	// RepairQueued means the tx ref could not be written back to metadata yet.
	RepairQueued bool
}

func (s *MatchService) LogMatch(ctx context.Context, in LogMatchInput) (*LogMatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	r := newRun(WorkflowLogMatch, s.logger)

	if err := validateShape(in); err != nil {
		return nil, r.fail(err)
	}
	score := strings.TrimSpace(in.Score)
	if score == "" {
		return nil, r.fail(fmt.Errorf("%w: score is required", domain.ErrInvalidInput))
	}
	r.advance(StateParticipantsValidated)

	matchID := in.MatchID
	if matchID == uuid.Nil {
		matchID, _ = codec.New()
	}
	r.setID(matchID)
	fixedID := codec.Encode(matchID)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if in.MatchID != uuid.Nil {
		existing, err := s.ledger.GetMatch(ctx, fixedID)
		if err != nil {
			return nil, r.fail(fmt.Errorf("failed to check match: %w", err))
		}
		if existing.Exists {
			r.logger.Info().Msg("match already on ledger, not resubmitting")
			return s.alreadyRecorded(ctx, r, existing, score), nil
		}
	}

	winners := codec.EncodeAll(in.WinnerIDs)
	losers := codec.EncodeAll(in.LoserIDs)

	delta, err := s.computeDelta(ctx, winners, losers)
	if err != nil {
		return nil, r.fail(err)
	}
	r.advance(StateRatingComputed)

	metaCtx, metaCancel := context.WithTimeout(ctx, constants.MetadataTimeout)
	err = s.meta.CreateMatchMetadata(metaCtx, matchID, score, in.Kind)
	metaCancel()
	if err != nil {
		return nil, r.fail(fmt.Errorf("%w: %w", domain.ErrMetadataWriteFailed, err))
	}
	r.advance(StateMetadataStaged)

	// an abandoned request must not abort a submission that may still confirm
	ledgerCtx, ledgerCancel := context.WithTimeout(context.WithoutCancel(ctx), constants.LedgerWriteTimeout)
	ref, err := s.ledger.LogMatch(ledgerCtx, fixedID, winners, losers, delta)
	ledgerCancel()
	if err != nil {
		// the submission may still confirm; its ref is patched in once it does
		var werr *ledger.WriteError
		if errors.As(err, &werr) && werr.Indeterminate() && werr.TxRef != "" {
			s.queuePatch(r, matchID, string(werr.TxRef), score, err)
		}
		return nil, r.fail(err)
	}
	r.advance(StateLedgerConfirmed)

	result := &LogMatchResult{
		Match: domain.Match{
			ID:        matchID,
			Date:      s.now().UTC(),
			Kind:      in.Kind,
			WinnerIDs: in.WinnerIDs,
			LoserIDs:  in.LoserIDs,
			Score:     score,
			Delta:     delta,
			TxRef:     string(ref),
		},
		TxRef: string(ref),
	}

	metaCtx, metaCancel = context.WithTimeout(context.WithoutCancel(ctx), constants.MetadataTimeout)
	err = s.meta.UpdateMatchTxRef(metaCtx, matchID, string(ref))
	metaCancel()
	if err != nil {
		result.RepairQueued = s.queuePatch(r, matchID, string(ref), score, err)
	} else {
		r.advance(StateMetadataPatched)
	}
	r.advance(StateComplete)

	s.logger.Info().
		Str("match_id", matchID.String()).
		Str("tx_ref", string(ref)).
		Int64("delta", delta).
		Msg("match logged")
	return result, nil
}

// computeDelta reads current ratings and runs the rating engine. Participants
// the ledger does not know are rated at the base rating.
func (s *MatchService) computeDelta(ctx context.Context, winners, losers []codec.FixedID) (int64, error) {
	all := append(append([]codec.FixedID{}, winners...), losers...)

	readCtx, cancel := context.WithTimeout(ctx, constants.LedgerReadTimeout)
	stats, err := s.ledger.GetPlayersBatch(readCtx, all)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to read ratings: %w", err)
	}

	ratings := make([]int64, len(stats))
	for i, st := range stats {
		if !st.Exists {
			s.logger.Warn().
				Str("signal", "unknown_participant_defaulted").
				Str("player_id", st.ID.UUID().String()).
				Int64("rating", elo.BaseRating).
				Msg("participant missing on ledger, using base rating")
			ratings[i] = elo.BaseRating
			continue
		}
		ratings[i] = st.Rating
	}

	return elo.ComputeDelta(ratings[:len(winners)], ratings[len(winners):])
}

func (s *MatchService) queuePatch(r *run, matchID uuid.UUID, ref, score string, cause error) bool {
	task, err := s.repairs.Enqueue(matchID, ref, score)
	if err != nil {
		r.logger.Error().Err(err).Str("tx_ref", ref).Msg("failed to queue tx ref repair")
		return false
	}
	r.logger.Warn().
		Err(cause).
		Str("signal", "patch_failed").
		Str("task_id", task.ID).
		Str("tx_ref", ref).
		Msg("tx ref not written to metadata, repair queued")
	return true
}

// alreadyRecorded answers a retry of a match that is on the ledger. When the
// first attempt never wrote the tx ref back, it is recovered and patched here.
func (s *MatchService) alreadyRecorded(ctx context.Context, r *run, rec ledger.Match, score string) *LogMatchResult {
	id := rec.ID.UUID()
	metaCtx, cancel := context.WithTimeout(ctx, constants.MetadataTimeout)
	defer cancel()

	meta, err := s.meta.GetMatchMetadataByIDs(metaCtx, []uuid.UUID{id})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read metadata of recorded match")
		meta = nil
	}

	matches, _ := mergeMatches([]ledger.Match{rec}, meta)
	res := &LogMatchResult{
		Match:           matches[0],
		TxRef:           matches[0].TxRef,
		AlreadyRecorded: true,
	}
	if res.TxRef != "" {
		return res
	}

	ref := recoverTxRef(metaCtx, s.ledger, s.repairs, id, r.logger)
	if ref == "" {
		r.logger.Warn().Str("signal", "unconfirmed_on_ledger").Msg("recorded match has no known tx ref")
		return res
	}
	res.TxRef = ref
	res.Match.TxRef = ref

	if err := s.meta.UpdateMatchTxRef(metaCtx, id, ref); err != nil {
		res.RepairQueued = s.queuePatch(r, id, ref, score, err)
		return res
	}
	s.repairs.resolve(id)
	r.logger.Info().Str("tx_ref", ref).Msg("recovered tx ref written")
	return res
}

func validateShape(in LogMatchInput) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown match type %q", domain.ErrInvalidMatchShape, in.Kind)
	}

	size := in.Kind.TeamSize()
	if len(in.WinnerIDs) != size || len(in.LoserIDs) != size {
		return fmt.Errorf("%w: %s needs %d player(s) per side, got %d and %d",
			domain.ErrInvalidMatchShape, in.Kind, size, len(in.WinnerIDs), len(in.LoserIDs))
	}

	seen := make(map[uuid.UUID]struct{}, 2*size)
	for _, id := range append(append([]uuid.UUID{}, in.WinnerIDs...), in.LoserIDs...) {
		if id == uuid.Nil {
			return fmt.Errorf("%w: empty player id", domain.ErrInvalidMatchShape)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: player %s appears twice", domain.ErrInvalidMatchShape, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ListMatches returns every match on the ledger, newest first.
func (s *MatchService) ListMatches(ctx context.Context) ([]domain.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	ids, err := s.ledger.GetAllMatchIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list ledger match ids")
		return nil, fmt.Errorf("failed to list match ids: %w", err)
	}

	matches, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortMatches(matches)

	s.logger.Debug().Int("count", len(matches)).Msg("matches listed")
	return matches, nil
}

func (s *MatchService) GetMatch(ctx context.Context, id uuid.UUID) (*domain.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	matches, err := s.load(ctx, []codec.FixedID{codec.Encode(id)})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: match %s", domain.ErrNotFound, id)
	}
	return &matches[0], nil
}
