package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/ledger"
	"github.com/phuaky/pong-rank/internal/metadata"
)

var ErrRepairQueueFull = errors.New("repair queue full")

// PatchTask writes a confirmed tx ref back into match metadata. Score is what
// the caller submitted; it is used if the staged row has to be rebuilt.
type PatchTask struct {
	ID         string    `json:"id"`
	MatchID    uuid.UUID `json:"matchId"`
	TxRef      string    `json:"txHash"`
	Score      string    `json:"score,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// RepairQueue holds patch tasks in process memory. Tasks are lost on restart;
// the match itself is on the ledger and the read path still shows it.
type RepairQueue struct {
	mu     sync.Mutex
	tasks  []PatchTask
	logger zerolog.Logger
}

func NewRepairQueue(logger zerolog.Logger) *RepairQueue {
	return &RepairQueue{logger: logger.With().Str("component", "repair_queue").Logger()}
}

// Enqueue adds a task, or refreshes the pending task of the same match so a
// match never holds more than one slot.
func (q *RepairQueue) Enqueue(matchID uuid.UUID, txRef, score string) (PatchTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t.MatchID != matchID {
			continue
		}
		q.tasks[i].TxRef = txRef
		if score != "" {
			q.tasks[i].Score = score
		}
		return q.tasks[i], nil
	}

	if len(q.tasks) >= constants.RepairQueueSize {
		return PatchTask{}, ErrRepairQueueFull
	}
	id, err := gonanoid.New()
	if err != nil {
		return PatchTask{}, fmt.Errorf("failed to generate task id: %w", err)
	}
	task := PatchTask{ID: id, MatchID: matchID, TxRef: txRef, Score: score, EnqueuedAt: time.Now()}
	q.tasks = append(q.tasks, task)
	return task, nil
}

// Find returns the pending task of a match, if any.
func (q *RepairQueue) Find(matchID uuid.UUID) (PatchTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.MatchID == matchID {
			return t, true
		}
	}
	return PatchTask{}, false
}

// resolve drops the pending task of a match once its ref has been written
// by another path.
func (q *RepairQueue) resolve(matchID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.MatchID != matchID {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
}

func (q *RepairQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *RepairQueue) Pending() []PatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PatchTask(nil), q.tasks...)
}

func (q *RepairQueue) drain() []PatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

func (q *RepairQueue) requeue(tasks []PatchTask) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(tasks, q.tasks...)
}

// RepairService drains the patch queue and, when enabled, sweeps orphaned
// metadata left by workflows that failed before ledger confirmation.
type RepairService struct {
	queue  *RepairQueue
	ledger ledger.Client
	meta   metadata.Store
	grace  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewRepairService(queue *RepairQueue, l ledger.Client, meta metadata.Store, cfg *config.Config, logger zerolog.Logger) *RepairService {
	return &RepairService{
		queue:  queue,
		ledger: l,
		meta:   meta,
		grace:  cfg.OrphanGrace,
		logger: logger.With().Str("service", "repair").Logger(),
		now:    time.Now,
	}
}

// RunPatches retries every queued task once. Tasks that keep failing are
// dropped after constants.MaxRepairAttempts.
func (s *RepairService) RunPatches(ctx context.Context) (repaired int) {
	tasks := s.queue.drain()
	if len(tasks) == 0 {
		return 0
	}

	var retry []PatchTask
	for _, task := range tasks {
		if ctx.Err() != nil {
			retry = append(retry, task)
			continue
		}

		err := s.patch(ctx, task)
		if err == nil {
			repaired++
			s.logger.Info().Str("task_id", task.ID).Str("match_id", task.MatchID.String()).Msg("tx ref repaired")
			continue
		}

		task.Attempts++
		task.LastError = err.Error()
		if task.Attempts >= constants.MaxRepairAttempts {
			s.logger.Error().
				Err(err).
				Str("signal", "repair_abandoned").
				Str("task_id", task.ID).
				Str("match_id", task.MatchID.String()).
				Str("tx_ref", task.TxRef).
				Int("attempts", task.Attempts).
				Msg("giving up on tx ref repair")
			continue
		}
		s.logger.Warn().Err(err).Str("task_id", task.ID).Int("attempts", task.Attempts).Msg("tx ref repair failed")
		retry = append(retry, task)
	}

	s.queue.requeue(retry)
	return repaired
}

func (s *RepairService) patch(ctx context.Context, task PatchTask) error {
	ctx, cancel := context.WithTimeout(ctx, constants.MetadataTimeout)
	defer cancel()

	// an indeterminate submission may not have confirmed yet
	exists, err := s.ledger.MatchExists(ctx, codec.Encode(task.MatchID))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: match %s is not on the ledger yet", domain.ErrNotFound, task.MatchID)
	}

	err = s.meta.UpdateMatchTxRef(ctx, task.MatchID, task.TxRef)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	// the staged row is gone; rebuild it from the ledger record
	rec, err := s.ledger.GetMatch(ctx, codec.Encode(task.MatchID))
	if err != nil {
		return err
	}
	score := task.Score
	if score == "" {
		score = constants.PlaceholderScore
	}
	kind := domain.KindForTeamSize(len(rec.WinnerIDs))
	if err := s.meta.CreateMatchMetadata(ctx, task.MatchID, score, kind); err != nil {
		return err
	}
	return s.meta.UpdateMatchTxRef(ctx, task.MatchID, task.TxRef)
}

// recoverTxRef finds the ref of a match already on the ledger: from the
// ledger itself when the backend can look it up, else from a pending task.
func recoverTxRef(ctx context.Context, l ledger.Client, q *RepairQueue, matchID uuid.UUID, logger zerolog.Logger) string {
	if lookup, ok := l.(ledger.RefLookup); ok {
		ref, err := lookup.MatchTxRef(ctx, codec.Encode(matchID))
		if err == nil {
			return string(ref)
		}
		logger.Warn().Err(err).Str("match_id", matchID.String()).Msg("failed to look up tx ref on ledger")
	}
	if task, ok := q.Find(matchID); ok {
		return task.TxRef
	}
	return ""
}

type SweepReport struct {
	ProfilesDeleted int
	MatchesDeleted  int
	MatchesKept     int

	// MatchesPatched counts kept rows whose missing tx ref was recovered.
	MatchesPatched int
}

// SweepOrphans deletes metadata not touched within the grace period that has
// no ledger entry. Match rows whose id is on the ledger are never deleted;
// their tx ref is written back when it can be recovered.
func (s *RepairService) SweepOrphans(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().Add(-s.grace)

	profiles, err := s.meta.ListUserProfiles(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list profiles: %w", err)
	}

	var candidates []domain.UserProfile
	for _, p := range profiles {
		if strings.HasPrefix(p.OwnerKey, constants.SynthesizedOwnerPrefix) || !p.UpdatedAt.Before(cutoff) {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) > 0 {
		ids := make([]codec.FixedID, len(candidates))
		for i, p := range candidates {
			ids[i] = codec.Encode(p.PlayerID)
		}
		stats, err := s.ledger.GetPlayersBatch(ctx, ids)
		if err != nil {
			return report, fmt.Errorf("failed to check profiles on ledger: %w", err)
		}

		for i, st := range stats {
			if st.Exists {
				continue
			}
			p := candidates[i]
			if err := s.meta.DeleteUserProfile(ctx, p.OwnerKey); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return report, fmt.Errorf("failed to delete orphaned profile %s: %w", p.OwnerKey, err)
			}
			report.ProfilesDeleted++
			s.logger.Info().Str("owner_key", p.OwnerKey).Str("player_id", p.PlayerID.String()).Msg("orphaned profile deleted")
		}
	}

	unconfirmed, err := s.meta.ListUnconfirmedMatches(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("failed to list unconfirmed matches: %w", err)
	}
	for _, m := range unconfirmed {
		exists, err := s.ledger.MatchExists(ctx, codec.Encode(m.MatchID))
		if err != nil {
			return report, fmt.Errorf("failed to check match %s on ledger: %w", m.MatchID, err)
		}
		if exists {
			report.MatchesKept++
			if s.patchRecovered(ctx, m) {
				report.MatchesPatched++
			}
			continue
		}
		if err := s.meta.DeleteMatchMetadata(ctx, m.MatchID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return report, fmt.Errorf("failed to delete orphaned match %s: %w", m.MatchID, err)
		}
		report.MatchesDeleted++
		s.logger.Info().Str("match_id", m.MatchID.String()).Msg("orphaned match metadata deleted")
	}

	s.logger.Info().
		Int("profiles_deleted", report.ProfilesDeleted).
		Int("matches_deleted", report.MatchesDeleted).
		Int("matches_kept", report.MatchesKept).
		Int("matches_patched", report.MatchesPatched).
		Msg("orphan sweep finished")
	return report, nil
}

func (s *RepairService) patchRecovered(ctx context.Context, m domain.MatchMetadata) bool {
	ref := recoverTxRef(ctx, s.ledger, s.queue, m.MatchID, s.logger)
	if ref == "" {
		s.logger.Warn().
			Str("signal", "unconfirmed_on_ledger").
			Str("match_id", m.MatchID.String()).
			Msg("match is on the ledger but its tx ref is unknown")
		return false
	}

	metaCtx, cancel := context.WithTimeout(ctx, constants.MetadataTimeout)
	defer cancel()
	if err := s.meta.UpdateMatchTxRef(metaCtx, m.MatchID, ref); err != nil {
		s.logger.Warn().Err(err).Str("match_id", m.MatchID.String()).Msg("failed to write recovered tx ref")
		return false
	}
	s.queue.resolve(m.MatchID)
	s.logger.Info().Str("match_id", m.MatchID.String()).Str("tx_ref", ref).Msg("recovered tx ref written")
	return true
}
