package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/phuaky/pong-rank/internal/api"
	"github.com/phuaky/pong-rank/internal/domain"
)

// RowStore is the spreadsheet web app's CRUD surface.
type RowStore interface {
	Snapshot(ctx context.Context) (*api.SheetsSnapshot, error)
	AddPlayer(ctx context.Context, row api.PlayerRow) error
	UpdatePlayer(ctx context.Context, row api.PlayerRow) error
	DeletePlayer(ctx context.Context, playerID string) error
	AddMatch(ctx context.Context, row api.MatchRow) error
	DeleteMatch(ctx context.Context, matchID string) error
}

// SheetsStore keeps metadata in the spreadsheet backend. The backend has no
// keyed query, so every lookup reads one snapshot and filters it locally; the
// key limit does not apply. Updating a match row is a delete followed by an
// append and is not atomic.
type SheetsStore struct {
	rows   RowStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewSheetsStore(rows RowStore, logger zerolog.Logger) *SheetsStore {
	return &SheetsStore{
		rows:   rows,
		logger: logger.With().Str("component", "metadata.sheets").Logger(),
		now:    time.Now,
	}
}

func (s *SheetsStore) snapshot(ctx context.Context) (*api.SheetsSnapshot, error) {
	snap, err := s.rows.Snapshot(ctx)
	if err != nil {
		return nil, unavailable("read sheets", err)
	}
	return snap, nil
}

func (s *SheetsStore) UpsertUserProfile(ctx context.Context, p domain.UserProfile) error {
	if err := validateProfile(p); err != nil {
		return err
	}

	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	row := api.PlayerRow{
		ID:        p.PlayerID.String(),
		OwnerKey:  p.OwnerKey,
		Name:      p.Name,
		Email:     p.Email,
		PhotoURL:  p.PhotoURL,
		CreatedAt: formatTime(now),
		UpdatedAt: formatTime(now),
	}

	existing := findPlayerByOwner(snap.Players, p.OwnerKey)
	switch {
	case existing == nil:
		err = s.rows.AddPlayer(ctx, row)
	case existing.ID == row.ID:
		row.CreatedAt = existing.CreatedAt
		err = s.rows.UpdatePlayer(ctx, row)
	default:
		// rows are addressed by player id, so a changed id is a replace
		row.CreatedAt = existing.CreatedAt
		if err = s.rows.DeletePlayer(ctx, existing.ID); err == nil {
			err = s.rows.AddPlayer(ctx, row)
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("owner_key", p.OwnerKey).Msg("failed to upsert user profile")
		return unavailable("upsert user profile", err)
	}
	return nil
}

func (s *SheetsStore) GetUserByOwnerKey(ctx context.Context, ownerKey string) (*domain.UserProfile, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	row := findPlayerByOwner(snap.Players, ownerKey)
	if row == nil {
		return nil, nil
	}
	p, err := playerRowProfile(*row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SheetsStore) GetUsersByPlayerIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserProfile, error) {
	out := make(map[uuid.UUID]domain.UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	all, err := s.ListUserProfiles(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	for _, p := range all {
		if _, ok := wanted[p.PlayerID]; ok {
			out[p.PlayerID] = p
		}
	}
	return out, nil
}

// ListUserProfiles skips rows whose id does not parse; the sheet is edited by hand.
func (s *SheetsStore) ListUserProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.UserProfile, 0, len(snap.Players))
	for _, row := range snap.Players {
		p, err := playerRowProfile(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("signal", "malformed_row").Str("row_id", row.ID).Msg("skipping player row")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SheetsStore) DeleteUserProfile(ctx context.Context, ownerKey string) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	row := findPlayerByOwner(snap.Players, ownerKey)
	if row == nil {
		return fmt.Errorf("%w: user profile %s", domain.ErrNotFound, ownerKey)
	}
	return s.mapRowErr("delete user profile", s.rows.DeletePlayer(ctx, row.ID))
}

func (s *SheetsStore) CreateMatchMetadata(ctx context.Context, matchID uuid.UUID, score string, kind domain.MatchKind) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	now := formatTime(s.now().UTC())
	row := api.MatchRow{
		ID:        matchID.String(),
		Score:     score,
		Type:      string(kind),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if existing := findMatch(snap.Matches, row.ID); existing != nil {
		if existing.TxHash != "" {
			return nil
		}
		row.CreatedAt = existing.CreatedAt
		if err := s.rows.DeleteMatch(ctx, row.ID); err != nil && !errors.Is(err, api.ErrRowNotFound) {
			return unavailable("create match metadata", err)
		}
	}

	if err := s.rows.AddMatch(ctx, row); err != nil {
		s.logger.Error().Err(err).Str("match_id", row.ID).Msg("failed to create match metadata")
		return unavailable("create match metadata", err)
	}
	return nil
}

func (s *SheetsStore) UpdateMatchTxRef(ctx context.Context, matchID uuid.UUID, txRef string) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	existing := findMatch(snap.Matches, matchID.String())
	if existing == nil {
		return fmt.Errorf("%w: match metadata %s", domain.ErrNotFound, matchID)
	}

	row := *existing
	row.TxHash = txRef
	row.UpdatedAt = formatTime(s.now().UTC())

	if err := s.rows.DeleteMatch(ctx, row.ID); err != nil {
		return s.mapRowErr("update match tx ref", err)
	}
	if err := s.rows.AddMatch(ctx, row); err != nil {
		s.logger.Error().Err(err).Str("match_id", row.ID).Msg("match row deleted but not re-added")
		return unavailable("update match tx ref", err)
	}
	return nil
}

func (s *SheetsStore) GetMatchMetadataByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MatchMetadata, error) {
	out := make(map[uuid.UUID]domain.MatchMetadata, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	all, err := s.listMatches(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	for _, m := range all {
		if _, ok := wanted[m.MatchID]; ok {
			out[m.MatchID] = m
		}
	}
	return out, nil
}

func (s *SheetsStore) ListUnconfirmedMatches(ctx context.Context, before time.Time) ([]domain.MatchMetadata, error) {
	all, err := s.listMatches(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.MatchMetadata
	for _, m := range all {
		touched := touchedAt(m)
		if m.TxRef == "" && !touched.IsZero() && touched.Before(before) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return touchedAt(out[i]).Before(touchedAt(out[j]))
	})
	return out, nil
}

// touchedAt is the last write of a row; hand-entered rows may only carry
// the creation time.
func touchedAt(m domain.MatchMetadata) time.Time {
	if m.UpdatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.UpdatedAt
}

func (s *SheetsStore) DeleteMatchMetadata(ctx context.Context, matchID uuid.UUID) error {
	return s.mapRowErr("delete match metadata", s.rows.DeleteMatch(ctx, matchID.String()))
}

func (s *SheetsStore) listMatches(ctx context.Context) ([]domain.MatchMetadata, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.MatchMetadata, 0, len(snap.Matches))
	for _, row := range snap.Matches {
		m, err := matchRowMetadata(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("signal", "malformed_row").Str("row_id", row.ID).Msg("skipping match row")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SheetsStore) mapRowErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrRowNotFound) {
		return fmt.Errorf("%w: %s: %v", domain.ErrNotFound, op, err)
	}
	return unavailable(op, err)
}

func findPlayerByOwner(rows []api.PlayerRow, ownerKey string) *api.PlayerRow {
	for i := range rows {
		if rows[i].OwnerKey == ownerKey {
			return &rows[i]
		}
	}
	return nil
}

func findMatch(rows []api.MatchRow, id string) *api.MatchRow {
	for i := range rows {
		if rows[i].ID == id {
			return &rows[i]
		}
	}
	return nil
}

func playerRowProfile(row api.PlayerRow) (domain.UserProfile, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("%w: player row %q", domain.ErrMalformedIdentifier, row.ID)
	}
	return domain.UserProfile{
		OwnerKey:  row.OwnerKey,
		PlayerID:  id,
		Name:      row.Name,
		Email:     row.Email,
		PhotoURL:  row.PhotoURL,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}

func matchRowMetadata(row api.MatchRow) (domain.MatchMetadata, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return domain.MatchMetadata{}, fmt.Errorf("%w: match row %q", domain.ErrMalformedIdentifier, row.ID)
	}
	return domain.MatchMetadata{
		MatchID:   id,
		Score:     row.Score,
		Kind:      domain.MatchKind(row.Type),
		TxRef:     row.TxHash,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// parseTime yields the zero time for cells the sheet left empty or reformatted.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
