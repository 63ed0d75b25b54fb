package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v4"

	"github.com/phuaky/pong-rank/internal/domain"
)

type SQLiteStore struct {
	db      *sqlx.DB
	logger  zerolog.Logger
	maxKeys int
	now     func() time.Time
}

func NewSQLiteStore(db *sqlx.DB, maxKeys int, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		logger:  logger.With().Str("component", "metadata.sqlite").Logger(),
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

type profileRow struct {
	OwnerKey  string    `db:"owner_key"`
	PlayerID  uuid.UUID `db:"player_id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	PhotoURL  string    `db:"photo_url"`
	CreatedAt int64     `db:"created_at"`
	UpdatedAt int64     `db:"updated_at"`
}

type matchRow struct {
	MatchID   uuid.UUID   `db:"match_id"`
	Score     string      `db:"score"`
	Kind      string      `db:"kind"`
	TxRef     null.String `db:"tx_ref"`
	CreatedAt int64       `db:"created_at"`
	UpdatedAt int64       `db:"updated_at"`
}

const (
	profileColumns = "owner_key, player_id, name, email, photo_url, created_at, updated_at"
	matchColumns   = "match_id, score, kind, tx_ref, created_at, updated_at"
)

func (s *SQLiteStore) UpsertUserProfile(ctx context.Context, p domain.UserProfile) error {
	if err := validateProfile(p); err != nil {
		return err
	}

	now := s.now().UnixMilli()
	query, args, err := squirrel.Insert("user_profiles").SetMap(squirrel.Eq{
		"owner_key":  p.OwnerKey,
		"player_id":  p.PlayerID,
		"name":       p.Name,
		"email":      p.Email,
		"photo_url":  p.PhotoURL,
		"created_at": now,
		"updated_at": now,
	}).Suffix(`ON CONFLICT (owner_key) DO UPDATE SET
		player_id = excluded.player_id,
		name = excluded.name,
		email = excluded.email,
		photo_url = excluded.photo_url,
		updated_at = excluded.updated_at`).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("owner_key", p.OwnerKey).Msg("failed to upsert user profile")
		return unavailable("upsert user profile", err)
	}

	s.logger.Debug().Str("owner_key", p.OwnerKey).Str("player_id", p.PlayerID.String()).Msg("user profile upserted")
	return nil
}

func (s *SQLiteStore) GetUserByOwnerKey(ctx context.Context, ownerKey string) (*domain.UserProfile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, `SELECT `+profileColumns+` FROM user_profiles WHERE owner_key = ? LIMIT 1`, ownerKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get user profile", err)
	}

	p := row.profile()
	return &p, nil
}

func (s *SQLiteStore) GetUsersByPlayerIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserProfile, error) {
	return lookupChunked(ctx, ids, s.maxKeys, func(ctx context.Context, chunk []uuid.UUID) (map[uuid.UUID]domain.UserProfile, error) {
		query, args, err := sqlx.In(`SELECT `+profileColumns+` FROM user_profiles WHERE player_id IN (?)`, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to build lookup: %w", err)
		}

		var rows []profileRow
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, unavailable("get user profiles", err)
		}

		out := make(map[uuid.UUID]domain.UserProfile, len(rows))
		for _, row := range rows {
			out[row.PlayerID] = row.profile()
		}
		return out, nil
	})
}

func (s *SQLiteStore) ListUserProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+profileColumns+` FROM user_profiles ORDER BY created_at`); err != nil {
		return nil, unavailable("list user profiles", err)
	}

	out := make([]domain.UserProfile, len(rows))
	for i, row := range rows {
		out[i] = row.profile()
	}
	return out, nil
}

func (s *SQLiteStore) DeleteUserProfile(ctx context.Context, ownerKey string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_profiles WHERE owner_key = ?`, ownerKey)
	if err != nil {
		return unavailable("delete user profile", err)
	}
	return requireAffected(res, "user profile "+ownerKey)
}

func (s *SQLiteStore) CreateMatchMetadata(ctx context.Context, matchID uuid.UUID, score string, kind domain.MatchKind) error {
	now := s.now().UnixMilli()
	query, args, err := squirrel.Insert("match_metadata").SetMap(squirrel.Eq{
		"match_id":   matchID,
		"score":      score,
		"kind":       string(kind),
		"created_at": now,
		"updated_at": now,
	}).Suffix(`ON CONFLICT (match_id) DO UPDATE SET
		score = excluded.score,
		kind = excluded.kind,
		updated_at = excluded.updated_at
		WHERE match_metadata.tx_ref IS NULL`).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("match_id", matchID.String()).Msg("failed to create match metadata")
		return unavailable("create match metadata", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMatchTxRef(ctx context.Context, matchID uuid.UUID, txRef string) error {
	query, args, err := squirrel.Update("match_metadata").
		Set("tx_ref", null.StringFrom(txRef)).
		Set("updated_at", s.now().UnixMilli()).
		Where(squirrel.Eq{"match_id": matchID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("update match tx ref", err)
	}
	return requireAffected(res, "match metadata "+matchID.String())
}

func (s *SQLiteStore) GetMatchMetadataByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MatchMetadata, error) {
	return lookupChunked(ctx, ids, s.maxKeys, func(ctx context.Context, chunk []uuid.UUID) (map[uuid.UUID]domain.MatchMetadata, error) {
		query, args, err := sqlx.In(`SELECT `+matchColumns+` FROM match_metadata WHERE match_id IN (?)`, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to build lookup: %w", err)
		}

		var rows []matchRow
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, unavailable("get match metadata", err)
		}

		out := make(map[uuid.UUID]domain.MatchMetadata, len(rows))
		for _, row := range rows {
			out[row.MatchID] = row.metadata()
		}
		return out, nil
	})
}

func (s *SQLiteStore) ListUnconfirmedMatches(ctx context.Context, before time.Time) ([]domain.MatchMetadata, error) {
	query, args, err := squirrel.Select(matchColumns).
		From("match_metadata").
		Where(squirrel.Eq{"tx_ref": nil}).
		Where(squirrel.Lt{"updated_at": before.UnixMilli()}).
		OrderBy("updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []matchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("list unconfirmed matches", err)
	}

	out := make([]domain.MatchMetadata, len(rows))
	for i, row := range rows {
		out[i] = row.metadata()
	}
	return out, nil
}

func (s *SQLiteStore) DeleteMatchMetadata(ctx context.Context, matchID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM match_metadata WHERE match_id = ?`, matchID)
	if err != nil {
		return unavailable("delete match metadata", err)
	}
	return requireAffected(res, "match metadata "+matchID.String())
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("read rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return nil
}

func (r profileRow) profile() domain.UserProfile {
	return domain.UserProfile{
		OwnerKey:  r.OwnerKey,
		PlayerID:  r.PlayerID,
		Name:      r.Name,
		Email:     r.Email,
		PhotoURL:  r.PhotoURL,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

func (r matchRow) metadata() domain.MatchMetadata {
	return domain.MatchMetadata{
		MatchID:   r.MatchID,
		Score:     r.Score,
		Kind:      domain.MatchKind(r.Kind),
		TxRef:     r.TxRef.ValueOrZero(),
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
}
