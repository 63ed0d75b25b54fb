package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuaky/pong-rank/internal/database"
	"github.com/phuaky/pong-rank/internal/domain"
)

func newTestStore(t *testing.T, maxKeys int) *SQLiteStore {
	t.Helper()

	db, err := database.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSQLiteStore(db, maxKeys, zerolog.Nop())
}

func TestUpsertUserProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)
	playerID := uuid.New()

	require.NoError(t, s.UpsertUserProfile(ctx, domain.UserProfile{OwnerKey: "owner-1", PlayerID: playerID, Name: "Ada"}))
	require.NoError(t, s.UpsertUserProfile(ctx, domain.UserProfile{OwnerKey: "owner-1", PlayerID: playerID, Name: "Ada L.", Email: "ada@example.com"}))

	p, err := s.GetUserByOwnerKey(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Ada L.", p.Name)
	assert.Equal(t, "ada@example.com", p.Email)
	assert.Equal(t, playerID, p.PlayerID)

	all, err := s.ListUserProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertUserProfileValidates(t *testing.T) {
	s := newTestStore(t, 10)

	err := s.UpsertUserProfile(context.Background(), domain.UserProfile{PlayerID: uuid.New(), Name: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGetUserByOwnerKeyAbsent(t *testing.T) {
	s := newTestStore(t, 10)

	p, err := s.GetUserByOwnerKey(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetUsersByPlayerIDsChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)

	ids := make([]uuid.UUID, 25)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.UpsertUserProfile(ctx, domain.UserProfile{
			OwnerKey: ids[i].String(),
			PlayerID: ids[i],
			Name:     ids[i].String()[:8],
		}))
	}

	lookup := append(append([]uuid.UUID{}, ids...), uuid.New())
	got, err := s.GetUsersByPlayerIDs(ctx, lookup)
	require.NoError(t, err)

	assert.Len(t, got, 25)
	for _, id := range ids {
		assert.Equal(t, id.String()[:8], got[id].Name)
	}
}

func TestDeleteUserProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)
	require.NoError(t, s.UpsertUserProfile(ctx, domain.UserProfile{OwnerKey: "o", PlayerID: uuid.New(), Name: "n"}))

	require.NoError(t, s.DeleteUserProfile(ctx, "o"))
	assert.ErrorIs(t, s.DeleteUserProfile(ctx, "o"), domain.ErrNotFound)
}

func TestMatchMetadataLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)
	matchID := uuid.New()

	require.NoError(t, s.CreateMatchMetadata(ctx, matchID, "11-9", domain.MatchKindSingles))
	// unconfirmed rows take the retried score
	require.NoError(t, s.CreateMatchMetadata(ctx, matchID, "11-7", domain.MatchKindSingles))

	got, err := s.GetMatchMetadataByIDs(ctx, []uuid.UUID{matchID})
	require.NoError(t, err)
	assert.Equal(t, "11-7", got[matchID].Score)
	assert.Empty(t, got[matchID].TxRef)

	require.NoError(t, s.UpdateMatchTxRef(ctx, matchID, "0xfeed"))

	// confirmed rows are immutable
	require.NoError(t, s.CreateMatchMetadata(ctx, matchID, "0-11", domain.MatchKindDoubles))

	got, err = s.GetMatchMetadataByIDs(ctx, []uuid.UUID{matchID})
	require.NoError(t, err)
	assert.Equal(t, "11-7", got[matchID].Score)
	assert.Equal(t, domain.MatchKindSingles, got[matchID].Kind)
	assert.Equal(t, "0xfeed", got[matchID].TxRef)
}

func TestUpdateMatchTxRefMissing(t *testing.T) {
	s := newTestStore(t, 10)

	err := s.UpdateMatchTxRef(context.Background(), uuid.New(), "0x1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "not_found", domain.Kind(err))
}

func TestListUnconfirmedMatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	old, confirmed := uuid.New(), uuid.New()
	require.NoError(t, s.CreateMatchMetadata(ctx, old, "11-3", domain.MatchKindSingles))
	require.NoError(t, s.CreateMatchMetadata(ctx, confirmed, "11-3", domain.MatchKindSingles))
	require.NoError(t, s.UpdateMatchTxRef(ctx, confirmed, "0xabc"))

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh := uuid.New()
	require.NoError(t, s.CreateMatchMetadata(ctx, fresh, "11-3", domain.MatchKindSingles))

	got, err := s.ListUnconfirmedMatches(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old, got[0].MatchID)

	require.NoError(t, s.DeleteMatchMetadata(ctx, old))
	assert.ErrorIs(t, s.DeleteMatchMetadata(ctx, old), domain.ErrNotFound)
}

func TestListUnconfirmedMatchesAgesByLastWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	restaged, idle := uuid.New(), uuid.New()
	require.NoError(t, s.CreateMatchMetadata(ctx, restaged, "21-3", domain.MatchKindSingles))
	require.NoError(t, s.CreateMatchMetadata(ctx, idle, "21-4", domain.MatchKindSingles))

	// a retry a day later stages the same row again
	s.now = func() time.Time { return base.Add(25 * time.Hour) }
	require.NoError(t, s.CreateMatchMetadata(ctx, restaged, "21-3", domain.MatchKindSingles))

	got, err := s.ListUnconfirmedMatches(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, idle, got[0].MatchID)

	meta, err := s.GetMatchMetadataByIDs(ctx, []uuid.UUID{restaged})
	require.NoError(t, err)
	assert.Equal(t, base, meta[restaged].CreatedAt)
	assert.Equal(t, base.Add(25*time.Hour), meta[restaged].UpdatedAt)
}

func TestUpsertUserProfileRefreshesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10)
	playerID := uuid.New()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.UpsertUserProfile(ctx, domain.UserProfile{OwnerKey: "owner-1", PlayerID: playerID, Name: "Ada"}))

	s.now = func() time.Time { return base.Add(25 * time.Hour) }
	require.NoError(t, s.UpsertUserProfile(ctx, domain.UserProfile{OwnerKey: "owner-1", PlayerID: playerID, Name: "Ada"}))

	p, err := s.GetUserByOwnerKey(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, base, p.CreatedAt)
	assert.Equal(t, base.Add(25*time.Hour), p.UpdatedAt)
}
