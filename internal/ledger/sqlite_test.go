package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/database"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/elo"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()

	db, err := database.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSQLiteLedger(db, zerolog.Nop())
}

func registerN(t *testing.T, l *SQLiteLedger, n int) []codec.FixedID {
	t.Helper()

	ids := make([]codec.FixedID, n)
	for i := range ids {
		_, ids[i] = codec.New()
		_, err := l.RegisterPlayer(context.Background(), ids[i])
		require.NoError(t, err)
	}
	return ids
}

func TestRegisterPlayerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	_, id := codec.New()

	first, err := l.RegisterPlayer(ctx, id)
	require.NoError(t, err)
	assert.Len(t, string(first), 66)

	second, err := l.RegisterPlayer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	count, err := l.PlayerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := l.GetPlayer(ctx, id)
	require.NoError(t, err)
	assert.True(t, stats.Exists)
	assert.Equal(t, int64(elo.BaseRating), stats.Rating)
	assert.Zero(t, stats.Wins)
	assert.Zero(t, stats.Losses)
}

func TestGetPlayerUnknown(t *testing.T) {
	l := newTestLedger(t)
	_, id := codec.New()

	stats, err := l.GetPlayer(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, stats.Exists)
	assert.Zero(t, stats.Rating)
}

func TestLogMatchAppliesDelta(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	ids := registerN(t, l, 4)
	_, matchID := codec.New()

	ref, err := l.LogMatch(ctx, matchID, ids[:2], ids[2:], 16)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	stats, err := l.GetPlayersBatch(ctx, ids)
	require.NoError(t, err)
	require.Len(t, stats, 4)
	for _, s := range stats[:2] {
		assert.Equal(t, int64(1216), s.Rating)
		assert.Equal(t, uint64(1), s.Wins)
	}
	for _, s := range stats[2:] {
		assert.Equal(t, int64(1184), s.Rating)
		assert.Equal(t, uint64(1), s.Losses)
	}

	m, err := l.GetMatch(ctx, matchID)
	require.NoError(t, err)
	assert.True(t, m.Exists)
	assert.Equal(t, ids[:2], m.WinnerIDs)
	assert.Equal(t, ids[2:], m.LoserIDs)
	assert.Equal(t, int64(16), m.Delta)
	assert.False(t, m.Timestamp.IsZero())

	history, err := l.RatingHistory(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(16), history[0].Change)
	assert.Equal(t, int64(1216), history[0].Rating)

	history, err = l.RatingHistory(ctx, ids[3])
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(-16), history[0].Change)
	assert.Equal(t, int64(1184), history[0].Rating)
	assert.Equal(t, uint64(1), history[0].Losses)
	assert.Zero(t, history[0].Wins)
}

func TestMatchTxRef(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	ids := registerN(t, l, 2)
	_, matchID := codec.New()

	ref, err := l.LogMatch(ctx, matchID, ids[:1], ids[1:], 16)
	require.NoError(t, err)

	got, err := l.MatchTxRef(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	// a player's registration entry is not a match entry
	_, err = l.MatchTxRef(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, unknown := codec.New()
	_, err = l.MatchTxRef(ctx, unknown)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var _ RefLookup = l
}

func TestLogMatchRejectsUnknownParticipant(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	ids := registerN(t, l, 1)
	_, stranger := codec.New()
	_, matchID := codec.New()

	_, err := l.LogMatch(ctx, matchID, ids, []codec.FixedID{stranger}, 16)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownParticipant))

	exists, err := l.MatchExists(ctx, matchID)
	require.NoError(t, err)
	assert.False(t, exists)

	stats, err := l.GetPlayer(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(elo.BaseRating), stats.Rating)
}

func TestLogMatchRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	ids := registerN(t, l, 2)
	_, matchID := codec.New()

	_, err := l.LogMatch(ctx, matchID, ids[:1], ids[1:], 16)
	require.NoError(t, err)

	_, err = l.LogMatch(ctx, matchID, ids[:1], ids[1:], 16)
	assert.True(t, errors.Is(err, domain.ErrMatchExists))

	stats, err := l.GetPlayer(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Wins)
}

func TestLogMatchValidatesShape(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	ids := registerN(t, l, 2)
	_, matchID := codec.New()

	_, err := l.LogMatch(ctx, matchID, nil, ids, 16)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = l.LogMatch(ctx, matchID, ids[:1], ids[:1], 16)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = l.LogMatch(ctx, matchID, ids[:1], ids[1:], -1)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestPagingWalksAllIDs(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	ids := registerN(t, l, 7)

	page, err := l.PlayerIDsPage(ctx, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, ids[5:], page)

	all, err := walkPages(ctx, l.PlayerIDsPage, 3)
	require.NoError(t, err)
	assert.Equal(t, ids, all)

	matches, err := l.GetAllMatchIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	ids := registerN(t, l, 2)
	_, matchID := codec.New()
	_, err := l.LogMatch(ctx, matchID, ids[:1], ids[1:], 16)
	require.NoError(t, err)

	require.NoError(t, l.Verify(ctx))

	_, err = l.db.ExecContext(ctx, `UPDATE ledger_transactions SET payload = ? WHERE kind = ?`, []byte(`{"delta":99}`), txKindMatch)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Verify(ctx), ErrChainBroken)
}

func TestWriteErrorClassification(t *testing.T) {
	err := error(&WriteError{Op: "logMatch", Submitted: true, TxRef: "0xabc", Err: errors.New("timeout")})

	assert.ErrorIs(t, err, domain.ErrLedgerWriteFailed)
	assert.True(t, domain.IsIndeterminate(err))
	assert.Equal(t, "ledger_write_failed", domain.Kind(err))

	err = &WriteError{Op: "logMatch", Err: errors.New("disk full")}
	assert.False(t, domain.IsIndeterminate(err))
}
