package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/ledger"
)

type matchFixture struct {
	ledger  *fakeLedger
	store   *fakeStore
	repairs *RepairQueue
	svc     *MatchService
}

func newMatchFixture(policy string) *matchFixture {
	l, s := newFakeLedger(), newFakeStore()
	q := NewRepairQueue(zerolog.Nop())
	return &matchFixture{
		ledger:  l,
		store:   s,
		repairs: q,
		svc:     NewMatchService(l, s, q, testConfig(policy), zerolog.Nop()),
	}
}

func (f *matchFixture) players(t *testing.T, ratings ...int64) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, len(ratings))
	for i, r := range ratings {
		ids[i] = uuid.New()
		f.ledger.seed(ids[i], r)
	}
	return ids
}

func rating(t *testing.T, l *fakeLedger, id uuid.UUID) int64 {
	t.Helper()
	st, err := l.GetPlayer(context.Background(), codec.Encode(id))
	require.NoError(t, err)
	return st.Rating
}

func TestLogMatchSingles(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)

	res, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind:      domain.MatchKindSingles,
		WinnerIDs: p[:1],
		LoserIDs:  p[1:],
		Score:     "21-15",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(16), res.Match.Delta)
	assert.NotEmpty(t, res.TxRef)
	assert.False(t, res.RepairQueued)
	assert.False(t, res.AlreadyRecorded)

	assert.Equal(t, int64(1216), rating(t, f.ledger, p[0]))
	assert.Equal(t, int64(1184), rating(t, f.ledger, p[1]))

	meta, err := f.store.GetMatchMetadataByIDs(context.Background(), []uuid.UUID{res.Match.ID})
	require.NoError(t, err)
	assert.Equal(t, "21-15", meta[res.Match.ID].Score)
	assert.Equal(t, res.TxRef, meta[res.Match.ID].TxRef)
}

func TestLogMatchDoublesUsesTeamMean(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1300, 1100, 1200, 1200)

	res, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind:      domain.MatchKindDoubles,
		WinnerIDs: p[:2],
		LoserIDs:  p[2:],
		Score:     "21-19",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(16), res.Match.Delta)

	assert.Equal(t, int64(1316), rating(t, f.ledger, p[0]))
	assert.Equal(t, int64(1116), rating(t, f.ledger, p[1]))
	assert.Equal(t, int64(1184), rating(t, f.ledger, p[2]))
	assert.Equal(t, int64(1184), rating(t, f.ledger, p[3]))
}

func TestLogMatchInvalidShape(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200, 1200)

	cases := []struct {
		name string
		in   LogMatchInput
	}{
		{"unknown kind", LogMatchInput{Kind: "TRIPLES", WinnerIDs: p[:1], LoserIDs: p[1:2]}},
		{"singles with two winners", LogMatchInput{Kind: domain.MatchKindSingles, WinnerIDs: p[:2], LoserIDs: p[2:]}},
		{"doubles with one per side", LogMatchInput{Kind: domain.MatchKindDoubles, WinnerIDs: p[:1], LoserIDs: p[1:2]}},
		{"same player on both sides", LogMatchInput{Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[:1]}},
		{"nil id", LogMatchInput{Kind: domain.MatchKindSingles, WinnerIDs: []uuid.UUID{uuid.Nil}, LoserIDs: p[:1]}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.LogMatch(context.Background(), tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidMatchShape)
			assert.True(t, domain.IsClientError(err))
		})
	}

	count, err := f.ledger.MatchCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.store.matches)
}

func TestLogMatchUnknownParticipant(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200)
	ghost := uuid.New()

	_, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind:      domain.MatchKindSingles,
		WinnerIDs: p,
		LoserIDs:  []uuid.UUID{ghost},
		Score:     "21-3",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownParticipant)

	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, StateMetadataStaged, wfErr.State)

	// rating was computed against the base rating, then the ledger refused
	assert.Equal(t, int64(1200), rating(t, f.ledger, p[0]))
}

func TestLogMatchMetadataStageFailure(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)
	f.store.createErr = errInjected

	_, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[1:], Score: "21-10",
	})
	assert.ErrorIs(t, err, domain.ErrMetadataWriteFailed)

	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, StateRatingComputed, wfErr.State)
	assert.Zero(t, f.ledger.submitted)
}

func TestLogMatchRetryAfterIndeterminateFailure(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)
	matchID := uuid.New()
	in := LogMatchInput{
		MatchID:   matchID,
		Kind:      domain.MatchKindSingles,
		WinnerIDs: p[:1],
		LoserIDs:  p[1:],
		Score:     "21-17",
	}

	// the transaction lands but the confirmation is lost
	f.ledger.logMatchFault = &ledgerFault{
		apply: true,
		err:   &ledger.WriteError{Op: "logMatch", Submitted: true, TxRef: "0xlost", Err: context.DeadlineExceeded},
	}
	_, err := f.svc.LogMatch(context.Background(), in)
	require.Error(t, err)
	assert.True(t, domain.IsIndeterminate(err))
	assert.Equal(t, 1, f.ledger.submitted)

	// the known ref is queued so it lands even if the caller never retries
	pending := f.repairs.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "0xlost", pending[0].TxRef)
	assert.Equal(t, "21-17", pending[0].Score)

	res, err := f.svc.LogMatch(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRecorded)
	assert.Equal(t, matchID, res.Match.ID)
	assert.Equal(t, "21-17", res.Match.Score)
	assert.Equal(t, "0xlost", res.TxRef)
	assert.Equal(t, "0xlost", res.Match.TxRef)
	assert.False(t, res.RepairQueued)
	assert.Equal(t, 1, f.ledger.submitted)
	assert.Zero(t, f.repairs.Len())

	meta, err := f.store.GetMatchMetadataByIDs(context.Background(), []uuid.UUID{matchID})
	require.NoError(t, err)
	assert.Equal(t, "0xlost", meta[matchID].TxRef)

	assert.Equal(t, int64(1216), rating(t, f.ledger, p[0]))
}

func TestLogMatchRetryRecoversRefFromQueue(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	f.svc = NewMatchService(refBlindLedger{f.ledger}, f.store, f.repairs, testConfig(config.PolicyPlaceholder), zerolog.Nop())
	p := f.players(t, 1200, 1200)
	in := LogMatchInput{
		MatchID:   uuid.New(),
		Kind:      domain.MatchKindSingles,
		WinnerIDs: p[:1],
		LoserIDs:  p[1:],
		Score:     "21-12",
	}

	f.ledger.logMatchFault = &ledgerFault{
		apply: true,
		err:   &ledger.WriteError{Op: "logMatch", Submitted: true, TxRef: "0xqueued", Err: context.DeadlineExceeded},
	}
	_, err := f.svc.LogMatch(context.Background(), in)
	require.Error(t, err)

	// metadata is still down on the retry, so the task stays queued
	f.store.patchErr = errInjected
	res, err := f.svc.LogMatch(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRecorded)
	assert.Equal(t, "0xqueued", res.TxRef)
	assert.True(t, res.RepairQueued)
	require.Equal(t, 1, f.repairs.Len())

	f.store.patchErr = nil
	res, err = f.svc.LogMatch(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "0xqueued", res.TxRef)
	assert.False(t, res.RepairQueued)
	assert.Zero(t, f.repairs.Len())
	assert.Equal(t, 1, f.ledger.submitted)
}

func TestLogMatchIndeterminateWithoutRefQueuesNothing(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)

	f.ledger.logMatchFault = &ledgerFault{
		err: &ledger.WriteError{Op: "logMatch", Submitted: true, Err: context.DeadlineExceeded},
	}
	_, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[1:], Score: "21-1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsIndeterminate(err))
	assert.Zero(t, f.repairs.Len())
}

func TestLogMatchRequiresScore(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)

	for _, score := range []string{"", "   "} {
		_, err := f.svc.LogMatch(context.Background(), LogMatchInput{
			Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[1:], Score: score,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "%q", score)

		var wfErr *WorkflowError
		require.ErrorAs(t, err, &wfErr)
		assert.Equal(t, StateStart, wfErr.State)
	}
	assert.Empty(t, f.store.matches)
	assert.Zero(t, f.ledger.submitted)
}

func TestLogMatchRetryAfterRejectedSubmission(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)
	in := LogMatchInput{
		MatchID:   uuid.New(),
		Kind:      domain.MatchKindSingles,
		WinnerIDs: p[:1],
		LoserIDs:  p[1:],
		Score:     "21-17",
	}

	f.ledger.logMatchFault = &ledgerFault{err: &ledger.WriteError{Op: "logMatch", Err: errInjected}}
	_, err := f.svc.LogMatch(context.Background(), in)
	require.Error(t, err)
	assert.False(t, domain.IsIndeterminate(err))

	in.Score = "21-18"
	res, err := f.svc.LogMatch(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, res.AlreadyRecorded)
	assert.Equal(t, 1, f.ledger.submitted)

	meta, err := f.store.GetMatchMetadataByIDs(context.Background(), []uuid.UUID{in.MatchID})
	require.NoError(t, err)
	assert.Equal(t, "21-18", meta[in.MatchID].Score)
}

func TestLogMatchPatchFailureQueuesRepair(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)
	f.store.patchErr = errInjected

	res, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[1:], Score: "21-5",
	})
	require.NoError(t, err)
	assert.True(t, res.RepairQueued)
	assert.NotEmpty(t, res.TxRef)

	pending := f.repairs.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, res.Match.ID, pending[0].MatchID)
	assert.Equal(t, res.TxRef, pending[0].TxRef)
	assert.Equal(t, "21-5", pending[0].Score)

	// the match is visible before the patch lands
	matches, err := f.svc.ListMatches(context.Background())
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Empty(t, matches[0].TxRef)
	assert.Equal(t, "21-5", matches[0].Score)
}

func TestListMatchesPlaceholderAndOrder(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200, 1200, 1200)

	first, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[1:2], Score: "21-9",
	})
	require.NoError(t, err)
	second, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind: domain.MatchKindDoubles, WinnerIDs: p[:2], LoserIDs: p[2:], Score: "21-19",
	})
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteMatchMetadata(context.Background(), second.Match.ID))

	matches, err := f.svc.ListMatches(context.Background())
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, second.Match.ID, matches[0].ID)
	assert.True(t, matches[0].Placeholder)
	assert.Equal(t, constants.PlaceholderScore, matches[0].Score)
	assert.Equal(t, domain.MatchKindDoubles, matches[0].Kind)

	assert.Equal(t, first.Match.ID, matches[1].ID)
	assert.Equal(t, "21-9", matches[1].Score)
}

func TestListMatchesRepairPolicySynthesizes(t *testing.T) {
	f := newMatchFixture(config.PolicyRepair)
	p := f.players(t, 1200, 1200)

	res, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[1:], Score: "21-9",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteMatchMetadata(context.Background(), res.Match.ID))

	_, err = f.svc.ListMatches(context.Background())
	require.NoError(t, err)

	meta, err := f.store.GetMatchMetadataByIDs(context.Background(), []uuid.UUID{res.Match.ID})
	require.NoError(t, err)
	require.Contains(t, meta, res.Match.ID)
	assert.Equal(t, constants.PlaceholderScore, meta[res.Match.ID].Score)
	assert.Equal(t, domain.MatchKindSingles, meta[res.Match.ID].Kind)
}

func TestGetMatch(t *testing.T) {
	f := newMatchFixture(config.PolicyPlaceholder)
	p := f.players(t, 1200, 1200)

	res, err := f.svc.LogMatch(context.Background(), LogMatchInput{
		Kind: domain.MatchKindSingles, WinnerIDs: p[:1], LoserIDs: p[1:], Score: "21-9",
	})
	require.NoError(t, err)

	m, err := f.svc.GetMatch(context.Background(), res.Match.ID)
	require.NoError(t, err)
	assert.Equal(t, p[:1], m.WinnerIDs)
	assert.WithinDuration(t, time.Date(2026, 5, 1, 10, 1, 0, 0, time.UTC), m.Date, time.Second)

	_, err = f.svc.GetMatch(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
