package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/elo"
	"github.com/phuaky/pong-rank/internal/ledger"
)

var errInjected = errors.New("injected failure")

// fakeLedger is an in-memory ledger. logMatchFault, when set, decides the
// outcome of the next LogMatch: apply=true records the match before failing,
// which models a submission that confirmed after the caller gave up.
type fakeLedger struct {
	mu        sync.Mutex
	players   map[codec.FixedID]*ledger.PlayerStats
	order     []codec.FixedID
	matches   map[codec.FixedID]ledger.Match
	refs      map[codec.FixedID]ledger.TxRef
	matchSeq  []codec.FixedID
	submitted int
	clock     time.Time

	registerErr   error
	logMatchFault *ledgerFault
}

type ledgerFault struct {
	apply bool
	err   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		players: make(map[codec.FixedID]*ledger.PlayerStats),
		matches: make(map[codec.FixedID]ledger.Match),
		refs:    make(map[codec.FixedID]ledger.TxRef),
		clock:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (f *fakeLedger) seed(id uuid.UUID, rating int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fixed := codec.Encode(id)
	f.players[fixed] = &ledger.PlayerStats{ID: fixed, Rating: rating, Exists: true}
	f.order = append(f.order, fixed)
}

func (f *fakeLedger) GetPlayer(_ context.Context, id codec.FixedID) (ledger.PlayerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.players[id]; ok {
		return *p, nil
	}
	return ledger.PlayerStats{ID: id}, nil
}

func (f *fakeLedger) GetPlayersBatch(ctx context.Context, ids []codec.FixedID) ([]ledger.PlayerStats, error) {
	out := make([]ledger.PlayerStats, len(ids))
	for i, id := range ids {
		out[i], _ = f.GetPlayer(ctx, id)
	}
	return out, nil
}

func (f *fakeLedger) GetMatch(_ context.Context, id codec.FixedID) (ledger.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.matches[id]; ok {
		return m, nil
	}
	return ledger.Match{ID: id}, nil
}

func (f *fakeLedger) PlayerExists(_ context.Context, id codec.FixedID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.players[id]
	return ok, nil
}

func (f *fakeLedger) MatchExists(_ context.Context, id codec.FixedID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.matches[id]
	return ok, nil
}

func (f *fakeLedger) PlayerCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order), nil
}

func (f *fakeLedger) MatchCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.matchSeq), nil
}

func (f *fakeLedger) PlayerIDsPage(_ context.Context, offset, limit int) ([]codec.FixedID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.order, offset, limit), nil
}

func (f *fakeLedger) MatchIDsPage(_ context.Context, offset, limit int) ([]codec.FixedID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.matchSeq, offset, limit), nil
}

func (f *fakeLedger) GetAllPlayerIDs(ctx context.Context) ([]codec.FixedID, error) {
	return f.PlayerIDsPage(ctx, 0, 1<<30)
}

func (f *fakeLedger) GetAllMatchIDs(ctx context.Context) ([]codec.FixedID, error) {
	return f.MatchIDsPage(ctx, 0, 1<<30)
}

func (f *fakeLedger) RegisterPlayer(_ context.Context, id codec.FixedID) (ledger.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return "", f.registerErr
	}
	if _, ok := f.players[id]; !ok {
		f.players[id] = &ledger.PlayerStats{ID: id, Rating: elo.BaseRating, Exists: true}
		f.order = append(f.order, id)
	}
	return ledger.TxRef("0xreg" + id.Hex()[2:10]), nil
}

func (f *fakeLedger) LogMatch(_ context.Context, id codec.FixedID, winners, losers []codec.FixedID, delta int64) (ledger.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fault := f.logMatchFault
	f.logMatchFault = nil
	if fault != nil && !fault.apply {
		return "", fault.err
	}

	if _, ok := f.matches[id]; ok {
		return "", fmt.Errorf("%w: %s", domain.ErrMatchExists, id)
	}
	for _, p := range append(append([]codec.FixedID{}, winners...), losers...) {
		if _, ok := f.players[p]; !ok {
			return "", fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, p)
		}
	}

	for _, w := range winners {
		f.apply(w, true, delta)
	}
	for _, l := range losers {
		f.apply(l, false, delta)
	}
	f.clock = f.clock.Add(time.Minute)
	f.matches[id] = ledger.Match{ID: id, WinnerIDs: winners, LoserIDs: losers, Delta: delta, Timestamp: f.clock, Exists: true}
	f.matchSeq = append(f.matchSeq, id)
	f.submitted++

	ref := ledger.TxRef("0xmatch" + id.Hex()[2:10])
	var werr *ledger.WriteError
	if fault != nil && errors.As(fault.err, &werr) && werr.TxRef != "" {
		ref = werr.TxRef
	}
	f.refs[id] = ref

	if fault != nil {
		return "", fault.err
	}
	return ref, nil
}

func (f *fakeLedger) apply(id codec.FixedID, won bool, delta int64) {
	p := f.players[id]
	next := elo.Apply(elo.Stats{Rating: p.Rating, Wins: p.Wins, Losses: p.Losses}, won, delta)
	p.Rating, p.Wins, p.Losses = next.Rating, next.Wins, next.Losses
}

func (f *fakeLedger) MatchTxRef(_ context.Context, id codec.FixedID) (ledger.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.refs[id]; ok {
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

// refBlindLedger hides MatchTxRef, like a backend that cannot look refs up.
type refBlindLedger struct {
	ledger.Client
}

func page(ids []codec.FixedID, offset, limit int) []codec.FixedID {
	if offset >= len(ids) {
		return nil
	}
	end := offset + limit
	if end > len(ids) || end < 0 {
		end = len(ids)
	}
	return append([]codec.FixedID(nil), ids[offset:end]...)
}

// fakeStore is an in-memory metadata store with per-operation fault injection.
type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]domain.UserProfile
	matches  map[uuid.UUID]domain.MatchMetadata
	now      time.Time

	upsertErr error
	createErr error
	patchErr  error
	lookupErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]domain.UserProfile),
		matches:  make(map[uuid.UUID]domain.MatchMetadata),
		now:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) UpsertUserProfile(_ context.Context, p domain.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if old, ok := f.profiles[p.OwnerKey]; ok {
		p.CreatedAt = old.CreatedAt
	} else {
		p.CreatedAt = f.now
	}
	p.UpdatedAt = f.now
	f.profiles[p.OwnerKey] = p
	return nil
}

func (f *fakeStore) GetUserByOwnerKey(_ context.Context, ownerKey string) (*domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if p, ok := f.profiles[ownerKey]; ok {
		return &p, nil
	}
	return nil, nil
}

func (f *fakeStore) GetUsersByPlayerIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := make(map[uuid.UUID]domain.UserProfile)
	for _, id := range ids {
		for _, p := range f.profiles {
			if p.PlayerID == id {
				out[id] = p
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListUserProfiles(context.Context) ([]domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UserProfile, 0, len(f.profiles))
	for _, p := range f.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) DeleteUserProfile(_ context.Context, ownerKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[ownerKey]; !ok {
		return domain.ErrNotFound
	}
	delete(f.profiles, ownerKey)
	return nil
}

func (f *fakeStore) CreateMatchMetadata(_ context.Context, id uuid.UUID, score string, kind domain.MatchKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if old, ok := f.matches[id]; ok {
		if old.TxRef != "" {
			return nil
		}
		old.Score, old.Kind, old.UpdatedAt = score, kind, f.now
		f.matches[id] = old
		return nil
	}
	f.matches[id] = domain.MatchMetadata{MatchID: id, Score: score, Kind: kind, CreatedAt: f.now, UpdatedAt: f.now}
	return nil
}

func (f *fakeStore) UpdateMatchTxRef(_ context.Context, id uuid.UUID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	m, ok := f.matches[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	m.TxRef = ref
	f.matches[id] = m
	return nil
}

func (f *fakeStore) GetMatchMetadataByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MatchMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := make(map[uuid.UUID]domain.MatchMetadata)
	for _, id := range ids {
		if m, ok := f.matches[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (f *fakeStore) ListUnconfirmedMatches(_ context.Context, before time.Time) ([]domain.MatchMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MatchMetadata
	for _, m := range f.matches {
		if m.TxRef == "" && m.UpdatedAt.Before(before) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteMatchMetadata(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.matches[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.matches, id)
	return nil
}
