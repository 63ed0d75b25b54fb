package service

import (
	"sort"

	"github.com/google/uuid"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/ledger"
)

// mergePlayers joins ledger stats with profiles by id. Ledger stats always
// win; ids without a profile get a placeholder and are returned in missing.
func mergePlayers(stats []ledger.PlayerStats, profiles map[uuid.UUID]domain.UserProfile) (players []domain.Player, missing []uuid.UUID) {
	players = make([]domain.Player, 0, len(stats))
	for _, st := range stats {
		id := st.ID.UUID()
		p := domain.Player{
			ID:     id,
			Rating: st.Rating,
			Wins:   st.Wins,
			Losses: st.Losses,
		}

		if profile, ok := profiles[id]; ok {
			p.Name = profile.Name
			p.Email = profile.Email
			p.PhotoURL = profile.PhotoURL
			p.OwnerKey = profile.OwnerKey
			p.CreatedAt = profile.CreatedAt
		} else {
			p.Name = constants.PlaceholderName
			p.Placeholder = true
			missing = append(missing, id)
		}
		players = append(players, p)
	}
	return players, missing
}

// sortLeaderboard orders by rating descending, then name, then id.
func sortLeaderboard(players []domain.Player) {
	sort.SliceStable(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID.String() < b.ID.String()
	})
}

// mergeMatches joins ledger matches with metadata. The ledger owns teams,
// delta and timestamp; metadata owns score, kind and tx ref.
func mergeMatches(records []ledger.Match, meta map[uuid.UUID]domain.MatchMetadata) (matches []domain.Match, missing []ledger.Match) {
	matches = make([]domain.Match, 0, len(records))
	for _, rec := range records {
		if !rec.Exists {
			continue
		}

		id := rec.ID.UUID()
		m := domain.Match{
			ID:        id,
			Date:      rec.Timestamp,
			WinnerIDs: codec.DecodeAll(rec.WinnerIDs),
			LoserIDs:  codec.DecodeAll(rec.LoserIDs),
			Delta:     rec.Delta,
		}

		if md, ok := meta[id]; ok {
			m.Score = md.Score
			m.Kind = md.Kind
			m.TxRef = md.TxRef
		} else {
			m.Score = constants.PlaceholderScore
			m.Placeholder = true
			missing = append(missing, rec)
		}
		if !m.Kind.Valid() {
			m.Kind = domain.KindForTeamSize(len(rec.WinnerIDs))
		}
		matches = append(matches, m)
	}
	return matches, missing
}

// sortMatches orders newest first, ties by id.
func sortMatches(matches []domain.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		return a.ID.String() < b.ID.String()
	})
}
