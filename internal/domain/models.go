package domain

import (
	"time"

	"github.com/google/uuid"
)

type MatchKind string

const (
	MatchKindSingles MatchKind = "SINGLES"
	MatchKindDoubles MatchKind = "DOUBLES"
)

// TeamSize returns the number of players per side, or 0 for an unknown kind.
func (k MatchKind) TeamSize() int {
	switch k {
	case MatchKindSingles:
		return 1
	case MatchKindDoubles:
		return 2
	}
	return 0
}

func (k MatchKind) Valid() bool {
	return k.TeamSize() > 0
}

// KindForTeamSize is the inverse of TeamSize, used when metadata is missing.
func KindForTeamSize(n int) MatchKind {
	if n == 2 {
		return MatchKindDoubles
	}
	return MatchKindSingles
}

// Player is the merged read view: identity from metadata, stats from the ledger.
type Player struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	PhotoURL    string    `json:"photoURL,omitempty"`
	OwnerKey    string    `json:"ownerKey,omitempty"`
	Rating      int64     `json:"elo"`
	Wins        uint64    `json:"wins"`
	Losses      uint64    `json:"losses"`
	CreatedAt   time.Time `json:"createdAt"`
	Placeholder bool      `json:"placeholder,omitempty"`
}

type Match struct {
	ID          uuid.UUID   `json:"id"`
	Date        time.Time   `json:"date"`
	Kind        MatchKind   `json:"type"`
	WinnerIDs   []uuid.UUID `json:"winnerIds"`
	LoserIDs    []uuid.UUID `json:"loserIds"`
	Score       string      `json:"score"`
	Delta       int64       `json:"eloChange"`
	TxRef       string      `json:"txHash,omitempty"`
	Placeholder bool        `json:"placeholder,omitempty"`
}

type UserProfile struct {
	OwnerKey  string
	PlayerID  uuid.UUID
	Name      string
	Email     string
	PhotoURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MatchMetadata struct {
	MatchID   uuid.UUID
	Score     string
	Kind      MatchKind
	TxRef     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
