// Package metadata is the mutable side-store for display data the ledger
// does not hold: user profiles and free-text match details. Every backend
// honors the same contract, including client-side chunking of batched
// lookups.
package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phuaky/pong-rank/internal/domain"
)

type Store interface {
	// UpsertUserProfile creates the profile keyed by OwnerKey or updates it in
	// place. Retrying with the same OwnerKey touches the same record.
	UpsertUserProfile(ctx context.Context, profile domain.UserProfile) error
	// GetUserByOwnerKey returns nil when no profile exists.
	GetUserByOwnerKey(ctx context.Context, ownerKey string) (*domain.UserProfile, error)
	GetUsersByPlayerIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserProfile, error)
	ListUserProfiles(ctx context.Context) ([]domain.UserProfile, error)
	DeleteUserProfile(ctx context.Context, ownerKey string) error

	// CreateMatchMetadata is create-if-absent. A row that is still unconfirmed
	// takes the new score and kind; a confirmed row is left untouched.
	CreateMatchMetadata(ctx context.Context, matchID uuid.UUID, score string, kind domain.MatchKind) error
	// UpdateMatchTxRef returns domain.ErrNotFound when the row is missing.
	UpdateMatchTxRef(ctx context.Context, matchID uuid.UUID, txRef string) error
	GetMatchMetadataByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MatchMetadata, error)
	// ListUnconfirmedMatches returns rows without a tx ref last written before
	// the cutoff. Re-staging a row refreshes its write time.
	ListUnconfirmedMatches(ctx context.Context, before time.Time) ([]domain.MatchMetadata, error)
	DeleteMatchMetadata(ctx context.Context, matchID uuid.UUID) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", domain.ErrStoreUnavailable, op, err)
}

func validateProfile(p domain.UserProfile) error {
	if p.OwnerKey == "" {
		return fmt.Errorf("%w: empty owner key", domain.ErrInvalidInput)
	}
	if p.PlayerID == uuid.Nil {
		return fmt.Errorf("%w: empty player id", domain.ErrInvalidInput)
	}
	return nil
}
