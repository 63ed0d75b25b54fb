// Package ledger is typed access to the authoritative store: player identity,
// aggregate stats and match records. Writes block until the ledger confirms
// durability.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/domain"
)

// TxRef is an opaque durable transaction reference.
type TxRef string

// PlayerStats is the ledger's view of a player. Exists=false means the id is
// unknown; the other fields are then zero.
type PlayerStats struct {
	ID     codec.FixedID
	Rating int64
	Wins   uint64
	Losses uint64
	Exists bool
}

type Match struct {
	ID        codec.FixedID
	WinnerIDs []codec.FixedID
	LoserIDs  []codec.FixedID
	Delta     int64
	Timestamp time.Time
	Exists    bool
}

type Client interface {
	GetPlayer(ctx context.Context, id codec.FixedID) (PlayerStats, error)
	// GetPlayersBatch returns one entry per input id, in input order. Unknown
	// ids yield zero-valued stats rather than an error.
	GetPlayersBatch(ctx context.Context, ids []codec.FixedID) ([]PlayerStats, error)
	GetMatch(ctx context.Context, id codec.FixedID) (Match, error)
	PlayerExists(ctx context.Context, id codec.FixedID) (bool, error)
	MatchExists(ctx context.Context, id codec.FixedID) (bool, error)
	PlayerCount(ctx context.Context) (int, error)
	MatchCount(ctx context.Context) (int, error)
	PlayerIDsPage(ctx context.Context, offset, limit int) ([]codec.FixedID, error)
	MatchIDsPage(ctx context.Context, offset, limit int) ([]codec.FixedID, error)
	GetAllPlayerIDs(ctx context.Context) ([]codec.FixedID, error)
	GetAllMatchIDs(ctx context.Context) ([]codec.FixedID, error)

	// RegisterPlayer is register-if-absent and safe to retry.
	RegisterPlayer(ctx context.Context, id codec.FixedID) (TxRef, error)
	// LogMatch is not idempotent: after an indeterminate failure check
	// MatchExists before submitting again.
	LogMatch(ctx context.Context, id codec.FixedID, winnerIDs, loserIDs []codec.FixedID, delta int64) (TxRef, error)
}

// RefLookup is implemented by backends that can find the ref of an already
// recorded match from its id alone.
type RefLookup interface {
	MatchTxRef(ctx context.Context, id codec.FixedID) (TxRef, error)
}

// WriteError is a failed ledger write. Submitted reports that the transaction
// left this process, so it may still confirm.
type WriteError struct {
	Op        string
	Submitted bool
	TxRef     TxRef
	Err       error
}

func (e *WriteError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("ledger %s failed (tx %s, submitted=%t): %v", e.Op, e.TxRef, e.Submitted, e.Err)
	}
	return fmt.Sprintf("ledger %s failed (submitted=%t): %v", e.Op, e.Submitted, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (e *WriteError) Is(target error) bool {
	return target == domain.ErrLedgerWriteFailed
}

func (e *WriteError) Indeterminate() bool {
	return e.Submitted
}

type pageFunc func(ctx context.Context, offset, limit int) ([]codec.FixedID, error)

// walkPages collects every id by requesting pages until a short page.
func walkPages(ctx context.Context, page pageFunc, size int) ([]codec.FixedID, error) {
	var all []codec.FixedID
	for offset := 0; ; offset += size {
		ids, err := page(ctx, offset, size)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
		if len(ids) < size {
			return all, nil
		}
	}
}

func validateMatch(winnerIDs, loserIDs []codec.FixedID, delta int64) error {
	if len(winnerIDs) == 0 || len(loserIDs) == 0 {
		return fmt.Errorf("%w: empty team", domain.ErrInvalidInput)
	}
	if delta < 0 {
		return fmt.Errorf("%w: negative delta %d", domain.ErrInvalidInput, delta)
	}

	seen := make(map[codec.FixedID]struct{}, len(winnerIDs)+len(loserIDs))
	for _, ids := range [][]codec.FixedID{winnerIDs, loserIDs} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				return fmt.Errorf("%w: player %s appears twice", domain.ErrInvalidInput, id)
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}
