package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/database"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/elo"
)

const (
	txKindRegister = "register"
	txKindMatch    = "match"

	sideWinner = "winner"
	sideLoser  = "loser"

	genesisRef = "0x0000000000000000000000000000000000000000000000000000000000000000"
)

// ErrChainBroken is returned by Verify when a log entry does not hash to its ref.
var ErrChainBroken = errors.New("ledger hash chain broken")

// SQLiteLedger is an append-only, hash-chained ledger on SQLite. Every write
// appends to ledger_transactions, whose tx_ref is the hash of the previous
// ref and the entry; the derived player/match tables are updated in the same
// SQL transaction.
type SQLiteLedger struct {
	db     *sqlx.DB
	logger zerolog.Logger
	now    func() time.Time

	// one write confirmed at a time, like a single signing identity
	writeMu sync.Mutex
}

func NewSQLiteLedger(db *sqlx.DB, logger zerolog.Logger) *SQLiteLedger {
	return &SQLiteLedger{
		db:     db,
		logger: logger.With().Str("component", "ledger.sqlite").Logger(),
		now:    time.Now,
	}
}

type playerRow struct {
	ID     codec.FixedID `db:"id"`
	Rating int64         `db:"rating"`
	Wins   uint64        `db:"wins"`
	Losses uint64        `db:"losses"`
}

type participantRow struct {
	PlayerID codec.FixedID `db:"player_id"`
	Side     string        `db:"side"`
}

type txRow struct {
	Seq       int64         `db:"seq"`
	TxRef     string        `db:"tx_ref"`
	PrevRef   string        `db:"prev_ref"`
	Kind      string        `db:"kind"`
	SubjectID codec.FixedID `db:"subject_id"`
	Payload   []byte        `db:"payload"`
	CreatedAt int64         `db:"created_at"`
}

// RatingChange is one player's outcome of one match.
type RatingChange struct {
	ID        string        `db:"id"`
	MatchID   codec.FixedID `db:"match_id"`
	PlayerID  codec.FixedID `db:"player_id"`
	Change    int64         `db:"change"`
	Rating    int64         `db:"rating"`
	Wins      uint64        `db:"wins"`
	Losses    uint64        `db:"losses"`
	CreatedAt int64         `db:"created_at"`
}

type matchPayload struct {
	Winners []string `json:"winners"`
	Losers  []string `json:"losers"`
	Delta   int64    `json:"delta"`
}

func (l *SQLiteLedger) GetPlayer(ctx context.Context, id codec.FixedID) (PlayerStats, error) {
	var row playerRow
	err := l.db.GetContext(ctx, &row, `SELECT id, rating, wins, losses FROM ledger_players WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerStats{ID: id}, nil
	}
	if err != nil {
		return PlayerStats{}, fmt.Errorf("failed to get player %s: %w", id, err)
	}
	return row.stats(), nil
}

func (l *SQLiteLedger) GetPlayersBatch(ctx context.Context, ids []codec.FixedID) ([]PlayerStats, error) {
	found := make(map[codec.FixedID]playerRow, len(ids))

	for i := 0; i < len(ids); i += constants.LedgerBatchSize {
		end := i + constants.LedgerBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		query, args, err := sqlx.In(`SELECT id, rating, wins, losses FROM ledger_players WHERE id IN (?)`, ids[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to build batch query: %w", err)
		}

		var rows []playerRow
		if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to get players batch: %w", err)
		}
		for _, row := range rows {
			found[row.ID] = row
		}
	}

	out := make([]PlayerStats, len(ids))
	for i, id := range ids {
		if row, ok := found[id]; ok {
			out[i] = row.stats()
		} else {
			out[i] = PlayerStats{ID: id}
		}
	}
	return out, nil
}

func (l *SQLiteLedger) GetMatch(ctx context.Context, id codec.FixedID) (Match, error) {
	var head struct {
		Delta    int64 `db:"delta"`
		LoggedAt int64 `db:"logged_at"`
	}
	err := l.db.GetContext(ctx, &head, `SELECT delta, logged_at FROM ledger_matches WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{ID: id}, nil
	}
	if err != nil {
		return Match{}, fmt.Errorf("failed to get match %s: %w", id, err)
	}

	var participants []participantRow
	if err := l.db.SelectContext(ctx, &participants,
		`SELECT player_id, side FROM ledger_match_participants WHERE match_id = ? ORDER BY side DESC, position ASC`, id,
	); err != nil {
		return Match{}, fmt.Errorf("failed to get participants of match %s: %w", id, err)
	}

	m := Match{
		ID:        id,
		Delta:     head.Delta,
		Timestamp: time.UnixMilli(head.LoggedAt).UTC(),
		Exists:    true,
	}
	for _, p := range participants {
		if p.Side == sideWinner {
			m.WinnerIDs = append(m.WinnerIDs, p.PlayerID)
		} else {
			m.LoserIDs = append(m.LoserIDs, p.PlayerID)
		}
	}
	return m, nil
}

func (l *SQLiteLedger) PlayerExists(ctx context.Context, id codec.FixedID) (bool, error) {
	return l.exists(ctx, `SELECT COUNT(*) FROM ledger_players WHERE id = ?`, id)
}

func (l *SQLiteLedger) MatchExists(ctx context.Context, id codec.FixedID) (bool, error) {
	return l.exists(ctx, `SELECT COUNT(*) FROM ledger_matches WHERE id = ?`, id)
}

func (l *SQLiteLedger) exists(ctx context.Context, query string, id codec.FixedID) (bool, error) {
	var n int
	if err := l.db.GetContext(ctx, &n, query, id); err != nil {
		return false, fmt.Errorf("failed to check existence of %s: %w", id, err)
	}
	return n > 0, nil
}

func (l *SQLiteLedger) PlayerCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ledger_players`); err != nil {
		return 0, fmt.Errorf("failed to count players: %w", err)
	}
	return n, nil
}

func (l *SQLiteLedger) MatchCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ledger_matches`); err != nil {
		return 0, fmt.Errorf("failed to count matches: %w", err)
	}
	return n, nil
}

func (l *SQLiteLedger) PlayerIDsPage(ctx context.Context, offset, limit int) ([]codec.FixedID, error) {
	var ids []codec.FixedID
	if err := l.db.SelectContext(ctx, &ids, `SELECT id FROM ledger_players ORDER BY seq LIMIT ? OFFSET ?`, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page player ids: %w", err)
	}
	return ids, nil
}

func (l *SQLiteLedger) MatchIDsPage(ctx context.Context, offset, limit int) ([]codec.FixedID, error) {
	var ids []codec.FixedID
	if err := l.db.SelectContext(ctx, &ids, `SELECT id FROM ledger_matches ORDER BY seq LIMIT ? OFFSET ?`, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page match ids: %w", err)
	}
	return ids, nil
}

func (l *SQLiteLedger) GetAllPlayerIDs(ctx context.Context) ([]codec.FixedID, error) {
	return walkPages(ctx, l.PlayerIDsPage, constants.LedgerPageSize)
}

func (l *SQLiteLedger) GetAllMatchIDs(ctx context.Context) ([]codec.FixedID, error) {
	return walkPages(ctx, l.MatchIDsPage, constants.LedgerPageSize)
}

func (l *SQLiteLedger) RegisterPlayer(ctx context.Context, id codec.FixedID) (TxRef, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var ref string
	err := database.Transaction(ctx, l.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &ref,
			`SELECT tx_ref FROM ledger_transactions WHERE subject_id = ? AND kind = ? LIMIT 1`, id, txKindRegister)
		if err == nil {
			l.logger.Debug().Str("player_id", id.Hex()).Str("tx_ref", ref).Msg("player already registered")
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := l.now()
		query, args, err := squirrel.Insert("ledger_players").SetMap(squirrel.Eq{
			"id":         id,
			"rating":     elo.BaseRating,
			"wins":       0,
			"losses":     0,
			"created_at": now.UnixMilli(),
		}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		ref, err = appendTx(ctx, tx, txKindRegister, id, []byte(`{}`), now)
		return err
	})
	if err != nil {
		l.logger.Error().Err(err).Str("player_id", id.Hex()).Msg("failed to register player")
		return "", &WriteError{Op: "registerPlayer", Err: err}
	}

	l.logger.Info().Str("player_id", id.Hex()).Str("tx_ref", ref).Msg("player registered")
	return TxRef(ref), nil
}

func (l *SQLiteLedger) LogMatch(ctx context.Context, id codec.FixedID, winnerIDs, loserIDs []codec.FixedID, delta int64) (TxRef, error) {
	if err := validateMatch(winnerIDs, loserIDs, delta); err != nil {
		return "", err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var ref string
	err := database.Transaction(ctx, l.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM ledger_matches WHERE id = ?`, id); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", domain.ErrMatchExists, id)
		}

		all := append(append([]codec.FixedID{}, winnerIDs...), loserIDs...)
		query, args, err := sqlx.In(`SELECT COUNT(*) FROM ledger_players WHERE id IN (?)`, all)
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &n, tx.Rebind(query), args...); err != nil {
			return err
		}
		if n != len(all) {
			return fmt.Errorf("%w: match %s references %d unregistered player(s)", domain.ErrUnknownParticipant, id, len(all)-n)
		}

		now := l.now()
		query, args, err = squirrel.Insert("ledger_matches").SetMap(squirrel.Eq{
			"id":        id,
			"delta":     delta,
			"logged_at": now.UnixMilli(),
		}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		if err := applySide(ctx, tx, id, winnerIDs, sideWinner, delta, now); err != nil {
			return err
		}
		if err := applySide(ctx, tx, id, loserIDs, sideLoser, delta, now); err != nil {
			return err
		}

		payload, err := json.Marshal(matchPayload{
			Winners: hexAll(winnerIDs),
			Losers:  hexAll(loserIDs),
			Delta:   delta,
		})
		if err != nil {
			return err
		}
		ref, err = appendTx(ctx, tx, txKindMatch, id, payload, now)
		return err
	})
	if errors.Is(err, domain.ErrUnknownParticipant) || errors.Is(err, domain.ErrMatchExists) {
		l.logger.Warn().Err(err).Str("match_id", id.Hex()).Msg("match rejected")
		return "", err
	}
	if err != nil {
		l.logger.Error().Err(err).Str("match_id", id.Hex()).Msg("failed to log match")
		return "", &WriteError{Op: "logMatch", Err: err}
	}

	l.logger.Info().Str("match_id", id.Hex()).Str("tx_ref", ref).Int64("delta", delta).Msg("match logged")
	return TxRef(ref), nil
}

func applySide(ctx context.Context, tx *sqlx.Tx, matchID codec.FixedID, ids []codec.FixedID, side string, delta int64, now time.Time) error {
	won := side == sideWinner
	change := delta
	if !won {
		change = -delta
	}

	for pos, playerID := range ids {
		query, args, err := squirrel.Insert("ledger_match_participants").SetMap(squirrel.Eq{
			"match_id":  matchID,
			"player_id": playerID,
			"side":      side,
			"position":  pos,
		}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		var row playerRow
		if err := tx.GetContext(ctx, &row, `SELECT id, rating, wins, losses FROM ledger_players WHERE id = ?`, playerID); err != nil {
			return err
		}
		next := elo.Apply(elo.Stats{Rating: row.Rating, Wins: row.Wins, Losses: row.Losses}, won, delta)

		query, args, err = squirrel.Update("ledger_players").SetMap(squirrel.Eq{
			"rating": next.Rating,
			"wins":   next.Wins,
			"losses": next.Losses,
		}).Where(squirrel.Eq{"id": playerID}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}

		historyID, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate nanoid: %w", err)
		}
		query, args, err = squirrel.Insert("ledger_rating_history").SetMap(squirrel.Eq{
			"id":         historyID,
			"match_id":   matchID,
			"player_id":  playerID,
			"change":     change,
			"rating":     next.Rating,
			"wins":       next.Wins,
			"losses":     next.Losses,
			"created_at": now.UnixMilli(),
		}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// MatchTxRef returns the ref of the log entry that recorded a match, or
// domain.ErrNotFound when the match was never logged.
func (l *SQLiteLedger) MatchTxRef(ctx context.Context, id codec.FixedID) (TxRef, error) {
	var ref string
	err := l.db.GetContext(ctx, &ref,
		`SELECT tx_ref FROM ledger_transactions WHERE subject_id = ? AND kind = ? ORDER BY seq DESC LIMIT 1`, id, txKindMatch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no log entry for match %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get tx ref of match %s: %w", id, err)
	}
	return TxRef(ref), nil
}

// RatingHistory returns the rating changes of a player, oldest first.
func (l *SQLiteLedger) RatingHistory(ctx context.Context, playerID codec.FixedID) ([]RatingChange, error) {
	var out []RatingChange
	if err := l.db.SelectContext(ctx, &out,
		`SELECT id, match_id, player_id, change, rating, wins, losses, created_at
		 FROM ledger_rating_history WHERE player_id = ? ORDER BY created_at, rowid`, playerID,
	); err != nil {
		return nil, fmt.Errorf("failed to get rating history of %s: %w", playerID, err)
	}
	return out, nil
}

// Verify re-hashes the whole log and returns ErrChainBroken at the first
// entry whose ref does not match its content.
func (l *SQLiteLedger) Verify(ctx context.Context) error {
	var rows []txRow
	if err := l.db.SelectContext(ctx, &rows,
		`SELECT seq, tx_ref, prev_ref, kind, subject_id, payload, created_at FROM ledger_transactions ORDER BY seq`,
	); err != nil {
		return fmt.Errorf("failed to read ledger log: %w", err)
	}

	prev := genesisRef
	for _, row := range rows {
		if row.PrevRef != prev {
			return fmt.Errorf("%w: entry %d points to %s, expected %s", ErrChainBroken, row.Seq, row.PrevRef, prev)
		}
		want := hashEntry(row.PrevRef, row.Kind, row.SubjectID, row.Payload, row.CreatedAt)
		if row.TxRef != want {
			return fmt.Errorf("%w: entry %d hashes to %s, recorded %s", ErrChainBroken, row.Seq, want, row.TxRef)
		}
		prev = row.TxRef
	}

	l.logger.Debug().Int("entries", len(rows)).Msg("ledger chain verified")
	return nil
}

func appendTx(ctx context.Context, tx *sqlx.Tx, kind string, subject codec.FixedID, payload []byte, now time.Time) (string, error) {
	prev := genesisRef
	err := tx.GetContext(ctx, &prev, `SELECT tx_ref FROM ledger_transactions ORDER BY seq DESC LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	createdAt := now.UnixMilli()
	ref := hashEntry(prev, kind, subject, payload, createdAt)

	query, args, err := squirrel.Insert("ledger_transactions").SetMap(squirrel.Eq{
		"tx_ref":     ref,
		"prev_ref":   prev,
		"kind":       kind,
		"subject_id": subject,
		"payload":    payload,
		"created_at": createdAt,
	}).ToSql()
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", err
	}
	return ref, nil
}

func hashEntry(prev, kind string, subject codec.FixedID, payload []byte, createdAt int64) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(kind))
	h.Write(subject[:])
	h.Write(payload)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	h.Write(ts[:])

	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func hexAll(ids []codec.FixedID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	return out
}

func (r playerRow) stats() PlayerStats {
	return PlayerStats{
		ID:     r.ID,
		Rating: r.Rating,
		Wins:   r.Wins,
		Losses: r.Losses,
		Exists: true,
	}
}
