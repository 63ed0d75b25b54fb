package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/ledger"
	"github.com/phuaky/pong-rank/internal/middleware"
	"github.com/phuaky/pong-rank/internal/service"
)

type LadderServer struct {
	players *service.PlayerService
	matches *service.MatchService
	repairs *service.RepairQueue
	ledger  ledger.Client
	token   string
	logger  zerolog.Logger
}

func NewLadderServer(
	players *service.PlayerService,
	matches *service.MatchService,
	repairs *service.RepairQueue,
	l ledger.Client,
	cfg *config.Config,
	logger zerolog.Logger,
) *LadderServer {
	return &LadderServer{
		players: players,
		matches: matches,
		repairs: repairs,
		ledger:  l,
		token:   cfg.APIToken,
		logger:  logger,
	}
}

func (s *LadderServer) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID(s.logger))
	r.Use(middleware.OwnerKey)

	r.Get("/healthz", s.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(s.token))

		r.Route("/players", func(r chi.Router) {
			r.Get("/", s.ListPlayers)
			r.Post("/", s.RegisterPlayer)
			r.Get("/{id}", s.GetPlayer)
			r.Get("/{id}/history", s.RatingHistory)
		})
		r.Route("/matches", func(r chi.Router) {
			r.Get("/", s.ListMatches)
			r.Post("/", s.LogMatch)
			r.Get("/{id}", s.GetMatch)
		})
		r.Get("/repairs", s.PendingRepairs)
	})
	return r
}

type registerPlayerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoURL"`
}

type registerPlayerResponse struct {
	Player domain.Player `json:"player"`
	TxHash string        `json:"txHash"`
}

func (s *LadderServer) RegisterPlayer(w http.ResponseWriter, r *http.Request) {
	var req registerPlayerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.players.RegisterPlayer(r.Context(), service.RegisterPlayerInput{
		OwnerKey: middleware.GetOwnerKey(r.Context()),
		Name:     req.Name,
		Email:    req.Email,
		PhotoURL: req.PhotoURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, registerPlayerResponse{Player: res.Player, TxHash: res.TxRef})
}

func (s *LadderServer) ListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.players.ListPlayers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, players)
}

func (s *LadderServer) GetPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := codec.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	player, err := s.players.GetPlayer(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, player)
}

type ratingChangeResponse struct {
	MatchID uuid.UUID `json:"matchId"`
	Change  int64     `json:"eloChange"`
	Rating  int64     `json:"elo"`
	Wins    uint64    `json:"wins"`
	Losses  uint64    `json:"losses"`
	At      time.Time `json:"date"`
}

func (s *LadderServer) RatingHistory(w http.ResponseWriter, r *http.Request) {
	id, err := codec.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	changes, err := s.players.RatingHistory(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]ratingChangeResponse, len(changes))
	for i, c := range changes {
		out[i] = ratingChangeResponse{
			MatchID: c.MatchID.UUID(),
			Change:  c.Change,
			Rating:  c.Rating,
			Wins:    c.Wins,
			Losses:  c.Losses,
			At:      time.UnixMilli(c.CreatedAt).UTC(),
		}
	}
	writeData(w, http.StatusOK, out)
}

type logMatchRequest struct {
	ID        string           `json:"id"`
	Type      domain.MatchKind `json:"type"`
	WinnerIDs []string         `json:"winnerIds"`
	LoserIDs  []string         `json:"loserIds"`
	Score     string           `json:"score"`
}

type logMatchResponse struct {
	Match           domain.Match `json:"match"`
	TxHash          string       `json:"txHash"`
	AlreadyRecorded bool         `json:"alreadyRecorded,omitempty"`
	RepairQueued    bool         `json:"repairQueued,omitempty"`
}

func (s *LadderServer) LogMatch(w http.ResponseWriter, r *http.Request) {
	var req logMatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	in := service.LogMatchInput{Kind: req.Type, Score: req.Score}
	var err error
	if req.ID != "" {
		if in.MatchID, err = codec.ParseID(req.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if in.WinnerIDs, err = parseIDs(req.WinnerIDs); err != nil {
		writeError(w, r, err)
		return
	}
	if in.LoserIDs, err = parseIDs(req.LoserIDs); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.matches.LogMatch(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyRecorded {
		status = http.StatusOK
	}
	writeData(w, status, logMatchResponse{
		Match:           res.Match,
		TxHash:          res.TxRef,
		AlreadyRecorded: res.AlreadyRecorded,
		RepairQueued:    res.RepairQueued,
	})
}

func (s *LadderServer) ListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.matches.ListMatches(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, matches)
}

func (s *LadderServer) GetMatch(w http.ResponseWriter, r *http.Request) {
	id, err := codec.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	match, err := s.matches.GetMatch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, match)
}

func (s *LadderServer) PendingRepairs(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.repairs.Pending())
}

type healthResponse struct {
	Status         string `json:"status"`
	Players        int    `json:"players"`
	Matches        int    `json:"matches"`
	PendingRepairs int    `json:"pendingRepairs"`
	Wallet         string `json:"wallet,omitempty"`
	BalanceWei     string `json:"balanceWei,omitempty"`
}

// walletLedger is a ledger whose writes are paid for by a signing wallet.
type walletLedger interface {
	WalletAddress() common.Address
	WalletBalance(ctx context.Context) (*big.Int, error)
}

func (s *LadderServer) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), constants.LedgerReadTimeout)
	defer cancel()

	players, err := s.ledger.PlayerCount(ctx)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: ledger: %w", domain.ErrStoreUnavailable, err))
		return
	}
	matches, err := s.ledger.MatchCount(ctx)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: ledger: %w", domain.ErrStoreUnavailable, err))
		return
	}
	res := healthResponse{
		Status:         "ok",
		Players:        players,
		Matches:        matches,
		PendingRepairs: s.repairs.Len(),
	}

	if wl, ok := s.ledger.(walletLedger); ok {
		res.Wallet = wl.WalletAddress().Hex()
		balance, err := wl.WalletBalance(ctx)
		if err != nil {
			// an unknown balance does not make the ledger unreachable
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("wallet", res.Wallet).Msg("failed to read wallet balance")
		} else {
			res.BalanceWei = balance.String()
		}
	}
	writeData(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		id, err := codec.ParseID(s)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
