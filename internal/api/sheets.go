package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/phuaky/pong-rank/internal/constants"
)

const maxRedirects = 5

// ErrRowNotFound is the row-store's "not found" answer to a delete or update.
var ErrRowNotFound = errors.New("row not found")

// SheetsClient talks to the spreadsheet row-store web app: GET returns every
// row of both sheets, POST applies one action.
type SheetsClient struct {
	url    string
	client *fasthttp.Client
}

type PlayerRow struct {
	ID        string `json:"id"`
	OwnerKey  string `json:"ownerKey"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	PhotoURL  string `json:"photoURL"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type MatchRow struct {
	ID        string `json:"id"`
	Score     string `json:"score"`
	Type      string `json:"type"`
	TxHash    string `json:"txHash"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type SheetsSnapshot struct {
	Players []PlayerRow `json:"players"`
	Matches []MatchRow  `json:"matches"`
}

type sheetsAction struct {
	Action   string     `json:"action"`
	Player   *PlayerRow `json:"player,omitempty"`
	Match    *MatchRow  `json:"match,omitempty"`
	PlayerID string     `json:"playerId,omitempty"`
	MatchID  string     `json:"matchId,omitempty"`
}

type sheetsResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewSheetsClient(url string) *SheetsClient {
	return &SheetsClient{
		url: url,
		client: &fasthttp.Client{
			MaxConnsPerHost:     16,
			ReadTimeout:         constants.ExternalAPITimeout,
			WriteTimeout:        constants.ExternalAPITimeout,
			MaxIdleConnDuration: 1 * time.Minute,
		},
	}
}

func (c *SheetsClient) Snapshot(ctx context.Context) (*SheetsSnapshot, error) {
	return doRequest[SheetsSnapshot](ctx, c, fasthttp.MethodGet, c.url, nil)
}

func (c *SheetsClient) AddPlayer(ctx context.Context, row PlayerRow) error {
	return c.post(ctx, sheetsAction{Action: "addPlayer", Player: &row})
}

// UpdatePlayer rewrites the row whose id matches row.ID.
func (c *SheetsClient) UpdatePlayer(ctx context.Context, row PlayerRow) error {
	return c.post(ctx, sheetsAction{Action: "updatePlayer", Player: &row})
}

func (c *SheetsClient) DeletePlayer(ctx context.Context, playerID string) error {
	return c.post(ctx, sheetsAction{Action: "deletePlayer", PlayerID: playerID})
}

func (c *SheetsClient) AddMatch(ctx context.Context, row MatchRow) error {
	return c.post(ctx, sheetsAction{Action: "addMatch", Match: &row})
}

func (c *SheetsClient) DeleteMatch(ctx context.Context, matchID string) error {
	return c.post(ctx, sheetsAction{Action: "deleteMatch", MatchID: matchID})
}

func (c *SheetsClient) post(ctx context.Context, action sheetsAction) error {
	body, err := json.Marshal(action)
	if err != nil {
		return err
	}

	resp, err := doRequest[sheetsResponse](ctx, c, fasthttp.MethodPost, c.url, body)
	if err != nil {
		return fmt.Errorf("%s: %w", action.Action, err)
	}
	if resp.Status != "success" {
		if resp.Message == "Player not found" || resp.Message == "Match not found" {
			return fmt.Errorf("%s: %w", action.Action, ErrRowNotFound)
		}
		return fmt.Errorf("%s: row store error: %s", action.Action, resp.Message)
	}
	return nil
}

// doRequest follows redirects by hand: the web app answers a POST with a
// redirect to a GET that serves the result.
func doRequest[T any](ctx context.Context, client *SheetsClient, method, url string, body []byte) (*T, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	for redirects := 0; ; redirects++ {
		deadline, ok := ctx.Deadline()
		if ok {
			if err := client.client.DoDeadline(req, resp, deadline); err != nil {
				return nil, err
			}
		} else {
			if err := client.client.Do(req, resp); err != nil {
				return nil, err
			}
		}

		if !fasthttp.StatusCodeIsRedirect(resp.StatusCode()) {
			break
		}
		if redirects == maxRedirects {
			return nil, fmt.Errorf("too many redirects")
		}

		next := fasthttp.AcquireURI()
		req.URI().CopyTo(next)
		next.UpdateBytes(resp.Header.Peek(fasthttp.HeaderLocation))

		req.Reset()
		req.SetURI(next)
		req.Header.SetMethod(fasthttp.MethodGet)
		fasthttp.ReleaseURI(next)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("API error: %d", resp.StatusCode())
	}

	var result T
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
