package bountylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Bounty represents the API bounty model (partial).
type Bounty struct {
	ID          string `json:"id"`
	FunderID    string `json:"funder_id"`
	Title       string `json:"title"`
	State       string `json:"state"`
	TotalBudget int64  `json:"total_budget"`
	Currency    string `json:"currency"`
	LabOwnerID  string `json:"lab_owner_id,omitempty"`
	Version     int64  `json:"version"`
}

type Milestone struct {
	ID               string  `json:"id"`
	Sequence         int     `json:"sequence"`
	Title            string  `json:"title"`
	PayoutPercentage float64 `json:"payout_percentage"`
	Status           string  `json:"status"`
}

type Proposal struct {
	ID           string `json:"id"`
	LabID        string `json:"lab_id"`
	LabOwnerID   string `json:"lab_owner_id"`
	Status       string `json:"status"`
	BidAmount    int64  `json:"bid_amount"`
	StakedAmount int64  `json:"staked_amount"`
}

type Escrow struct {
	Rail           string `json:"rail"`
	Status         string `json:"status"`
	TotalAmount    int64  `json:"total_amount"`
	FeeAmount      int64  `json:"fee_amount"`
	ReleasedAmount int64  `json:"released_amount"`
	RefundedAmount int64  `json:"refunded_amount"`
	DepositAddress string `json:"deposit_address,omitempty"`
}

// Aggregate is a bounty with its children.
type Aggregate struct {
	Bounty     Bounty      `json:"bounty"`
	Milestones []Milestone `json:"milestones"`
	Proposals  []Proposal  `json:"proposals"`
	Escrow     *Escrow     `json:"escrow,omitempty"`
}

type MilestonePlan struct {
	Title            string  `json:"title"`
	PayoutPercentage float64 `json:"payout_percentage"`
}

// Transition is the result of applying a lifecycle event.
type Transition struct {
	PreviousState  string    `json:"previous_state"`
	NewState       string    `json:"new_state"`
	ReleasedAmount int64     `json:"released_amount,omitempty"`
	Aggregate      Aggregate `json:"aggregate"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	BountyID   string         `json:"bounty_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code, Message and LegalEvents are filled
// from the error envelope when the body carries one.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	LegalEvents []string
	Body        string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBounty creates a bounty in drafting.
func (c *Client) CreateBounty(ctx context.Context, title, description string, budget int64, milestones []MilestonePlan) (Aggregate, error) {
	body := map[string]any{
		"title":        title,
		"description":  description,
		"total_budget": budget,
		"milestones":   milestones,
	}
	var resp Aggregate
	err := c.do(ctx, http.MethodPost, "bounties", body, &resp)
	return resp, err
}

// GetBounty fetches a bounty with its children.
func (c *Client) GetBounty(ctx context.Context, id string) (Aggregate, error) {
	var resp Aggregate
	err := c.do(ctx, http.MethodGet, "bounties/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Apply applies a lifecycle event such as SUBMIT_DRAFT with optional data.
func (c *Client) Apply(ctx context.Context, bountyID, event string, data map[string]any) (Transition, error) {
	body := map[string]any{"event": event}
	if data != nil {
		body["data"] = data
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("bounties/%s/events", url.PathEscape(bountyID)), body, &resp)
	return resp, err
}

// LegalEvents lists the events accepted in the bounty's current state.
func (c *Client) LegalEvents(ctx context.Context, bountyID string) ([]string, error) {
	var resp struct {
		State  string   `json:"state"`
		Events []string `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("bounties/%s/legal-events", url.PathEscape(bountyID)), nil, &resp)
	return resp.Events, err
}

// SubmitProposal bids on a bounty that is bidding.
func (c *Client) SubmitProposal(ctx context.Context, bountyID, labID string, bid, stake int64, payoutAddress string) (Proposal, error) {
	body := map[string]any{
		"lab_id":         labID,
		"bid_amount":     bid,
		"staked_amount":  stake,
		"payout_address": payoutAddress,
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("bounties/%s/proposals", url.PathEscape(bountyID)), body, &resp)
	return resp, err
}

// ConfirmDeposit asks the server to verify txRef on the escrow's rail.
func (c *Client) ConfirmDeposit(ctx context.Context, bountyID, txRef string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("bounties/%s/deposits", url.PathEscape(bountyID)), map[string]any{"tx_ref": txRef}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, bountyID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, bountyID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, bountyID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if bountyID != "" {
		q.Set("bounty_id", bountyID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				LegalEvents []string `json:"legal_events"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.LegalEvents = env.Error.Details.LegalEvents
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
