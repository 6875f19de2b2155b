package memevaultsdk

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

// Client is a minimal Memevault HTTP API client for chat front ends.
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

// InlineAction is a button to render under a reply. Pressing it sends Data
// back through Dispatch.
type InlineAction struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Reply is the text to show the acting user.
type Reply struct {
	Text    string         `json:"text"`
	Actions []InlineAction `json:"actions,omitempty"`
	State   string         `json:"state,omitempty"`
}

// Challenge represents the API challenge model (partial).
type Challenge struct {
	ID            string    `json:"id"`
	GroupID       string    `json:"group_id"`
	CreatorID     string    `json:"creator_id"`
	Title         string    `json:"title"`
	Currency      string    `json:"currency"`
	PrizePool     string    `json:"prize_pool"`
	VotingMethod  string    `json:"voting_method"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Funded        bool      `json:"funded"`
	Active        bool      `json:"active"`
	Completed     bool      `json:"completed"`
	WinnerID      *string   `json:"winner_id,omitempty"`
	EndDate       time.Time `json:"end_date"`
	Phase         string    `json:"phase"`
}

// CreateChallenge is the body of a challenge creation request.
type CreateChallenge struct {
	GroupID        string     `json:"group_id"`
	CreatorID      string     `json:"creator_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Currency       string     `json:"currency"`
	PrizePool      string     `json:"prize_pool"`
	VotingMethod   string     `json:"voting_method,omitempty"`
	EntriesPerUser int        `json:"entries_per_user,omitempty"`
	MaxEntries     int        `json:"max_entries,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        time.Time  `json:"end_date"`
}

type Submission struct {
	ID          string `json:"id"`
	ChallengeID string `json:"challenge_id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username,omitempty"`
	ContentRef  string `json:"content_ref"`
	Caption     string `json:"caption,omitempty"`
	Votes       int    `json:"votes"`
}

// Ballot lists entries in the order the voter should see them.
type Ballot struct {
	ChallengeID string       `json:"challenge_id"`
	Entries     []Submission `json:"entries"`
}

type Payout struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submission_id"`
	ChallengeID  string `json:"challenge_id"`
	Address      string `json:"address"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	TxID         string `json:"tx_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Dispatch forwards an inline action pressed by actorID. input carries free
// text such as a wallet address.
func (c *Client) Dispatch(ctx context.Context, actorID, data, input string) (Reply, error) {
	body := map[string]any{"actor_id": actorID, "data": data}
	if input != "" {
		body["input"] = input
	}
	var resp Reply
	err := c.do(ctx, http.MethodPost, "actions", body, &resp)
	return resp, err
}

// CreateChallenge creates a challenge and returns it with its deposit wallet.
func (c *Client) CreateChallenge(ctx context.Context, in CreateChallenge) (Challenge, error) {
	var resp Challenge
	err := c.do(ctx, http.MethodPost, "challenges", in, &resp)
	return resp, err
}

func (c *Client) GetChallenge(ctx context.Context, id string) (Challenge, error) {
	var resp Challenge
	err := c.do(ctx, http.MethodGet, "challenges/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListChallenges filters by group and phase; empty values match everything.
func (c *Client) ListChallenges(ctx context.Context, groupID, phase string) ([]Challenge, error) {
	q := url.Values{}
	if groupID != "" {
		q.Set("group_id", groupID)
	}
	if phase != "" {
		q.Set("phase", phase)
	}
	var resp struct {
		Items []Challenge `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("challenges", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Activate(ctx context.Context, actorID, challengeID string) (Reply, error) {
	return c.challengeReply(ctx, challengeID, "activate", actorID)
}

// CheckFunding asks for an on-demand balance check on behalf of the creator.
func (c *Client) CheckFunding(ctx context.Context, actorID, challengeID string) (Reply, error) {
	return c.challengeReply(ctx, challengeID, "funding-check", actorID)
}

func (c *Client) Cancel(ctx context.Context, actorID, challengeID string) (Reply, error) {
	return c.challengeReply(ctx, challengeID, "cancel", actorID)
}

func (c *Client) challengeReply(ctx context.Context, challengeID, verb, actorID string) (Reply, error) {
	var resp Reply
	endpoint := fmt.Sprintf("challenges/%s/%s", url.PathEscape(challengeID), verb)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"actor_id": actorID}, &resp)
	return resp, err
}

// Submit enters contentRef into a challenge.
func (c *Client) Submit(ctx context.Context, challengeID, userID, username, contentRef, caption string) (Submission, error) {
	body := map[string]any{"user_id": userID, "content_ref": contentRef}
	if username != "" {
		body["username"] = username
	}
	if caption != "" {
		body["caption"] = caption
	}
	var resp Submission
	endpoint := fmt.Sprintf("challenges/%s/submissions", url.PathEscape(challengeID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartVoting returns the voter's ballot.
func (c *Client) StartVoting(ctx context.Context, challengeID, voterID string) (Ballot, error) {
	var resp Ballot
	endpoint := fmt.Sprintf("challenges/%s/ballot", url.PathEscape(challengeID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"voter_id": voterID}, &resp)
	return resp, err
}

func (c *Client) Vote(ctx context.Context, submissionID, voterID string) (Reply, error) {
	var resp Reply
	endpoint := fmt.Sprintf("submissions/%s/votes", url.PathEscape(submissionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"voter_id": voterID}, &resp)
	return resp, err
}

// SelectWinner is the creator's pick for an admin-judged challenge.
func (c *Client) SelectWinner(ctx context.Context, submissionID, actorID string) (Reply, error) {
	var resp Reply
	endpoint := fmt.Sprintf("submissions/%s/select", url.PathEscape(submissionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"actor_id": actorID}, &resp)
	return resp, err
}

// Claim records the winner's wallet address and starts the payout. An empty
// address asks the orchestrator to prompt for one.
func (c *Client) Claim(ctx context.Context, submissionID, actorID, address string) (Reply, error) {
	body := map[string]any{"actor_id": actorID}
	if address != "" {
		body["address"] = address
	}
	var resp Reply
	endpoint := fmt.Sprintf("submissions/%s/claim", url.PathEscape(submissionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Payouts lists payouts; operator role required.
func (c *Client) Payouts(ctx context.Context, status string) ([]Payout, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Payout
	err := c.do(ctx, http.MethodGet, withQuery("payouts", q), nil, &resp)
	return resp, err
}

func (c *Client) RetryPayout(ctx context.Context, payoutID string) (Payout, error) {
	var resp Payout
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("payouts/%s/retry", url.PathEscape(payoutID)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a page of events, newest first. Pass NextCursor from the
// previous page to continue.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
