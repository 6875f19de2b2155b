package server

import (
	"encoding/json"
	"time"

	"memevault/internal/domain"
	"memevault/internal/engine"
)

// Request payloads

type CreateChallengeRequest struct {
	ID             *string    `json:"id,omitempty"`
	GroupID        string     `json:"group_id"`
	CreatorID      string     `json:"creator_id"`
	Title          string     `json:"title"`
	Description    *string    `json:"description,omitempty"`
	Currency       string     `json:"currency" enum:"Solana,Ethereum"`
	PrizePool      string     `json:"prize_pool" example:"1.5"`
	VotingMethod   string     `json:"voting_method,omitempty" enum:"admin,community"`
	EntriesPerUser int        `json:"entries_per_user,omitempty"`
	MaxEntries     int        `json:"max_entries,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        time.Time  `json:"end_date"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

type SubmitRequest struct {
	UserID     string  `json:"user_id"`
	Username   *string `json:"username,omitempty"`
	ContentRef string  `json:"content_ref"`
	Caption    *string `json:"caption,omitempty"`
}

type VoteRequest struct {
	VoterID string `json:"voter_id"`
}

type ClaimRequest struct {
	ActorID string `json:"actor_id"`
	Address string `json:"address,omitempty"`
}

type GroupAdminsRequest struct {
	UserIDs []string `json:"user_ids"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ChallengeResponse struct {
	domain.Challenge
	Phase string `json:"phase" enum:"awaiting_funding,awaiting_activation,open,awaiting_resolution,completed"`
}

type FundingResponse struct {
	Funded    bool       `json:"funded"`
	Balance   string     `json:"balance"`
	PrizePool string     `json:"prize_pool"`
	Windfall  bool       `json:"windfall,omitempty"`
	NextCheck *time.Time `json:"next_check,omitempty"`
}

type BallotResponse struct {
	ChallengeID string              `json:"challenge_id"`
	Entries     []domain.Submission `json:"entries"`
}

type GroupAdminsResponse struct {
	GroupID string   `json:"group_id"`
	UserIDs []string `json:"user_ids"`
}

type SweepResponse struct {
	Job string `json:"job"`
	Ran bool   `json:"ran"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedChallenges struct {
	Items []ChallengeResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func challengeResponse(c domain.Challenge, now time.Time) ChallengeResponse {
	return ChallengeResponse{Challenge: c, Phase: c.Phase(now)}
}

func fundingResponse(r engine.FundingResult) FundingResponse {
	return FundingResponse{
		Funded:    r.Funded,
		Balance:   r.Balance.String(),
		PrizePool: r.PrizePool,
		Windfall:  r.Windfall,
		NextCheck: r.NextCheck,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
