package domain

import "time"

type VotingMethod string

const (
	VotingAdmin     VotingMethod = "admin"
	VotingCommunity VotingMethod = "community"
)

func (m VotingMethod) Valid() bool {
	return m == VotingAdmin || m == VotingCommunity
}

// Challenge is a funded contest hosted in a group chat. Funded, Active and
// Completed only ever move from false to true (Active is rolled back only when
// its announcement could not be delivered).
type Challenge struct {
	ID                 string       `json:"id"`
	GroupID            string       `json:"group_id"`
	CreatorID          string       `json:"creator_id"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	Currency           string       `json:"currency"`
	PrizePool          string       `json:"prize_pool"`
	VotingMethod       VotingMethod `json:"voting_method" enum:"admin,community"`
	EntriesPerUser     int          `json:"entries_per_user"`
	MaxEntries         int          `json:"max_entries"`
	WalletAddress      string       `json:"wallet_address,omitempty"`
	TrackID            string       `json:"track_id,omitempty"`
	Funded             bool         `json:"funded"`
	Active             bool         `json:"active"`
	Completed          bool         `json:"completed"`
	WinnerID           *string      `json:"winner_id,omitempty"`
	RetryCount         int          `json:"retry_count"`
	NextFundingCheckAt *time.Time   `json:"next_funding_check_at,omitempty"`
	VotingReminderAt   *time.Time   `json:"voting_reminder_at,omitempty"`
	StartDate          time.Time    `json:"start_date"`
	EndDate            time.Time    `json:"end_date"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Phase names the lifecycle state derived from the challenge flags.
func (c Challenge) Phase(now time.Time) string {
	switch {
	case c.Completed:
		return "completed"
	case !c.Funded:
		return "awaiting_funding"
	case !c.Active:
		return "awaiting_activation"
	case now.Before(c.EndDate):
		return "open"
	default:
		return "awaiting_resolution"
	}
}

type Submission struct {
	ID                  string    `json:"id"`
	ChallengeID         string    `json:"challenge_id"`
	UserID              string    `json:"user_id"`
	Username            string    `json:"username,omitempty"`
	ContentRef          string    `json:"content_ref"`
	Caption             string    `json:"caption,omitempty"`
	Votes               int       `json:"votes"`
	Voters              []string  `json:"voters,omitempty"`
	WinnerWalletAddress string    `json:"winner_wallet_address,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// DisplayName is the handle used in group announcements.
func (s Submission) DisplayName() string {
	if s.Username != "" {
		return "@" + s.Username
	}
	return "User_" + s.UserID
}

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	// PayoutManual marks a payout whose automatic attempts are exhausted.
	PayoutManual PayoutStatus = "manual"
)

type Payout struct {
	ID           string       `json:"id"`
	SubmissionID string       `json:"submission_id"`
	ChallengeID  string       `json:"challenge_id"`
	Address      string       `json:"address"`
	Amount       string       `json:"amount"`
	Status       PayoutStatus `json:"status" enum:"pending,paid,manual"`
	Attempts     int          `json:"attempts"`
	TxID         string       `json:"tx_id,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a service client such as the conversational front end.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}
