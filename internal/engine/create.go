package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"memevault/internal/domain"
	"memevault/internal/events"
	"memevault/internal/payment"
	"memevault/internal/repo"
)

// CreateChallengeOptions are parameters for creating a challenge.
type CreateChallengeOptions struct {
	ID             string
	GroupID        string
	CreatorID      string
	Title          string
	Description    string
	Currency       string
	PrizePool      string
	VotingMethod   domain.VotingMethod
	EntriesPerUser int
	MaxEntries     int
	StartDate      time.Time
	EndDate        time.Time
}

func (o *CreateChallengeOptions) normalize(now time.Time) (decimal.Decimal, error) {
	o.Title = strings.TrimSpace(o.Title)
	if o.Title == "" {
		return decimal.Zero, invalidf("title is required")
	}
	if o.GroupID == "" || o.CreatorID == "" {
		return decimal.Zero, invalidf("group and creator are required")
	}
	if _, ok := payment.Network(o.Currency); !ok {
		return decimal.Zero, invalidf("unsupported currency %q (supported: %s)", o.Currency, strings.Join(payment.Currencies(), ", "))
	}
	prize, err := decimal.NewFromString(strings.TrimSpace(o.PrizePool))
	if err != nil || !prize.IsPositive() {
		return decimal.Zero, invalidf("prize pool must be a positive amount")
	}
	if o.VotingMethod == "" {
		o.VotingMethod = domain.VotingCommunity
	}
	if !o.VotingMethod.Valid() {
		return decimal.Zero, invalidf("voting method must be admin or community")
	}
	if o.EntriesPerUser == 0 {
		o.EntriesPerUser = 1
	}
	if o.EntriesPerUser < 0 || o.MaxEntries < 0 {
		return decimal.Zero, invalidf("entry limits must not be negative")
	}
	if o.StartDate.IsZero() {
		o.StartDate = now
	}
	if !o.EndDate.After(o.StartDate) || !o.EndDate.After(now) {
		return decimal.Zero, invalidf("end date must be in the future and after the start date")
	}
	return prize, nil
}

// CreateChallenge provisions a deposit wallet, stores the challenge unfunded,
// sends the creator funding instructions and runs the first funding check.
func (e Engine) CreateChallenge(ctx context.Context, opts CreateChallengeOptions) (domain.Challenge, error) {
	now := e.now()
	prize, err := opts.normalize(now)
	if err != nil {
		return domain.Challenge{}, err
	}
	if e.Payments == nil {
		return domain.Challenge{}, errors.New("payment verifier not configured")
	}
	wallet, err := e.Payments.CreateWallet(ctx, opts.Currency)
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("create wallet: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Challenge{
		ID:             id,
		GroupID:        opts.GroupID,
		CreatorID:      opts.CreatorID,
		Title:          opts.Title,
		Description:    opts.Description,
		Currency:       opts.Currency,
		PrizePool:      prize.String(),
		VotingMethod:   opts.VotingMethod,
		EntriesPerUser: opts.EntriesPerUser,
		MaxEntries:     opts.MaxEntries,
		WalletAddress:  wallet.Address,
		TrackID:        wallet.Reference,
		StartDate:      opts.StartDate.UTC(),
		EndDate:        opts.EndDate.UTC(),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertChallenge(ctx, tx, c); err != nil {
		return domain.Challenge{}, fmt.Errorf("insert challenge: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ChallengeCreated, "challenge", c.ID, c.CreatorID, events.EventPayload{
		"group_id": c.GroupID, "prize_pool": c.PrizePool, "currency": c.Currency, "voting_method": string(c.VotingMethod),
	}); err != nil {
		return domain.Challenge{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Challenge{}, err
	}
	e.Metrics.Transition(events.ChallengeCreated)

	log := e.logFor(c)
	log.Info().Str("group_id", c.GroupID).Str("prize_pool", c.PrizePool).Msg("challenge created")
	e.notify(ctx, log, c.CreatorID, fmt.Sprintf("📋 Funding information for \"%s\"\n\nTo activate your challenge, send exactly %s %s to:\n`%s`\n\nStatus: waiting for funds...",
		c.Title, c.PrizePool, c.Currency, c.WalletAddress),
		domain.NewAction("🔄 Check Funding Status", domain.VerbCheckFunding, c.ID),
		domain.NewAction("❌ Delete Challenge", domain.VerbCancelChallenge, c.ID))

	if _, err := e.CheckFunding(ctx, c.ID); err != nil {
		log.Warn().Err(err).Msg("initial funding check failed")
	}
	return e.Repo.GetChallenge(ctx, c.ID)
}

// CancelChallenge deletes a challenge that was never funded or activated.
func (e Engine) CancelChallenge(ctx context.Context, actorID, id string) (Reply, error) {
	c, err := e.GetChallenge(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	if err := e.Auth.RequireCreator(c, actorID, "cancel"); err != nil {
		return Reply{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Reply{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.DeleteChallengeIf(ctx, tx, id, repo.ChallengePredicate{Funded: repo.Bool(false), Active: repo.Bool(false)})
	if err != nil {
		return Reply{}, fmt.Errorf("delete challenge: %w", err)
	}
	if !ok {
		return Reply{}, invalidf("challenge is already funded and can no longer be cancelled")
	}
	if err := e.Events.Append(ctx, tx, events.ChallengeCancelled, "challenge", id, actorID, events.EventPayload{"title": c.Title}); err != nil {
		return Reply{}, err
	}
	if err := tx.Commit(); err != nil {
		return Reply{}, err
	}
	e.Metrics.Transition(events.ChallengeCancelled)
	log := e.logFor(c)
	log.Info().Msg("challenge cancelled")
	return Reply{Text: fmt.Sprintf("Challenge \"%s\" deleted.", c.Title)}, nil
}
