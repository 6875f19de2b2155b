package engine

import (
	"context"
	"fmt"

	"memevault/internal/domain"
	"memevault/internal/events"
	"memevault/internal/repo"
)

// Activate opens a funded challenge for submissions and announces it in the
// group. The announcement is part of the transition: when it cannot be
// delivered the challenge is rolled back to inactive.
func (e Engine) Activate(ctx context.Context, actorID, id string) (Reply, error) {
	c, err := e.GetChallenge(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	if err := e.Auth.RequireCreator(c, actorID, "activate"); err != nil {
		return Reply{}, err
	}
	if c.Completed {
		return Reply{}, invalidf("challenge has already ended")
	}
	if c.Active {
		return Reply{}, ConflictError{State: "challenge is already active"}
	}
	if !c.Funded {
		balance, err := e.readBalance(ctx, c)
		if err != nil {
			return Reply{}, err
		}
		res, err := e.applyBalance(ctx, c, balance, actorID)
		if err != nil {
			return Reply{}, err
		}
		if !res.Funded {
			return Reply{}, invalidf("challenge is not funded yet: balance %s of %s %s", balance.String(), c.PrizePool, c.Currency)
		}
		c.PrizePool = res.PrizePool
	}
	if !e.now().Before(c.EndDate) {
		return Reply{}, invalidf("challenge end date has already passed")
	}

	ok, err := e.transition(ctx, c.ID,
		repo.ChallengePredicate{Funded: repo.Bool(true), Active: repo.Bool(false), Completed: repo.Bool(false)},
		repo.ChallengeFields{Active: repo.Bool(true)},
		events.ChallengeActivated, actorID, nil)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		cur, err := e.GetChallenge(ctx, c.ID)
		if err != nil {
			return Reply{}, err
		}
		if cur.Active {
			return Reply{}, ConflictError{State: "challenge is already active"}
		}
		return Reply{}, ConflictError{State: "challenge is " + cur.Phase(e.now())}
	}

	log := e.logFor(c)
	if err := e.announce(ctx, c); err != nil {
		log.Error().Err(err).Msg("activation announcement failed, rolling back")
		if _, rerr := e.transition(ctx, c.ID,
			repo.ChallengePredicate{Active: repo.Bool(true), Completed: repo.Bool(false)},
			repo.ChallengeFields{Active: repo.Bool(false)},
			events.ChallengeRolledBack, events.SystemActor, events.EventPayload{"error": err.Error()}); rerr != nil {
			log.Error().Err(rerr).Msg("roll back activation")
		}
		return Reply{}, fmt.Errorf("announce challenge: %w", err)
	}
	log.Info().Msg("challenge activated")
	return Reply{Text: fmt.Sprintf("🚀 \"%s\" is live and has been announced in the group.", c.Title), State: "open"}, nil
}

func (e Engine) announce(ctx context.Context, c domain.Challenge) error {
	if e.Messenger == nil {
		return fmt.Errorf("messaging gateway not configured")
	}
	limit := "Unlimited"
	if c.MaxEntries > 0 {
		limit = fmt.Sprint(c.MaxEntries)
	}
	method := "Community Voting"
	if c.VotingMethod == domain.VotingAdmin {
		method = "Admin Selection"
	}
	text := fmt.Sprintf("🎉 New challenge: *%s*\n\n%s\n\n🏆 Prize: %s %s\n🗳 Voting: %s\n👤 Entries per user: %d\n🔢 Max entries: %s\n⏰ Ends: %s UTC",
		c.Title, c.Description, c.PrizePool, c.Currency, method, c.EntriesPerUser, limit, c.EndDate.UTC().Format("2006-01-02 15:04"))
	return e.Messenger.SendMessage(ctx, c.GroupID, text, domain.NewAction("📤 Submit Entry", domain.VerbSubmit, c.ID))
}
