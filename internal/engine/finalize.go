package engine

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"memevault/internal/domain"
	"memevault/internal/events"
	"memevault/internal/repo"
)

// FinalizeResult describes how a finalization attempt ended.
type FinalizeResult struct {
	Completed bool    `json:"completed"`
	WinnerID  *string `json:"winner_id,omitempty"`
	// AwaitingAdmin is set for admin-selected challenges whose creator has
	// been asked to pick a winner.
	AwaitingAdmin bool `json:"awaiting_admin,omitempty"`
	// Tied is the number of submissions that shared the top vote count.
	Tied int `json:"tied,omitempty"`
}

func completedConflict(c domain.Challenge) error {
	if c.WinnerID != nil {
		return ConflictError{State: "winner already selected"}
	}
	return ConflictError{State: "challenge already completed"}
}

// Finalize resolves an ended challenge. Community challenges commit the
// submission with the most votes, breaking ties uniformly at random. Admin
// challenges hand the choice to the creator. A challenge without submissions
// completes without a winner.
func (e Engine) Finalize(ctx context.Context, id, actorID string) (FinalizeResult, error) {
	c, err := e.GetChallenge(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	if c.Completed {
		return FinalizeResult{Completed: true, WinnerID: c.WinnerID}, completedConflict(c)
	}
	if !c.Active {
		return FinalizeResult{}, invalidf("challenge is not active")
	}
	if e.now().Before(c.EndDate) {
		return FinalizeResult{}, invalidf("challenge is still open for submissions")
	}
	subs, err := e.Repo.ListSubmissions(ctx, c.ID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if len(subs) == 0 {
		if err := e.completeWithoutWinner(ctx, c, actorID); err != nil {
			return FinalizeResult{}, err
		}
		return FinalizeResult{Completed: true}, nil
	}
	if c.VotingMethod == domain.VotingAdmin {
		if _, err := e.NotifyVotingPhase(ctx, c); err != nil {
			return FinalizeResult{}, err
		}
		return FinalizeResult{AwaitingAdmin: true}, nil
	}

	winner, tied := e.pickTopVoted(subs)
	if err := e.commitWinner(ctx, c, winner, actorID, "community_vote"); err != nil {
		return FinalizeResult{}, err
	}
	log := e.logFor(c)
	if tied > 1 {
		e.notify(ctx, log, c.CreatorID, fmt.Sprintf("⚠️ There is a tie in the voting for your challenge \"%s\"!\n\n%d submissions received %d votes each. A winner has been randomly selected.",
			c.Title, tied, winner.Votes))
	}
	e.announceWinner(ctx, c, winner)
	return FinalizeResult{Completed: true, WinnerID: &winner.ID, Tied: tied}, nil
}

// pickTopVoted returns the submission with the most votes and how many
// submissions shared that count. Ties are broken uniformly at random.
func (e Engine) pickTopVoted(subs []domain.Submission) (domain.Submission, int) {
	var top []domain.Submission
	for _, s := range subs {
		switch {
		case len(top) == 0 || s.Votes > top[0].Votes:
			top = []domain.Submission{s}
		case s.Votes == top[0].Votes:
			top = append(top, s)
		}
	}
	return top[e.intn(len(top))], len(top)
}

func (e Engine) commitWinner(ctx context.Context, c domain.Challenge, winner domain.Submission, actorID, how string) error {
	ok, err := e.transition(ctx, c.ID,
		repo.ChallengePredicate{Active: repo.Bool(true), Completed: repo.Bool(false)},
		repo.ChallengeFields{Completed: repo.Bool(true), WinnerID: repo.String(winner.ID), ClearVotingReminder: true},
		events.ChallengeCompleted, actorID, events.EventPayload{"winner_id": winner.ID, "votes": winner.Votes, "selection": how})
	if err != nil {
		return err
	}
	if !ok {
		cur, err := e.GetChallenge(ctx, c.ID)
		if err != nil {
			return err
		}
		if cur.Completed {
			return completedConflict(cur)
		}
		return ConflictError{State: "challenge is " + cur.Phase(e.now())}
	}
	log := e.logFor(c)
	log.Info().Str("submission_id", winner.ID).Str("selection", how).Int("votes", winner.Votes).Msg("winner committed")
	return nil
}

func (e Engine) completeWithoutWinner(ctx context.Context, c domain.Challenge, actorID string) error {
	ok, err := e.transition(ctx, c.ID,
		repo.ChallengePredicate{Completed: repo.Bool(false)},
		repo.ChallengeFields{Completed: repo.Bool(true), ClearVotingReminder: true},
		events.ChallengeCompleted, actorID, events.EventPayload{"winner_id": nil, "reason": "no submissions"})
	if err != nil {
		return err
	}
	if !ok {
		cur, err := e.GetChallenge(ctx, c.ID)
		if err != nil {
			return err
		}
		return completedConflict(cur)
	}
	log := e.logFor(c)
	log.Info().Msg("challenge completed without submissions")
	e.notify(ctx, log, c.CreatorID, fmt.Sprintf("ℹ️ Your challenge \"%s\" has ended, but there were no submissions, so there is no winner.", c.Title))
	e.notify(ctx, log, c.GroupID, fmt.Sprintf("ℹ️ The challenge \"%s\" has ended without a winner.\nThank you to everyone who participated!", c.Title))
	return nil
}

func (e Engine) announceWinner(ctx context.Context, c domain.Challenge, winner domain.Submission) {
	log := e.logFor(c).With().Str("submission_id", winner.ID).Logger()
	caption := fmt.Sprintf("🏆 We have a winner for \"%s\"! 🏆\n\nWinning meme by: %s\n", c.Title, winner.DisplayName())
	if winner.Caption != "" {
		caption += "Caption: " + winner.Caption + "\n"
	}
	if c.VotingMethod == domain.VotingCommunity {
		caption += fmt.Sprintf("Votes: %d\n", winner.Votes)
	} else {
		caption += "(Selected by admin)\n"
	}
	caption += "\nCongratulations! 🎉"
	e.notifyPhoto(ctx, log, c.GroupID, winner.ContentRef, caption)
	e.notify(ctx, log, winner.UserID, fmt.Sprintf("🎉 Congratulations! Your meme has won the \"%s\" challenge!\n\nClick the button below to claim your prize of %s %s:",
		c.Title, c.PrizePool, c.Currency),
		domain.NewAction("💰 Claim Prize", domain.VerbClaim, winner.ID))
}

// AdminSelect commits the creator's chosen winner of an admin-selected challenge.
func (e Engine) AdminSelect(ctx context.Context, actorID, submissionID string) (Reply, error) {
	sub, err := e.getSubmission(ctx, submissionID)
	if err != nil {
		return Reply{}, err
	}
	c, err := e.GetChallenge(ctx, sub.ChallengeID)
	if err != nil {
		return Reply{}, err
	}
	if err := e.Auth.RequireCreator(c, actorID, "select winner"); err != nil {
		return Reply{}, err
	}
	if c.VotingMethod != domain.VotingAdmin {
		return Reply{}, invalidf("this challenge is decided by community vote")
	}
	if c.Completed {
		return Reply{}, completedConflict(c)
	}
	if e.now().Before(c.EndDate) {
		return Reply{}, invalidf("the submission period has not ended yet")
	}
	if err := e.commitWinner(ctx, c, sub, actorID, "admin"); err != nil {
		return Reply{}, err
	}
	e.announceWinner(ctx, c, sub)
	return Reply{Text: fmt.Sprintf("👑 %s has been selected as the winner of \"%s\".", sub.DisplayName(), c.Title), State: "completed"}, nil
}

// AutoSelect picks a random winner for an admin challenge whose creator did
// not choose in time.
func (e Engine) AutoSelect(ctx context.Context, c domain.Challenge) (FinalizeResult, error) {
	subs, err := e.Repo.ListSubmissions(ctx, c.ID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if len(subs) == 0 {
		if err := e.completeWithoutWinner(ctx, c, events.SystemActor); err != nil {
			return FinalizeResult{}, err
		}
		return FinalizeResult{Completed: true}, nil
	}
	winner := subs[e.intn(len(subs))]
	if err := e.commitWinner(ctx, c, winner, events.SystemActor, "admin_timeout"); err != nil {
		return FinalizeResult{}, err
	}
	e.announceWinner(ctx, c, winner)
	hours := int(e.Config.Finalization.AdminTimeout.Hours())
	e.notify(ctx, e.logFor(c), c.CreatorID, fmt.Sprintf("ℹ️ Your challenge \"%s\" has been finalized automatically because no winner was selected within %d hours.\n\nA random submission has been selected as the winner.",
		c.Title, hours))
	return FinalizeResult{Completed: true, WinnerID: &winner.ID}, nil
}

// SweepFinalization resolves ended challenges that are due: community
// challenges after the voting buffer or once enough members voted, admin
// challenges after the selection timeout, and any challenge without entries.
func (e Engine) SweepFinalization(ctx context.Context) error {
	now := e.now()
	list, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{Active: repo.Bool(true), Completed: repo.Bool(false), EndedBefore: &now})
	if err != nil {
		return fmt.Errorf("list ended challenges: %w", err)
	}
	var result *multierror.Error
	for _, c := range list {
		if ctx.Err() != nil {
			break
		}
		if err := e.finalizeDue(ctx, c); err != nil && !IsConflict(err) {
			e.Metrics.SweepItemError("finalization")
			log := e.logFor(c)
			log.Warn().Err(err).Msg("finalization failed")
			result = multierror.Append(result, fmt.Errorf("challenge %s: %w", c.ID, err))
		}
	}
	return result.ErrorOrNil()
}

func (e Engine) finalizeDue(ctx context.Context, c domain.Challenge) error {
	now := e.now()
	total, _, err := e.Repo.CountSubmissions(ctx, c.ID, "")
	if err != nil {
		return err
	}
	if total == 0 {
		return e.completeWithoutWinner(ctx, c, events.SystemActor)
	}
	f := e.Config.Finalization
	if c.VotingMethod == domain.VotingAdmin {
		if !now.Before(c.EndDate.Add(f.AdminTimeout)) {
			_, err := e.AutoSelect(ctx, c)
			return err
		}
		_, err := e.NotifyVotingPhase(ctx, c)
		return err
	}
	due := !now.Before(c.EndDate.Add(f.CommunityBuffer))
	if !due {
		if due, err = e.EarlyFinalizationReached(ctx, c); err != nil {
			return err
		}
	}
	if !due {
		return nil
	}
	_, err = e.Finalize(ctx, c.ID, events.SystemActor)
	return err
}
