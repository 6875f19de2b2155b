package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"memevault/internal/domain"
	"memevault/internal/events"
)

// SubmitOptions are parameters for entering a challenge.
type SubmitOptions struct {
	ChallengeID string
	UserID      string
	Username    string
	ContentRef  string
	Caption     string
}

// CanSubmit checks whether userID may add an entry right now.
func (e Engine) CanSubmit(ctx context.Context, c domain.Challenge, userID string) error {
	if c.Completed {
		return invalidf("this challenge has ended")
	}
	if !c.Active {
		return invalidf("this challenge is not accepting submissions yet")
	}
	if !e.now().Before(c.EndDate) {
		return invalidf("the submission period has ended")
	}
	if err := e.Auth.RequireParticipant(ctx, c, userID, "submit"); err != nil {
		return err
	}
	total, byUser, err := e.Repo.CountSubmissions(ctx, c.ID, userID)
	if err != nil {
		return err
	}
	return capError(c, total, byUser)
}

func capError(c domain.Challenge, total, byUser int) error {
	if byUser >= c.EntriesPerUser {
		return invalidf("you have reached the limit of %d entries for this challenge", c.EntriesPerUser)
	}
	if c.MaxEntries > 0 && total >= c.MaxEntries {
		return invalidf("this challenge has reached its maximum of %d entries", c.MaxEntries)
	}
	return nil
}

// Submit stores an entry. The entry caps are enforced by the insert itself so
// concurrent submissions cannot exceed them.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Submission, error) {
	if strings.TrimSpace(opts.ContentRef) == "" {
		return domain.Submission{}, invalidf("an image is required")
	}
	c, err := e.GetChallenge(ctx, opts.ChallengeID)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.CanSubmit(ctx, c, opts.UserID); err != nil {
		return domain.Submission{}, err
	}
	s := domain.Submission{
		ID:          uuid.NewString(),
		ChallengeID: c.ID,
		UserID:      opts.UserID,
		Username:    strings.TrimPrefix(opts.Username, "@"),
		ContentRef:  opts.ContentRef,
		Caption:     opts.Caption,
		CreatedAt:   e.now().UTC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.InsertSubmissionCapped(ctx, tx, s, c.EntriesPerUser, c.MaxEntries)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if !ok {
		tx.Rollback()
		total, byUser, err := e.Repo.CountSubmissions(ctx, c.ID, opts.UserID)
		if err != nil {
			return domain.Submission{}, err
		}
		if err := capError(c, total, byUser); err != nil {
			return domain.Submission{}, err
		}
		return domain.Submission{}, ConflictError{State: "entry limit reached"}
	}
	if err := e.Events.Append(ctx, tx, events.SubmissionCreated, "submission", s.ID, s.UserID, events.EventPayload{"challenge_id": c.ID}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	e.Metrics.Transition(events.SubmissionCreated)
	log := e.logFor(c)
	log.Info().Str("submission_id", s.ID).Str("user_id", s.UserID).Msg("submission accepted")
	return s, nil
}
