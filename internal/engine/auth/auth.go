// Package auth decides which participant may perform an action on a
// challenge.
package auth

import (
	"context"
	"fmt"

	"memevault/internal/domain"
	"memevault/internal/repo"
)

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s not allowed: %s", e.Action, e.Reason)
}

// Service provides participant checks backed by the group admin table.
type Service struct {
	Repo repo.Repo
}

// RequireCreator allows only the challenge creator.
func (s Service) RequireCreator(c domain.Challenge, actorID, action string) error {
	if actorID == "" || actorID != c.CreatorID {
		return ForbiddenError{Action: action, Reason: "only the challenge creator can do this"}
	}
	return nil
}

// RequireParticipant rejects administrators of the hosting group.
func (s Service) RequireParticipant(ctx context.Context, c domain.Challenge, actorID, action string) error {
	admin, err := s.Repo.IsGroupAdmin(ctx, c.GroupID, actorID)
	if err != nil {
		return fmt.Errorf("check group admin: %w", err)
	}
	if admin {
		return ForbiddenError{Action: action, Reason: "group admins cannot take part in their own challenges"}
	}
	return nil
}

// RequireWinner allows only the author of the committed winning submission.
func (s Service) RequireWinner(c domain.Challenge, sub domain.Submission, actorID string) error {
	if c.WinnerID == nil || *c.WinnerID != sub.ID {
		return ForbiddenError{Action: "claim", Reason: "submission is not the winner"}
	}
	if sub.UserID != actorID {
		return ForbiddenError{Action: "claim", Reason: "only the winner can claim the prize"}
	}
	return nil
}
