package engine

import (
	"context"
	"fmt"
	"strings"

	"memevault/internal/domain"
)

// ActionRequest is an inline action pressed by a participant, optionally with
// free-text input such as a wallet address.
type ActionRequest struct {
	ActorID string `json:"actor_id"`
	Data    string `json:"data"`
	Input   string `json:"input,omitempty"`
}

// Dispatch routes an encoded action to the operation it names.
func (e Engine) Dispatch(ctx context.Context, req ActionRequest) (Reply, error) {
	if strings.TrimSpace(req.ActorID) == "" {
		return Reply{}, invalidf("actor is required")
	}
	verb, id, err := domain.ParseAction(req.Data)
	if err != nil {
		return Reply{}, invalidf("%s", err.Error())
	}
	switch verb {
	case domain.VerbCheckFunding:
		return e.ManualCheckFunding(ctx, req.ActorID, id)
	case domain.VerbActivate:
		return e.Activate(ctx, req.ActorID, id)
	case domain.VerbCancelChallenge:
		return e.CancelChallenge(ctx, req.ActorID, id)
	case domain.VerbSubmit:
		c, err := e.GetChallenge(ctx, id)
		if err != nil {
			return Reply{}, err
		}
		if err := e.CanSubmit(ctx, c, req.ActorID); err != nil {
			return Reply{}, err
		}
		return Reply{Text: fmt.Sprintf("📤 Send the image you want to enter into \"%s\", with an optional caption.", c.Title), State: "open"}, nil
	case domain.VerbStartVoting:
		ballot, err := e.StartVoting(ctx, req.ActorID, id)
		if err != nil {
			return Reply{}, err
		}
		reply := Reply{Text: fmt.Sprintf("🗳️ %d entries are up for vote. You can vote once.", len(ballot.Entries))}
		for i, s := range ballot.Entries {
			reply.Actions = append(reply.Actions, domain.NewAction(fmt.Sprintf("#%d %s", i+1, s.DisplayName()), domain.VerbVote, s.ID))
		}
		return reply, nil
	case domain.VerbVote:
		return e.Vote(ctx, req.ActorID, id)
	case domain.VerbAdminSelect:
		return e.AdminSelect(ctx, req.ActorID, id)
	case domain.VerbClaim:
		return e.Claim(ctx, req.ActorID, id, req.Input)
	default:
		return Reply{}, invalidf("unsupported action %q", verb)
	}
}
