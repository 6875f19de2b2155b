package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Verbs of the inline actions the conversational layer dispatches back into
// the orchestrator. Encoded on the wire as "<verb>_<entityID>".
const (
	VerbCheckFunding    = "check_funding"
	VerbActivate        = "activate"
	VerbCancelChallenge = "cancel_challenge"
	VerbSubmit          = "submit"
	VerbStartVoting     = "start_voting"
	VerbVote            = "vote"
	VerbAdminSelect     = "admin_select"
	VerbClaim           = "claim"
)

var knownVerbs = func() []string {
	v := []string{VerbCheckFunding, VerbActivate, VerbCancelChallenge, VerbSubmit, VerbStartVoting, VerbVote, VerbAdminSelect, VerbClaim}
	// longest first so "cancel_challenge" wins over a shorter prefix
	sort.Slice(v, func(i, j int) bool { return len(v[i]) > len(v[j]) })
	return v
}()

// Action is an inline button attached to an outgoing message.
type Action struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

func NewAction(text, verb, entityID string) Action {
	return Action{Text: text, Data: ActionData(verb, entityID)}
}

func ActionData(verb, entityID string) string {
	return verb + "_" + entityID
}

// ParseAction splits callback data into its verb and entity id.
func ParseAction(data string) (verb, entityID string, err error) {
	for _, v := range knownVerbs {
		prefix := v + "_"
		if strings.HasPrefix(data, prefix) && len(data) > len(prefix) {
			return v, strings.TrimPrefix(data, prefix), nil
		}
	}
	return "", "", fmt.Errorf("unknown action %q", data)
}
