package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded for lifecycle transitions.
const (
	ChallengeCreated    = "challenge.created"
	ChallengeFunded     = "challenge.funded"
	ChallengeActivated  = "challenge.activated"
	ChallengeRolledBack = "challenge.activation_rolled_back"
	ChallengeCompleted  = "challenge.completed"
	ChallengeCancelled  = "challenge.cancelled"
	SubmissionCreated   = "submission.created"
	VoteCast            = "vote.cast"
	WalletClaimed       = "submission.wallet_claimed"
	PayoutPaid          = "payout.paid"
	PayoutManual        = "payout.manual"
)

// SystemActor is the actor id recorded for transitions made by sweeps.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = SystemActor
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
