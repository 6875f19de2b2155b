package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"memevault/internal/config"
	"memevault/internal/domain"
	"memevault/internal/engine/auth"
	"memevault/internal/events"
	"memevault/internal/lock"
	"memevault/internal/messaging"
	"memevault/internal/metrics"
	"memevault/internal/payment"
	"memevault/internal/repo"
)

// Engine advances challenges through funding, activation, submission,
// voting, finalization and payout.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Locks     lock.Service
	Payments  payment.Verifier
	Messenger messaging.Gateway
	Config    *config.Config
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Now       func() time.Time
	// Intn returns a uniform integer in [0,n). It drives tie-breaks, timeout
	// auto-selection and voting order.
	Intn func(n int) int
}

// New builds an engine over db. Payments and Messenger must be set before use.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Now: time.Now},
		Auth:   auth.Service{Repo: r},
		Locks:  lock.Service{Store: lock.SQLStore{Repo: r}, Log: zerolog.Nop()},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
		Intn:   rand.Intn,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) intn(n int) int {
	if n <= 1 {
		return 0
	}
	if e.Intn != nil {
		return e.Intn(n)
	}
	return rand.Intn(n)
}

func (e Engine) logFor(c domain.Challenge) zerolog.Logger {
	return e.Log.With().Str("challenge_id", c.ID).Logger()
}

// Reply is what the actor who triggered an operation is told.
type Reply struct {
	Text    string          `json:"text"`
	Actions []domain.Action `json:"actions,omitempty"`
	// State is the challenge phase after the operation, when one applies.
	State string `json:"state,omitempty"`
}

// transition applies a conditional update to a challenge and records evtType
// in the same transaction. It reports false when the predicate no longer holds.
func (e Engine) transition(ctx context.Context, id string, expect repo.ChallengePredicate, set repo.ChallengeFields, evtType, actorID string, payload events.EventPayload) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	set.UpdatedAt = e.now()
	ok, err := e.Repo.ConditionalUpdateChallenge(ctx, tx, id, expect, set)
	if err != nil {
		return false, fmt.Errorf("update challenge %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if evtType != "" {
		if err := e.Events.Append(ctx, tx, evtType, "challenge", id, actorID, payload); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if evtType != "" {
		e.Metrics.Transition(evtType)
	}
	return true, nil
}

// notify sends a message and logs delivery failures. Notifications other than
// the activation announcement never change state.
func (e Engine) notify(ctx context.Context, log zerolog.Logger, chatID, text string, actions ...domain.Action) {
	if e.Messenger == nil {
		return
	}
	if err := e.Messenger.SendMessage(ctx, chatID, text, actions...); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("send message failed")
	}
}

func (e Engine) notifyPhoto(ctx context.Context, log zerolog.Logger, chatID, media, caption string, actions ...domain.Action) {
	if e.Messenger == nil {
		return
	}
	if err := e.Messenger.SendPhoto(ctx, chatID, media, caption, actions...); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("send photo failed")
	}
}

// GetChallenge returns a challenge by id.
func (e Engine) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	c, err := e.Repo.GetChallenge(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, fmt.Errorf("challenge %s: %w", id, err)
	}
	return c, err
}

func (e Engine) getSubmission(ctx context.Context, id string) (domain.Submission, error) {
	s, err := e.Repo.GetSubmission(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("submission %s: %w", id, err)
	}
	return s, err
}
