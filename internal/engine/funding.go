package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"memevault/internal/domain"
	"memevault/internal/events"
	"memevault/internal/repo"
)

// FundingDelay is the wait before the next balance check after retryCount
// unsuccessful checks: base·factor^retryCount, capped at the max delay.
func (e Engine) FundingDelay(retryCount int) time.Duration {
	f := e.Config.Funding
	d := float64(f.BaseDelay) * math.Pow(f.Factor, float64(retryCount))
	if d >= float64(f.MaxDelay) || math.IsInf(d, 0) {
		return f.MaxDelay
	}
	return time.Duration(d)
}

// FundingResult is the outcome of a balance check.
type FundingResult struct {
	Funded    bool            `json:"funded"`
	Balance   decimal.Decimal `json:"balance"`
	PrizePool string          `json:"prize_pool"`
	// Windfall is set when the balance exceeded the prize pool and the pool
	// was raised to match.
	Windfall  bool       `json:"windfall,omitempty"`
	NextCheck *time.Time `json:"next_check,omitempty"`
}

// CheckFunding is the scheduled funding monitor step for one challenge. An
// unfunded challenge gets its retry counter bumped and its next check
// persisted; the creator is reminded every few retries.
func (e Engine) CheckFunding(ctx context.Context, id string) (FundingResult, error) {
	c, err := e.GetChallenge(ctx, id)
	if err != nil {
		return FundingResult{}, err
	}
	if c.Funded || c.Completed {
		return FundingResult{Funded: c.Funded, PrizePool: c.PrizePool}, nil
	}
	log := e.logFor(c)
	balance, err := e.readBalance(ctx, c)
	if err != nil {
		e.Metrics.FundingCheck("error")
		next := e.now().Add(e.Config.Funding.ErrorDelay)
		if _, serr := e.transition(ctx, c.ID, repo.ChallengePredicate{Funded: repo.Bool(false)},
			repo.ChallengeFields{NextFundingCheckAt: &next}, "", "", nil); serr != nil {
			log.Error().Err(serr).Msg("schedule funding check after error")
		}
		return FundingResult{PrizePool: c.PrizePool, NextCheck: &next}, err
	}
	res, err := e.applyBalance(ctx, c, balance, events.SystemActor)
	if err != nil || res.Funded {
		return res, err
	}

	retry := c.RetryCount
	next := e.now().Add(e.FundingDelay(retry))
	ok, err := e.transition(ctx, c.ID, repo.ChallengePredicate{Funded: repo.Bool(false), RetryCount: repo.Int(retry)},
		repo.ChallengeFields{RetryCount: repo.Int(retry + 1), NextFundingCheckAt: &next}, "", "", nil)
	if err != nil {
		return res, err
	}
	if !ok {
		// another instance checked concurrently and owns this retry step
		return res, nil
	}
	res.NextCheck = &next
	log.Info().Int("retry_count", retry+1).Time("next_check", next).Str("balance", balance.String()).Msg("challenge not funded yet")
	every := e.Config.Funding.ReminderEvery
	if every > 0 && retry > 0 && retry%every == 0 {
		e.notify(ctx, log, c.CreatorID, fmt.Sprintf("⏳ Reminder: your challenge \"%s\" is still waiting for funding.\n\nRequired amount: %s %s\nCurrent balance: %s %s\n\nPlease send the funds to:\n`%s`",
			c.Title, c.PrizePool, c.Currency, balance.String(), c.Currency, c.WalletAddress),
			domain.NewAction("🔄 Check Funding Status", domain.VerbCheckFunding, c.ID))
	}
	return res, nil
}

// ManualCheckFunding is the creator's on-demand balance check. It does not
// advance the retry schedule.
func (e Engine) ManualCheckFunding(ctx context.Context, actorID, id string) (Reply, error) {
	c, err := e.GetChallenge(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	if err := e.Auth.RequireCreator(c, actorID, "check funding"); err != nil {
		return Reply{}, err
	}
	if c.Active || c.Completed {
		return Reply{}, invalidf("challenge is already active")
	}
	activate := domain.NewAction("🚀 Activate Challenge", domain.VerbActivate, c.ID)
	if c.Funded {
		return Reply{Text: fmt.Sprintf("✅ \"%s\" is funded and ready to be activated.", c.Title), Actions: []domain.Action{activate}, State: c.Phase(e.now())}, nil
	}
	balance, err := e.readBalance(ctx, c)
	if err != nil {
		e.Metrics.FundingCheck("error")
		return Reply{}, err
	}
	res, err := e.applyBalance(ctx, c, balance, actorID)
	if err != nil {
		return Reply{}, err
	}
	if res.Funded {
		text := fmt.Sprintf("✅ Funding received! Your challenge \"%s\" is ready to be activated.\n\nPrize pool: %s %s", c.Title, res.PrizePool, c.Currency)
		return Reply{Text: text, Actions: []domain.Action{activate}, State: "awaiting_activation"}, nil
	}
	text := fmt.Sprintf("📋 Funding status for \"%s\"\n\nSend exactly %s %s to:\n`%s`\n\nCurrent balance: %s %s\nStatus: still waiting for funds...",
		c.Title, c.PrizePool, c.Currency, c.WalletAddress, balance.String(), c.Currency)
	return Reply{Text: text, Actions: []domain.Action{
		domain.NewAction("🔄 Check Again", domain.VerbCheckFunding, c.ID),
		domain.NewAction("❌ Delete Challenge", domain.VerbCancelChallenge, c.ID),
	}, State: "awaiting_funding"}, nil
}

func (e Engine) readBalance(ctx context.Context, c domain.Challenge) (decimal.Decimal, error) {
	if c.TrackID == "" {
		return decimal.Zero, fmt.Errorf("challenge %s has no wallet tracking reference", c.ID)
	}
	balance, err := e.Payments.CheckBalance(ctx, c.Currency, c.TrackID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("check balance: %w", err)
	}
	return balance, nil
}

// applyBalance marks the challenge funded when balance covers the prize pool,
// raising the pool to the balance when more was sent.
func (e Engine) applyBalance(ctx context.Context, c domain.Challenge, balance decimal.Decimal, actorID string) (FundingResult, error) {
	res := FundingResult{Balance: balance, PrizePool: c.PrizePool}
	required, err := decimal.NewFromString(c.PrizePool)
	if err != nil {
		return res, fmt.Errorf("challenge %s has malformed prize pool %q: %w", c.ID, c.PrizePool, err)
	}
	if balance.LessThan(required) {
		e.Metrics.FundingCheck("unfunded")
		return res, nil
	}
	pool := c.PrizePool
	if balance.GreaterThan(required) {
		pool = balance.String()
		res.Windfall = true
	}
	ok, err := e.transition(ctx, c.ID,
		repo.ChallengePredicate{Funded: repo.Bool(false), PrizePool: repo.String(c.PrizePool)},
		repo.ChallengeFields{Funded: repo.Bool(true), PrizePool: repo.String(pool), ClearNextFundingCheck: true},
		events.ChallengeFunded, actorID, events.EventPayload{"balance": balance.String(), "prize_pool": pool, "original_prize_pool": c.PrizePool})
	if err != nil {
		return res, err
	}
	if !ok {
		cur, err := e.GetChallenge(ctx, c.ID)
		if err != nil {
			return res, err
		}
		return FundingResult{Funded: cur.Funded, Balance: balance, PrizePool: cur.PrizePool}, nil
	}
	e.Metrics.FundingCheck("funded")
	res.Funded, res.PrizePool = true, pool
	log := e.logFor(c)
	log.Info().Str("balance", balance.String()).Str("prize_pool", pool).Bool("windfall", res.Windfall).Msg("challenge funded")
	text := fmt.Sprintf("✅ Funding received for your challenge \"%s\"!\n\nYour payment of %s %s has been confirmed.", c.Title, pool, c.Currency)
	if res.Windfall {
		text += fmt.Sprintf("\n\n📈 You sent more than the original amount, so the prize pool was increased to %s %s.", pool, c.Currency)
	}
	text += "\n\nYou can now activate the challenge and announce it in the group:"
	e.notify(ctx, log, c.CreatorID, text, domain.NewAction("🚀 Activate Challenge", domain.VerbActivate, c.ID))
	return res, nil
}

// SweepFunding checks every unfunded challenge whose next check is due. With
// all set it ignores due times, which is how startup resumes monitoring.
func (e Engine) SweepFunding(ctx context.Context, all bool) error {
	f := repo.ChallengeFilters{Funded: repo.Bool(false), Active: repo.Bool(false), Completed: repo.Bool(false)}
	if !all {
		now := e.now()
		f.FundingDueBefore = &now
	}
	list, err := e.Repo.ListChallenges(ctx, f)
	if err != nil {
		return fmt.Errorf("list unfunded challenges: %w", err)
	}
	var result *multierror.Error
	for _, c := range list {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.CheckFunding(ctx, c.ID); err != nil {
			e.Metrics.SweepItemError("funding")
			log := e.logFor(c)
			log.Warn().Err(err).Msg("funding check failed")
			result = multierror.Append(result, fmt.Errorf("challenge %s: %w", c.ID, err))
		}
	}
	return result.ErrorOrNil()
}
