package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"memevault/internal/domain"
	"memevault/internal/events"
	"memevault/internal/payment"
	"memevault/internal/repo"
)

// NetPrize is the prize pool minus the platform fee, rounded to 8 decimals.
func (e Engine) NetPrize(prizePool string) (decimal.Decimal, error) {
	prize, err := decimal.NewFromString(prizePool)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed prize pool %q: %w", prizePool, err)
	}
	fee := prize.Mul(decimal.NewFromFloat(e.Config.Fees.Percent)).Div(decimal.NewFromInt(100))
	return prize.Sub(fee).Round(8), nil
}

// Claim records the winner's payout address and sends the prize.
func (e Engine) Claim(ctx context.Context, actorID, submissionID, address string) (Reply, error) {
	address = strings.TrimSpace(address)
	sub, err := e.getSubmission(ctx, submissionID)
	if err != nil {
		return Reply{}, err
	}
	c, err := e.GetChallenge(ctx, sub.ChallengeID)
	if err != nil {
		return Reply{}, err
	}
	if !c.Completed {
		return Reply{}, invalidf("the challenge has not been decided yet")
	}
	if err := e.Auth.RequireWinner(c, sub, actorID); err != nil {
		return Reply{}, err
	}
	if address == "" {
		if sub.WinnerWalletAddress != "" {
			return Reply{}, ConflictError{State: "prize already claimed"}
		}
		return Reply{Text: fmt.Sprintf("Please send the %s wallet address that should receive your prize.", c.Currency)}, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Reply{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetWinnerWallet(ctx, tx, sub.ID, address)
	if err != nil {
		return Reply{}, fmt.Errorf("set winner wallet: %w", err)
	}
	if !ok {
		return Reply{}, ConflictError{State: "prize already claimed"}
	}
	if err := e.Events.Append(ctx, tx, events.WalletClaimed, "submission", sub.ID, actorID, events.EventPayload{"challenge_id": c.ID}); err != nil {
		return Reply{}, err
	}
	if err := tx.Commit(); err != nil {
		return Reply{}, err
	}

	p, err := e.ProcessPayout(ctx, sub.ID)
	if err != nil {
		return Reply{}, err
	}
	switch p.Status {
	case domain.PayoutPaid:
		return Reply{Text: fmt.Sprintf("💸 Your prize of %s %s has been sent. Transaction: %s", p.Amount, c.Currency, p.TxID)}, nil
	case domain.PayoutManual:
		return Reply{Text: "We could not send your prize automatically. Our team has been notified and will complete the payment manually."}, nil
	default:
		return Reply{Text: fmt.Sprintf("Your prize of %s %s is queued and will be retried automatically. You will get a message once it is sent.", p.Amount, c.Currency)}, nil
	}
}

// ProcessPayout transfers the net prize to the winner's address with a
// bounded retry. The run is detached from ctx's cancellation so a dropped
// request cannot strand it. A payout that exhausts its attempts is marked
// manual and the winner and creator are told. Paid payouts are never sent
// again.
func (e Engine) ProcessPayout(ctx context.Context, submissionID string) (domain.Payout, error) {
	ctx = context.WithoutCancel(ctx)
	sub, err := e.getSubmission(ctx, submissionID)
	if err != nil {
		return domain.Payout{}, err
	}
	if sub.WinnerWalletAddress == "" {
		return domain.Payout{}, invalidf("no payout address recorded for submission %s", sub.ID)
	}
	c, err := e.GetChallenge(ctx, sub.ChallengeID)
	if err != nil {
		return domain.Payout{}, err
	}
	if c.WinnerID == nil || *c.WinnerID != sub.ID {
		return domain.Payout{}, invalidf("submission %s is not the winner", sub.ID)
	}
	net, err := e.NetPrize(c.PrizePool)
	if err != nil {
		return domain.Payout{}, err
	}
	p, _, err := e.Repo.CreatePayout(ctx, nil, domain.Payout{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		ChallengeID:  c.ID,
		Address:      sub.WinnerWalletAddress,
		Amount:       net.StringFixed(8),
		Status:       domain.PayoutPending,
		CreatedAt:    e.now().UTC(),
	})
	if err != nil {
		return domain.Payout{}, fmt.Errorf("create payout: %w", err)
	}
	if p.Status != domain.PayoutPending {
		return p, nil
	}
	return e.runPayout(ctx, c, sub, p)
}

// SweepPayouts resumes pending payouts whose sender went away, such as after
// a restart. Attempts already recorded count against the budget.
func (e Engine) SweepPayouts(ctx context.Context) error {
	list, err := e.Repo.ListPayouts(ctx, domain.PayoutPending)
	if err != nil {
		return fmt.Errorf("list pending payouts: %w", err)
	}
	var result *multierror.Error
	for _, p := range list {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.resumePayout(ctx, p); err != nil && !IsConflict(err) {
			e.Metrics.SweepItemError("payouts")
			e.Log.Warn().Err(err).Str("payout_id", p.ID).Msg("payout resume failed")
			result = multierror.Append(result, fmt.Errorf("payout %s: %w", p.ID, err))
		}
	}
	return result.ErrorOrNil()
}

func (e Engine) resumePayout(ctx context.Context, p domain.Payout) (domain.Payout, error) {
	sub, err := e.getSubmission(ctx, p.SubmissionID)
	if err != nil {
		return p, err
	}
	c, err := e.GetChallenge(ctx, p.ChallengeID)
	if err != nil {
		return p, err
	}
	return e.runPayout(ctx, c, sub, p)
}

// runPayout leases the payout row and attempts the transfer. A payout leased
// by another sender is a conflict.
func (e Engine) runPayout(ctx context.Context, c domain.Challenge, sub domain.Submission, p domain.Payout) (domain.Payout, error) {
	owner := uuid.NewString()
	now := e.now().UTC()
	ok, err := e.Repo.ClaimPayout(ctx, p.ID, owner, now, now.Add(e.payoutLeaseTTL()))
	if err != nil {
		return p, fmt.Errorf("lease payout: %w", err)
	}
	if !ok {
		return p, ConflictError{State: "payout already in progress"}
	}
	defer func() {
		if err := e.Repo.ReleasePayout(context.WithoutCancel(ctx), p.ID, owner); err != nil {
			e.Log.Warn().Err(err).Str("payout_id", p.ID).Msg("release payout lease")
		}
	}()
	current, err := e.Repo.GetPayout(ctx, p.ID)
	if err != nil {
		return p, err
	}
	return e.attemptPayout(ctx, c, sub, current, owner)
}

// payoutLeaseTTL covers the worst case of every attempt waiting the full
// backoff cap plus a transfer round trip.
func (e Engine) payoutLeaseTTL() time.Duration {
	cfg := e.Config.Payout
	return time.Duration(cfg.MaxAttempts) * (cfg.MaxDelay + time.Minute)
}

var errLeaseLost = errors.New("payout lease lost")

// attemptPayout runs the attempts left in the payout's budget. Only the
// waits between attempts follow ctx; transfers and bookkeeping always finish.
func (e Engine) attemptPayout(ctx context.Context, c domain.Challenge, sub domain.Submission, p domain.Payout, owner string) (domain.Payout, error) {
	log := e.logFor(c).With().Str("submission_id", sub.ID).Str("payout_id", p.ID).Logger()
	bg := context.WithoutCancel(ctx)
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return p, fmt.Errorf("payout %s has malformed amount: %w", p.ID, err)
	}
	cfg := e.Config.Payout
	remaining := int(cfg.MaxAttempts) - p.Attempts
	var attemptErr error
	var txID string
	if remaining <= 0 {
		attemptErr = fmt.Errorf("attempts exhausted, last error: %s", p.LastError)
	} else {
		backoff := retry.NewExponential(cfg.InitialDelay)
		if cfg.MaxDelay > 0 {
			backoff = retry.WithCappedDuration(cfg.MaxDelay, backoff)
		}
		backoff = retry.WithMaxRetries(uint64(remaining-1), backoff)

		attemptErr = retry.Do(ctx, backoff, func(context.Context) error {
			id, err := e.Payments.Transfer(bg, c.Currency, p.Address, amount)
			held, rerr := e.Repo.RecordPayoutAttempt(bg, p.ID, owner, errString(err), e.now().UTC())
			if rerr != nil {
				log.Warn().Err(rerr).Msg("record payout attempt")
			}
			if err == nil {
				txID = id
				return nil
			}
			e.Metrics.PayoutAttempt("failed")
			log.Warn().Err(err).Msg("transfer attempt failed")
			if rerr == nil && !held {
				return errLeaseLost
			}
			if payment.IsInvalidInput(err) {
				return err
			}
			return retry.RetryableError(err)
		})
	}

	if attemptErr == nil {
		ok, err := e.finishPayout(bg, p, domain.PayoutPaid, txID, events.PayoutPaid, events.EventPayload{"tx_id": txID, "amount": p.Amount})
		if err != nil {
			// the transfer went out; keep the reference visible even though the record failed
			log.Error().Err(err).Str("tx_id", txID).Msg("record paid payout")
			return p, err
		}
		if ok {
			e.Metrics.PayoutAttempt("paid")
			log.Info().Str("tx_id", txID).Str("amount", p.Amount).Msg("prize paid")
			e.notify(bg, log, sub.UserID, fmt.Sprintf("💸 Your prize of %s %s for \"%s\" has been sent!\n\nTransaction: %s", p.Amount, c.Currency, c.Title, txID))
			e.notify(bg, log, c.GroupID, fmt.Sprintf("💸 The prize for \"%s\" has been paid to %s.\n\nTransaction: %s", c.Title, sub.DisplayName(), txID))
		}
		return e.Repo.GetPayout(bg, p.ID)
	}
	if errors.Is(attemptErr, errLeaseLost) {
		log.Warn().Msg("payout lease taken over, stopping")
		return e.Repo.GetPayout(bg, p.ID)
	}
	if ctx.Err() != nil && errors.Is(attemptErr, ctx.Err()) {
		// interrupted between attempts; the payout sweep resumes it
		log.Info().Msg("payout interrupted, left pending")
		return e.Repo.GetPayout(bg, p.ID)
	}

	ok, err := e.finishPayout(bg, p, domain.PayoutManual, "", events.PayoutManual, events.EventPayload{"error": attemptErr.Error()})
	if err != nil {
		return p, err
	}
	if ok {
		e.Metrics.PayoutAttempt("manual")
		log.Error().Err(attemptErr).Msg("payout needs manual intervention")
		e.notify(bg, log, sub.UserID, fmt.Sprintf("⚠️ We could not send your prize for \"%s\" automatically. Our team will complete the payment manually.", c.Title))
		e.notify(bg, log, c.CreatorID, fmt.Sprintf("⚠️ The prize payout for \"%s\" failed after %d attempts and needs manual intervention.\n\nWinner: %s\nAddress: `%s`\nAmount: %s %s",
			c.Title, cfg.MaxAttempts, sub.DisplayName(), p.Address, p.Amount, c.Currency))
	}
	return e.Repo.GetPayout(bg, p.ID)
}

func (e Engine) finishPayout(ctx context.Context, p domain.Payout, to domain.PayoutStatus, txID, evtType string, payload events.EventPayload) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionPayout(ctx, tx, p.ID, domain.PayoutPending, to, txID, e.now().UTC())
	if err != nil || !ok {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "payout", p.ID, events.SystemActor, payload); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RetryPayout re-runs a payout. A manual payout gets a fresh attempt budget;
// a pending one is resumed unless another sender holds it.
func (e Engine) RetryPayout(ctx context.Context, payoutID, actorID string) (domain.Payout, error) {
	p, err := e.Repo.GetPayout(ctx, payoutID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, fmt.Errorf("payout %s: %w", payoutID, err)
		}
		return p, err
	}
	switch p.Status {
	case domain.PayoutPaid:
		return p, ConflictError{State: "payout already paid"}
	case domain.PayoutManual:
		ok, err := e.Repo.RequeuePayout(ctx, nil, p.ID, e.now().UTC())
		if err != nil {
			return p, err
		}
		if !ok {
			return p, ConflictError{State: "payout changed concurrently"}
		}
		e.Log.Info().Str("payout_id", p.ID).Str("actor_id", actorID).Msg("payout re-queued by operator")
	}
	return e.ProcessPayout(ctx, p.SubmissionID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
