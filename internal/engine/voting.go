package engine

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"memevault/internal/domain"
	"memevault/internal/events"
	"memevault/internal/repo"
)

func votingNoticeKey(challengeID string) string   { return "voting_notification:" + challengeID }
func votingReminderKey(challengeID string) string { return "voting_reminder:" + challengeID }
func votingSessionKey(userID string) string       { return "vote:" + userID }

// NotifyVotingPhase tells the right audience that a challenge's submission
// period is over. It runs at most once per challenge; a failed community
// notice clears the marker so the next sweep retries.
func (e Engine) NotifyVotingPhase(ctx context.Context, c domain.Challenge) (bool, error) {
	key := votingNoticeKey(c.ID)
	if !e.Locks.MarkOnce(ctx, key, e.Config.Voting.NoticeTTL) {
		return false, nil
	}
	log := e.logFor(c)
	subs, err := e.Repo.ListSubmissions(ctx, c.ID)
	if err != nil {
		e.Locks.Delete(ctx, key)
		return false, err
	}
	if len(subs) == 0 {
		log.Info().Msg("no submissions, skipping voting notice")
		return true, nil
	}
	if c.VotingMethod == domain.VotingAdmin {
		e.pushAdminSelection(ctx, c, subs)
		e.notify(ctx, log, c.GroupID, fmt.Sprintf("📋 The submission phase for \"%s\" has ended!\n\nThis challenge uses admin selection. The creator will review all %d submissions and select a winner soon.",
			c.Title, len(subs)))
		return true, nil
	}
	text := fmt.Sprintf("🗳️ Voting has begun for \"%s\"!\n\nThe submission phase has ended with %d submissions.\nNow it's time to vote for your favorite meme!\n\nPrize: %s %s",
		c.Title, len(subs), c.PrizePool, c.Currency)
	if e.Messenger == nil {
		return true, nil
	}
	if err := e.Messenger.SendMessage(ctx, c.GroupID, text, domain.NewAction("🗳️ Start Voting", domain.VerbStartVoting, c.ID)); err != nil {
		e.Locks.Delete(ctx, key)
		return false, fmt.Errorf("send voting notice: %w", err)
	}
	remind := e.now().Add(e.Config.Voting.ReminderAfter)
	if _, err := e.transition(ctx, c.ID, repo.ChallengePredicate{Completed: repo.Bool(false)},
		repo.ChallengeFields{VotingReminderAt: &remind}, "", "", nil); err != nil {
		log.Warn().Err(err).Msg("schedule voting reminder")
	}
	log.Info().Int("submissions", len(subs)).Msg("voting phase announced")
	return true, nil
}

// pushAdminSelection sends every submission to the creator with a select action.
func (e Engine) pushAdminSelection(ctx context.Context, c domain.Challenge, subs []domain.Submission) {
	log := e.logFor(c)
	hours := int(e.Config.Finalization.AdminTimeout.Hours())
	e.notify(ctx, log, c.CreatorID, fmt.Sprintf("📊 It's time to select a winner for your challenge \"%s\"!\n\nYou'll now receive all %d submissions. Select a winner within %d hours, otherwise a random submission will be selected automatically.",
		c.Title, len(subs), hours))
	for i, s := range subs {
		caption := fmt.Sprintf("Submission #%d of %d for \"%s\"\n", i+1, len(subs), c.Title)
		if s.Caption != "" {
			caption += "Caption: " + s.Caption + "\n"
		}
		caption += "Submitted by: " + s.DisplayName()
		e.notifyPhoto(ctx, log.With().Str("submission_id", s.ID).Logger(), c.CreatorID, s.ContentRef, caption,
			domain.NewAction("👑 Select as Winner", domain.VerbAdminSelect, s.ID))
	}
}

// sendVotingReminder posts the last-chance notice once and clears the schedule.
func (e Engine) sendVotingReminder(ctx context.Context, c domain.Challenge) error {
	if _, err := e.transition(ctx, c.ID, repo.ChallengePredicate{}, repo.ChallengeFields{ClearVotingReminder: true}, "", "", nil); err != nil {
		return err
	}
	if c.Completed || !e.Locks.MarkOnce(ctx, votingReminderKey(c.ID), e.Config.Voting.ReminderTTL) {
		return nil
	}
	e.notify(ctx, e.logFor(c), c.GroupID, fmt.Sprintf("⏰ Last chance to vote for \"%s\"! Voting closes soon.", c.Title),
		domain.NewAction("🗳️ Vote Now", domain.VerbStartVoting, c.ID))
	return nil
}

// SweepVotingPhase announces the voting phase of challenges whose submission
// period ended and delivers due voting reminders.
func (e Engine) SweepVotingPhase(ctx context.Context) error {
	now := e.now()
	ended, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{Active: repo.Bool(true), Completed: repo.Bool(false), EndedBefore: &now})
	if err != nil {
		return fmt.Errorf("list ended challenges: %w", err)
	}
	var result *multierror.Error
	for _, c := range ended {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.NotifyVotingPhase(ctx, c); err != nil {
			e.Metrics.SweepItemError("voting")
			result = multierror.Append(result, fmt.Errorf("challenge %s: %w", c.ID, err))
		}
	}
	due, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{Completed: repo.Bool(false), ReminderDueBefore: &now})
	if err != nil {
		return multierror.Append(result, fmt.Errorf("list due reminders: %w", err)).ErrorOrNil()
	}
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		if err := e.sendVotingReminder(ctx, c); err != nil {
			e.Metrics.SweepItemError("voting")
			result = multierror.Append(result, fmt.Errorf("challenge %s reminder: %w", c.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// Ballot is the shuffled list of entries a voter may choose from.
type Ballot struct {
	ChallengeID string              `json:"challenge_id"`
	Entries     []domain.Submission `json:"entries"`
}

type votingSession struct {
	ChallengeID   string   `json:"challenge_id"`
	SubmissionIDs []string `json:"submission_ids"`
}

func (e Engine) checkVotingOpen(c domain.Challenge) error {
	if c.VotingMethod != domain.VotingCommunity {
		return invalidf("this challenge uses admin selection, there is no public vote")
	}
	if c.Completed {
		return invalidf("voting for this challenge has ended")
	}
	if !c.Active {
		return invalidf("this challenge is not active")
	}
	if e.now().Before(c.EndDate) {
		return invalidf("voting opens when the submission period ends")
	}
	return nil
}

// StartVoting builds a ballot for voterID. Entries are shuffled and the order
// is kept in the voter's session.
func (e Engine) StartVoting(ctx context.Context, voterID, challengeID string) (Ballot, error) {
	c, err := e.GetChallenge(ctx, challengeID)
	if err != nil {
		return Ballot{}, err
	}
	if err := e.checkVotingOpen(c); err != nil {
		return Ballot{}, err
	}
	if _, voted, err := e.Repo.HasVoted(ctx, c.ID, voterID); err != nil {
		return Ballot{}, err
	} else if voted {
		return Ballot{}, ConflictError{State: "you have already voted in this challenge"}
	}
	var session votingSession
	found, err := e.Locks.GetJSON(ctx, votingSessionKey(voterID), &session)
	if err != nil {
		e.Log.Warn().Err(err).Str("voter_id", voterID).Msg("read voting session")
	}
	subs, err := e.Repo.ListSubmissions(ctx, c.ID)
	if err != nil {
		return Ballot{}, err
	}
	byID := map[string]domain.Submission{}
	var eligible []domain.Submission
	for _, s := range subs {
		if s.UserID == voterID {
			continue
		}
		byID[s.ID] = s
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return Ballot{}, invalidf("there are no submissions you can vote for")
	}
	ballot := Ballot{ChallengeID: c.ID}
	if found && session.ChallengeID == c.ID && len(session.SubmissionIDs) == len(eligible) {
		for _, id := range session.SubmissionIDs {
			if s, ok := byID[id]; ok {
				ballot.Entries = append(ballot.Entries, s)
			}
		}
	}
	if len(ballot.Entries) != len(eligible) {
		ballot.Entries = append([]domain.Submission(nil), eligible...)
		for i := len(ballot.Entries) - 1; i > 0; i-- {
			j := e.intn(i + 1)
			ballot.Entries[i], ballot.Entries[j] = ballot.Entries[j], ballot.Entries[i]
		}
		session = votingSession{ChallengeID: c.ID}
		for _, s := range ballot.Entries {
			session.SubmissionIDs = append(session.SubmissionIDs, s.ID)
		}
		if err := e.Locks.PutJSON(ctx, votingSessionKey(voterID), session, e.Config.Voting.SessionTTL); err != nil {
			e.Log.Warn().Err(err).Str("voter_id", voterID).Msg("store voting session")
		}
	}
	return ballot, nil
}

// Vote records voterID's single vote and finalizes the challenge early when
// enough of the group has voted.
func (e Engine) Vote(ctx context.Context, voterID, submissionID string) (Reply, error) {
	sub, err := e.getSubmission(ctx, submissionID)
	if err != nil {
		return Reply{}, err
	}
	c, err := e.GetChallenge(ctx, sub.ChallengeID)
	if err != nil {
		return Reply{}, err
	}
	if err := e.checkVotingOpen(c); err != nil {
		return Reply{}, err
	}
	if sub.UserID == voterID {
		return Reply{}, invalidf("you cannot vote for your own submission")
	}
	log := e.logFor(c).With().Str("submission_id", sub.ID).Logger()
	if e.Messenger != nil {
		member, err := e.Messenger.IsMember(ctx, c.GroupID, voterID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("membership check failed, allowing vote")
		case !member:
			return Reply{}, invalidf("only members of the group can vote")
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Reply{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.CastVote(ctx, tx, c.ID, sub.ID, voterID, e.now().UTC())
	if err != nil {
		return Reply{}, fmt.Errorf("cast vote: %w", err)
	}
	if !ok {
		tx.Rollback()
		cur, err := e.GetChallenge(ctx, c.ID)
		if err == nil && cur.Completed {
			return Reply{}, invalidf("voting for this challenge has ended")
		}
		return Reply{}, ConflictError{State: "you have already voted in this challenge"}
	}
	if err := e.Events.Append(ctx, tx, events.VoteCast, "submission", sub.ID, voterID, events.EventPayload{"challenge_id": c.ID}); err != nil {
		return Reply{}, err
	}
	if err := tx.Commit(); err != nil {
		return Reply{}, err
	}
	e.Metrics.Vote()
	e.Locks.Delete(ctx, votingSessionKey(voterID))
	log.Info().Str("voter_id", voterID).Msg("vote recorded")

	reply := Reply{Text: fmt.Sprintf("✅ Your vote for %s's entry in \"%s\" has been recorded.", sub.DisplayName(), c.Title)}
	reached, err := e.EarlyFinalizationReached(ctx, c)
	if err != nil {
		log.Warn().Err(err).Msg("evaluate early finalization")
		return reply, nil
	}
	if reached {
		if _, err := e.Finalize(ctx, c.ID, events.SystemActor); err != nil && !IsConflict(err) {
			log.Warn().Err(err).Msg("early finalization failed")
		}
	}
	return reply, nil
}

// EligibleVoters estimates how many group members can vote, with the group
// size it was derived from.
func (e Engine) EligibleVoters(ctx context.Context, groupID string) (eligible, groupSize int) {
	f := e.Config.Finalization
	if e.Messenger == nil {
		return f.FallbackEligible, f.FallbackEligible
	}
	size, err := e.Messenger.GroupSize(ctx, groupID)
	if err != nil {
		e.Log.Warn().Err(err).Str("group_id", groupID).Msg("group size unavailable, using fallback")
		return f.FallbackEligible, f.FallbackEligible
	}
	eligible = size - f.VoterOverhead
	if eligible < f.MinEligible {
		eligible = f.MinEligible
	}
	return eligible, size
}

// ThresholdPercent is the share of eligible voters that must have voted for
// a group of groupSize members to finalize early.
func (e Engine) ThresholdPercent(groupSize int) float64 {
	for _, th := range e.Config.SortedThresholds() {
		if groupSize >= th.MinGroupSize {
			return th.Percent
		}
	}
	return e.Config.Finalization.DefaultPercent
}

// EarlyFinalizationReached reports whether distinct voters exceed the
// group-size dependent share of eligible voters.
func (e Engine) EarlyFinalizationReached(ctx context.Context, c domain.Challenge) (bool, error) {
	if c.VotingMethod != domain.VotingCommunity || c.Completed {
		return false, nil
	}
	voters, err := e.Repo.CountVoters(ctx, c.ID)
	if err != nil {
		return false, err
	}
	eligible, size := e.EligibleVoters(ctx, c.GroupID)
	pct := e.ThresholdPercent(size)
	return float64(voters)*100 > pct*float64(eligible), nil
}
