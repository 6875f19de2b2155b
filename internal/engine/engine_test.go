package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memevault/internal/config"
	"memevault/internal/db"
	"memevault/internal/domain"
	"memevault/internal/engine"
	"memevault/internal/migrate"
	"memevault/internal/repo"
)

const (
	group   = "-100200"
	creator = "42"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Pay     *fakeVerifier
	Chat    *fakeGateway
	mu      *sync.Mutex
	current *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Payout.InitialDelay = time.Millisecond
	cfg.Payout.MaxDelay = 5 * time.Millisecond

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := testEnv{Ctx: ctx, Pay: &fakeVerifier{}, Chat: newFakeGateway(), mu: &sync.Mutex{}, current: &start}
	eng := engine.New(conn, cfg)
	eng.Now = env.now
	eng.Intn = rand.New(rand.NewSource(1)).Intn
	eng.Payments = env.Pay
	eng.Messenger = env.Chat
	env.Engine = eng
	return env
}

func (env testEnv) now() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return *env.current
}

func (env testEnv) advance(d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	*env.current = env.current.Add(d)
}

func (env testEnv) create(t *testing.T, method domain.VotingMethod, prize string) domain.Challenge {
	t.Helper()
	c, err := env.Engine.CreateChallenge(env.Ctx, engine.CreateChallengeOptions{
		GroupID:        group,
		CreatorID:      creator,
		Title:          "Best meme",
		Currency:       "Solana",
		PrizePool:      prize,
		VotingMethod:   method,
		EntriesPerUser: 1,
		EndDate:        env.now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	return c
}

// activeChallenge returns a funded, activated challenge.
func (env testEnv) activeChallenge(t *testing.T, method domain.VotingMethod) domain.Challenge {
	t.Helper()
	env.Pay.setBalance("1")
	c := env.create(t, method, "1")
	require.True(t, c.Funded)
	_, err := env.Engine.Activate(env.Ctx, creator, c.ID)
	require.NoError(t, err)
	return env.reload(t, c.ID)
}

func (env testEnv) reload(t *testing.T, id string) domain.Challenge {
	t.Helper()
	c, err := env.Engine.GetChallenge(env.Ctx, id)
	require.NoError(t, err)
	return c
}

func (env testEnv) submit(t *testing.T, c domain.Challenge, user string) domain.Submission {
	t.Helper()
	s, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ChallengeID: c.ID, UserID: user, Username: "user" + user, ContentRef: "file-" + user})
	require.NoError(t, err)
	return s
}

func (env testEnv) castVotes(t *testing.T, sub domain.Submission, n int, prefix string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := env.Engine.Vote(env.Ctx, fmt.Sprintf("%s-%d", prefix, i), sub.ID)
		require.NoError(t, err)
	}
}

func TestFundingDelaysNonDecreasingAndCapped(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.Engine.Config.Funding
	assert.Equal(t, 5*time.Minute, env.Engine.FundingDelay(0))
	assert.Equal(t, 450*time.Second, env.Engine.FundingDelay(1))
	prev := time.Duration(0)
	for i := 0; i < 60; i++ {
		d := env.Engine.FundingDelay(i)
		assert.GreaterOrEqual(t, d, prev, "retry %d", i)
		assert.LessOrEqual(t, d, cfg.MaxDelay, "retry %d", i)
		prev = d
	}
	assert.Equal(t, time.Hour, env.Engine.FundingDelay(1000))
}

func TestCreateChallengeSchedulesFundingCheck(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "2")
	assert.False(t, c.Funded)
	assert.Equal(t, 1, c.RetryCount)
	require.NotNil(t, c.NextFundingCheckAt)
	assert.True(t, c.NextFundingCheckAt.Equal(env.now().Add(5*time.Minute)))
	assert.Len(t, env.Chat.to(creator, "Funding information"), 1)
}

func TestCreateChallengeValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateChallenge(env.Ctx, engine.CreateChallengeOptions{
		GroupID: group, CreatorID: creator, Title: "x", Currency: "Dogecoin", PrizePool: "1", EndDate: env.now().Add(time.Hour),
	})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.CreateChallenge(env.Ctx, engine.CreateChallengeOptions{
		GroupID: group, CreatorID: creator, Title: "x", Currency: "Solana", PrizePool: "-1", EndDate: env.now().Add(time.Hour),
	})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.CreateChallenge(env.Ctx, engine.CreateChallengeOptions{
		GroupID: group, CreatorID: creator, Title: "x", Currency: "Solana", PrizePool: "1", EndDate: env.now().Add(-time.Hour),
	})
	assert.True(t, engine.IsValidation(err))
	assert.Equal(t, 0, env.Pay.wallets)
}

func TestWindfallRaisesPrizePool(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "2")
	env.Pay.setBalance("2.5")
	env.advance(5 * time.Minute)

	res, err := env.Engine.CheckFunding(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.Funded)
	assert.True(t, res.Windfall)
	c = env.reload(t, c.ID)
	assert.True(t, c.Funded)
	assert.Equal(t, "2.5", c.PrizePool)
	assert.Nil(t, c.NextFundingCheckAt)
	msgs := env.Chat.to(creator, "increased to 2.5")
	require.Len(t, msgs, 1)
	assert.Equal(t, "activate_"+c.ID, msgs[0].Actions[0].Data)
}

func TestFundingReminderEveryThirdRetry(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "2")
	for i := 0; i < 3; i++ {
		env.advance(time.Hour)
		_, err := env.Engine.CheckFunding(env.Ctx, c.ID)
		require.NoError(t, err)
	}
	c = env.reload(t, c.ID)
	assert.Equal(t, 4, c.RetryCount)
	reminders := env.Chat.to(creator, "still waiting for funding")
	require.Len(t, reminders, 1)
	assert.Equal(t, "check_funding_"+c.ID, reminders[0].Actions[0].Data)
}

func TestFundingErrorRetriesLater(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "2")
	env.Pay.balanceErr = errors.New("timeout")
	_, err := env.Engine.CheckFunding(env.Ctx, c.ID)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	c = env.reload(t, c.ID)
	assert.Equal(t, 1, c.RetryCount)
	assert.True(t, c.NextFundingCheckAt.Equal(env.now().Add(10*time.Minute)))
}

func TestSweepFundingOnlyChecksDueChallenges(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "2")
	env.Pay.setBalance("2")
	require.NoError(t, env.Engine.SweepFunding(env.Ctx, false))
	assert.False(t, env.reload(t, c.ID).Funded, "not due yet")

	require.NoError(t, env.Engine.SweepFunding(env.Ctx, true))
	assert.True(t, env.reload(t, c.ID).Funded, "startup sweep ignores due times")
}

func TestManualCheckFundingCreatorOnly(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "2")
	_, err := env.Engine.ManualCheckFunding(env.Ctx, "intruder", c.ID)
	assert.True(t, engine.IsForbidden(err))

	reply, err := env.Engine.ManualCheckFunding(env.Ctx, creator, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "awaiting_funding", reply.State)
	assert.Equal(t, 1, env.reload(t, c.ID).RetryCount, "manual checks do not advance the schedule")
}

func TestDoubleActivateAnnouncesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Pay.setBalance("1")
	c := env.create(t, domain.VotingCommunity, "1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Activate(env.Ctx, creator, c.ID)
		}(i)
	}
	wg.Wait()
	successes, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case engine.IsConflict(err):
			conflicts++
			assert.Equal(t, "challenge is already active", engine.PublicMessage(err))
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, env.Chat.to(group, "New challenge"), 1)
}

func TestActivateRollsBackWhenAnnouncementFails(t *testing.T) {
	env := newTestEnv(t)
	env.Pay.setBalance("1")
	c := env.create(t, domain.VotingCommunity, "1")
	env.Chat.setFail(group, true)

	_, err := env.Engine.Activate(env.Ctx, creator, c.ID)
	require.Error(t, err)
	c = env.reload(t, c.ID)
	assert.False(t, c.Active)
	assert.True(t, c.Funded)

	env.Chat.setFail(group, false)
	_, err = env.Engine.Activate(env.Ctx, creator, c.ID)
	require.NoError(t, err)
	assert.True(t, env.reload(t, c.ID).Active)
}

func TestActivateRechecksUnfundedBalance(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "1")
	_, err := env.Engine.Activate(env.Ctx, creator, c.ID)
	assert.True(t, engine.IsValidation(err))

	env.Pay.setBalance("1")
	_, err = env.Engine.Activate(env.Ctx, creator, c.ID)
	require.NoError(t, err)
	c = env.reload(t, c.ID)
	assert.True(t, c.Funded && c.Active)
}

func TestActivateCreatorOnly(t *testing.T) {
	env := newTestEnv(t)
	env.Pay.setBalance("1")
	c := env.create(t, domain.VotingCommunity, "1")
	_, err := env.Engine.Activate(env.Ctx, "7", c.ID)
	assert.True(t, engine.IsForbidden(err))
}

func TestCancelChallenge(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, domain.VotingCommunity, "2")
	_, err := env.Engine.CancelChallenge(env.Ctx, creator, c.ID)
	require.NoError(t, err)
	_, err = env.Engine.GetChallenge(env.Ctx, c.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	env.Pay.setBalance("2")
	funded := env.create(t, domain.VotingCommunity, "2")
	_, err = env.Engine.CancelChallenge(env.Ctx, creator, funded.ID)
	assert.True(t, engine.IsValidation(err))
}

func TestSubmissionWindow(t *testing.T) {
	env := newTestEnv(t)
	env.Pay.setBalance("1")
	c := env.create(t, domain.VotingCommunity, "1")
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ChallengeID: c.ID, UserID: "u1", ContentRef: "f"})
	assert.True(t, engine.IsValidation(err), "inactive challenge")

	_, err = env.Engine.Activate(env.Ctx, creator, c.ID)
	require.NoError(t, err)
	env.submit(t, c, "u1")
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{ChallengeID: c.ID, UserID: "u1", ContentRef: "f2"})
	assert.True(t, engine.IsValidation(err), "per-user cap")

	require.NoError(t, env.Engine.Repo.AddGroupAdmin(env.Ctx, group, "admin"))
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{ChallengeID: c.ID, UserID: "admin", ContentRef: "f"})
	assert.True(t, engine.IsForbidden(err), "group admins cannot enter")

	env.advance(49 * time.Hour)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{ChallengeID: c.ID, UserID: "u2", ContentRef: "f"})
	assert.True(t, engine.IsValidation(err), "after end date")
}

func TestMaxEntriesCap(t *testing.T) {
	env := newTestEnv(t)
	env.Pay.setBalance("1")
	c, err := env.Engine.CreateChallenge(env.Ctx, engine.CreateChallengeOptions{
		GroupID: group, CreatorID: creator, Title: "Capped", Currency: "Ethereum", PrizePool: "1",
		EntriesPerUser: 2, MaxEntries: 2, EndDate: env.now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = env.Engine.Activate(env.Ctx, creator, c.ID)
	require.NoError(t, err)
	env.submit(t, c, "u1")
	env.submit(t, c, "u1")
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{ChallengeID: c.ID, UserID: "u2", ContentRef: "f"})
	assert.True(t, engine.IsValidation(err))
}

func TestVotingRules(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingCommunity)
	s1 := env.submit(t, c, "a1")
	env.submit(t, c, "a2")

	_, err := env.Engine.Vote(env.Ctx, "v1", s1.ID)
	assert.True(t, engine.IsValidation(err), "voting before end date")

	env.advance(49 * time.Hour)
	_, err = env.Engine.Vote(env.Ctx, "a1", s1.ID)
	assert.True(t, engine.IsValidation(err), "own submission")

	_, err = env.Engine.Vote(env.Ctx, "v1", s1.ID)
	require.NoError(t, err)
	_, err = env.Engine.Vote(env.Ctx, "v1", s1.ID)
	assert.True(t, engine.IsConflict(err), "second vote")

	env.Chat.nonMembers["outsider"] = true
	_, err = env.Engine.Vote(env.Ctx, "outsider", s1.ID)
	assert.True(t, engine.IsValidation(err), "non member")

	sub, err := env.Engine.Repo.GetSubmission(env.Ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Votes)
	assert.Equal(t, []string{"v1"}, sub.Voters)
}

func TestStartVotingBallotExcludesOwnEntryAndIsStable(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingCommunity)
	env.submit(t, c, "a1")
	env.submit(t, c, "a2")
	env.submit(t, c, "a3")
	env.advance(49 * time.Hour)

	ballot, err := env.Engine.StartVoting(env.Ctx, "a1", c.ID)
	require.NoError(t, err)
	require.Len(t, ballot.Entries, 2)
	for _, s := range ballot.Entries {
		assert.NotEqual(t, "a1", s.UserID)
	}
	again, err := env.Engine.StartVoting(env.Ctx, "a1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ballot.Entries[0].ID, again.Entries[0].ID, "order kept in the voting session")
}

func TestTieBreakIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingCommunity)
	s1 := env.submit(t, c, "a1")
	s2 := env.submit(t, c, "a2")
	s3 := env.submit(t, c, "a3")
	env.advance(49 * time.Hour)
	env.castVotes(t, s1, 5, "x")
	env.castVotes(t, s2, 5, "y")
	env.castVotes(t, s3, 3, "z")

	res, err := env.Engine.Finalize(env.Ctx, c.ID, "system")
	require.NoError(t, err)
	require.NotNil(t, res.WinnerID)
	assert.Equal(t, 2, res.Tied)
	winner, err := env.Engine.Repo.GetSubmission(env.Ctx, *res.WinnerID)
	require.NoError(t, err)
	assert.Equal(t, 5, winner.Votes)
	assert.Len(t, env.Chat.to(creator, "There is a tie"), 1)

	_, err = env.Engine.Finalize(env.Ctx, c.ID, "system")
	assert.True(t, engine.IsConflict(err))
	assert.Equal(t, "winner already selected", engine.PublicMessage(err))
	c = env.reload(t, c.ID)
	assert.Equal(t, *res.WinnerID, *c.WinnerID)
	assert.Len(t, env.Chat.to(group, "We have a winner"), 1, "no re-announcement")
}

func TestEarlyFinalizationOnVoterThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.Chat.groupSize = 20 // eligible = 15, default bucket 50%
	c := env.activeChallenge(t, domain.VotingCommunity)
	s1 := env.submit(t, c, "a1")
	s2 := env.submit(t, c, "a2")
	env.advance(49 * time.Hour)

	env.castVotes(t, s1, 5, "x")
	env.castVotes(t, s2, 2, "y")
	assert.False(t, env.reload(t, c.ID).Completed, "7 of 15 is not more than half")

	env.castVotes(t, s1, 1, "z")
	c = env.reload(t, c.ID)
	assert.True(t, c.Completed)
	assert.Equal(t, s1.ID, *c.WinnerID)
}

func TestThresholdBuckets(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, 30.0, env.Engine.ThresholdPercent(100))
	assert.Equal(t, 40.0, env.Engine.ThresholdPercent(50))
	assert.Equal(t, 40.0, env.Engine.ThresholdPercent(99))
	assert.Equal(t, 50.0, env.Engine.ThresholdPercent(49))

	env.Chat.groupSize = 8
	eligible, _ := env.Engine.EligibleVoters(env.Ctx, group)
	assert.Equal(t, 10, eligible)
	env.Chat.sizeErr = errors.New("forbidden")
	eligible, _ = env.Engine.EligibleVoters(env.Ctx, group)
	assert.Equal(t, 100, eligible)
}

func TestCommunitySweepWaitsForBuffer(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingCommunity)
	s1 := env.submit(t, c, "a1")
	env.advance(49 * time.Hour)
	env.castVotes(t, s1, 1, "v")

	require.NoError(t, env.Engine.SweepFinalization(env.Ctx))
	assert.False(t, env.reload(t, c.ID).Completed)

	env.advance(24 * time.Hour)
	require.NoError(t, env.Engine.SweepFinalization(env.Ctx))
	c = env.reload(t, c.ID)
	assert.True(t, c.Completed)
	assert.Equal(t, s1.ID, *c.WinnerID)
	claims := env.Chat.to("a1", "Congratulations")
	require.Len(t, claims, 1)
	assert.Equal(t, "claim_"+s1.ID, claims[0].Actions[0].Data)
}

func TestAdminChallengeWithoutSubmissions(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingAdmin)
	env.advance(49 * time.Hour)

	require.NoError(t, env.Engine.SweepFinalization(env.Ctx))
	c = env.reload(t, c.ID)
	assert.True(t, c.Completed)
	assert.Nil(t, c.WinnerID)
	assert.Len(t, env.Chat.to(creator, "no submissions"), 1)
	assert.Len(t, env.Chat.to(group, "without a winner"), 1)

	require.NoError(t, env.Engine.SweepFinalization(env.Ctx))
	assert.Len(t, env.Chat.to(creator, "no submissions"), 1)
}

func TestAdminSelection(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingAdmin)
	env.submit(t, c, "a1")
	s2 := env.submit(t, c, "a2")
	env.advance(49 * time.Hour)

	require.NoError(t, env.Engine.SweepVotingPhase(env.Ctx))
	require.NoError(t, env.Engine.SweepVotingPhase(env.Ctx))
	require.NoError(t, env.Engine.SweepFinalization(env.Ctx))
	pushed := env.Chat.to(creator, "Submission #")
	require.Len(t, pushed, 2, "submissions are pushed once")
	assert.Equal(t, domain.VerbAdminSelect+"_", pushed[0].Actions[0].Data[:len(domain.VerbAdminSelect)+1])

	_, err := env.Engine.AdminSelect(env.Ctx, "a1", s2.ID)
	assert.True(t, engine.IsForbidden(err))
	_, err = env.Engine.AdminSelect(env.Ctx, creator, s2.ID)
	require.NoError(t, err)
	_, err = env.Engine.AdminSelect(env.Ctx, creator, s2.ID)
	assert.True(t, engine.IsConflict(err))
	c = env.reload(t, c.ID)
	assert.Equal(t, s2.ID, *c.WinnerID)
}

func TestAdminTimeoutAutoSelects(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingAdmin)
	env.submit(t, c, "a1")
	env.submit(t, c, "a2")
	env.advance(48*time.Hour + 49*time.Hour)

	require.NoError(t, env.Engine.SweepFinalization(env.Ctx))
	c = env.reload(t, c.ID)
	assert.True(t, c.Completed)
	require.NotNil(t, c.WinnerID)
	assert.Len(t, env.Chat.to(creator, "finalized automatically"), 1)
}

func TestVotingPhaseNoticeAndReminder(t *testing.T) {
	env := newTestEnv(t)
	c := env.activeChallenge(t, domain.VotingCommunity)
	env.submit(t, c, "a1")
	env.advance(49 * time.Hour)

	require.NoError(t, env.Engine.SweepVotingPhase(env.Ctx))
	require.NoError(t, env.Engine.SweepVotingPhase(env.Ctx))
	notices := env.Chat.to(group, "Voting has begun")
	require.Len(t, notices, 1)
	assert.Equal(t, "start_voting_"+c.ID, notices[0].Actions[0].Data)

	env.advance(21 * time.Hour)
	require.NoError(t, env.Engine.SweepVotingPhase(env.Ctx))
	require.NoError(t, env.Engine.SweepVotingPhase(env.Ctx))
	assert.Len(t, env.Chat.to(group, "Last chance"), 1)
	assert.Nil(t, env.reload(t, c.ID).VotingReminderAt)
}

func (env testEnv) completedWithWinner(t *testing.T) (domain.Challenge, domain.Submission) {
	t.Helper()
	c := env.activeChallenge(t, domain.VotingCommunity)
	s := env.submit(t, c, "a1")
	env.advance(49 * time.Hour)
	env.castVotes(t, s, 1, "v")
	_, err := env.Engine.Finalize(env.Ctx, c.ID, "system")
	require.NoError(t, err)
	return env.reload(t, c.ID), s
}

func TestClaimPaysNetPrizeOnce(t *testing.T) {
	env := newTestEnv(t)
	_, s := env.completedWithWinner(t)

	_, err := env.Engine.Claim(env.Ctx, "someone", s.ID, "wallet")
	assert.True(t, engine.IsForbidden(err))

	reply, err := env.Engine.Claim(env.Ctx, "a1", s.ID, "So1winner")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "tx-1")

	p, err := env.Engine.Repo.GetPayoutBySubmission(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPaid, p.Status)
	assert.Equal(t, "0.95000000", p.Amount)
	assert.Equal(t, 1, p.Attempts)
	assert.Len(t, env.Chat.to(group, "tx-1"), 1)
	assert.Len(t, env.Chat.to("a1", "tx-1"), 1)

	_, err = env.Engine.Claim(env.Ctx, "a1", s.ID, "other")
	assert.True(t, engine.IsConflict(err))
	_, err = env.Engine.ProcessPayout(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Pay.transferCount(), "paid payouts are never re-sent")
}

func TestPayoutFailureEscalates(t *testing.T) {
	env := newTestEnv(t)
	_, s := env.completedWithWinner(t)
	env.Pay.transferErr = errors.New("provider unavailable")

	_, err := env.Engine.Claim(env.Ctx, "a1", s.ID, "So1winner")
	require.NoError(t, err)
	attempts := int(env.Engine.Config.Payout.MaxAttempts)
	assert.Equal(t, attempts, env.Pay.transferCount())

	p, err := env.Engine.Repo.GetPayoutBySubmission(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutManual, p.Status)
	assert.Equal(t, attempts, p.Attempts)
	assert.Len(t, env.Chat.to("a1", "could not send your prize"), 1)
	assert.Len(t, env.Chat.to(creator, "needs manual intervention"), 1)

	env.Pay.transferErr = nil
	p, err = env.Engine.RetryPayout(env.Ctx, p.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPaid, p.Status)
}

func TestClaimOutlivesCancelledRequest(t *testing.T) {
	env := newTestEnv(t)
	_, s := env.completedWithWinner(t)
	env.Pay.transferErr = errors.New("provider unavailable")
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Pay.onTransfer = cancel

	reply, err := env.Engine.Claim(ctx, "a1", s.ID, "So1winner")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "notified")

	attempts := int(env.Engine.Config.Payout.MaxAttempts)
	assert.Equal(t, attempts, env.Pay.transferCount())
	p, err := env.Engine.Repo.GetPayoutBySubmission(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutManual, p.Status)
	assert.Equal(t, attempts, p.Attempts)
	assert.Len(t, env.Chat.to("a1", "could not send your prize"), 1)
	assert.Len(t, env.Chat.to(creator, "needs manual intervention"), 1)
}

func TestProcessPayoutSkipsLeasedPayout(t *testing.T) {
	env := newTestEnv(t)
	_, s := env.completedWithWinner(t)
	env.strandedPayout(t, s, 0)

	_, err := env.Engine.ProcessPayout(env.Ctx, s.ID)
	assert.True(t, engine.IsConflict(err))
	assert.Zero(t, env.Pay.transferCount())
}

// strandedPayout records a pending payout whose sender stopped after the given
// number of failed attempts, still holding a one-minute lease.
func (env testEnv) strandedPayout(t *testing.T, s domain.Submission, attempts int) domain.Payout {
	t.Helper()
	ok, err := env.Engine.Repo.SetWinnerWallet(env.Ctx, nil, s.ID, "So1winner")
	require.NoError(t, err)
	require.True(t, ok)
	p, _, err := env.Engine.Repo.CreatePayout(env.Ctx, nil, domain.Payout{
		ID: "p1", SubmissionID: s.ID, ChallengeID: s.ChallengeID, Address: "So1winner",
		Amount: "0.95000000", Status: domain.PayoutPending, CreatedAt: env.now(),
	})
	require.NoError(t, err)
	now := env.now()
	ok, err = env.Engine.Repo.ClaimPayout(env.Ctx, p.ID, "crashed", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	for i := 0; i < attempts; i++ {
		_, err := env.Engine.Repo.RecordPayoutAttempt(env.Ctx, p.ID, "crashed", "timeout", now)
		require.NoError(t, err)
	}
	return p
}

func TestSweepPayoutsResumesWithinAttemptBudget(t *testing.T) {
	env := newTestEnv(t)
	_, s := env.completedWithWinner(t)
	budget := int(env.Engine.Config.Payout.MaxAttempts)
	p := env.strandedPayout(t, s, budget-1)
	env.Pay.transferErr = errors.New("provider unavailable")

	require.NoError(t, env.Engine.SweepPayouts(env.Ctx))
	assert.Zero(t, env.Pay.transferCount(), "a live lease is left alone")
	_, err := env.Engine.RetryPayout(env.Ctx, p.ID, "operator")
	assert.True(t, engine.IsConflict(err))
	assert.Zero(t, env.Pay.transferCount())

	env.advance(2 * time.Minute)
	require.NoError(t, env.Engine.SweepPayouts(env.Ctx))
	assert.Equal(t, 1, env.Pay.transferCount(), "only the remaining attempt runs")
	got, err := env.Engine.Repo.GetPayout(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutManual, got.Status)
	assert.Equal(t, budget, got.Attempts)
	assert.Len(t, env.Chat.to(creator, "needs manual intervention"), 1)
}

func TestSweepPayoutsPaysResumedPayout(t *testing.T) {
	env := newTestEnv(t)
	_, s := env.completedWithWinner(t)
	p := env.strandedPayout(t, s, 2)
	env.advance(2 * time.Minute)

	require.NoError(t, env.Engine.SweepPayouts(env.Ctx))
	got, err := env.Engine.Repo.GetPayout(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPaid, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Len(t, env.Chat.to("a1", "has been sent"), 1)

	require.NoError(t, env.Engine.SweepPayouts(env.Ctx))
	assert.Equal(t, 1, env.Pay.transferCount())
}

func TestDispatchRoutesActions(t *testing.T) {
	env := newTestEnv(t)
	env.Pay.setBalance("1")
	c := env.create(t, domain.VotingCommunity, "1")

	reply, err := env.Engine.Dispatch(env.Ctx, engine.ActionRequest{ActorID: creator, Data: domain.ActionData(domain.VerbActivate, c.ID)})
	require.NoError(t, err)
	assert.Equal(t, "open", reply.State)

	_, err = env.Engine.Dispatch(env.Ctx, engine.ActionRequest{ActorID: creator, Data: "explode_1"})
	assert.True(t, engine.IsValidation(err))

	reply, err = env.Engine.Dispatch(env.Ctx, engine.ActionRequest{ActorID: "u1", Data: domain.ActionData(domain.VerbSubmit, c.ID)})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Send the image")
}

func TestFlagsNeverRegress(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.completedWithWinner(t)
	ok, err := env.Engine.Repo.ConditionalUpdateChallenge(env.Ctx, nil, c.ID,
		repo.ChallengePredicate{Completed: repo.Bool(false)}, repo.ChallengeFields{Active: repo.Bool(false)})
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = env.Engine.Activate(env.Ctx, creator, c.ID)
	assert.True(t, engine.IsValidation(err))
	c = env.reload(t, c.ID)
	assert.True(t, c.Funded && c.Active && c.Completed)
}
