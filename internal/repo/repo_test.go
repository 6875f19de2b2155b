package repo_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memevault/internal/db"
	"memevault/internal/domain"
	"memevault/internal/migrate"
	"memevault/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}, ctx
}

func seedChallenge(t *testing.T, r repo.Repo, ctx context.Context, id string) domain.Challenge {
	t.Helper()
	c := domain.Challenge{
		ID: id, GroupID: "g1", CreatorID: "creator", Title: "Best meme", Currency: "Solana", PrizePool: "1",
		VotingMethod: domain.VotingCommunity, EntriesPerUser: 1, StartDate: t0, EndDate: t0.Add(48 * time.Hour),
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, r.InsertChallenge(ctx, nil, c))
	return c
}

func TestChallengeRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "c1")
	got, err := r.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Best meme", got.Title)
	assert.True(t, got.EndDate.Equal(t0.Add(48*time.Hour)))
	assert.Nil(t, got.WinnerID)
	assert.False(t, got.Funded)

	_, err = r.GetChallenge(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConditionalUpdateChallenge(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "c1")

	ok, err := r.ConditionalUpdateChallenge(ctx, nil, "c1", repo.ChallengePredicate{Funded: repo.Bool(false)},
		repo.ChallengeFields{Funded: repo.Bool(true), UpdatedAt: t0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ConditionalUpdateChallenge(ctx, nil, "c1", repo.ChallengePredicate{Funded: repo.Bool(false)},
		repo.ChallengeFields{Funded: repo.Bool(true), UpdatedAt: t0})
	require.NoError(t, err)
	assert.False(t, ok, "second transition must not apply")

	_, err = r.ConditionalUpdateChallenge(ctx, nil, "nope", repo.ChallengePredicate{}, repo.ChallengeFields{UpdatedAt: t0})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentCommitWinnerAppliesOnce(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "c1")
	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := r.ConditionalUpdateChallenge(ctx, nil, "c1", repo.ChallengePredicate{Completed: repo.Bool(false)},
				repo.ChallengeFields{Completed: repo.Bool(true), WinnerID: repo.String(fmt.Sprintf("s%d", i)), UpdatedAt: t0})
			assert.NoError(t, err)
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)
	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestListChallengesFundingDue(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "due")
	seedChallenge(t, r, ctx, "later")
	later := t0.Add(time.Hour)
	_, err := r.ConditionalUpdateChallenge(ctx, nil, "later", repo.ChallengePredicate{},
		repo.ChallengeFields{NextFundingCheckAt: &later, UpdatedAt: t0})
	require.NoError(t, err)

	now := t0.Add(time.Minute)
	list, err := r.ListChallenges(ctx, repo.ChallengeFilters{Funded: repo.Bool(false), FundingDueBefore: &now})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "due", list[0].ID)
}

func TestSubmissionCaps(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "c1")
	sub := func(id, user string) domain.Submission {
		return domain.Submission{ID: id, ChallengeID: "c1", UserID: user, ContentRef: "file-" + id, CreatedAt: t0}
	}
	ok, err := r.InsertSubmissionCapped(ctx, nil, sub("s1", "u1"), 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.InsertSubmissionCapped(ctx, nil, sub("s2", "u1"), 1, 2)
	require.NoError(t, err)
	assert.False(t, ok, "per-user cap")

	ok, err = r.InsertSubmissionCapped(ctx, nil, sub("s3", "u2"), 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.InsertSubmissionCapped(ctx, nil, sub("s4", "u3"), 1, 2)
	require.NoError(t, err)
	assert.False(t, ok, "total cap")

	total, byUser, err := r.CountSubmissions(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, byUser)
}

func TestCastVoteOncePerChallenge(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "c1")
	for _, id := range []string{"s1", "s2"} {
		_, err := r.InsertSubmissionCapped(ctx, nil, domain.Submission{ID: id, ChallengeID: "c1", UserID: "author-" + id, ContentRef: "x", CreatedAt: t0}, 1, 0)
		require.NoError(t, err)
	}
	ok, err := r.CastVote(ctx, nil, "c1", "s1", "voter", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.CastVote(ctx, nil, "c1", "s2", "voter", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	subs, err := r.ListSubmissions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, 1, subs[0].Votes)
	assert.Equal(t, []string{"voter"}, subs[0].Voters)
	assert.Equal(t, 0, subs[1].Votes)

	n, err := r.CountVoters(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLocksExpire(t *testing.T) {
	r, ctx := newRepo(t)
	ok, err := r.TryLock(ctx, "k", "a", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.TryLock(ctx, "k", "b", t0.Add(30*time.Second), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.TryLock(ctx, "k", "b", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken over")

	require.NoError(t, r.DeleteLock(ctx, "k", "a"))
	v, err := r.GetLock(ctx, "k", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "b", v, "delete by a stale holder is ignored")
}

func TestPayoutCreateIsIdempotent(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "c1")
	_, err := r.InsertSubmissionCapped(ctx, nil, domain.Submission{ID: "s1", ChallengeID: "c1", UserID: "u", ContentRef: "x", CreatedAt: t0}, 1, 0)
	require.NoError(t, err)
	p := domain.Payout{ID: "p1", SubmissionID: "s1", ChallengeID: "c1", Address: "addr", Amount: "0.95", Status: domain.PayoutPending, CreatedAt: t0}
	_, created, err := r.CreatePayout(ctx, nil, p)
	require.NoError(t, err)
	assert.True(t, created)
	p.ID = "p2"
	stored, created, err := r.CreatePayout(ctx, nil, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "p1", stored.ID)

	ok, err := r.TransitionPayout(ctx, nil, "p1", domain.PayoutPending, domain.PayoutPaid, "tx-1", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.TransitionPayout(ctx, nil, "p1", domain.PayoutPending, domain.PayoutPaid, "tx-2", t0)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := r.GetPayout(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.TxID)
}

func TestPayoutLeaseIsExclusive(t *testing.T) {
	r, ctx := newRepo(t)
	seedChallenge(t, r, ctx, "c1")
	_, err := r.InsertSubmissionCapped(ctx, nil, domain.Submission{ID: "s1", ChallengeID: "c1", UserID: "u", ContentRef: "x", CreatedAt: t0}, 1, 0)
	require.NoError(t, err)
	_, _, err = r.CreatePayout(ctx, nil, domain.Payout{ID: "p1", SubmissionID: "s1", ChallengeID: "c1", Address: "addr", Amount: "0.95", Status: domain.PayoutPending, CreatedAt: t0})
	require.NoError(t, err)

	ok, err := r.ClaimPayout(ctx, "p1", "a", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.ClaimPayout(ctx, "p1", "b", t0.Add(30*time.Second), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "held lease blocks a second sender")

	recorded, err := r.RecordPayoutAttempt(ctx, "p1", "b", "boom", t0)
	require.NoError(t, err)
	assert.False(t, recorded, "only the holder records attempts")
	recorded, err = r.RecordPayoutAttempt(ctx, "p1", "a", "boom", t0)
	require.NoError(t, err)
	assert.True(t, recorded)

	ok, err = r.ClaimPayout(ctx, "p1", "b", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")
	recorded, err = r.RecordPayoutAttempt(ctx, "p1", "a", "late", t0)
	require.NoError(t, err)
	assert.False(t, recorded)

	require.NoError(t, r.ReleasePayout(ctx, "p1", "b"))
	ok, err = r.TransitionPayout(ctx, nil, "p1", domain.PayoutPending, domain.PayoutManual, "", t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.ClaimPayout(ctx, "p1", "c", t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "manual payouts cannot be leased")

	ok, err = r.RequeuePayout(ctx, nil, "p1", t0)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := r.GetPayout(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}
