package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memevault/internal/config"
	"memevault/internal/db"
	"memevault/internal/engine"
	"memevault/internal/metrics"
	"memevault/internal/migrate"
	"memevault/internal/scheduler"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(conn, config.Default())
	e.Metrics = metrics.New()
	return scheduler.New(e)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	d := 10 * time.Minute
	assert.Equal(t, 9*time.Minute, scheduler.Jitter(d, 10, 0))
	assert.Equal(t, d, scheduler.Jitter(d, 10, 0.5))
	for _, r := range []float64{0, 0.1, 0.5, 0.9, 0.999} {
		got := scheduler.Jitter(d, 10, r)
		assert.GreaterOrEqual(t, got, 9*time.Minute)
		assert.Less(t, got, 11*time.Minute)
	}
	assert.Equal(t, d, scheduler.Jitter(d, 0, 0.9))
}

func TestNewBuildsJobsFromConfig(t *testing.T) {
	s := newScheduler(t)
	require.Len(t, s.Jobs, 4)
	keys := map[string]string{}
	for _, j := range s.Jobs {
		keys[j.Name] = j.LockKey
	}
	assert.Equal(t, "processing:voting_phase_check", keys[scheduler.JobVotingPhase])
	assert.Equal(t, "processing:finalization_check", keys[scheduler.JobFinalization])
	assert.Equal(t, "processing:funding_check", keys[scheduler.JobFunding])
	assert.Equal(t, "processing:payout_check", keys[scheduler.JobPayouts])
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	s := newScheduler(t)
	ctx := context.Background()
	var runs int32
	s.Jobs = []scheduler.Job{{
		Name: "sample", Interval: time.Minute, LockKey: "processing:sample", LockTTL: time.Minute,
		Run: func(context.Context) error { atomic.AddInt32(&runs, 1); return nil },
	}}

	lease, ok := s.Engine.Locks.Acquire(ctx, "processing:sample", time.Minute)
	require.True(t, ok)
	ran, err := s.RunOnce(ctx, "sample")
	require.NoError(t, err)
	assert.False(t, ran)

	s.Engine.Locks.Release(ctx, lease)
	ran, err = s.RunOnce(ctx, "sample")
	require.NoError(t, err)
	assert.True(t, ran)
	ran, err = s.RunOnce(ctx, "sample")
	require.NoError(t, err)
	assert.True(t, ran, "the lock is released after each run")
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestRunOnceReportsErrorsAndUnknownJobs(t *testing.T) {
	s := newScheduler(t)
	boom := errors.New("boom")
	s.Jobs = append(s.Jobs, scheduler.Job{
		Name: "failing", Interval: time.Minute, LockKey: "processing:failing", LockTTL: time.Minute,
		Run: func(context.Context) error { return boom },
	})
	ran, err := s.RunOnce(context.Background(), "failing")
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Engine.Metrics.SweepRuns.WithLabelValues("failing", "failed")))

	_, err = s.RunOnce(context.Background(), "nope")
	assert.Error(t, err)
}

func TestBuiltInSweepsRunOnEmptyStore(t *testing.T) {
	s := newScheduler(t)
	for _, name := range []string{scheduler.JobFunding, scheduler.JobVotingPhase, scheduler.JobFinalization, scheduler.JobPayouts} {
		ran, err := s.RunOnce(context.Background(), name)
		require.NoError(t, err, name)
		assert.True(t, ran, name)
	}
	require.NoError(t, s.Recover(context.Background()))
}

func TestRunStopsWithContext(t *testing.T) {
	s := newScheduler(t)
	var runs int32
	s.JitterPercent = 0
	s.Jobs = []scheduler.Job{{
		Name: "tick", Interval: 5 * time.Millisecond, LockKey: "processing:tick", LockTTL: time.Second,
		Run: func(context.Context) error { atomic.AddInt32(&runs, 1); return nil },
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
