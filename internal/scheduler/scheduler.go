// Package scheduler runs the periodic sweeps that move challenges forward
// without participant input. Each sweep runs under a shared processing lock so
// only one instance performs it per tick.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"memevault/internal/engine"
)

const (
	JobFunding      = "funding"
	JobVotingPhase  = "voting"
	JobFinalization = "finalization"
	JobPayouts      = "payouts"
)

// Job is one periodic sweep.
type Job struct {
	Name     string
	Interval time.Duration
	LockKey  string
	LockTTL  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns the sweep jobs of one process.
type Scheduler struct {
	Engine engine.Engine
	Jobs   []Job
	Log    zerolog.Logger
	// JitterPercent spreads tick times by up to this share of the interval.
	JitterPercent float64
	// Float returns a uniform value in [0,1). It drives jitter.
	Float func() float64

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds the funding, voting-phase, finalization and payout jobs from the
// engine config.
func New(e engine.Engine) *Scheduler {
	sw := e.Config.Sweeps
	s := &Scheduler{
		Engine:        e,
		Log:           e.Log.With().Str("component", "scheduler").Logger(),
		JitterPercent: sw.JitterPercent,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.Jobs = []Job{
		{
			Name:     JobFunding,
			Interval: sw.FundingInterval,
			LockKey:  "processing:funding_check",
			LockTTL:  sw.FundingLockTTL,
			Run:      func(ctx context.Context) error { return e.SweepFunding(ctx, false) },
		},
		{
			Name:     JobVotingPhase,
			Interval: sw.VotingInterval,
			LockKey:  "processing:voting_phase_check",
			LockTTL:  sw.VotingLockTTL,
			Run:      e.SweepVotingPhase,
		},
		{
			Name:     JobFinalization,
			Interval: sw.FinalizationInterval,
			LockKey:  "processing:finalization_check",
			LockTTL:  sw.FinalizationLockTTL,
			Run:      e.SweepFinalization,
		},
		{
			Name:     JobPayouts,
			Interval: sw.PayoutInterval,
			LockKey:  "processing:payout_check",
			LockTTL:  sw.PayoutLockTTL,
			Run:      e.SweepPayouts,
		},
	}
	return s
}

func (s *Scheduler) float() float64 {
	if s.Float != nil {
		return s.Float()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s.rng.Float64()
}

// Jitter shifts d by a uniform offset in [-pct%, +pct%] of d, where r is in [0,1).
func Jitter(d time.Duration, pct, r float64) time.Duration {
	if pct <= 0 || d <= 0 {
		return d
	}
	offset := (r*2 - 1) * pct / 100 * float64(d)
	out := d + time.Duration(offset)
	if out <= 0 {
		return d
	}
	return out
}

func (s *Scheduler) job(name string) (Job, bool) {
	for _, j := range s.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// RunOnce runs the named job if its processing lock is free. It reports
// whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (bool, error) {
	j, ok := s.job(name)
	if !ok {
		return false, fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j Job) (bool, error) {
	log := s.Log.With().Str("job", j.Name).Logger()
	lease, ok := s.Engine.Locks.Acquire(ctx, j.LockKey, j.LockTTL)
	if !ok {
		log.Debug().Msg("sweep already running elsewhere, skipping")
		s.Engine.Metrics.ObserveSweep(j.Name, "skipped", 0)
		return false, nil
	}
	defer s.Engine.Locks.Release(context.WithoutCancel(ctx), lease)

	start := time.Now()
	err := j.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.Engine.Metrics.ObserveSweep(j.Name, "failed", elapsed)
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("sweep finished with errors")
		return true, err
	}
	s.Engine.Metrics.ObserveSweep(j.Name, "ran", elapsed)
	log.Debug().Dur("elapsed", elapsed).Msg("sweep finished")
	return true, nil
}

// Recover resumes work after a restart: every unfunded challenge is checked
// immediately and pending payouts left by a stopped sender are picked up
// again. Processing locks left by a crashed instance are not touched; they
// expire on their own.
func (s *Scheduler) Recover(ctx context.Context) error {
	var result *multierror.Error
	if err := s.Engine.SweepFunding(ctx, true); err != nil {
		s.Log.Warn().Err(err).Msg("startup funding sweep finished with errors")
		result = multierror.Append(result, err)
	}
	if err := s.Engine.SweepPayouts(ctx); err != nil {
		s.Log.Warn().Err(err).Msg("startup payout sweep finished with errors")
		result = multierror.Append(result, err)
	}
	s.Log.Info().Msg("startup sweeps finished")
	return result.ErrorOrNil()
}

// Run starts every job on its own jittered ticker and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	_ = s.Recover(ctx)
	var wg sync.WaitGroup
	for _, j := range s.Jobs {
		if j.Interval <= 0 {
			s.Log.Warn().Str("job", j.Name).Msg("job has no interval, not scheduled")
			continue
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	s.Log.Info().Int("jobs", len(s.Jobs)).Msg("scheduler started")
	wg.Wait()
	s.Log.Info().Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	timer := time.NewTimer(Jitter(j.Interval, s.JitterPercent, s.float()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// errors are logged and counted in run; the next tick retries
		_, _ = s.run(ctx, j)
		timer.Reset(Jitter(j.Interval, s.JitterPercent, s.float()))
	}
}
