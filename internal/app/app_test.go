package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memevault/internal/config"
	"memevault/internal/lock"
	"memevault/internal/scheduler"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"k":"v"`)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	_, err = NewLogger(&buf, "loud", "json")
	require.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	require.Error(t, err)

	log, err = NewLogger(&buf, "", "")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestLoadConfigPrefersExplicitPath(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadConfig(ws, "")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Fees.Percent, cfg.Fees.Percent)

	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("fees:\n  percent: 7\n"), 0o644))
	cfg, err = LoadConfig(ws, path)
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.Fees.Percent)

	_, err = LoadConfig(ws, filepath.Join(ws, "missing.yml"))
	require.Error(t, err)
}

func TestBuildUsesSQLLocksWithoutRedis(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), Log: zerolog.Nop()})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Redis)
	_, ok := a.Engine.Locks.Store.(lock.SQLStore)
	assert.True(t, ok)
	require.NotNil(t, a.Engine.Payments)
	require.NotNil(t, a.Engine.Messenger)
	assert.Same(t, a.Metrics, a.Engine.Metrics)

	ran, err := a.Scheduler().RunOnce(ctx, scheduler.JobFinalization)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestBuildUsesRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()

	ctx := context.Background()
	a, err := Build(ctx, cfg, Options{Workspace: t.TempDir(), Log: zerolog.Nop()})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Redis)
	_, ok := a.Engine.Locks.Store.(*lock.RedisStore)
	require.True(t, ok)

	lease, ok := a.Engine.Locks.Acquire(ctx, "processing:funding_check", cfg.Sweeps.FundingLockTTL)
	require.True(t, ok)
	assert.True(t, mr.Exists(redisKeyPrefix+"processing:funding_check"))
	a.Engine.Locks.Release(ctx, lease)
	assert.False(t, mr.Exists(redisKeyPrefix+"processing:funding_check"))
}
