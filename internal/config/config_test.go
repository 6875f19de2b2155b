package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Funding.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Funding.MaxDelay)
	assert.Equal(t, 1.5, cfg.Funding.Factor)
	assert.Equal(t, 24*time.Hour, cfg.Finalization.CommunityBuffer)
	assert.Equal(t, 48*time.Hour, cfg.Finalization.AdminTimeout)
	assert.Equal(t, uint64(5), cfg.Payout.MaxAttempts)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Empty(t, cfg.Webhooks)
}

func TestSortedThresholdsLargestFirst(t *testing.T) {
	cfg := Default()
	cfg.Finalization.Thresholds = []Threshold{{MinGroupSize: 50, Percent: 40}, {MinGroupSize: 200, Percent: 20}, {MinGroupSize: 100, Percent: 30}}
	got := cfg.SortedThresholds()
	require.Len(t, got, 3)
	assert.Equal(t, []int{200, 100, 50}, []int{got[0].MinGroupSize, got[1].MinGroupSize, got[2].MinGroupSize})
	assert.Equal(t, 50, cfg.Finalization.Thresholds[0].MinGroupSize)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("funding:\n  base_delay: 1m\n  max_delay: 10m\nwebhooks:\n  - url: http://hooks.local/mv\n    events: [challenge.completed]\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Funding.BaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.Funding.MaxDelay)
	assert.Equal(t, 1.5, cfg.Funding.Factor)
	assert.Equal(t, 5.0, cfg.Fees.Percent)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"challenge.completed"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"fee out of range":      "fees:\n  percent: 100\n",
		"max below base":        "funding:\n  base_delay: 10m\n  max_delay: 5m\n",
		"factor below one":      "funding:\n  factor: 0.5\n",
		"zero sweep interval":   "sweeps:\n  voting_interval: 0s\n",
		"jitter too large":      "sweeps:\n  jitter_percent: 80\n",
		"bad threshold percent": "finalization:\n  thresholds:\n    - min_group_size: 10\n      percent: 120\n",
		"no payout attempts":    "payout:\n  max_attempts: 0\n",
		"webhook without url":   "webhooks:\n  - events: [challenge.created]\n",
		"malformed yaml":        "fees: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadOptional(ws)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(ws, "memevault.yml"), []byte("voting:\n  reminder_after: 12h\n"), 0o644))
	cfg, err = LoadOptional(ws)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, cfg.Voting.ReminderAfter)
	assert.Equal(t, Path(ws), filepath.Join(ws, "memevault.yml"))
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
