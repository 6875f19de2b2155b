package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models memevault.yml.
type Config struct {
	Fees struct {
		Percent float64 `yaml:"percent"`
	} `yaml:"fees"`
	Funding struct {
		BaseDelay     time.Duration `yaml:"base_delay"`
		MaxDelay      time.Duration `yaml:"max_delay"`
		Factor        float64       `yaml:"factor"`
		ReminderEvery int           `yaml:"reminder_every"`
		ErrorDelay    time.Duration `yaml:"error_delay"`
	} `yaml:"funding"`
	Sweeps struct {
		FundingInterval      time.Duration `yaml:"funding_interval"`
		VotingInterval       time.Duration `yaml:"voting_interval"`
		FinalizationInterval time.Duration `yaml:"finalization_interval"`
		PayoutInterval       time.Duration `yaml:"payout_interval"`
		JitterPercent        float64       `yaml:"jitter_percent"`
		FundingLockTTL       time.Duration `yaml:"funding_lock_ttl"`
		VotingLockTTL        time.Duration `yaml:"voting_lock_ttl"`
		FinalizationLockTTL  time.Duration `yaml:"finalization_lock_ttl"`
		PayoutLockTTL        time.Duration `yaml:"payout_lock_ttl"`
	} `yaml:"sweeps"`
	Finalization struct {
		CommunityBuffer  time.Duration `yaml:"community_buffer"`
		AdminTimeout     time.Duration `yaml:"admin_timeout"`
		Thresholds       []Threshold   `yaml:"thresholds"`
		DefaultPercent   float64       `yaml:"default_percent"`
		VoterOverhead    int           `yaml:"voter_overhead"`
		MinEligible      int           `yaml:"min_eligible"`
		FallbackEligible int           `yaml:"fallback_eligible"`
	} `yaml:"finalization"`
	Voting struct {
		ReminderAfter time.Duration `yaml:"reminder_after"`
		SessionTTL    time.Duration `yaml:"session_ttl"`
		NoticeTTL     time.Duration `yaml:"notice_ttl"`
		ReminderTTL   time.Duration `yaml:"reminder_ttl"`
	} `yaml:"voting"`
	Payout struct {
		MaxAttempts  uint64        `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
	} `yaml:"payout"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Payment struct {
		BaseURL     string        `yaml:"base_url"`
		MerchantKey string        `yaml:"merchant_key"`
		PayoutKey   string        `yaml:"payout_key"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"payment"`
	Telegram struct {
		APIURL  string        `yaml:"api_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"telegram"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards lifecycle events to an HTTP endpoint. An empty Events
// list forwards every event type.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Threshold is one early-finalization bucket: groups of at least MinGroupSize
// members finalize once more than Percent of the eligible voters have voted.
type Threshold struct {
	MinGroupSize int     `yaml:"min_group_size"`
	Percent      float64 `yaml:"percent"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Fees.Percent < 0 || c.Fees.Percent >= 100 {
		return fmt.Errorf("fees.percent must be in [0,100)")
	}
	if c.Funding.BaseDelay <= 0 {
		return fmt.Errorf("funding.base_delay is required")
	}
	if c.Funding.MaxDelay < c.Funding.BaseDelay {
		return fmt.Errorf("funding.max_delay must be >= funding.base_delay")
	}
	if c.Funding.Factor < 1 {
		return fmt.Errorf("funding.factor must be >= 1")
	}
	if c.Funding.ReminderEvery < 0 {
		return fmt.Errorf("funding.reminder_every must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"sweeps.funding_interval":      c.Sweeps.FundingInterval,
		"sweeps.voting_interval":       c.Sweeps.VotingInterval,
		"sweeps.finalization_interval": c.Sweeps.FinalizationInterval,
		"sweeps.payout_interval":       c.Sweeps.PayoutInterval,
		"sweeps.funding_lock_ttl":      c.Sweeps.FundingLockTTL,
		"sweeps.voting_lock_ttl":       c.Sweeps.VotingLockTTL,
		"sweeps.finalization_lock_ttl": c.Sweeps.FinalizationLockTTL,
		"sweeps.payout_lock_ttl":       c.Sweeps.PayoutLockTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sweeps.JitterPercent < 0 || c.Sweeps.JitterPercent > 50 {
		return fmt.Errorf("sweeps.jitter_percent must be in [0,50]")
	}
	if c.Finalization.CommunityBuffer < 0 || c.Finalization.AdminTimeout <= 0 {
		return fmt.Errorf("finalization windows must be positive")
	}
	for _, th := range c.Finalization.Thresholds {
		if th.Percent <= 0 || th.Percent > 100 {
			return fmt.Errorf("threshold for group size %d has invalid percent %v", th.MinGroupSize, th.Percent)
		}
	}
	if c.Finalization.DefaultPercent <= 0 || c.Finalization.DefaultPercent > 100 {
		return fmt.Errorf("finalization.default_percent must be in (0,100]")
	}
	if c.Payout.MaxAttempts == 0 {
		return fmt.Errorf("payout.max_attempts must be at least 1")
	}
	if c.Payout.InitialDelay <= 0 {
		return fmt.Errorf("payout.initial_delay is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// SortedThresholds returns the early-finalization buckets, largest group size first.
func (c *Config) SortedThresholds() []Threshold {
	out := append([]Threshold(nil), c.Finalization.Thresholds...)
	sort.Slice(out, func(i, j int) bool { return out[i].MinGroupSize > out[j].MinGroupSize })
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "memevault.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `fees:
  percent: 5

funding:
  base_delay: 5m
  max_delay: 1h
  factor: 1.5
  reminder_every: 3
  error_delay: 10m

sweeps:
  funding_interval: 1m
  voting_interval: 5m
  finalization_interval: 15m
  payout_interval: 5m
  jitter_percent: 10
  funding_lock_ttl: 2m
  voting_lock_ttl: 5m
  finalization_lock_ttl: 15m
  payout_lock_ttl: 5m

finalization:
  community_buffer: 24h
  admin_timeout: 48h
  thresholds:
    - min_group_size: 100
      percent: 30
    - min_group_size: 50
      percent: 40
  default_percent: 50
  voter_overhead: 5
  min_eligible: 10
  fallback_eligible: 100

voting:
  reminder_after: 20h
  session_ttl: 2h
  notice_ttl: 168h
  reminder_ttl: 30h

payout:
  max_attempts: 5
  initial_delay: 30s
  max_delay: 10m

redis:
  addr: ""
  db: 0

payment:
  base_url: https://api.oxapay.com/v1
  timeout: 15s

telegram:
  api_url: https://api.telegram.org
  timeout: 15s

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: console

webhooks: []
`
