package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. Nested keys use "__",
// so RECDEPLOY_SAFETY__COST_CEILING_USD sets safety.cost_ceiling_usd.
const EnvPrefix = "RECDEPLOY_"

// Load reads the YAML file at path, applies RECDEPLOY_* environment overrides,
// and fills defaults. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	// .env is optional; credentials usually arrive this way.
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./recdeploy.yaml, ~/.recdeploy/config.yaml.
// With no file found, defaults plus environment are used.
func LoadDefault() (*Config, error) {
	candidates := []string{"recdeploy.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".recdeploy", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Load("")
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Duration parses a duration string, falling back to a default when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func applyDefaults(cfg *Config) {
	if cfg.Repo.Path == "" {
		cfg.Repo.Path = "."
	}
	if cfg.Repo.BaseBranch == "" {
		cfg.Repo.BaseBranch = "main"
	}
	if cfg.Repo.Remote == "" {
		cfg.Repo.Remote = "origin"
	}
	if cfg.Repo.MiscDir == "" {
		cfg.Repo.MiscDir = "misc"
	}

	if cfg.State.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.State.Dir = filepath.Join(home, ".recdeploy")
		} else {
			cfg.State.Dir = ".recdeploy"
		}
	}
	if cfg.Repo.WorktreeDir == "" {
		cfg.Repo.WorktreeDir = filepath.Join(cfg.State.Dir, "worktrees")
	}

	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "sqlite"
	}
	if cfg.Events.DSN == "" && cfg.Events.Driver == "sqlite" {
		cfg.Events.DSN = filepath.Join(cfg.State.Dir, "events.db")
	}

	if cfg.Mode == "" {
		cfg.Mode = "dry-run"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}

	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "file"
	}
	if cfg.Source.Subject == "" {
		cfg.Source.Subject = "recdeploy.recommendations"
	}
	if cfg.Source.Queue == "" {
		cfg.Source.Queue = "recdeploy-workers"
	}

	if cfg.Mapper.CacheDir == "" {
		cfg.Mapper.CacheDir = filepath.Join(cfg.State.Dir, "cache")
	}
	if cfg.Mapper.MaxFileBytes <= 0 {
		cfg.Mapper.MaxFileBytes = 1 << 20
	}

	if cfg.Analyzer.SimilarityThreshold == 0 {
		cfg.Analyzer.SimilarityThreshold = 0.35
	}
	if cfg.Analyzer.MaxTargets <= 0 {
		cfg.Analyzer.MaxTargets = 3
	}

	c := &cfg.Codegen
	if c.Backend == "" {
		c.Backend = "anthropic"
	}
	if c.MaxPromptBytes <= 0 {
		c.MaxPromptBytes = 48000
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 8192
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout == "" {
		c.Timeout = "5m"
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.InputCostPerMTok == 0 {
		c.InputCostPerMTok = 3
	}
	if c.OutputCostPerMTok == 0 {
		c.OutputCostPerMTok = 15
	}
	if c.EstimateUSD == 0 {
		c.EstimateUSD = 0.25
	}

	t := &cfg.Tests
	if t.Parser == "" {
		t.Parser = "auto"
	}
	if t.Timeout == "" {
		t.Timeout = "10m"
	}
	if t.Reruns <= 0 {
		t.Reruns = 1
	}

	s := &cfg.Safety
	if s.CostCeilingUSD == 0 {
		s.CostCeilingUSD = 10
	}
	if s.RedisKey == "" {
		s.RedisKey = "recdeploy:cost"
	}
	if s.ApprovalThreshold == 0 {
		s.ApprovalThreshold = 0.5
	}
	if s.Weights == (RiskWeights{}) {
		s.Weights = RiskWeights{Lines: 0.3, Files: 0.2, Confidence: 0.3, Tests: 0.2, Secrets: 1.0}
	}
	if s.LineScale <= 0 {
		s.LineScale = 200
	}
	if s.FileScale <= 0 {
		s.FileScale = 10
	}
	if s.SignalDir == "" {
		s.SignalDir = filepath.Join(cfg.State.Dir, "signals")
	}
	if s.ApprovalPoll == "" {
		s.ApprovalPoll = "5s"
	}

	v := &cfg.VCS
	if v.BranchPrefix == "" {
		v.BranchPrefix = "auto/"
	}
	if v.PushTimeout == "" {
		v.PushTimeout = "2m"
	}
	if v.AuthorName == "" {
		v.AuthorName = "recdeploy"
	}
	if v.AuthorEmail == "" {
		v.AuthorEmail = "recdeploy@localhost"
	}
	if v.Review.Provider == "" {
		v.Review.Provider = "gh"
	}
	if v.Review.Timeout == "" {
		v.Review.Timeout = "1m"
	}

	if cfg.Operator.Addr == "" {
		cfg.Operator.Addr = ":8088"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "recdeploy"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}
