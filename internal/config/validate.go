package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validModes     = map[string]bool{"dry-run": true, "local-commit": true, "full": true}
	validBackends  = map[string]bool{"anthropic": true, "openai": true, "claude-cli": true}
	validDrivers   = map[string]bool{"sqlite": true, "postgres": true}
	validSources   = map[string]bool{"file": true, "nats": true}
	validReviewers = map[string]bool{"gh": true, "github-api": true, "none": true}
	validParsers   = map[string]bool{"auto": true, "gotest": true, "jest": true, "vitest": true, "pytest": true, "generic": true}
	validLogFormat = map[string]bool{"json": true, "console": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Repo.Path == "" {
		add("repo.path", "is required")
	}
	if !validModes[cfg.Mode] {
		add("mode", "must be one of dry-run, local-commit, full (got %q)", cfg.Mode)
	}
	if cfg.Workers < 1 {
		add("workers", "must be at least 1")
	}
	if !validDrivers[cfg.Events.Driver] {
		add("events.driver", "unrecognized driver %q", cfg.Events.Driver)
	}
	if cfg.Events.Driver == "postgres" && cfg.Events.DSN == "" {
		add("events.dsn", "is required for postgres")
	}
	if !validSources[cfg.Source.Kind] {
		add("source.kind", "unrecognized source %q", cfg.Source.Kind)
	}
	if cfg.Source.Kind == "nats" && cfg.Source.NATSURL == "" {
		add("source.nats_url", "is required for nats source")
	}

	if t := cfg.Analyzer.SimilarityThreshold; t < 0 || t > 1 {
		add("analyzer.similarity_threshold", "must be within [0,1] (got %v)", t)
	}

	if !validBackends[cfg.Codegen.Backend] {
		add("codegen.backend", "unrecognized backend %q", cfg.Codegen.Backend)
	}
	if cfg.Codegen.MaxAttempts < 1 {
		add("codegen.max_attempts", "must be at least 1")
	}
	validateDuration("codegen.timeout", cfg.Codegen.Timeout, &errs)

	if !validParsers[cfg.Tests.Parser] {
		add("tests.parser", "unrecognized parser %q", cfg.Tests.Parser)
	}
	if cfg.Tests.Reruns < 1 {
		add("tests.reruns", "must be at least 1")
	}
	validateDuration("tests.timeout", cfg.Tests.Timeout, &errs)

	s := cfg.Safety
	if s.CostCeilingUSD <= 0 {
		add("safety.cost_ceiling_usd", "must be positive")
	}
	if s.RunCeilingUSD < 0 {
		add("safety.run_ceiling_usd", "must not be negative")
	}
	if t := s.ApprovalThreshold; t < 0 || t > 1 {
		add("safety.approval_threshold", "must be within [0,1] (got %v)", t)
	}
	w := s.Weights
	for name, v := range map[string]float64{
		"lines": w.Lines, "files": w.Files, "confidence": w.Confidence, "tests": w.Tests, "secrets": w.Secrets,
	} {
		if v < 0 {
			add("safety.weights."+name, "must not be negative")
		}
	}
	if w.Lines+w.Files+w.Confidence+w.Tests+w.Secrets == 0 {
		add("safety.weights", "at least one weight must be positive")
	}
	validateDuration("safety.approval_poll", s.ApprovalPoll, &errs)
	validateDuration("safety.approval_wait", s.ApprovalWait, &errs)

	validateDuration("vcs.push_timeout", cfg.VCS.PushTimeout, &errs)
	if !validReviewers[cfg.VCS.Review.Provider] {
		add("vcs.review.provider", "unrecognized provider %q", cfg.VCS.Review.Provider)
	}
	if cfg.VCS.Review.Provider == "github-api" && (cfg.VCS.Review.Owner == "" || cfg.VCS.Review.Repo == "") {
		add("vcs.review", "owner and repo are required for github-api")
	}

	if !validLogFormat[cfg.Log.Format] {
		add("log.format", "must be json or console (got %q)", cfg.Log.Format)
	}
	return errs
}

func validateDuration(field, value string, errs *[]ValidationError) {
	if value == "" {
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
	}
}
