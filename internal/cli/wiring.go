package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/codegen"
	"github.com/lucasnoah/recdeploy/internal/config"
	"github.com/lucasnoah/recdeploy/internal/events"
	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/lock"
	"github.com/lucasnoah/recdeploy/internal/logging"
	"github.com/lucasnoah/recdeploy/internal/metrics"
	"github.com/lucasnoah/recdeploy/internal/orchestrator"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
	"github.com/lucasnoah/recdeploy/internal/structure"
	"github.com/lucasnoah/recdeploy/internal/telemetry"
	"github.com/lucasnoah/recdeploy/internal/testrun"
	"github.com/lucasnoah/recdeploy/internal/vcs"
)

// env holds the state every command needs: configuration, logger, the
// record store, the audit log and the operator signal store.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *record.Store
	events  *events.Log
	signals *safety.SignalStore
	closers []func()
}

// Close releases everything opened for the command, newest first.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	_ = e.logger.Sync()
}

// openEnv loads the configuration and opens the record store, audit log and
// signal store.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs[0])
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}

	e.store, err = record.OpenStore(cfg.State.Dir)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	e.events, err = events.Open(cfg.Events.Driver, cfg.Events.DSN)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() { e.events.Close() })
	if err := e.events.Migrate(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("migrate events: %w", err)
	}

	e.signals = safety.NewSignalStore(cfg.Safety.SignalDir, logger)
	return e, nil
}

func newMapper(cfg *config.Config, logger *zap.Logger) *structure.Mapper {
	return structure.NewMapper(structure.Options{
		MaxFileBytes: cfg.Mapper.MaxFileBytes,
		Ignore:       cfg.Mapper.Ignore,
		Cache:        structure.NewCache(cfg.Mapper.CacheDir),
		Logger:       logger,
	})
}

func newAnalyzer(cfg *config.Config, logger *zap.Logger) *integration.Analyzer {
	return integration.NewAnalyzer(integration.Options{
		Threshold:  cfg.Analyzer.SimilarityThreshold,
		MaxTargets: cfg.Analyzer.MaxTargets,
		MiscDir:    cfg.Repo.MiscDir,
		Logger:     logger,
	})
}

func newBackend(cfg *config.Config) (codegen.Backend, error) {
	c := cfg.Codegen
	switch c.Backend {
	case "claude-cli":
		return &codegen.ClaudeCLIBackend{Model: c.Model, Dir: cfg.Repo.Path, Runner: codegen.ExecProcess{}}, nil
	case "anthropic", "openai":
		return codegen.NewLangchainBackend(c.Backend, c.Model, codegen.Pricing{
			InputPerMTok:  c.InputCostPerMTok,
			OutputPerMTok: c.OutputCostPerMTok,
		})
	}
	return nil, fmt.Errorf("unknown codegen backend %q", c.Backend)
}

func newLedger(ctx context.Context, cfg *config.Config) (safety.Ledger, error) {
	s := cfg.Safety
	if s.RedisAddr != "" {
		return safety.DialRedisLedger(ctx, s.RedisAddr, s.RedisKey, s.CostCeilingUSD)
	}
	return safety.NewMemoryLedger(s.CostCeilingUSD), nil
}

func newReviewer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (vcs.Reviewer, error) {
	r := cfg.VCS.Review
	switch r.Provider {
	case "gh":
		return vcs.NewGHReviewer(vcs.ExecGH{}, cfg.Repo.Path), nil
	case "github-api":
		token := os.Getenv("GITHUB_TOKEN")
		if token == "" {
			return nil, fmt.Errorf("review provider github-api requires GITHUB_TOKEN")
		}
		return vcs.NewGitHubAPIReviewer(ctx, token, r.Owner, r.Repo, logger)
	case "none":
		return vcs.NoopReviewer{}, nil
	}
	return nil, fmt.Errorf("unknown review provider %q", r.Provider)
}

// pipeline is a fully wired orchestrator plus the collaborators commands
// reach for directly.
type pipeline struct {
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
}

// newPipeline builds the orchestrator from configuration. mode overrides the
// configured mode when non-empty.
func (e *env) newPipeline(ctx context.Context, mode string) (*pipeline, error) {
	cfg := e.cfg
	if mode == "" {
		mode = cfg.Mode
	}
	m, err := orchestrator.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	repo, err := filepath.Abs(cfg.Repo.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	implementer := codegen.NewImplementer(backend,
		safety.NewRateBudget(cfg.Codegen.RatePerMinute, cfg.Codegen.Burst),
		codegen.Options{
			MaxAttempts:     cfg.Codegen.MaxAttempts,
			MaxPromptBytes:  cfg.Codegen.MaxPromptBytes,
			MaxOutputTokens: cfg.Codegen.MaxOutputTokens,
			EstimateUSD:     cfg.Codegen.EstimateUSD,
			CallTimeout:     config.Duration(cfg.Codegen.Timeout, 5*time.Minute),
			TemplateDir:     cfg.Codegen.TemplateDir,
			Logger:          e.logger,
		})

	policy, err := safety.NewPolicy(cfg.Safety.Policy)
	if err != nil {
		return nil, err
	}
	w := cfg.Safety.Weights
	scorer := safety.NewScorer(safety.ScorerOpts{
		Weights:   safety.Weights{Lines: w.Lines, Files: w.Files, Confidence: w.Confidence, Tests: w.Tests, Secrets: w.Secrets},
		LineScale: cfg.Safety.LineScale,
		FileScale: cfg.Safety.FileScale,
		Threshold: cfg.Safety.ApprovalThreshold,
		Policy:    policy,
	})
	secrets, err := safety.NewSecretScanner()
	if err != nil {
		return nil, err
	}
	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var reviewer vcs.Reviewer
	if m == orchestrator.ModeFull {
		if reviewer, err = newReviewer(ctx, cfg, e.logger); err != nil {
			return nil, err
		}
	}

	tracer, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(sctx)
	})

	git := &vcs.ExecGit{}
	pushTimeout := config.Duration(cfg.VCS.PushTimeout, 2*time.Minute)
	met := metrics.New()

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:       e.store,
		Events:      e.events,
		Locker:      lock.New(filepath.Join(cfg.State.Dir, "locks"), 0),
		Mapper:      newMapper(cfg, e.logger),
		Analyzer:    newAnalyzer(cfg, e.logger),
		Implementer: implementer,
		Generator:   testrun.NewGenerator(e.logger),
		Tests:       testrun.NewRunner(&testrun.ExecRunner{}, e.logger),
		Scorer:      scorer,
		Secrets:     secrets,
		Ledger:      ledger,
		Signals:     e.signals,
		Worktrees: vcs.NewManager(git, vcs.ManagerOpts{
			RepoDir: repo,
			BaseDir: cfg.Repo.WorktreeDir,
			Remote:  cfg.Repo.Remote,
			Base:    cfg.Repo.BaseBranch,
			Logger:  e.logger,
		}),
		Workflow: vcs.NewWorkflow(git, vcs.WorkflowOpts{
			Remote:       cfg.Repo.Remote,
			Base:         cfg.Repo.BaseBranch,
			BranchPrefix: cfg.VCS.BranchPrefix,
			AuthorName:   cfg.VCS.AuthorName,
			AuthorEmail:  cfg.VCS.AuthorEmail,
			PushTimeout:  pushTimeout,
			Logger:       e.logger,
		}),
		Reviewer: reviewer,
		Metrics:  met,
		Tracer:   tracer,
		Logger:   e.logger,
	}, orchestrator.Options{
		Mode:          m,
		Workers:       cfg.Workers,
		Retries:       cfg.Retries,
		RunCeilingUSD: cfg.Safety.RunCeilingUSD,
		Tests:         testConfig(cfg.Tests),
		ApprovalPoll:  config.Duration(cfg.Safety.ApprovalPoll, 5*time.Second),
		ApprovalWait:  config.Duration(cfg.Safety.ApprovalWait, 0),
		PushTimeout:   pushTimeout,
		ReviewTimeout: config.Duration(cfg.VCS.Review.Timeout, time.Minute),
		BaseBranch:    cfg.Repo.BaseBranch,
		KeepWorktree:  cfg.Repo.KeepWorktree,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline{orch: orch, metrics: met, tracer: tracer}, nil
}

// testConfig converts the tests section. reruns counts the runs after the
// first, so an attempt runs the suite 1+reruns times.
func testConfig(t config.TestsConfig) testrun.Config {
	return testrun.Config{
		Command: t.Command,
		Parser:  t.Parser,
		Timeout: config.Duration(t.Timeout, 10*time.Minute),
		Runs:    1 + t.Reruns,
	}
}
