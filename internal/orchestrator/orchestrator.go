// Package orchestrator drives recommendations through the deployment state
// machine with a bounded pool of workers. The DeploymentRecord is persisted
// after every transition and is the only state a resumed run relies on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/recdeploy/internal/codegen"
	"github.com/lucasnoah/recdeploy/internal/events"
	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/lock"
	"github.com/lucasnoah/recdeploy/internal/metrics"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
	"github.com/lucasnoah/recdeploy/internal/structure"
	"github.com/lucasnoah/recdeploy/internal/telemetry"
	"github.com/lucasnoah/recdeploy/internal/testrun"
	"github.com/lucasnoah/recdeploy/internal/vcs"
)

// Mode selects how far a run goes.
type Mode string

const (
	// ModeDryRun runs through the safety gate, reports what would happen,
	// and rolls the worktree back.
	ModeDryRun Mode = "dry-run"
	// ModeLocalCommit commits on the recommendation's branch but neither
	// pushes nor opens a review.
	ModeLocalCommit Mode = "local-commit"
	// ModeFull pushes and opens a review request.
	ModeFull Mode = "full"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDryRun, ModeLocalCommit, ModeFull:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want dry-run, local-commit or full)", s)
}

// Deps are the collaborators of an Orchestrator. Events, Secrets, Metrics
// and Tracer are optional.
type Deps struct {
	Store       *record.Store
	Events      *events.Log
	Locker      *lock.Locker
	Mapper      *structure.Mapper
	Analyzer    *integration.Analyzer
	Implementer *codegen.Implementer
	Generator   *testrun.Generator
	Tests       *testrun.Runner
	Scorer      *safety.Scorer
	Secrets     *safety.SecretScanner
	Ledger      safety.Ledger
	Signals     *safety.SignalStore
	Worktrees   *vcs.Manager
	Workflow    *vcs.Workflow
	Reviewer    vcs.Reviewer
	Metrics     *metrics.Metrics
	Tracer      *telemetry.Tracer
	Logger      *zap.Logger
}

// Options tune a run.
type Options struct {
	Mode          Mode
	Workers       int
	Retries       int     // extra attempts after a timed-out test run, push or review call
	RunCeilingUSD float64 // per recommendation; 0 leaves only the shared ceiling
	Tests         testrun.Config
	ApprovalPoll  time.Duration
	ApprovalWait  time.Duration // 0 parks the run at AwaitingApproval
	PushTimeout   time.Duration
	ReviewTimeout time.Duration
	BaseBranch    string
	KeepWorktree  bool
}

// Orchestrator runs the state machine.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

var errCancelRequested = errors.New("cancel requested")

// errParked stops a run that is waiting on an operator without failing it.
var errParked = errors.New("parked awaiting approval")

// New creates an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator requires a record store")
	case deps.Locker == nil:
		return nil, errors.New("orchestrator requires a locker")
	case deps.Mapper == nil || deps.Analyzer == nil:
		return nil, errors.New("orchestrator requires a mapper and analyzer")
	case deps.Implementer == nil || deps.Tests == nil || deps.Generator == nil:
		return nil, errors.New("orchestrator requires an implementer, test generator and test runner")
	case deps.Scorer == nil || deps.Ledger == nil || deps.Signals == nil:
		return nil, errors.New("orchestrator requires a risk scorer, cost ledger and signal store")
	case deps.Worktrees == nil || deps.Workflow == nil:
		return nil, errors.New("orchestrator requires a worktree manager and workflow")
	}
	if opts.Mode == "" {
		opts.Mode = ModeDryRun
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Mode == ModeFull && deps.Reviewer == nil {
		return nil, errors.New("full mode requires a reviewer")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 2 * time.Minute
	}
	if opts.ReviewTimeout <= 0 {
		opts.ReviewTimeout = time.Minute
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Noop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.Named("orchestrator"),
		active: make(map[string]context.CancelCauseFunc),
	}, nil
}

// Mode returns the configured mode.
func (o *Orchestrator) Mode() Mode {
	return o.opts.Mode
}

// Process runs rec to a terminal stage, or until it parks awaiting
// approval. A record that already exists is resumed from its last
// persisted stage; a terminal one is returned unchanged. Pipeline failures
// are recorded on the returned record, not returned as errors. Errors mean
// the run could not start or was interrupted; an id already being processed
// returns an error matching lock.ErrLockHeld.
func (o *Orchestrator) Process(ctx context.Context, rec recommendation.Recommendation) (*record.DeploymentRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	release, err := o.deps.Locker.Acquire(rec.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := o.deps.Store.Get(rec.ID)
	switch {
	case errors.Is(err, record.ErrNotFound):
		r, err = o.create(ctx, rec)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case r.Terminal():
		o.logger.Info("recommendation already finished", zap.String("rec", rec.ID), zap.String("stage", string(r.CurrentStage)))
		return r, nil
	default:
		o.logger.Info("resuming recommendation", zap.String("rec", rec.ID), zap.String("stage", string(r.CurrentStage)))
	}
	return o.drive(ctx, rec, r)
}

// Resume continues a persisted, non-terminal record by id.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*record.DeploymentRecord, error) {
	r, err := o.deps.Store.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return r, nil
	}
	var rec recommendation.Recommendation
	if err := o.deps.Store.LoadArtifact(id, artifactRecommendation, &rec); err != nil {
		return nil, fmt.Errorf("load recommendation for %s: %w", id, err)
	}
	return o.Process(ctx, rec)
}

// Pending returns the ids of every non-terminal record, oldest first.
func (o *Orchestrator) Pending() ([]string, error) {
	recs, err := o.deps.Store.List("")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range recs {
		if !r.Terminal() {
			ids = append(ids, r.RecommendationID)
		}
	}
	return ids, nil
}

func (o *Orchestrator) create(ctx context.Context, rec recommendation.Recommendation) (*record.DeploymentRecord, error) {
	r, err := o.deps.Store.Create(record.CreateOpts{
		ID:    rec.ID,
		Title: rec.Title,
		RunID: uuid.NewString(),
		Mode:  string(o.opts.Mode),
	})
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if err := o.deps.Store.SaveArtifact(rec.ID, artifactRecommendation, rec); err != nil {
		return nil, fmt.Errorf("save recommendation: %w", err)
	}
	o.event(ctx, r, "created", 0, rec.Title)
	return r, nil
}

// Result is the outcome of one recommendation in a batch.
type Result struct {
	ID     string
	Record *record.DeploymentRecord
	Err    error
}

// RunAll processes recs on the worker pool and returns one Result per
// recommendation in input order.
func (o *Orchestrator) RunAll(ctx context.Context, recs []recommendation.Recommendation) []Result {
	results := make([]Result, len(recs))
	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, rec := range recs {
		g.Go(func() error {
			r, err := o.Process(ctx, rec)
			results[i] = Result{ID: rec.ID, Record: r, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RunSource feeds recommendations from src to the worker pool until the
// source is exhausted or ctx is done. fn, if set, is called as each
// recommendation finishes.
func (o *Orchestrator) RunSource(ctx context.Context, src recommendation.Source, fn func(Result)) error {
	ch := make(chan recommendation.Recommendation)
	srcErr := make(chan error, 1)
	go func() {
		defer close(ch)
		srcErr <- src.Recommendations(ctx, ch)
	}()

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(o.opts.Workers)
	for rec := range ch {
		g.Go(func() error {
			r, err := o.Process(ctx, rec)
			if fn != nil {
				mu.Lock()
				fn(Result{ID: rec.ID, Record: r, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := <-srcErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Cancel asks the run for id to stop at its next stage boundary and roll
// back. The request is persisted, so it also reaches runs in other
// processes and runs parked awaiting approval.
func (o *Orchestrator) Cancel(id, by string) error {
	if err := o.deps.Signals.RequestCancel(id, by); err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return nil
}

// WatchApprovals resumes parked runs as operator decisions arrive, until
// ctx is done. Decisions already on disk are picked up at start.
func (o *Orchestrator) WatchApprovals(ctx context.Context) error {
	var wg sync.WaitGroup
	resume := func(id string) {
		r, err := o.deps.Store.Get(id)
		if err != nil || r.CurrentStage != record.StageAwaitingApproval {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Resume(ctx, id); err != nil && !IsLockHeld(err) {
				o.logger.Warn("resume after decision failed", zap.String("rec", id), zap.Error(err))
			}
		}()
	}

	parked, err := o.deps.Store.List(record.StatusAwaitingApproval)
	if err != nil {
		return err
	}
	for _, r := range parked {
		if sig, _ := o.deps.Signals.Decision(r.RecommendationID); sig != nil || o.deps.Signals.CancelRequested(r.RecommendationID) {
			resume(r.RecommendationID)
		}
	}
	err = o.deps.Signals.Watch(ctx, resume)
	wg.Wait()
	return err
}

func (o *Orchestrator) track(ctx context.Context, id string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	o.active[id] = cancel
	o.mu.Unlock()
	return runCtx, func() {
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
		cancel(nil)
	}
}

// cancelRequested reports an explicit cancel, as opposed to the process
// shutting down.
func (o *Orchestrator) cancelRequested(ctx context.Context, id string) bool {
	return errors.Is(context.Cause(ctx), errCancelRequested) || o.deps.Signals.CancelRequested(id)
}

func (o *Orchestrator) event(ctx context.Context, r *record.DeploymentRecord, name string, attempt int, detail string) {
	if o.deps.Events == nil || r == nil {
		return
	}
	err := o.deps.Events.LogEvent(context.WithoutCancel(ctx), events.Event{
		RecID:   r.RecommendationID,
		RunID:   r.RunID,
		Event:   name,
		Stage:   string(r.CurrentStage),
		Attempt: attempt,
		Detail:  detail,
	})
	if err != nil {
		o.logger.Warn("audit event not recorded", zap.String("rec", r.RecommendationID), zap.String("event", name), zap.Error(err))
	}
}
