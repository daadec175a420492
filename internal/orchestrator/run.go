package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/codegen"
	"github.com/lucasnoah/recdeploy/internal/events"
	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
	"github.com/lucasnoah/recdeploy/internal/structure"
	"github.com/lucasnoah/recdeploy/internal/telemetry"
	"github.com/lucasnoah/recdeploy/internal/testrun"
)

// Artifact names stored next to a record. The latest write wins.
const (
	artifactRecommendation = "recommendation"
	artifactPlan           = "plan"
	artifactImplementation = "implementation"
	artifactTests          = "tests"
	artifactRisk           = "risk"
	artifactSnapshot       = "snapshot"
)

// Implementation is the stored implementation artifact: the validated
// change plus the generated tests.
type Implementation struct {
	Result *codegen.Result      `json:"result"`
	Tests  []codegen.FileChange `json:"tests,omitempty"`
}

// Files returns the change followed by the generated tests.
func (i *Implementation) Files() []codegen.FileChange {
	files := append([]codegen.FileChange(nil), i.Result.Files...)
	return append(files, i.Tests...)
}

// Risk is the stored risk artifact.
type Risk struct {
	Assessment *safety.Assessment     `json:"assessment"`
	Secrets    []safety.SecretFinding `json:"secrets,omitempty"`
}

// run is the in-memory state of one worker's pass over a record. Anything
// missing after a restart is reloaded from artifacts.
type run struct {
	rec     recommendation.Recommendation
	r       *record.DeploymentRecord
	budget  *safety.RunBudget
	idx     *structure.Index
	plan    *integration.Plan
	impl    *Implementation
	outcome *testrun.Outcome
	snap    *safety.Snapshot
	log     *zap.Logger
}

func (o *Orchestrator) drive(ctx context.Context, rec recommendation.Recommendation, r *record.DeploymentRecord) (*record.DeploymentRecord, error) {
	done := o.deps.Metrics.Started()
	defer done()
	runCtx, untrack := o.track(ctx, rec.ID)
	defer untrack()
	runCtx, span := o.deps.Tracer.StartRun(runCtx, rec.ID, r.RunID, string(o.opts.Mode))

	st := &run{
		rec: rec,
		r:   r,
		log: o.logger.With(zap.String("rec", rec.ID), zap.String("run", r.RunID)),
	}
	st.budget = safety.NewRunBudget(o.deps.Ledger, o.opts.RunCeilingUSD, r.CumulativeCost, func(c safety.Charge) error {
		return o.charge(runCtx, st, c)
	})
	if r.Mode != string(o.opts.Mode) {
		updated, err := o.deps.Store.Update(rec.ID, func(r *record.DeploymentRecord) error {
			r.Mode = string(o.opts.Mode)
			return nil
		})
		if err != nil {
			telemetry.End(span, err)
			return r, err
		}
		st.r = updated
	}

	for !st.r.Terminal() {
		if o.cancelRequested(runCtx, rec.ID) {
			o.finishFailed(runCtx, st, &StageError{Kind: KindCancelled, Stage: nextStage(st.r.CurrentStage), Err: errCancelRequested})
			break
		}
		if err := runCtx.Err(); err != nil {
			st.log.Warn("run interrupted; resumable from last stage", zap.String("stage", string(st.r.CurrentStage)))
			telemetry.End(span, err)
			return st.r, err
		}

		err := o.advance(runCtx, st)
		if errors.Is(err, errParked) {
			st.log.Info("parked awaiting approval", zap.Float64("risk", st.r.RiskScore))
			break
		}
		if err != nil {
			var se *StageError
			if !errors.As(err, &se) {
				se = classify(nextStage(st.r.CurrentStage), err)
			}
			if se.Kind == KindCancelled && !o.cancelRequested(runCtx, rec.ID) {
				// The process is shutting down; keep the record resumable.
				telemetry.End(span, err)
				return st.r, runCtx.Err()
			}
			o.finishFailed(runCtx, st, se)
		}
	}
	telemetry.End(span, nil,
		attribute.String("stage", string(st.r.CurrentStage)),
		attribute.Float64("cost_usd", st.r.CumulativeCost),
	)
	return st.r, nil
}

// nextStage is the stage a record at s is working towards.
func nextStage(s record.Stage) record.Stage {
	switch s {
	case record.StagePending:
		return record.StageMapped
	case record.StageMapped:
		return record.StagePlanReady
	case record.StagePlanReady:
		return record.StageImplemented
	case record.StageImplemented:
		return record.StageTested
	case record.StageTested, record.StageAwaitingApproval:
		return record.StageCommitted
	case record.StageCommitted:
		return record.StageReviewRequested
	default:
		return record.StageSucceeded
	}
}

// advance produces the next stage of st. Stage work runs detached from
// cancellation so a cancel lands on a stage boundary; only the approval
// wait is interruptible.
func (o *Orchestrator) advance(ctx context.Context, st *run) error {
	work := context.WithoutCancel(ctx)
	switch st.r.CurrentStage {
	case record.StagePending:
		return o.step(work, st, record.StageMapped, o.mapRepo)
	case record.StageMapped:
		return o.step(work, st, record.StagePlanReady, o.planChange)
	case record.StagePlanReady:
		return o.step(work, st, record.StageImplemented, o.implement)
	case record.StageImplemented:
		return o.step(work, st, record.StageTested, o.runTests)
	case record.StageTested:
		if st.r.RiskFactors == nil {
			return o.step(work, st, record.StageAwaitingApproval, o.assess)
		}
		return o.step(work, st, record.StageCommitted, o.commit)
	case record.StageAwaitingApproval:
		if err := o.awaitDecision(ctx, st); err != nil {
			return err
		}
		return o.step(work, st, record.StageCommitted, o.commit)
	case record.StageCommitted:
		if o.opts.Mode == ModeLocalCommit {
			return o.step(work, st, record.StageSucceeded, o.succeed)
		}
		return o.step(work, st, record.StageReviewRequested, o.requestReview)
	case record.StageReviewRequested:
		return o.step(work, st, record.StageSucceeded, o.succeed)
	}
	return fmt.Errorf("no transition from %s", st.r.CurrentStage)
}

// outcome is what a stage function produced. to may redirect the
// transition, e.g. straight to Succeeded for a dry run.
type outcome struct {
	to      record.Stage
	result  string
	detail  string
	attempt int
	apply   func(*record.DeploymentRecord)
	none    bool // no transition; the record was updated in place
}

type stageFunc func(ctx context.Context, st *run) (*outcome, error)

// step runs fn inside a span and persists the transition it reports.
func (o *Orchestrator) step(ctx context.Context, st *run, target record.Stage, fn stageFunc) error {
	start := time.Now()
	sctx, span := o.deps.Tracer.StartStage(ctx, st.rec.ID, st.r.RunID, string(target))
	out, err := fn(sctx, st)
	if err != nil {
		se := classify(target, err)
		telemetry.End(span, se, attribute.String("kind", string(se.Kind)))
		return se
	}
	if out.none {
		telemetry.End(span, nil)
		return nil
	}
	to := target
	if out.to != "" {
		to = out.to
	}
	if out.result == "" {
		out.result = "ok"
	}
	apply := out.apply
	if to == record.StageSucceeded {
		apply = func(r *record.DeploymentRecord) {
			if out.apply != nil {
				out.apply(r)
			}
			if r.Explanation == "" {
				r.Explanation = explainSuccess(r)
			}
		}
	}

	r, err := o.deps.Store.Transition(st.rec.ID, to, out.result, out.detail, apply)
	if err != nil {
		telemetry.End(span, err)
		return &StageError{Kind: KindInternal, Stage: to, Err: err}
	}
	st.r = r
	took := time.Since(start)
	o.deps.Metrics.Transition(string(to), took)
	o.event(ctx, r, "transition", out.attempt, out.detail)
	st.log.Info("stage complete",
		zap.String("stage", string(to)),
		zap.Int("attempt", out.attempt),
		zap.Float64("cost_usd", r.CumulativeCost),
		zap.Duration("duration", took),
		zap.String("detail", out.detail),
	)
	telemetry.End(span, nil, attribute.String("transition", string(to)))

	if to == record.StageSucceeded {
		o.deps.Metrics.Finished(string(record.StatusSucceeded), "")
		o.cleanup(ctx, st)
	}
	return nil
}

// charge persists one settled cost-incurring attempt.
func (o *Orchestrator) charge(ctx context.Context, st *run, c safety.Charge) error {
	if _, err := o.deps.Store.AddCost(st.rec.ID, record.CostEntry{
		Stage:        record.Stage(c.Stage),
		Attempt:      c.Attempt,
		USD:          c.USD,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	}); err != nil {
		return err
	}
	o.deps.Metrics.Cost(c.Stage, c.USD)
	if o.deps.Events != nil {
		err := o.deps.Events.RecordCost(context.WithoutCancel(ctx), events.Cost{
			RecID:        st.rec.ID,
			Stage:        c.Stage,
			Attempt:      c.Attempt,
			USD:          c.USD,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
		})
		if err != nil {
			st.log.Warn("cost entry not audited", zap.Error(err))
		}
	}
	return nil
}

// finishFailed rolls back uncommitted writes and moves the record to its
// terminal failure stage: RolledBack for a cancel, Failed otherwise.
func (o *Orchestrator) finishFailed(ctx context.Context, st *run, se *StageError) {
	log := st.log.With(zap.String("kind", string(se.Kind)), zap.String("stage", string(se.Stage)))
	rolledBack, rbErr := o.rollback(st)
	if rbErr != nil {
		log.Error("rollback failed", zap.Error(rbErr))
	}

	to := record.StageFailed
	if se.Kind == KindCancelled {
		to = record.StageRolledBack
	}
	msg := se.Err.Error()
	if rbErr != nil {
		msg += "; rollback failed: " + rbErr.Error()
	}
	r, err := o.deps.Store.Transition(st.rec.ID, to, string(se.Kind), msg, func(r *record.DeploymentRecord) {
		r.Failure = &record.Failure{Kind: string(se.Kind), Stage: se.Stage, Message: msg}
		r.RolledBack = r.RolledBack || rolledBack
		r.Explanation = explainFailure(r)
	})
	if err != nil {
		log.Error("record failure not persisted", zap.Error(err))
		return
	}
	st.r = r
	_ = o.deps.Signals.ClearCancel(st.rec.ID)
	o.deps.Metrics.Finished(string(r.Status), string(se.Kind))
	o.event(ctx, r, "failed", 0, string(se.Kind)+": "+msg)
	log.Warn("run failed", zap.String("explanation", r.Explanation))
	o.cleanup(ctx, st)
}

// rollback restores the pre-run snapshot when files were written and not
// yet committed, and verifies the result by content hash.
func (o *Orchestrator) rollback(st *run) (bool, error) {
	if !st.r.FilesWritten || st.r.Commit != "" || st.r.RolledBack {
		return false, nil
	}
	snap := st.snap
	if snap == nil {
		snap = &safety.Snapshot{}
		if err := o.deps.Store.LoadArtifact(st.rec.ID, artifactSnapshot, snap); err != nil {
			return false, fmt.Errorf("load snapshot: %w", err)
		}
	}
	if err := snap.Restore(); err != nil {
		return false, err
	}
	if err := snap.Verify(); err != nil {
		return false, err
	}
	st.log.Info("rolled back working tree", zap.Strings("files", snap.Paths()))
	return true, nil
}

// cleanup removes the worktree of a finished run. Branches stay.
func (o *Orchestrator) cleanup(ctx context.Context, st *run) {
	if o.opts.KeepWorktree || st.r.Worktree == "" {
		return
	}
	if err := o.deps.Worktrees.Remove(context.WithoutCancel(ctx), st.rec.ID); err != nil {
		st.log.Warn("worktree not removed", zap.String("path", st.r.Worktree), zap.Error(err))
	}
}

// retry calls fn with a per-call timeout, retrying only calls that timed
// out, up to Options.Retries extra times.
func (o *Orchestrator) retry(ctx context.Context, st *run, what string, timeout time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 1+o.opts.Retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil || !timedOut {
			return err
		}
		st.log.Warn(what+" timed out", zap.Int("attempt", attempt), zap.Duration("timeout", timeout))
	}
	return fmt.Errorf("%s timed out after %d attempts: %w", what, 1+o.opts.Retries, err)
}

func (o *Orchestrator) worktree(st *run) (string, error) {
	if st.r.Worktree == "" {
		return "", errors.New("record has no worktree")
	}
	return st.r.Worktree, nil
}

func (o *Orchestrator) index(ctx context.Context, st *run) (*structure.Index, error) {
	if st.idx != nil {
		return st.idx, nil
	}
	wt, err := o.worktree(st)
	if err != nil {
		return nil, err
	}
	idx, err := o.deps.Mapper.Map(ctx, wt)
	if err != nil {
		return nil, err
	}
	st.idx = idx
	return idx, nil
}

func (o *Orchestrator) loadPlan(st *run) (*integration.Plan, error) {
	if st.plan == nil {
		var p integration.Plan
		if err := o.deps.Store.LoadArtifact(st.rec.ID, artifactPlan, &p); err != nil {
			return nil, err
		}
		st.plan = &p
	}
	return st.plan, nil
}

func (o *Orchestrator) loadImplementation(st *run) (*Implementation, error) {
	if st.impl == nil {
		var impl Implementation
		if err := o.deps.Store.LoadArtifact(st.rec.ID, artifactImplementation, &impl); err != nil {
			return nil, err
		}
		if impl.Result == nil {
			return nil, errors.New("implementation artifact has no result")
		}
		st.impl = &impl
	}
	return st.impl, nil
}

func (o *Orchestrator) loadOutcome(st *run) (*testrun.Outcome, error) {
	if st.outcome == nil {
		var out testrun.Outcome
		if err := o.deps.Store.LoadArtifact(st.rec.ID, artifactTests, &out); err != nil {
			return nil, err
		}
		st.outcome = &out
	}
	return st.outcome, nil
}

func pathsOf(files []codegen.FileChange) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func contentsOf(files []codegen.FileChange) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Path] = f.Content
	}
	return out
}

