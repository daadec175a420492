package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/codegen"
	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
	"github.com/lucasnoah/recdeploy/internal/testrun"
	"github.com/lucasnoah/recdeploy/internal/vcs"
)

// mapRepo creates the run's isolated worktree and indexes it.
func (o *Orchestrator) mapRepo(ctx context.Context, st *run) (*outcome, error) {
	wt, err := o.deps.Worktrees.Create(ctx, st.rec.ID)
	if err != nil {
		return nil, &StageError{Kind: KindMappingFailure, Stage: record.StageMapped, Err: err}
	}
	idx, err := o.deps.Mapper.Map(ctx, wt)
	if err != nil {
		return nil, &StageError{Kind: KindMappingFailure, Stage: record.StageMapped, Err: err}
	}
	st.idx = idx
	return &outcome{
		detail: fmt.Sprintf("%d files in %d modules, %d skipped", len(idx.Files), len(idx.Modules), len(idx.Skipped)),
		apply: func(r *record.DeploymentRecord) {
			r.Worktree = wt
			r.IndexHash = idx.Hash
		},
	}, nil
}

func (o *Orchestrator) planChange(ctx context.Context, st *run) (*outcome, error) {
	idx, err := o.index(ctx, st)
	if err != nil {
		return nil, &StageError{Kind: KindMappingFailure, Stage: record.StagePlanReady, Err: err}
	}
	plan, err := o.deps.Analyzer.Plan(ctx, st.rec, idx)
	if err != nil {
		if errors.Is(err, integration.ErrNoViableInsertionPoint) {
			return nil, err
		}
		return nil, &StageError{Kind: KindMappingFailure, Stage: record.StagePlanReady, Err: err}
	}
	if err := o.deps.Store.SaveArtifact(st.rec.ID, artifactPlan, plan); err != nil {
		return nil, err
	}
	st.plan = plan
	return &outcome{
		detail: plan.Summary(),
		apply:  func(r *record.DeploymentRecord) { r.Confidence = plan.Confidence },
	}, nil
}

// implement generates and validates the change, snapshots every path it
// will touch, and only then writes the files.
func (o *Orchestrator) implement(ctx context.Context, st *run) (*outcome, error) {
	wt, err := o.worktree(st)
	if err != nil {
		return nil, err
	}
	idx, err := o.index(ctx, st)
	if err != nil {
		return nil, err
	}
	plan, err := o.loadPlan(st)
	if err != nil {
		return nil, err
	}
	snap, err := o.baseSnapshot(st, wt)
	if err != nil {
		return nil, err
	}

	res, err := o.deps.Implementer.Implement(ctx, wt, st.rec, plan, st.budget)
	if err != nil {
		if res != nil {
			_ = o.deps.Store.SaveArtifact(st.rec.ID, artifactImplementation, &Implementation{Result: res})
		}
		return nil, err
	}

	tests, err := o.deps.Generator.Generate(wt, st.rec.ID, idx, res.Files)
	if err != nil {
		st.log.Warn("test generation failed, running existing tests only", zap.Error(err))
		tests = nil
	}
	impl := &Implementation{Result: res, Tests: tests}
	files := impl.Files()
	paths := pathsOf(files)

	if err := snap.Track(paths...); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if err := o.deps.Store.SaveArtifact(st.rec.ID, artifactSnapshot, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if err := o.deps.Store.SaveArtifact(st.rec.ID, artifactImplementation, impl); err != nil {
		return nil, err
	}
	r, err := o.deps.Store.Update(st.rec.ID, func(r *record.DeploymentRecord) error {
		r.FilesTouched = paths
		r.FilesWritten = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.r, st.snap, st.impl = r, snap, impl

	if err := codegen.Apply(wt, files); err != nil {
		return nil, err
	}
	return &outcome{
		attempt: res.Attempts,
		detail: fmt.Sprintf("%d files, %d lines changed, %d test files, %d attempts",
			len(res.Files), res.LinesChanged, len(tests), res.Attempts),
	}, nil
}

// baseSnapshot returns the snapshot implement extends. A record that
// already wrote files but never reached Implemented was interrupted after
// applying a change; its stored snapshot holds the only pre-run state, so
// the tree is restored from it and the same snapshot is reused.
func (o *Orchestrator) baseSnapshot(st *run, wt string) (*safety.Snapshot, error) {
	if !st.r.FilesWritten {
		return safety.NewSnapshot(wt), nil
	}
	snap := st.snap
	if snap == nil {
		snap = &safety.Snapshot{}
		if err := o.deps.Store.LoadArtifact(st.rec.ID, artifactSnapshot, snap); err != nil {
			return nil, fmt.Errorf("load snapshot of interrupted write: %w", err)
		}
	}
	if err := snap.Restore(); err != nil {
		return nil, fmt.Errorf("restore interrupted write: %w", err)
	}
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	st.snap = snap
	st.log.Info("restored files written by an interrupted attempt", zap.Strings("paths", snap.Paths()))
	return snap, nil
}

// runTests runs the suite in the worktree. Timed-out and unstable runs are
// retried within the retry budget; unstable results that persist go to the
// safety gate for adjudication.
func (o *Orchestrator) runTests(ctx context.Context, st *run) (*outcome, error) {
	wt, err := o.worktree(st)
	if err != nil {
		return nil, err
	}
	impl, err := o.loadImplementation(st)
	if err != nil {
		return nil, err
	}
	cfg := o.opts.Tests
	if cfg.Command == "" {
		idx, err := o.index(ctx, st)
		if err != nil {
			return nil, err
		}
		cfg.Command = idx.TestCommand()
	}

	attempts := 1 + o.opts.Retries
	var out *testrun.Outcome
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		out, err = o.deps.Tests.Run(ctx, wt, cfg)
		if err != nil {
			return nil, err
		}
		if !out.TimedOut && !out.Unstable {
			break
		}
		st.log.Warn("inconclusive test run",
			zap.Int("attempt", attempt),
			zap.Bool("timed_out", out.TimedOut),
			zap.Bool("unstable", out.Unstable),
		)
	}
	if attempt > attempts {
		attempt = attempts
	}
	out.Generated = pathsOf(impl.Tests)
	if err := o.deps.Store.SaveArtifact(st.rec.ID, artifactTests, out); err != nil {
		return nil, err
	}
	st.outcome = out

	switch {
	case out.TimedOut:
		return nil, stageErr(KindTestTimeout, record.StageTested, "test suite timed out on %d attempts: %s", attempts, out.Summary)
	case out.Unstable:
		return &outcome{result: "unstable", attempt: attempt, detail: out.String()}, nil
	case !out.Success:
		return nil, stageErr(KindTestFailed, record.StageTested, "%s", out.String())
	}
	return &outcome{result: "passed", attempt: attempt, detail: out.String()}, nil
}

// assess scores the change. A dry run ends here: the worktree is rolled
// back and the record succeeds with a report of what would have happened.
// Otherwise the record either parks for approval or proceeds to commit.
func (o *Orchestrator) assess(ctx context.Context, st *run) (*outcome, error) {
	impl, err := o.loadImplementation(st)
	if err != nil {
		return nil, err
	}
	tests, err := o.loadOutcome(st)
	if err != nil {
		return nil, err
	}

	var findings []safety.SecretFinding
	if o.deps.Secrets != nil {
		findings = o.deps.Secrets.Scan(contentsOf(impl.Files()))
	}
	a, err := o.deps.Scorer.Assess(safety.RiskInput{
		LinesChanged:   impl.Result.LinesChanged,
		FilesTouched:   len(impl.Result.Files),
		Confidence:     st.r.Confidence,
		TestsPassed:    tests.Success,
		TestsUnstable:  tests.Unstable,
		SecretFindings: len(findings),
		Domain:         st.rec.Domain,
	})
	if err != nil {
		return nil, err
	}
	if err := o.deps.Store.SaveArtifact(st.rec.ID, artifactRisk, &Risk{Assessment: a, Secrets: findings}); err != nil {
		return nil, err
	}
	applyRisk := func(r *record.DeploymentRecord) {
		r.RiskScore = a.Score
		r.RiskFactors = a.Factors
		r.RiskReasons = a.Reasons
		r.Approval.Required = a.RequiresApproval
	}
	detail := fmt.Sprintf("risk %.3f", a.Score)
	if len(a.Reasons) > 0 {
		detail += ": " + strings.Join(a.Reasons, "; ")
	}

	if o.opts.Mode == ModeDryRun {
		rolled, err := o.rollback(st)
		if err != nil {
			return nil, fmt.Errorf("dry-run rollback: %w", err)
		}
		branch := o.deps.Workflow.BranchName(st.rec.ID)
		return &outcome{
			to:     record.StageSucceeded,
			result: "dry_run",
			detail: detail,
			apply: func(r *record.DeploymentRecord) {
				applyRisk(r)
				r.RolledBack = rolled
				r.Explanation = explainDryRun(r, branch)
			},
		}, nil
	}

	if a.RequiresApproval {
		return &outcome{
			to:     record.StageAwaitingApproval,
			result: "approval_required",
			detail: detail,
			apply: func(r *record.DeploymentRecord) {
				applyRisk(r)
				r.Approval.Decision = record.ApprovalPending
			},
		}, nil
	}

	r, err := o.deps.Store.Update(st.rec.ID, func(r *record.DeploymentRecord) error {
		applyRisk(r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.r = r
	o.event(ctx, r, "assessed", 0, detail)
	return &outcome{none: true}, nil
}

// awaitDecision consumes an operator decision for a parked record. With no
// decision it waits up to ApprovalWait, then parks. A rejection fails the
// run; an unstable test outcome keeps its own kind.
func (o *Orchestrator) awaitDecision(ctx context.Context, st *run) error {
	id := st.rec.ID
	sig, err := o.deps.Signals.Decision(id)
	if err != nil {
		return err
	}
	if sig == nil && o.opts.ApprovalWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, o.opts.ApprovalWait)
		sig, err = o.deps.Signals.WaitDecision(wctx, id, o.opts.ApprovalPoll)
		cancel()
		switch {
		case err == nil:
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			return &StageError{Kind: KindCancelled, Stage: record.StageAwaitingApproval, Err: err}
		case errors.Is(err, context.DeadlineExceeded):
			return errParked
		default:
			return err
		}
	}
	if sig == nil {
		return errParked
	}

	decision := record.ApprovalApproved
	if sig.Decision == safety.DecisionReject {
		decision = record.ApprovalRejected
	}
	r, err := o.deps.Store.Update(id, func(r *record.DeploymentRecord) error {
		r.Approval.Decision = decision
		r.Approval.Comment = sig.Comment
		r.Approval.By = sig.By
		r.Approval.DecidedAt = sig.At
		return nil
	})
	if err != nil {
		return err
	}
	st.r = r
	if err := o.deps.Signals.ClearDecision(id); err != nil {
		st.log.Warn("decision not cleared", zap.Error(err))
	}
	o.deps.Metrics.Decision(sig.Decision)
	o.event(ctx, r, "decision", 0, fmt.Sprintf("%s by %s: %s", decision, sig.By, sig.Comment))

	if decision == record.ApprovalRejected {
		kind := KindApprovalRejected
		if out, err := o.loadOutcome(st); err == nil && out.Unstable {
			kind = KindTestUnstable
		}
		return stageErr(kind, record.StageAwaitingApproval, "rejected by %s: %s", orUnknown(sig.By), orUnknown(sig.Comment))
	}
	return nil
}

// commit commits the change on the recommendation's branch and rebases it
// onto the base. A conflict deletes the branch so none is left behind.
func (o *Orchestrator) commit(ctx context.Context, st *run) (*outcome, error) {
	wt, err := o.worktree(st)
	if err != nil {
		return nil, err
	}
	impl, err := o.loadImplementation(st)
	if err != nil {
		return nil, err
	}
	branch := o.deps.Workflow.BranchName(st.rec.ID)
	res, err := o.deps.Workflow.Commit(ctx, wt, vcs.CommitRequest{
		RecommendationID: st.rec.ID,
		Title:            st.rec.Title,
		Summary:          impl.Result.Summary,
		Paths:            st.r.FilesTouched,
	})
	if errors.Is(err, vcs.ErrBranchExists) {
		// A crash between the commit and persisting it leaves the branch
		// checked out in this run's own worktree.
		if cur, cerr := vcs.CurrentBranch(wt); cerr == nil && cur == branch {
			if head, herr := vcs.HeadCommit(wt); herr == nil {
				st.log.Info("recovered commit from an interrupted attempt", zap.String("commit", head))
				res, err = &vcs.CommitResult{Branch: branch, Commit: head}, nil
			}
		}
	}
	if errors.Is(err, vcs.ErrMergeConflict) {
		if derr := o.deps.Workflow.DiscardBranch(ctx, wt, branch); derr != nil {
			st.log.Warn("conflicting branch not deleted", zap.String("branch", branch), zap.Error(derr))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &outcome{
		detail: fmt.Sprintf("committed %d files on %s at %s", len(st.r.FilesTouched), res.Branch, shortSHA(res.Commit)),
		apply: func(r *record.DeploymentRecord) {
			r.Branch = res.Branch
			r.Commit = res.Commit
		},
	}, nil
}

// requestReview pushes the branch and opens, or finds, its review request.
func (o *Orchestrator) requestReview(ctx context.Context, st *run) (*outcome, error) {
	wt, err := o.worktree(st)
	if err != nil {
		return nil, err
	}
	err = o.retry(ctx, st, "push", o.opts.PushTimeout, func(c context.Context) error {
		return o.deps.Workflow.Push(c, wt, st.r.Branch)
	})
	if err != nil {
		return nil, err
	}

	req := vcs.ReviewRequest{
		RecommendationID: st.rec.ID,
		Branch:           st.r.Branch,
		Base:             o.opts.BaseBranch,
		Title:            fmt.Sprintf("%s [%s]", st.rec.Title, st.rec.ID),
		Body:             o.reviewBody(st),
	}
	var rev *vcs.Review
	err = o.retry(ctx, st, "review request", o.opts.ReviewTimeout, func(c context.Context) error {
		var e error
		rev, e = vcs.OpenReview(c, o.deps.Reviewer, req)
		return e
	})
	if err != nil {
		return nil, err
	}
	return &outcome{
		detail: fmt.Sprintf("review %s via %s", orUnknown(rev.URL), o.deps.Reviewer.Name()),
		apply: func(r *record.DeploymentRecord) {
			r.ReviewID = rev.ID
			r.ReviewURL = rev.URL
		},
	}, nil
}

func (o *Orchestrator) succeed(_ context.Context, st *run) (*outcome, error) {
	return &outcome{detail: string(o.opts.Mode)}, nil
}

func (o *Orchestrator) reviewBody(st *run) string {
	var b strings.Builder
	if st.rec.Description != "" {
		b.WriteString(st.rec.Description)
		b.WriteString("\n\n")
	}
	if plan, err := o.loadPlan(st); err == nil {
		fmt.Fprintf(&b, "**Placement:** %s\n\n", plan.Summary())
	}
	if out, err := o.loadOutcome(st); err == nil {
		fmt.Fprintf(&b, "**Tests:** %s\n\n", out.String())
	}
	fmt.Fprintf(&b, "**Risk:** %.3f", st.r.RiskScore)
	if st.r.Approval.Decision == record.ApprovalApproved {
		fmt.Fprintf(&b, " (approved by %s)", orUnknown(st.r.Approval.By))
	}
	fmt.Fprintf(&b, "\n\n**Cost:** $%.4f\n\nRecommendation-Id: %s\n", st.r.CumulativeCost, st.rec.ID)
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func orUnknown(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
