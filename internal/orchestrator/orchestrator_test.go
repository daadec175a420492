package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/lucasnoah/recdeploy/internal/codegen"
	"github.com/lucasnoah/recdeploy/internal/events"
	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/lock"
	"github.com/lucasnoah/recdeploy/internal/logging"
	"github.com/lucasnoah/recdeploy/internal/metrics"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
	"github.com/lucasnoah/recdeploy/internal/structure"
	"github.com/lucasnoah/recdeploy/internal/telemetry"
	"github.com/lucasnoah/recdeploy/internal/testrun"
	"github.com/lucasnoah/recdeploy/internal/vcs"
)

const userGo = `package handlers

// User is an account.
type User struct {
	ID     string
	Active bool
}
`

const deactivateGo = `package handlers

// User is an account.
type User struct {
	ID     string
	Active bool
}

// Deactivate marks the user inactive.
func Deactivate(u *User) {
	u.Active = false
}
`

const deactivateReply = "Adds Deactivate to the user handlers.\n" +
	"=== FILE: handlers/user.go ===\n" + deactivateGo + "=== END FILE ===\n"

var rec042 = recommendation.Recommendation{
	ID:          "rec-042",
	Title:       "Add user deactivation",
	Description: "Operators need to deactivate accounts without deleting them.",
	Domain:      "users",
	Hints:       []string{"handlers/user.go"},
}

// cannedBackend answers every call with the same reply.
type cannedBackend struct {
	mu    sync.Mutex
	reply string
	cost  float64
	calls int
}

func (b *cannedBackend) Name() string { return "canned" }

func (b *cannedBackend) Generate(context.Context, codegen.Request) (*codegen.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return &codegen.Response{Text: b.reply, CostUSD: b.cost, InputTokens: 1000, OutputTokens: 200}, nil
}

func (b *cannedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// fakeSuite stands in for the target project's test command.
type fakeSuite struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) (string, string, int, error)
}

func (f *fakeSuite) Run(ctx context.Context, _ string, _ string) (string, string, int, error) {
	f.mu.Lock()
	f.calls++
	n, fn := f.calls, f.fn
	f.mu.Unlock()
	if fn == nil {
		return "ok\n", "", 0, nil
	}
	return fn(ctx, n)
}

func hang(ctx context.Context, _ int) (string, string, int, error) {
	<-ctx.Done()
	return "", "", -1, ctx.Err()
}

type fakeReviewer struct {
	mu   sync.Mutex
	reqs []vcs.ReviewRequest
}

func (r *fakeReviewer) Name() string { return "fake" }

func (r *fakeReviewer) FindByBranch(context.Context, string) (*vcs.Review, error) { return nil, nil }

func (r *fakeReviewer) Open(_ context.Context, req vcs.ReviewRequest) (*vcs.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return &vcs.Review{ID: "7", URL: "https://git.example.com/shop/pull/7"}, nil
}

type harness struct {
	t        *testing.T
	git      *vcs.ExecGit
	origin   string
	repo     string
	other    string
	store    *record.Store
	events   *events.Log
	locker   *lock.Locker
	signals  *safety.SignalStore
	backend  *cannedBackend
	suite    *fakeSuite
	reviewer *fakeReviewer
	metrics  *metrics.Metrics
	spans    *tracetest.SpanRecorder
	logs     *logging.TestLogger
	opts     Options
}

var testIdentity = []string{"-c", "user.name=test", "-c", "user.email=test@example.com"}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	h := &harness{
		t:        t,
		git:      &vcs.ExecGit{Env: []string{"GIT_CONFIG_NOSYSTEM=1", "HOME=" + root}},
		origin:   filepath.Join(root, "origin.git"),
		repo:     filepath.Join(root, "repo"),
		other:    filepath.Join(root, "other"),
		store:    record.NewStore(filepath.Join(root, "state", "records")),
		locker:   lock.New(filepath.Join(root, "state", "locks"), time.Hour),
		backend:  &cannedBackend{reply: deactivateReply, cost: 0.02},
		suite:    &fakeSuite{},
		reviewer: &fakeReviewer{},
		metrics:  metrics.New(),
		spans:    tracetest.NewSpanRecorder(),
		logs:     logging.NewTestLogger(),
	}
	h.signals = safety.NewSignalStore(filepath.Join(root, "state", "signals"), h.logs.Logger)

	seed := filepath.Join(root, "seed")
	writeFile(t, filepath.Join(seed, "go.mod"), "module example.com/shop\n\ngo 1.22\n")
	writeFile(t, filepath.Join(seed, "handlers", "user.go"), userGo)
	h.gitRun(seed, "init", "-q")
	h.gitRun(seed, "checkout", "-q", "-b", "main")
	h.gitRun(seed, "add", ".")
	h.gitRun(seed, append(testIdentity, "commit", "-q", "-m", "initial")...)
	h.gitRun(root, "clone", "-q", "--bare", seed, h.origin)
	h.gitRun(root, "clone", "-q", h.origin, h.repo)
	h.gitRun(root, "clone", "-q", h.origin, h.other)

	ev, err := events.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, ev.Migrate(context.Background()))
	t.Cleanup(func() { ev.Close() })
	h.events = ev

	h.opts = Options{
		Mode:         mode,
		Workers:      1,
		Retries:      1,
		Tests:        testrun.Config{Command: "go test ./...", Parser: testrun.ParserGeneric, Timeout: 5 * time.Second},
		ApprovalPoll: 10 * time.Millisecond,
		KeepWorktree: true,
	}
	return h
}

func (h *harness) gitRun(dir string, args ...string) string {
	h.t.Helper()
	out, err := h.git.Run(context.Background(), dir, args...)
	require.NoError(h.t, err)
	return out
}

// orchestrator builds an Orchestrator over the harness. threshold is the
// risk score above which approval is required; the planned change scores
// 0.1.
func (h *harness) orchestrator(threshold float64) *Orchestrator {
	h.t.Helper()
	logger := h.logs.Logger
	deps := Deps{
		Store:       h.store,
		Events:      h.events,
		Locker:      h.locker,
		Mapper:      structure.NewMapper(structure.Options{Logger: logger}),
		Analyzer:    integration.NewAnalyzer(integration.Options{Logger: logger}),
		Implementer: codegen.NewImplementer(h.backend, nil, codegen.Options{EstimateUSD: 0.02, Logger: logger}),
		Generator:   testrun.NewGenerator(logger),
		Tests:       testrun.NewRunner(h.suite, logger),
		Scorer:      safety.NewScorer(safety.ScorerOpts{Weights: safety.Weights{Confidence: 1}, Threshold: threshold}),
		Ledger:      safety.NewMemoryLedger(10),
		Signals:     h.signals,
		Worktrees:   vcs.NewManager(h.git, vcs.ManagerOpts{RepoDir: h.repo, BaseDir: filepath.Join(h.t.TempDir(), "wt"), Logger: logger}),
		Workflow:    vcs.NewWorkflow(h.git, vcs.WorkflowOpts{AuthorName: "recdeploy", AuthorEmail: "bot@example.com", Logger: logger}),
		Reviewer:    h.reviewer,
		Metrics:     h.metrics,
		Tracer:      telemetry.New(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))),
		Logger:      logger,
	}
	o, err := New(deps, h.opts)
	require.NoError(h.t, err)
	return o
}

func (h *harness) branchExists(dir, branch string) bool {
	h.t.Helper()
	ok, err := vcs.BranchExists(dir, branch)
	require.NoError(h.t, err)
	return ok
}

func (h *harness) originHas(branch string) bool {
	_, err := h.git.Run(context.Background(), h.origin, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func stagesOf(r *record.DeploymentRecord) []record.Stage {
	out := make([]record.Stage, len(r.StageHistory))
	for i, e := range r.StageHistory {
		out[i] = e.Stage
	}
	return out
}

func TestProcess_FullModeOpensReview(t *testing.T) {
	h := newHarness(t, ModeFull)
	o := h.orchestrator(0.5)

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)

	assert.Equal(t, record.StageSucceeded, r.CurrentStage)
	assert.Equal(t, record.StatusSucceeded, r.Status)
	assert.Equal(t, []record.Stage{
		record.StagePending, record.StageMapped, record.StagePlanReady, record.StageImplemented,
		record.StageTested, record.StageCommitted, record.StageReviewRequested, record.StageSucceeded,
	}, stagesOf(r))
	assert.Equal(t, "auto/rec-042", r.Branch)
	assert.Len(t, r.Commit, 40)
	assert.Equal(t, "7", r.ReviewID)
	assert.Equal(t, "https://git.example.com/shop/pull/7", r.ReviewURL)
	assert.Contains(t, r.FilesTouched, "handlers/user.go")
	assert.False(t, r.RolledBack)
	assert.Nil(t, r.Failure)
	assert.Contains(t, r.Explanation, "Review https://git.example.com/shop/pull/7 opened for branch auto/rec-042")
	assert.InDelta(t, 0.02, r.CumulativeCost, 1e-9)

	assert.True(t, h.originHas("auto/rec-042"))
	assert.Equal(t, deactivateGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
	head, err := vcs.HeadCommit(r.Worktree)
	require.NoError(t, err)
	assert.Equal(t, r.Commit, head)

	require.Len(t, h.reviewer.reqs, 1)
	req := h.reviewer.reqs[0]
	assert.Equal(t, "auto/rec-042", req.Branch)
	assert.Equal(t, "main", req.Base)
	assert.Equal(t, "Add user deactivation [rec-042]", req.Title)
	assert.Contains(t, req.Body, "Recommendation-Id: rec-042")

	total, err := h.events.TotalCost(context.Background(), "rec-042")
	require.NoError(t, err)
	assert.InDelta(t, r.CumulativeCost, total, 1e-9)
	evs, err := h.events.Events(context.Background(), "rec-042")
	require.NoError(t, err)
	assert.NotEmpty(t, evs)

	n, err := testutil.GatherAndCount(h.metrics.Registry(), "recdeploy_stage_transitions_total")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	var names []string
	for _, s := range h.spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "stage.mapped")
	assert.Contains(t, names, "stage.review_requested")
	assert.Contains(t, names, "run")
}

func TestProcess_TerminalRecordIsReturnedUnchanged(t *testing.T) {
	h := newHarness(t, ModeLocalCommit)
	o := h.orchestrator(0.5)

	first, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)
	require.Equal(t, record.StageSucceeded, first.CurrentStage)

	again, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, 1, h.backend.Calls())
}

func TestProcess_LocalCommitDoesNotPush(t *testing.T) {
	h := newHarness(t, ModeLocalCommit)
	o := h.orchestrator(0.5)

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)

	assert.Equal(t, record.StageSucceeded, r.CurrentStage)
	assert.NotContains(t, stagesOf(r), record.StageReviewRequested)
	assert.NotEmpty(t, r.Commit)
	assert.Empty(t, r.ReviewURL)
	assert.True(t, h.branchExists(h.repo, "auto/rec-042"))
	assert.False(t, h.originHas("auto/rec-042"))
	assert.Empty(t, h.reviewer.reqs)
	assert.Contains(t, r.Explanation, "local-commit mode")
}

func TestProcess_DryRunRollsBack(t *testing.T) {
	h := newHarness(t, ModeDryRun)
	o := h.orchestrator(0.05)

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)

	assert.Equal(t, record.StageSucceeded, r.CurrentStage)
	assert.True(t, r.RolledBack)
	assert.Empty(t, r.Branch)
	assert.Empty(t, r.Commit)
	assert.Contains(t, r.Explanation, "would create branch auto/rec-042")
	assert.Contains(t, r.Explanation, "would require approval")
	assert.Contains(t, r.Explanation, "Worktree rolled back")
	assert.Equal(t, userGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
	assert.NoFileExists(t, filepath.Join(r.Worktree, "handlers", "user_test.go"))
	assert.False(t, h.branchExists(h.repo, "auto/rec-042"))
}

func TestProcess_TestTimeoutFailsAndRollsBack(t *testing.T) {
	h := newHarness(t, ModeFull)
	h.suite.fn = hang
	h.opts.Tests.Timeout = 50 * time.Millisecond
	o := h.orchestrator(0.5)

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)

	assert.Equal(t, record.StageFailed, r.CurrentStage)
	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindTestTimeout), r.Failure.Kind)
	assert.Equal(t, record.StageTested, r.Failure.Stage)
	assert.True(t, r.RolledBack)
	assert.Equal(t, 2, h.suite.calls, "one retry after the first timeout")
	assert.Equal(t, userGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
	assert.False(t, h.branchExists(h.repo, "auto/rec-042"))
	assert.Empty(t, h.reviewer.reqs)
	assert.Contains(t, r.Explanation, "test_timeout")
	assert.Contains(t, r.Explanation, "Rolled back")
	h.logs.AssertLogged(t, zapcore.WarnLevel, "run failed")
}

func TestProcess_TestFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, ModeFull)
	h.suite.fn = func(context.Context, int) (string, string, int, error) {
		return "FAIL\n", "", 1, nil
	}
	o := h.orchestrator(0.5)

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)

	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindTestFailed), r.Failure.Kind)
	assert.Equal(t, 2, h.suite.calls, "one attempt of two identical runs")
	assert.True(t, r.RolledBack)
	assert.Equal(t, userGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
}

func TestProcess_CostCeilingStopsBeforeWriting(t *testing.T) {
	h := newHarness(t, ModeFull)
	h.opts.RunCeilingUSD = 0.01
	o := h.orchestrator(0.5)

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)

	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindCostLimitExceeded), r.Failure.Kind)
	assert.Equal(t, 0, h.backend.Calls())
	assert.False(t, r.FilesWritten)
	assert.Zero(t, r.CumulativeCost)
	assert.Contains(t, r.Explanation, "No files were written")
}

func TestProcess_ApprovalGate(t *testing.T) {
	h := newHarness(t, ModeFull)
	o := h.orchestrator(0.05)
	ctx := context.Background()

	r, err := o.Process(ctx, rec042)
	require.NoError(t, err)
	assert.Equal(t, record.StageAwaitingApproval, r.CurrentStage)
	assert.Equal(t, record.StatusAwaitingApproval, r.Status)
	assert.True(t, r.Approval.Required)
	assert.Equal(t, record.ApprovalPending, r.Approval.Decision)
	assert.NotEmpty(t, r.RiskReasons)
	assert.Empty(t, r.Commit)
	assert.False(t, h.branchExists(h.repo, "auto/rec-042"))
	assert.Contains(t, Explain(r), "recdeploy approve rec-042")

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-042"}, pending)

	_, err = h.signals.Decide("rec-042", safety.DecisionApprove, "looks fine", "alice")
	require.NoError(t, err)
	r, err = o.Resume(ctx, "rec-042")
	require.NoError(t, err)

	assert.Equal(t, record.StageSucceeded, r.CurrentStage)
	assert.Equal(t, record.ApprovalApproved, r.Approval.Decision)
	assert.Equal(t, "alice", r.Approval.By)
	assert.True(t, h.originHas("auto/rec-042"))
	assert.Equal(t, 1, h.backend.Calls())
	sig, err := h.signals.Decision("rec-042")
	require.NoError(t, err)
	assert.Nil(t, sig, "decision is consumed")
}

func TestProcess_ApprovalWaitPicksUpDecision(t *testing.T) {
	h := newHarness(t, ModeLocalCommit)
	h.opts.ApprovalWait = 5 * time.Second
	o := h.orchestrator(0.05)

	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			r, err := h.store.Get("rec-042")
			if err == nil && r.CurrentStage == record.StageAwaitingApproval {
				_, _ = h.signals.Decide("rec-042", safety.DecisionApprove, "", "bob")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)
	assert.Equal(t, record.StageSucceeded, r.CurrentStage)
	assert.Equal(t, "bob", r.Approval.By)
}

func TestProcess_RejectionRollsBack(t *testing.T) {
	h := newHarness(t, ModeFull)
	o := h.orchestrator(0.05)
	ctx := context.Background()

	_, err := o.Process(ctx, rec042)
	require.NoError(t, err)
	_, err = h.signals.Decide("rec-042", safety.DecisionReject, "too broad", "alice")
	require.NoError(t, err)

	r, err := o.Resume(ctx, "rec-042")
	require.NoError(t, err)
	assert.Equal(t, record.StageFailed, r.CurrentStage)
	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindApprovalRejected), r.Failure.Kind)
	assert.Contains(t, r.Failure.Message, "too broad")
	assert.True(t, r.RolledBack)
	assert.Equal(t, userGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
	assert.False(t, h.branchExists(h.repo, "auto/rec-042"))
}

func TestProcess_CancelWhileParked(t *testing.T) {
	h := newHarness(t, ModeFull)
	o := h.orchestrator(0.05)
	ctx := context.Background()

	_, err := o.Process(ctx, rec042)
	require.NoError(t, err)
	require.NoError(t, o.Cancel("rec-042", "alice"))

	r, err := o.Resume(ctx, "rec-042")
	require.NoError(t, err)
	assert.Equal(t, record.StageRolledBack, r.CurrentStage)
	assert.Equal(t, record.StatusRolledBack, r.Status)
	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindCancelled), r.Failure.Kind)
	assert.True(t, r.RolledBack)
	assert.Equal(t, userGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
	assert.False(t, h.signals.CancelRequested("rec-042"), "cancel request is consumed")
}

func TestProcess_MergeConflictDiscardsBranch(t *testing.T) {
	h := newHarness(t, ModeFull)
	o := h.orchestrator(0.05)
	ctx := context.Background()

	_, err := o.Process(ctx, rec042)
	require.NoError(t, err)

	// Upstream rewrites the same file while the run is parked.
	writeFile(t, filepath.Join(h.other, "handlers", "user.go"), "package handlers\n\n// Account replaces User.\ntype Account struct{}\n")
	h.gitRun(h.other, "add", ".")
	h.gitRun(h.other, append(testIdentity, "commit", "-q", "-m", "rename user")...)
	h.gitRun(h.other, "push", "-q", "origin", "main")

	_, err = h.signals.Decide("rec-042", safety.DecisionApprove, "", "alice")
	require.NoError(t, err)
	r, err := o.Resume(ctx, "rec-042")
	require.NoError(t, err)

	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindMergeConflict), r.Failure.Kind)
	assert.Contains(t, r.Failure.Message, "handlers/user.go")
	assert.False(t, h.branchExists(h.repo, "auto/rec-042"))
	assert.False(t, h.originHas("auto/rec-042"))
	assert.True(t, r.RolledBack)
}

func TestProcess_LockHeld(t *testing.T) {
	h := newHarness(t, ModeFull)
	o := h.orchestrator(0.5)

	release, err := h.locker.Acquire("rec-042")
	require.NoError(t, err)
	defer release()

	_, err = o.Process(context.Background(), rec042)
	require.Error(t, err)
	assert.True(t, IsLockHeld(err))
	assert.True(t, errors.Is(err, lock.ErrLockHeld))
	_, err = h.store.Get("rec-042")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestProcess_ShutdownLeavesRecordResumable(t *testing.T) {
	h := newHarness(t, ModeLocalCommit)
	ctx, cancel := context.WithCancel(context.Background())
	h.suite.fn = func(context.Context, int) (string, string, int, error) {
		cancel()
		return "ok\n", "", 0, nil
	}
	o := h.orchestrator(0.5)

	r, err := o.Process(ctx, rec042)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, record.StageTested, r.CurrentStage, "the in-flight stage completes")
	assert.False(t, r.Terminal())

	h.suite.fn = nil
	r, err = o.Resume(context.Background(), "rec-042")
	require.NoError(t, err)
	assert.Equal(t, record.StageSucceeded, r.CurrentStage)
	assert.Equal(t, 1, h.backend.Calls(), "completed stages are not repeated")
	assert.NotEmpty(t, r.Commit)
}

func TestRunAll_ProcessesInInputOrder(t *testing.T) {
	h := newHarness(t, ModeDryRun)
	o := h.orchestrator(0.5)

	second := rec042
	second.ID = "rec-043"
	second.Title = "Add user deactivation audit"
	results := o.RunAll(context.Background(), []recommendation.Recommendation{rec042, second, {ID: ""}})

	require.Len(t, results, 3)
	assert.Equal(t, "rec-042", results[0].ID)
	assert.Equal(t, "rec-043", results[1].ID)
	for _, res := range results[:2] {
		require.NoError(t, res.Err)
		assert.Equal(t, record.StageSucceeded, res.Record.CurrentStage)
	}
	assert.Error(t, results[2].Err, "invalid recommendation")
}

func TestCost_NeverDecreases(t *testing.T) {
	h := newHarness(t, ModeFull)
	h.backend.reply = "=== FILE: handlers/user.go ===\npackage handlers\n\nfunc Broken( {\n=== END FILE ===\n"
	o := h.orchestrator(0.5)

	r, err := o.Process(context.Background(), rec042)
	require.NoError(t, err)

	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindImplementationInvalid), r.Failure.Kind)
	require.Len(t, r.Costs, 3)
	sum := 0.0
	for _, c := range r.Costs {
		assert.GreaterOrEqual(t, c.USD, 0.0)
		sum += c.USD
	}
	assert.InDelta(t, sum, r.CumulativeCost, 1e-9)
	prev := 0.0
	for _, e := range r.StageHistory {
		assert.GreaterOrEqual(t, e.Cost, prev)
		prev = e.Cost
	}
	assert.False(t, r.FilesWritten)
}

// interruptAfterApply runs rec042 through planning, then writes the change
// without persisting the Implemented transition, as a process killed
// between applying files and saving the record would leave it.
func interruptAfterApply(t *testing.T, h *harness) *record.DeploymentRecord {
	t.Helper()
	ctx := context.Background()
	o := h.orchestrator(0.5)
	r, err := o.create(ctx, rec042)
	require.NoError(t, err)
	st := &run{rec: rec042, r: r, log: o.logger}
	st.budget = safety.NewRunBudget(o.deps.Ledger, o.opts.RunCeilingUSD, 0, func(c safety.Charge) error {
		return o.charge(ctx, st, c)
	})
	require.NoError(t, o.step(ctx, st, record.StageMapped, o.mapRepo))
	require.NoError(t, o.step(ctx, st, record.StagePlanReady, o.planChange))
	_, err = o.implement(ctx, st)
	require.NoError(t, err)

	r, err = h.store.Get(rec042.ID)
	require.NoError(t, err)
	require.Equal(t, record.StagePlanReady, r.CurrentStage)
	require.True(t, r.FilesWritten)
	require.Equal(t, deactivateGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
	return r
}

func TestResume_InterruptedWriteRollsBackToOriginal(t *testing.T) {
	h := newHarness(t, ModeFull)
	r := interruptAfterApply(t, h)

	// The restarted run gets a different, still valid, reply and a failing suite.
	h.backend.reply = "=== FILE: handlers/user.go ===\n" + deactivateGo +
		"\n// Reactivate marks the user active.\nfunc Reactivate(u *User) {\n\tu.Active = true\n}\n=== END FILE ===\n"
	h.suite.fn = func(context.Context, int) (string, string, int, error) {
		return "FAIL\n", "", 1, nil
	}
	r, err := h.orchestrator(0.5).Resume(context.Background(), rec042.ID)
	require.NoError(t, err)

	assert.Equal(t, record.StageFailed, r.CurrentStage)
	require.NotNil(t, r.Failure)
	assert.Equal(t, string(KindTestFailed), r.Failure.Kind)
	assert.True(t, r.RolledBack)
	assert.Equal(t, userGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")),
		"rollback restores the content from before the first write")

	var snap safety.Snapshot
	require.NoError(t, h.store.LoadArtifact(rec042.ID, artifactSnapshot, &snap))
	assert.NoError(t, snap.Verify())
	h.logs.AssertLogged(t, zapcore.InfoLevel, "restored files written by an interrupted attempt")
}

func TestResume_InterruptedWriteRegeneratesSameChange(t *testing.T) {
	h := newHarness(t, ModeLocalCommit)
	r := interruptAfterApply(t, h)

	r, err := h.orchestrator(0.5).Resume(context.Background(), r.RecommendationID)
	require.NoError(t, err)

	assert.Equal(t, record.StageSucceeded, r.CurrentStage, "an identical reply is still a change against the restored tree")
	assert.Nil(t, r.Failure)
	assert.Equal(t, 2, h.backend.Calls())
	assert.NotEmpty(t, r.Commit)
	assert.Equal(t, deactivateGo, readFile(t, filepath.Join(r.Worktree, "handlers", "user.go")))
}
