package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type mockGit struct {
	calls []gitCall
	// fn answers a call; nil means success with no output.
	fn func(args []string) (string, error)
}

type gitCall struct {
	Dir  string
	Args []string
}

func (m *mockGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if m.fn == nil {
		return "", nil
	}
	return m.fn(args)
}

func (m *mockGit) find(sub string) []gitCall {
	var out []gitCall
	for _, c := range m.calls {
		if strings.Contains(strings.Join(c.Args, " "), sub) {
			out = append(out, c)
		}
	}
	return out
}

func joined(args []string) string { return strings.Join(args, " ") }

// noBranch makes the branch-existence probe fail, as it does for a fresh id.
func noBranch(args []string) (string, error) {
	if strings.HasPrefix(joined(args), "rev-parse --verify --quiet refs/heads/") {
		return "", fmt.Errorf("exit status 1")
	}
	if joined(args) == "rev-parse HEAD" {
		return "abc123", nil
	}
	return "", nil
}

func TestSanitizeBranch(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"auto/rec-042", "auto/rec-042"},
		{"auto/rec 042!", "auto/rec-042"},
		{"auto/../x", "auto/-/x"},
		{"-leading", "leading"},
	}
	for _, tt := range tests {
		if got := sanitizeBranch(tt.in); got != tt.want {
			t.Errorf("sanitizeBranch(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := sanitizeBranch(strings.Repeat("a", 150)); len(got) != 100 {
		t.Errorf("expected 100 chars, got %d", len(got))
	}
}

func TestManagerCreate(t *testing.T) {
	git := &mockGit{}
	base := t.TempDir()
	mgr := NewManager(git, ManagerOpts{RepoDir: "/repo", BaseDir: base})

	path, err := mgr.Create(context.Background(), "rec-042")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != filepath.Join(base, "rec-042") {
		t.Errorf("unexpected path %q", path)
	}
	if len(git.calls) != 3 {
		t.Fatalf("expected 3 git calls, got %d: %v", len(git.calls), git.calls)
	}
	assertArgs(t, git.calls[0].Args, "fetch", "origin", "main")
	assertArgs(t, git.calls[2].Args, "worktree", "add", "--detach", path, "origin/main")
	if git.calls[2].Dir != "/repo" {
		t.Errorf("expected dir /repo, got %q", git.calls[2].Dir)
	}
}

func TestManagerCreate_FallsBackToLocalBase(t *testing.T) {
	git := &mockGit{fn: func(args []string) (string, error) {
		switch args[0] {
		case "fetch", "rev-parse":
			return "", fmt.Errorf("no remote")
		}
		return "", nil
	}}
	mgr := NewManager(git, ManagerOpts{RepoDir: "/repo", BaseDir: t.TempDir(), Base: "develop"})

	path, err := mgr.Create(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("expected fetch failure to be tolerated, got: %v", err)
	}
	add := git.find("worktree add")
	if len(add) != 1 {
		t.Fatalf("expected one worktree add, got %d", len(add))
	}
	assertArgs(t, add[0].Args, "worktree", "add", "--detach", path, "develop")
}

func TestManagerCreate_ReusesExisting(t *testing.T) {
	git := &mockGit{}
	base := t.TempDir()
	mgr := NewManager(git, ManagerOpts{RepoDir: "/repo", BaseDir: base})
	if err := os.MkdirAll(filepath.Join(base, "rec-7"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "rec-7", ".git"), []byte("gitdir: x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Create(context.Background(), "rec-7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 0 {
		t.Errorf("expected no git calls when reusing, got %v", git.calls)
	}
}

func TestManagerRemove(t *testing.T) {
	git := &mockGit{}
	base := t.TempDir()
	mgr := NewManager(git, ManagerOpts{RepoDir: "/repo", BaseDir: base})
	if err := os.MkdirAll(mgr.Path("rec-1"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Remove(context.Background(), "rec-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertArgs(t, git.calls[0].Args, "worktree", "remove", "--force", mgr.Path("rec-1"))
	assertArgs(t, git.calls[1].Args, "worktree", "prune")

	git.calls = nil
	if err := mgr.Remove(context.Background(), "missing"); err != nil {
		t.Fatalf("removing a missing worktree should be a no-op: %v", err)
	}
	if len(git.calls) != 0 {
		t.Errorf("expected no calls, got %v", git.calls)
	}
}

func TestWorkflowCommit(t *testing.T) {
	git := &mockGit{fn: noBranch}
	wf := NewWorkflow(git, WorkflowOpts{AuthorName: "bot", AuthorEmail: "bot@example.com"})

	res, err := wf.Commit(context.Background(), "/wt", CommitRequest{
		RecommendationID: "rec-042",
		Title:            "Add rate limiting",
		Paths:            []string{"handlers/user.go"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Branch != "auto/rec-042" || res.Commit != "abc123" {
		t.Errorf("unexpected result %+v", res)
	}
	assertArgs(t, git.find("checkout")[0].Args, "checkout", "-b", "auto/rec-042")
	assertArgs(t, git.find("add --")[0].Args, "add", "--", "handlers/user.go")

	commit := git.find("commit --no-verify")
	if len(commit) != 1 {
		t.Fatalf("expected one commit call, got %d", len(commit))
	}
	args := joined(commit[0].Args)
	if !strings.Contains(args, "user.name=bot") || !strings.Contains(args, "user.email=bot@example.com") {
		t.Errorf("commit missing identity: %s", args)
	}
	if !strings.Contains(args, "[rec-042]") {
		t.Errorf("commit message should reference the recommendation: %s", args)
	}
	if len(git.find("rebase origin/main")) != 1 {
		t.Errorf("expected rebase onto origin/main, calls: %v", git.calls)
	}
}

func TestWorkflowCommit_BranchExists(t *testing.T) {
	git := &mockGit{}
	wf := NewWorkflow(git, WorkflowOpts{})

	_, err := wf.Commit(context.Background(), "/wt", CommitRequest{RecommendationID: "rec-1", Paths: []string{"a.go"}})
	if !errors.Is(err, ErrBranchExists) {
		t.Fatalf("expected ErrBranchExists, got %v", err)
	}
	if len(git.find("checkout")) != 0 {
		t.Error("must not create a branch that already exists")
	}
}

func TestWorkflowCommit_Conflict(t *testing.T) {
	git := &mockGit{fn: func(args []string) (string, error) {
		if args[len(args)-2] == "rebase" {
			return "CONFLICT (content): Merge conflict in handlers/user.go", fmt.Errorf("exit status 1")
		}
		return noBranch(args)
	}}
	wf := NewWorkflow(git, WorkflowOpts{})

	res, err := wf.Commit(context.Background(), "/wt", CommitRequest{RecommendationID: "rec-1", Paths: []string{"a.go"}})
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "handlers/user.go") {
		t.Errorf("error should name the conflicting file: %v", err)
	}
	if res == nil || res.Branch != "auto/rec-1" {
		t.Errorf("expected branch in result, got %+v", res)
	}
	if len(git.find("rebase --abort")) != 1 {
		t.Error("expected rebase --abort")
	}
}

func TestWorkflowCommit_NothingToCommit(t *testing.T) {
	wf := NewWorkflow(&mockGit{}, WorkflowOpts{})
	if _, err := wf.Commit(context.Background(), "/wt", CommitRequest{RecommendationID: "rec-1"}); err == nil {
		t.Fatal("expected error for empty path list")
	}
}

func TestWorkflowPush(t *testing.T) {
	git := &mockGit{}
	wf := NewWorkflow(git, WorkflowOpts{})
	if err := wf.Push(context.Background(), "/wt", "auto/rec-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(git.calls))
	}
	assertArgs(t, git.calls[0].Args, "push", "--force-with-lease", "-u", "origin", "auto/rec-1")
}

func TestWorkflowPush_RetriesOnceAfterRejection(t *testing.T) {
	pushes := 0
	git := &mockGit{fn: func(args []string) (string, error) {
		if args[0] == "push" {
			pushes++
			if pushes == 1 {
				return " ! [rejected] auto/rec-1 (fetch first)", fmt.Errorf("exit status 1")
			}
		}
		return "", nil
	}}
	wf := NewWorkflow(git, WorkflowOpts{})

	if err := wf.Push(context.Background(), "/wt", "auto/rec-1"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if pushes != 2 {
		t.Errorf("expected 2 pushes, got %d", pushes)
	}
	if len(git.find("fetch origin main")) != 1 {
		t.Error("expected a re-fetch between pushes")
	}
}

func TestWorkflowPush_ConflictAfterRetry(t *testing.T) {
	pushes := 0
	git := &mockGit{fn: func(args []string) (string, error) {
		if args[0] == "push" {
			pushes++
			return " ! [rejected] auto/rec-1 (non-fast-forward)", fmt.Errorf("exit status 1")
		}
		return "", nil
	}}
	wf := NewWorkflow(git, WorkflowOpts{})

	err := wf.Push(context.Background(), "/wt", "auto/rec-1")
	if !errors.Is(err, ErrPushConflict) {
		t.Fatalf("expected ErrPushConflict, got %v", err)
	}
	if pushes != 2 {
		t.Errorf("expected exactly 2 pushes, got %d", pushes)
	}
}

func TestWorkflowPush_OtherError(t *testing.T) {
	git := &mockGit{fn: func(args []string) (string, error) {
		return "fatal: could not read from remote", fmt.Errorf("exit status 128")
	}}
	wf := NewWorkflow(git, WorkflowOpts{})

	err := wf.Push(context.Background(), "/wt", "auto/rec-1")
	if err == nil || errors.Is(err, ErrPushConflict) {
		t.Fatalf("expected plain push error, got %v", err)
	}
	if len(git.calls) != 1 {
		t.Errorf("non-rejection errors should not retry, got %d calls", len(git.calls))
	}
}

func TestWorkflowPush_RejectsFlagBranch(t *testing.T) {
	wf := NewWorkflow(&mockGit{}, WorkflowOpts{})
	if err := wf.Push(context.Background(), "/wt", "--delete"); err == nil {
		t.Fatal("expected error for branch starting with -")
	}
}

func TestCommitMessage(t *testing.T) {
	msg := CommitMessage(CommitRequest{RecommendationID: "rec-9", Title: "Add cache\nextra", Summary: "Adds an LRU."})
	if !strings.HasPrefix(msg, "Add cache [rec-9]\n\n") {
		t.Errorf("unexpected subject: %q", msg)
	}
	if !strings.Contains(msg, "Adds an LRU.") || !strings.Contains(msg, "Recommendation-Id: rec-9") {
		t.Errorf("unexpected body: %q", msg)
	}
}

func assertArgs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("args length: got %v, want %v", got, want)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d]: got %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestWorkflowDiscardBranch(t *testing.T) {
	git := &mockGit{}
	wf := NewWorkflow(git, WorkflowOpts{})
	if err := wf.DiscardBranch(context.Background(), "/wt", "auto/rec-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertArgs(t, git.calls[0].Args, "checkout", "--detach")
	assertArgs(t, git.calls[1].Args, "branch", "-D", "auto/rec-1")
}
