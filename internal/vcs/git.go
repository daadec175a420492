// Package vcs isolates each run in its own git worktree, commits and pushes
// the change on a per-recommendation branch, and opens a review request.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Sentinel errors.
var (
	// ErrMergeConflict means the change does not rebase cleanly onto the
	// base branch. The rebase is aborted and nothing is resolved.
	ErrMergeConflict = errors.New("merge conflict with base branch")
	// ErrPushConflict means the remote rejected the push again after a
	// re-fetch and rebase.
	ErrPushConflict = errors.New("push rejected by remote")
	// ErrBranchExists means the recommendation's branch already exists, so
	// another run owns it.
	ErrBranchExists = errors.New("branch already exists")
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct {
	// Env is appended to the process environment, e.g. GIT_SSH_COMMAND.
	Env []string
}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(g.Env) > 0 {
		cmd.Env = append(cmd.Environ(), g.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.ReplaceAll(s, "..", "-")
	s = strings.Trim(s, "-./")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func isConflict(out string, err error) bool {
	text := out
	if err != nil {
		text += " " + err.Error()
	}
	return strings.Contains(text, "CONFLICT") || strings.Contains(text, "could not apply") || strings.Contains(text, "Merge conflict")
}

func isRejected(out string, err error) bool {
	text := out
	if err != nil {
		text += " " + err.Error()
	}
	for _, s := range []string{"[rejected]", "non-fast-forward", "fetch first", "stale info", "failed to push some refs"} {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
