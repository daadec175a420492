package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Manager creates one isolated worktree per recommendation so concurrent
// runs never share a checkout.
type Manager struct {
	git     GitRunner
	repoDir string // the target repository
	baseDir string // where worktrees are created
	remote  string
	base    string
	logger  *zap.Logger
}

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	RepoDir string
	BaseDir string // defaults to <repo>/.recdeploy-worktrees
	Remote  string
	Base    string
	Logger  *zap.Logger
}

// NewManager creates a worktree manager.
func NewManager(git GitRunner, opts ManagerOpts) *Manager {
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Join(opts.RepoDir, ".recdeploy-worktrees")
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Base == "" {
		opts.Base = "main"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		git:     git,
		repoDir: opts.RepoDir,
		baseDir: opts.BaseDir,
		remote:  opts.Remote,
		base:    opts.Base,
		logger:  logger.Named("worktree"),
	}
}

// RepoDir returns the target repository path.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// Path returns the worktree path for a recommendation.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.baseDir, sanitizeBranch(strings.ReplaceAll(id, "/", "-")))
}

// Create checks out a detached worktree at the tip of the base branch. An
// existing worktree for id is reused so a resumed run keeps its files.
func (m *Manager) Create(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty recommendation id")
	}
	path := m.Path(id)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		m.logger.Info("reusing worktree", zap.String("rec", id), zap.String("path", path))
		return path, nil
	}

	// Best-effort fetch so the worktree starts from the current remote base.
	if _, err := m.git.Run(ctx, m.repoDir, "fetch", m.remote, m.base); err != nil {
		m.logger.Warn("fetch base failed, using local refs", zap.String("remote", m.remote), zap.Error(err))
	}
	start := m.BaseRef(ctx)

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create worktree dir: %w", err)
	}
	if _, err := m.git.Run(ctx, m.repoDir, "worktree", "add", "--detach", path, start); err != nil {
		return "", fmt.Errorf("create worktree: %w", err)
	}
	return path, nil
}

// BaseRef is <remote>/<base> when the remote-tracking ref exists, else the
// local base branch.
func (m *Manager) BaseRef(ctx context.Context) string {
	ref := m.remote + "/" + m.base
	if _, err := m.git.Run(ctx, m.repoDir, "rev-parse", "--verify", "--quiet", ref); err == nil {
		return ref
	}
	return m.base
}

// Remove deletes the worktree. Branches are kept; they hold committed work.
func (m *Manager) Remove(ctx context.Context, id string) error {
	path := m.Path(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	_, _ = m.git.Run(ctx, m.repoDir, "worktree", "prune")
	return nil
}
