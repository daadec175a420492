package vcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Workflow commits, rebases and pushes a run's change from its worktree.
type Workflow struct {
	git         GitRunner
	remote      string
	base        string
	prefix      string
	authorName  string
	authorEmail string
	pushTimeout time.Duration
	logger      *zap.Logger
}

// WorkflowOpts configures a Workflow.
type WorkflowOpts struct {
	Remote       string
	Base         string
	BranchPrefix string
	AuthorName   string
	AuthorEmail  string
	PushTimeout  time.Duration
	Logger       *zap.Logger
}

// NewWorkflow creates a Workflow.
func NewWorkflow(git GitRunner, opts WorkflowOpts) *Workflow {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Base == "" {
		opts.Base = "main"
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "auto/"
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		git:         git,
		remote:      opts.Remote,
		base:        opts.Base,
		prefix:      opts.BranchPrefix,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
		pushTimeout: opts.PushTimeout,
		logger:      logger.Named("vcs"),
	}
}

// BranchName is the unique branch for a recommendation id.
func (w *Workflow) BranchName(id string) string {
	return sanitizeBranch(w.prefix + id)
}

// CommitRequest describes the commit to make.
type CommitRequest struct {
	RecommendationID string
	Title            string
	Summary          string
	Paths            []string
}

// CommitResult is the created branch and commit.
type CommitResult struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// CommitMessage renders the commit message for a recommendation.
func CommitMessage(req CommitRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\n\n", firstLineOf(req.Title), req.RecommendationID)
	if req.Summary != "" {
		b.WriteString(req.Summary)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Recommendation-Id: %s\n", req.RecommendationID)
	return b.String()
}

// Commit creates the recommendation's branch in dir, commits the given
// paths, and rebases onto the remote base branch. A conflict aborts the
// rebase and returns ErrMergeConflict; the commit stays on the branch.
func (w *Workflow) Commit(ctx context.Context, dir string, req CommitRequest) (*CommitResult, error) {
	if len(req.Paths) == 0 {
		return nil, fmt.Errorf("nothing to commit")
	}
	branch := w.BranchName(req.RecommendationID)
	if _, err := w.git.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}
	if _, err := w.git.Run(ctx, dir, "checkout", "-b", branch); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}

	add := append([]string{"add", "--"}, req.Paths...)
	if _, err := w.git.Run(ctx, dir, add...); err != nil {
		return nil, fmt.Errorf("stage files: %w", err)
	}
	commit := append(w.identity(), "commit", "--no-verify", "-m", CommitMessage(req))
	if _, err := w.git.Run(ctx, dir, commit...); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if err := w.rebase(ctx, dir); err != nil {
		return &CommitResult{Branch: branch}, err
	}
	sha, err := w.git.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("read commit: %w", err)
	}
	w.logger.Info("committed change",
		zap.String("rec", req.RecommendationID),
		zap.String("branch", branch),
		zap.String("commit", sha),
		zap.Int("files", len(req.Paths)),
	)
	return &CommitResult{Branch: branch, Commit: sha}, nil
}

// rebase fetches the base branch and replays the branch onto it. Without
// a remote-tracking ref there is nothing to rebase onto.
func (w *Workflow) rebase(ctx context.Context, dir string) error {
	if _, err := w.git.Run(ctx, dir, "fetch", w.remote, w.base); err != nil {
		w.logger.Warn("fetch base failed, skipping rebase", zap.Error(err))
		return nil
	}
	ref := w.remote + "/" + w.base
	out, err := w.git.Run(ctx, dir, append(w.identity(), "rebase", ref)...)
	if err == nil {
		return nil
	}
	if isConflict(out, err) {
		_, _ = w.git.Run(ctx, dir, "rebase", "--abort")
		return fmt.Errorf("%w: rebase onto %s: %s", ErrMergeConflict, ref, conflictFiles(out))
	}
	return fmt.Errorf("rebase onto %s: %w", ref, err)
}

// Push pushes the branch. A rejection triggers one re-fetch and rebase
// followed by a second push; a second rejection is ErrPushConflict.
func (w *Workflow) Push(ctx context.Context, dir, branch string) error {
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	out, err := w.push(ctx, dir, branch)
	if err == nil {
		return nil
	}
	if !isRejected(out, err) {
		return fmt.Errorf("push %s: %w", branch, err)
	}

	w.logger.Warn("push rejected, re-fetching and retrying once", zap.String("branch", branch))
	if err := w.rebase(ctx, dir); err != nil {
		return err
	}
	out, err = w.push(ctx, dir, branch)
	if err == nil {
		return nil
	}
	if isRejected(out, err) {
		return fmt.Errorf("%w: %s", ErrPushConflict, firstLineOf(out))
	}
	return fmt.Errorf("push %s: %w", branch, err)
}

func (w *Workflow) push(ctx context.Context, dir, branch string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	defer cancel()
	return w.git.Run(pctx, dir, "push", "--force-with-lease", "-u", w.remote, branch)
}

// identity returns -c flags setting the committer when configured.
func (w *Workflow) identity() []string {
	var args []string
	if w.authorName != "" {
		args = append(args, "-c", "user.name="+w.authorName)
	}
	if w.authorEmail != "" {
		args = append(args, "-c", "user.email="+w.authorEmail)
	}
	return args
}

// conflictFiles pulls the conflicting paths out of git's rebase output.
func conflictFiles(out string) string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if i := strings.Index(line, "Merge conflict in "); i >= 0 {
			files = append(files, strings.TrimSpace(line[i+len("Merge conflict in "):]))
		}
	}
	if len(files) == 0 {
		return "conflict"
	}
	return strings.Join(files, ", ")
}

func firstLineOf(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// DiscardBranch detaches dir from branch and deletes it, so a failed run
// leaves no branch behind for its recommendation.
func (w *Workflow) DiscardBranch(ctx context.Context, dir, branch string) error {
	if _, err := w.git.Run(ctx, dir, "checkout", "--detach"); err != nil {
		return fmt.Errorf("detach from %s: %w", branch, err)
	}
	if _, err := w.git.Run(ctx, dir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}
