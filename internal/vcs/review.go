package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ReviewRequest describes the review to open for a pushed branch.
type ReviewRequest struct {
	RecommendationID string
	Branch           string
	Base             string
	Title            string
	Body             string
}

// Review is an opened review request.
type Review struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Reviewer opens review requests on a hosting service.
type Reviewer interface {
	Name() string
	// FindByBranch returns the open review for branch, or nil.
	FindByBranch(ctx context.Context, branch string) (*Review, error)
	Open(ctx context.Context, req ReviewRequest) (*Review, error)
}

// OpenReview opens a review for req unless one already exists for its
// branch, in which case the existing one is returned.
func OpenReview(ctx context.Context, r Reviewer, req ReviewRequest) (*Review, error) {
	if existing, err := r.FindByBranch(ctx, req.Branch); err == nil && existing != nil {
		return existing, nil
	}
	return r.Open(ctx, req)
}

// NoopReviewer skips review requests; the pushed branch is the result.
type NoopReviewer struct{}

func (NoopReviewer) Name() string { return "none" }

func (NoopReviewer) FindByBranch(context.Context, string) (*Review, error) { return nil, nil }

func (NoopReviewer) Open(_ context.Context, req ReviewRequest) (*Review, error) {
	return &Review{ID: req.Branch}, nil
}

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGH runs gh commands via exec.
type ExecGH struct{}

func (ExecGH) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GHReviewer opens pull requests with the gh CLI from a repository dir.
type GHReviewer struct {
	cmd CmdRunner
	dir string
}

// NewGHReviewer creates a gh-backed reviewer that runs in dir.
func NewGHReviewer(cmd CmdRunner, dir string) *GHReviewer {
	if cmd == nil {
		cmd = ExecGH{}
	}
	return &GHReviewer{cmd: cmd, dir: dir}
}

func (g *GHReviewer) Name() string { return "gh" }

// FindByBranch returns the open PR whose head is branch, or nil.
func (g *GHReviewer) FindByBranch(ctx context.Context, branch string) (*Review, error) {
	out, err := g.cmd.Run(ctx, g.dir, "pr", "list", "--head", branch, "--state", "open", "--json", "number,url", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR for branch %s: %w", branch, err)
	}
	var prs []struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &Review{ID: strconv.Itoa(prs[0].Number), URL: prs[0].URL}, nil
}

// Open creates a PR and returns its URL.
func (g *GHReviewer) Open(ctx context.Context, req ReviewRequest) (*Review, error) {
	out, err := g.cmd.Run(ctx, g.dir, "pr", "create",
		"--title", req.Title,
		"--body", req.Body,
		"--head", req.Branch,
		"--base", req.Base,
	)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	url := lastLine(out)
	return &Review{ID: prNumber(url), URL: url}, nil
}

// GitHubAPIReviewer opens pull requests through the GitHub REST API.
type GitHubAPIReviewer struct {
	client *github.Client
	owner  string
	repo   string
	logger *zap.Logger
}

// NewGitHubAPIReviewer authenticates with a static token.
func NewGitHubAPIReviewer(ctx context.Context, token, owner, repo string, logger *zap.Logger) (*GitHubAPIReviewer, error) {
	if token == "" {
		return nil, errors.New("github-api reviewer requires GITHUB_TOKEN")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return NewGitHubAPIReviewerWithClient(github.NewClient(oauth2.NewClient(ctx, ts)), owner, repo, logger)
}

// NewGitHubAPIReviewerWithClient uses a prepared client, e.g. one pointed at
// a test server.
func NewGitHubAPIReviewerWithClient(client *github.Client, owner, repo string, logger *zap.Logger) (*GitHubAPIReviewer, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("github-api reviewer requires owner and repo")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubAPIReviewer{client: client, owner: owner, repo: repo, logger: logger.Named("review")}, nil
}

func (g *GitHubAPIReviewer) Name() string { return "github-api" }

func (g *GitHubAPIReviewer) FindByBranch(ctx context.Context, branch string) (*Review, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        g.owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &Review{ID: strconv.Itoa(prs[0].GetNumber()), URL: prs[0].GetHTMLURL()}, nil
}

func (g *GitHubAPIReviewer) Open(ctx context.Context, req ReviewRequest) (*Review, error) {
	pr, resp, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Branch),
		Base:  github.String(req.Base),
		Body:  github.String(req.Body),
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			g.logger.Warn("create pull request rejected, checking for existing one", zap.String("branch", req.Branch))
			if existing, ferr := g.FindByBranch(ctx, req.Branch); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return &Review{ID: strconv.Itoa(pr.GetNumber()), URL: pr.GetHTMLURL()}, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// prNumber extracts the trailing number from a PR URL.
func prNumber(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		if _, err := strconv.Atoi(url[i+1:]); err == nil {
			return url[i+1:]
		}
	}
	return url
}
