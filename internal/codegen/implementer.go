package codegen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
)

// FileChange is the validated new content of one file.
type FileChange struct {
	Path         string             `json:"path"`
	Action       integration.Action `json:"action"`
	Content      string             `json:"content"`
	Original     string             `json:"original,omitempty"`
	Existed      bool               `json:"existed"`
	Mode         os.FileMode        `json:"mode,omitempty"`
	LinesAdded   int                `json:"lines_added"`
	LinesRemoved int                `json:"lines_removed"`
}

// Result is the outcome of implementing one plan.
type Result struct {
	Files            []FileChange `json:"files"`
	Attempts         int          `json:"attempts"`
	Valid            bool         `json:"valid"`
	LinesChanged     int          `json:"lines_changed"`
	CostUSD          float64      `json:"cost_usd"`
	Summary          string       `json:"summary,omitempty"`
	ValidationErrors []string     `json:"validation_errors,omitempty"`
	Truncated        bool         `json:"truncated,omitempty"`
}

// Paths returns the changed file paths.
func (r *Result) Paths() []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.Path
	}
	return out
}

// Contents maps each changed path to its new content.
func (r *Result) Contents() map[string]string {
	out := make(map[string]string, len(r.Files))
	for _, f := range r.Files {
		out[f.Path] = f.Content
	}
	return out
}

// Options configures an Implementer.
type Options struct {
	MaxAttempts     int
	MaxPromptBytes  int
	MaxOutputTokens int
	EstimateUSD     float64       // reserved against the budget before each call
	CallTimeout     time.Duration // per backend call
	TemplateDir     string
	Logger          *zap.Logger
}

// Implementer drives the backend until it produces output that validates.
type Implementer struct {
	backend Backend
	limiter *safety.RateBudget
	opts    Options
	logger  *zap.Logger
}

// NewImplementer creates an Implementer. limiter may be nil.
func NewImplementer(backend Backend, limiter *safety.RateBudget, opts Options) *Implementer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Implementer{backend: backend, limiter: limiter, opts: opts, logger: logger.Named("codegen")}
}

// Backend returns the configured backend.
func (im *Implementer) Backend() Backend {
	return im.backend
}

// Implement generates and validates the change for plan against the
// working copy at root. Nothing is written. Every call is reserved against
// budget first and settled afterwards, including failed calls. The returned
// Result is non-nil even on error so callers can record attempts and cost.
func (im *Implementer) Implement(ctx context.Context, root string, rec recommendation.Recommendation, plan *integration.Plan, budget *safety.RunBudget) (*Result, error) {
	res := &Result{}
	if plan == nil || len(plan.Targets) == 0 {
		return res, fmt.Errorf("%w: plan has no targets", ErrImplementationInvalid)
	}
	builder := NewBuilder(root, im.opts.TemplateDir, im.opts.MaxPromptBytes)
	log := im.logger.With(zap.String("rec", rec.ID), zap.String("backend", im.backend.Name()))

	var (
		prevOutput string
		problems   []string
		backendErr error
	)
	for attempt := 1; attempt <= im.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt

		built, err := builder.Build(BuildOpts{
			Rec:              rec,
			Plan:             plan,
			Attempt:          attempt,
			PreviousOutput:   prevOutput,
			ValidationErrors: problems,
		})
		if err != nil {
			return res, err
		}
		req := built.Request
		req.MaxOutputTokens = im.opts.MaxOutputTokens
		res.Truncated = res.Truncated || built.Truncated

		if im.limiter != nil {
			if err := im.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		resv, err := budget.Reserve(ctx, im.opts.EstimateUSD)
		if err != nil {
			return res, err
		}

		callCtx, cancel := context.WithTimeout(ctx, im.opts.CallTimeout)
		start := time.Now()
		resp, callErr := im.backend.Generate(callCtx, req)
		cancel()

		charge := safety.Charge{Stage: string(record.StageImplemented), Attempt: attempt}
		if resp != nil {
			charge.USD = resp.CostUSD
			charge.InputTokens = resp.InputTokens
			charge.OutputTokens = resp.OutputTokens
		}
		if err := budget.Settle(ctx, resv, charge); err != nil {
			return res, fmt.Errorf("settle cost: %w", err)
		}
		res.CostUSD += charge.USD

		if callErr != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			backendErr = callErr
			log.Warn("backend call failed",
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(callErr),
			)
			continue
		}
		backendErr = nil

		files, summary, issues := im.validate(root, plan, resp.Text)
		log.Info("generation attempt",
			zap.Int("attempt", attempt),
			zap.Int("files", len(files)),
			zap.Int("problems", len(issues)),
			zap.Float64("cost_usd", charge.USD),
			zap.Duration("elapsed", time.Since(start)),
		)
		if len(issues) == 0 {
			res.Files = files
			res.Valid = true
			res.Summary = summary
			res.ValidationErrors = nil
			for _, f := range files {
				res.LinesChanged += f.LinesAdded + f.LinesRemoved
			}
			return res, nil
		}
		problems = issues
		res.ValidationErrors = issues
		prevOutput = resp.Text
	}

	if backendErr != nil {
		return res, fmt.Errorf("%w after %d attempts: %v", ErrBackend, res.Attempts, backendErr)
	}
	return res, fmt.Errorf("%w after %d attempts: %s", ErrImplementationInvalid, res.Attempts, strings.Join(problems, "; "))
}

// validate turns backend output into file changes and lists every problem.
func (im *Implementer) validate(root string, plan *integration.Plan, text string) ([]FileChange, string, []string) {
	blocks, summary, err := parseBlocks(text)
	if err != nil {
		return nil, "", []string{err.Error()}
	}
	if len(blocks) == 0 {
		return nil, "", []string{"output contains no FILE blocks"}
	}

	targets := make(map[string]integration.Target, len(plan.Targets))
	for _, t := range plan.Targets {
		targets[t.Path] = t
	}

	var (
		files    []FileChange
		problems []string
		seen     = make(map[string]bool)
	)
	for _, b := range blocks {
		p := path.Clean(strings.TrimPrefix(b.Path, "./"))
		t, ok := targets[p]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s is not a planned target (allowed: %s)", b.Path, strings.Join(plan.Paths(), ", ")))
			continue
		}
		if seen[p] {
			problems = append(problems, fmt.Sprintf("%s returned more than once", p))
			continue
		}
		seen[p] = true
		if strings.TrimSpace(b.Content) == "" {
			problems = append(problems, fmt.Sprintf("%s is empty", p))
			continue
		}

		fc := FileChange{Path: p, Action: t.Action, Mode: 0o644}
		abs := filepath.Join(root, filepath.FromSlash(p))
		if info, err := os.Stat(abs); err == nil {
			data, err := os.ReadFile(abs)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: read current content: %v", p, err))
				continue
			}
			fc.Existed = true
			fc.Original = string(data)
			fc.Mode = info.Mode().Perm()
		} else if !errors.Is(err, os.ErrNotExist) {
			problems = append(problems, fmt.Sprintf("%s: %v", p, err))
			continue
		}

		content := b.Content
		if t.Action == integration.ActionAppend && fc.Existed {
			content = appendContent(fc.Original, b.Content)
		}
		content, errs := checkSyntax(p, content)
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		if fc.Existed && content == fc.Original {
			problems = append(problems, fmt.Sprintf("%s is unchanged", p))
			continue
		}
		fc.Content = content
		fc.LinesAdded, fc.LinesRemoved = lineDelta(fc.Original, content)
		files = append(files, fc)
	}
	return files, summary, problems
}
