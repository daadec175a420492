package codegen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/prompt"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
)

// shrinkable are the instruction variables that may be truncated to fit the
// prompt budget, largest first. The plan brief is never cut.
var shrinkable = []string{"previous_output", "validation_errors", "description", "imports"}

// appendTailBytes is how much of an append target's existing content is
// shown; only its end matters.
const appendTailBytes = 8 * 1024

// Builder assembles the instruction and file context for one attempt.
type Builder struct {
	root        string
	templateDir string
	maxBytes    int
}

// NewBuilder creates a Builder for the working copy at root. maxBytes <= 0
// disables the size budget.
func NewBuilder(root, templateDir string, maxBytes int) *Builder {
	return &Builder{root: root, templateDir: templateDir, maxBytes: maxBytes}
}

// BuildOpts configures one attempt's prompt.
type BuildOpts struct {
	Rec              recommendation.Recommendation
	Plan             *integration.Plan
	Attempt          int
	PreviousOutput   string
	ValidationErrors []string
}

// BuildResult holds the assembled request pieces.
type BuildResult struct {
	Vars      prompt.Vars
	Template  string
	Request   Request
	Truncated bool
}

// Build renders the template for the attempt and attaches the target files,
// cutting variable and file content so the whole prompt fits the budget.
func (b *Builder) Build(opts BuildOpts) (*BuildResult, error) {
	vars := prompt.Vars{
		"rec_id":      opts.Rec.ID,
		"title":       opts.Rec.Title,
		"description": strings.TrimSpace(opts.Rec.Description),
		"brief":       opts.Plan.Brief,
		"language":    opts.Plan.Language,
		"imports":     strings.Join(opts.Plan.Imports, "\n"),
		"attempt":     strconv.Itoa(opts.Attempt - 1),
	}
	name := prompt.Implement
	if opts.Attempt > 1 && opts.PreviousOutput != "" {
		name = prompt.Repair
		vars["previous_output"] = opts.PreviousOutput
		vars["validation_errors"] = bulletList(opts.ValidationErrors)
	}

	tmpl, err := prompt.Load(name, b.templateDir)
	if err != nil {
		return nil, err
	}
	instruction, truncated, err := prompt.RenderBounded(tmpl, vars, shrinkable, b.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}

	files, err := b.readTargets(opts.Plan)
	if err != nil {
		return nil, err
	}
	budget := 0
	if b.maxBytes > 0 {
		budget = b.maxBytes - len(instruction) - len("\n\n## Current Files\n\n")
	}
	fileCtx, cut := renderFiles(files, budget)

	return &BuildResult{
		Vars:      vars,
		Template:  name,
		Request:   Request{Instruction: instruction, Context: fileCtx},
		Truncated: truncated || cut,
	}, nil
}

type targetFile struct {
	target  integration.Target
	content string
	exists  bool
}

func (b *Builder) readTargets(plan *integration.Plan) ([]targetFile, error) {
	out := make([]targetFile, 0, len(plan.Targets))
	for _, t := range plan.Targets {
		data, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(t.Path)))
		switch {
		case errors.Is(err, os.ErrNotExist):
			out = append(out, targetFile{target: t})
		case err != nil:
			return nil, fmt.Errorf("read target %s: %w", t.Path, err)
		default:
			content := string(data)
			if t.Action == integration.ActionAppend && len(content) > appendTailBytes {
				content = "... [earlier content omitted]\n" + content[len(content)-appendTailBytes:]
			}
			out = append(out, targetFile{target: t, content: content, exists: true})
		}
	}
	return out, nil
}

// renderFiles lays out target files. With a positive budget each existing
// file gets an equal share; a non-positive budget means unlimited.
func renderFiles(files []targetFile, budget int) (string, bool) {
	share := 0
	if budget > 0 {
		overhead := 0
		existing := 0
		for _, f := range files {
			overhead += len(fileHeader(f)) + 64
			if f.exists {
				existing++
			}
		}
		if existing > 0 {
			share = (budget - overhead) / existing
			if share < 0 {
				share = 0
			}
		}
	}

	var sb strings.Builder
	cut := false
	for _, f := range files {
		sb.WriteString(fileHeader(f))
		if !f.exists {
			sb.WriteString("(new file)\n\n")
			continue
		}
		content := f.content
		if budget > 0 && len(content) > share {
			content = prompt.Truncate(content, share)
			cut = true
		}
		sb.WriteString("```\n")
		sb.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n", cut
}

func fileHeader(f targetFile) string {
	return fmt.Sprintf("### %s (%s)\n", f.target.Path, f.target.Action)
}

func bulletList(items []string) string {
	var sb strings.Builder
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s\n", it)
	}
	return strings.TrimRight(sb.String(), "\n")
}
