package integration

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/recommendation"
	"github.com/lucasnoah/recdeploy/internal/structure"
)

// Defaults.
const (
	DefaultThreshold       = 0.35
	DefaultMaxTargets      = 3
	DefaultMiscDir         = "misc"
	DefaultAppendOverBytes = 32 * 1024
	hintConfidence         = 0.9
	maxSymbols             = 40
)

// Options configures an Analyzer.
type Options struct {
	Threshold       float64 // minimum similarity for a confident placement
	MaxTargets      int
	MiscDir         string // fallback location, relative to the repository root
	AppendOverBytes int    // files larger than this are appended to rather than rewritten
	Logger          *zap.Logger
}

// Analyzer matches recommendations against a structure index.
type Analyzer struct {
	opts   Options
	logger *zap.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(opts Options) *Analyzer {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxTargets <= 0 {
		opts.MaxTargets = DefaultMaxTargets
	}
	if opts.MiscDir == "" {
		opts.MiscDir = DefaultMiscDir
	}
	if opts.AppendOverBytes <= 0 {
		opts.AppendOverBytes = DefaultAppendOverBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Analyzer{opts: opts, logger: opts.Logger.Named("analyzer")}
}

type candidate struct {
	file   *structure.File
	score  float64
	reason string
}

// Plan decides the targets for rec. Candidates below the threshold fall
// back to the misc location with the best observed score as confidence.
func (a *Analyzer) Plan(ctx context.Context, rec recommendation.Recommendation, idx *structure.Index) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keywords := rec.Keywords()
	cands := a.rank(rec, keywords, idx)

	plan := &Plan{
		RecommendationID: rec.ID,
		Title:            rec.Title,
		Language:         idx.PrimaryLanguage(),
		IndexHash:        idx.Hash,
	}

	best := 0.0
	if len(cands) > 0 {
		best = cands[0].score
	}
	creates := createHints(rec, idx)
	if len(creates) > 0 && best < hintConfidence {
		best = hintConfidence
	}

	if best >= a.opts.Threshold {
		for _, c := range cands {
			if len(plan.Targets) >= a.opts.MaxTargets {
				break
			}
			if c.score < a.opts.Threshold || c.score < best*0.8 {
				break
			}
			if !writableFile(filepath.Join(idx.Root, filepath.FromSlash(c.file.Path))) {
				a.logger.Warn("candidate not writable", zap.String("path", c.file.Path))
				continue
			}
			action := ActionModify
			if c.file.Size > a.opts.AppendOverBytes {
				action = ActionAppend
			}
			plan.Targets = append(plan.Targets, Target{
				Path: c.file.Path, Action: action, Module: c.file.Module, Score: round(c.score), Reason: c.reason,
			})
		}
		for _, h := range creates {
			if len(plan.Targets) >= a.opts.MaxTargets {
				break
			}
			if writableDir(idx.Root, path.Dir(h)) {
				plan.Targets = append(plan.Targets, Target{
					Path: h, Action: ActionCreate, Module: path.Dir(h), Score: hintConfidence, Reason: "hinted new file",
				})
			}
		}
		if len(plan.Targets) > 0 {
			plan.Language = languageFor(plan.Targets[0].Path, plan.Language)
		}
	}

	if len(plan.Targets) == 0 {
		target, err := a.fallback(rec, idx, plan.Language)
		if err != nil {
			return nil, err
		}
		plan.Targets = []Target{target}
		plan.Fallback = true
	}

	plan.Confidence = round(best)
	if plan.Fallback && plan.Confidence >= a.opts.Threshold {
		// Best candidates existed but none was writable.
		plan.Confidence = round(a.opts.Threshold / 2)
	}
	plan.Symbols, plan.Imports = contracts(plan.Targets, idx)
	plan.Brief = brief(rec, plan, idx)

	a.logger.Info("integration plan ready",
		zap.String("rec_id", rec.ID),
		zap.String("plan", plan.Summary()),
		zap.Strings("keywords", keywords))
	return plan, nil
}

// rank scores every non-test source file, highest first.
func (a *Analyzer) rank(rec recommendation.Recommendation, keywords []string, idx *structure.Index) []candidate {
	hinted := map[string]bool{}
	for _, h := range rec.Hints {
		hinted[path.Clean(filepath.ToSlash(h))] = true
	}
	domainTokens := recommendation.Tokenize(rec.Domain)

	var out []candidate
	for _, f := range idx.Files {
		if f.Test {
			continue
		}
		score, reason := similarity(keywords, domainTokens, f)
		if hinted[f.Path] && score < hintConfidence {
			score, reason = hintConfidence, "named in recommendation hints"
		}
		if score > 0 {
			out = append(out, candidate{file: f, score: score, reason: reason})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].file.Path < out[j].file.Path
	})
	return out
}

// similarity is the share of keywords found in the file's path (full
// weight) or its symbols (partial weight), plus a bonus when every domain
// token is a path segment.
func similarity(keywords, domain []string, f *structure.File) (float64, string) {
	if len(keywords) == 0 {
		return 0, ""
	}
	pathTokens := toSet(recommendation.Tokenize(strings.TrimSuffix(f.Path, path.Ext(f.Path))))
	symTokens := map[string]bool{}
	for _, s := range f.Symbols {
		for _, t := range recommendation.Tokenize(s) {
			symTokens[t] = true
		}
	}

	var hits []string
	total := 0.0
	for _, k := range keywords {
		switch {
		case pathTokens[k]:
			total += 1
			hits = append(hits, k)
		case symTokens[k]:
			total += 0.6
			hits = append(hits, k)
		case stemMatch(k, pathTokens):
			total += 0.5
			hits = append(hits, k)
		case stemMatch(k, symTokens):
			total += 0.3
			hits = append(hits, k)
		}
	}
	score := total / float64(len(keywords))

	if len(domain) > 0 {
		all := true
		for _, d := range domain {
			if !pathTokens[d] {
				all = false
				break
			}
		}
		if all {
			score += 0.3
		}
	}
	if score > 1 {
		score = 1
	}
	if len(hits) == 0 && score == 0 {
		return 0, ""
	}
	return score, "matched " + strings.Join(hits, ", ")
}

// stemMatch treats tokens sharing a prefix of at least four characters as
// related, so "validate" matches "validation".
func stemMatch(k string, set map[string]bool) bool {
	if len(k) < 4 {
		return false
	}
	for t := range set {
		if len(t) < 4 {
			continue
		}
		n := commonPrefix(k, t)
		if n >= 4 && (n >= len(k)-3 || n >= len(t)-3) {
			return true
		}
	}
	return false
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// createHints returns hinted paths that do not exist yet but sit in an
// indexed module.
func createHints(rec recommendation.Recommendation, idx *structure.Index) []string {
	var out []string
	for _, h := range rec.Hints {
		h = path.Clean(filepath.ToSlash(h))
		if _, exists := idx.Files[h]; exists || !safeRel(h) || path.Ext(h) == "" {
			continue
		}
		if _, ok := idx.Modules[path.Dir(h)]; ok {
			out = append(out, h)
		}
	}
	return out
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// fallback picks the misc location, then the repository root, whichever is
// writable first.
func (a *Analyzer) fallback(rec recommendation.Recommendation, idx *structure.Index, lang string) (Target, error) {
	name := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(rec.ID), "_"), "_")
	if name == "" {
		name = "recommendation"
	}
	file := name + extensionFor(lang)

	for _, dir := range []string{a.opts.MiscDir, "."} {
		if !writableDir(idx.Root, dir) {
			a.logger.Warn("fallback location not writable", zap.String("dir", dir))
			continue
		}
		p := path.Clean(path.Join(dir, file))
		action := ActionCreate
		if _, exists := idx.Files[p]; exists {
			action = ActionAppend
		}
		return Target{Path: p, Action: action, Module: path.Dir(p), Reason: "no confident match; using fallback location"}, nil
	}
	return Target{}, fmt.Errorf("%w: neither %s nor the repository root is writable", ErrNoViableInsertionPoint, a.opts.MiscDir)
}

// contracts collects the existing symbols of the targets and of the files
// they import, and the targets' imports.
func contracts(targets []Target, idx *structure.Index) ([]Symbol, []string) {
	var syms []Symbol
	seenSym := map[Symbol]bool{}
	imports := map[string]bool{}

	add := func(p string) {
		f, ok := idx.Files[p]
		if !ok {
			return
		}
		for _, s := range f.Symbols {
			sym := Symbol{Path: p, Name: s}
			if !seenSym[sym] && len(syms) < maxSymbols {
				seenSym[sym] = true
				syms = append(syms, sym)
			}
		}
	}
	for _, t := range targets {
		add(t.Path)
		if f, ok := idx.Files[t.Path]; ok {
			for _, imp := range f.Imports {
				imports[imp] = true
			}
		}
	}
	for _, t := range targets {
		for _, dep := range idx.Deps[t.Path] {
			add(dep)
		}
	}
	out := make([]string, 0, len(imports))
	for imp := range imports {
		out = append(out, imp)
	}
	sort.Strings(out)
	return syms, out
}

func brief(rec recommendation.Recommendation, plan *Plan, idx *structure.Index) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recommendation %s: %s\n", rec.ID, rec.Title)
	if rec.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(rec.Description))
	}
	b.WriteString("\nPlacement:\n")
	for _, t := range plan.Targets {
		fmt.Fprintf(&b, "- %s %s", t.Action, t.Path)
		if t.Reason != "" {
			fmt.Fprintf(&b, " (%s)", t.Reason)
		}
		b.WriteString("\n")
	}
	if plan.Fallback {
		b.WriteString("\nNo existing module matched confidently. Keep the new code self-contained.\n")
	}
	if conv, ok := idx.Convention(plan.Language); ok {
		fmt.Fprintf(&b, "\nTests in this repository follow %s (%s).\n", conv.Pattern, conv.Location)
	}
	if len(plan.Symbols) > 0 {
		b.WriteString("\nExisting symbols to interoperate with:\n")
		for _, s := range plan.Symbols {
			fmt.Fprintf(&b, "- %s (%s)\n", s.Name, s.Path)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writableFile(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() || info.Mode().Perm()&0o200 == 0 {
		return false
	}
	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// writableDir reports whether a file can be created in rel under root. A
// missing directory counts when its nearest existing ancestor is writable.
func writableDir(root, rel string) bool {
	if !safeRel(rel) {
		return false
	}
	dir := filepath.Join(root, filepath.FromSlash(rel))
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return false
			}
			f, err := os.CreateTemp(dir, ".recdeploy-probe-*")
			if err != nil {
				return false
			}
			f.Close()
			os.Remove(f.Name())
			return true
		}
		if !os.IsNotExist(err) {
			return false
		}
		parent := filepath.Dir(dir)
		if parent == dir || len(parent) < len(filepath.Clean(root)) {
			return false
		}
		dir = parent
	}
}

func safeRel(rel string) bool {
	c := path.Clean(rel)
	return !path.IsAbs(c) && c != ".." && !strings.HasPrefix(c, "../")
}

func toSet(in []string) map[string]bool {
	m := make(map[string]bool, len(in))
	for _, s := range in {
		m[s] = true
	}
	return m
}

func round(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func extensionFor(lang string) string {
	switch lang {
	case structure.LangGo:
		return ".go"
	case structure.LangPython:
		return ".py"
	case structure.LangJavaScript:
		return ".js"
	case structure.LangTypeScript:
		return ".ts"
	case structure.LangRuby:
		return ".rb"
	case structure.LangJava:
		return ".java"
	case structure.LangRust:
		return ".rs"
	}
	return ".txt"
}

func languageFor(p, fallback string) string {
	switch path.Ext(p) {
	case ".go":
		return structure.LangGo
	case ".py":
		return structure.LangPython
	case ".js", ".jsx", ".mjs", ".cjs":
		return structure.LangJavaScript
	case ".ts", ".tsx":
		return structure.LangTypeScript
	case ".rb":
		return structure.LangRuby
	case ".java":
		return structure.LangJava
	case ".rs":
		return structure.LangRust
	}
	return fallback
}
