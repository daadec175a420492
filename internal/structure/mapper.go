package structure

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultMaxFileBytes bounds the size of files the mapper reads.
const DefaultMaxFileBytes = 1 << 20

// defaultIgnoredDirs are never descended into.
var defaultIgnoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".venv": true, "venv": true,
	"__pycache__": true, "dist": true, "build": true, "target": true, ".idea": true,
	".vscode": true, ".tox": true, ".mypy_cache": true, ".pytest_cache": true,
}

var rootManifests = map[string]bool{
	"go.mod": true, "pyproject.toml": true, "setup.py": true, "package.json": true, "Cargo.toml": true,
}

// Options configures a Mapper.
type Options struct {
	MaxFileBytes int64
	Ignore       []string // glob patterns matched against the base name and the relative path
	Cache        *Cache
	Logger       *zap.Logger
}

// Mapper scans a repository into an Index. It never writes to the
// repository.
type Mapper struct {
	maxBytes int64
	ignore   []string
	cache    *Cache
	logger   *zap.Logger
}

// NewMapper creates a Mapper.
func NewMapper(opts Options) *Mapper {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ignore := append([]string(nil), opts.Ignore...)
	sort.Strings(ignore)
	return &Mapper{maxBytes: opts.MaxFileBytes, ignore: ignore, cache: opts.Cache, logger: opts.Logger.Named("mapper")}
}

type scanned struct {
	rel  string
	data []byte
}

// Map indexes root. Unreadable, oversized and binary files are skipped with
// a warning. When a cache is configured, an unchanged tree is served from
// it without re-parsing.
func (m *Mapper) Map(ctx context.Context, root string) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat repository root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", root)
	}

	h := sha256.New()
	fmt.Fprintf(h, "opts\x00%d\x00%s\n", m.maxBytes, strings.Join(m.ignore, ","))
	var texts []scanned
	var skipped []Skipped
	manifests := map[string][]byte{}

	skip := func(rel, reason string, err error) {
		fields := []zap.Field{zap.String("path", rel), zap.String("reason", reason)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		m.logger.Warn("skipping file", fields...)
		skipped = append(skipped, Skipped{Path: rel, Reason: reason})
	}

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if err != nil {
			if rel == "." {
				return err
			}
			skip(rel, "unreadable", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if rel != "." && (defaultIgnoredDirs[d.Name()] || m.ignored(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || m.ignored(rel) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			skip(rel, "unreadable", err)
			return nil
		}
		if fi.Size() > m.maxBytes {
			fmt.Fprintf(h, "%s\x00size:%d\n", rel, fi.Size())
			skip(rel, "too large", nil)
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			skip(rel, "unreadable", err)
			return nil
		}
		sum := sha256.Sum256(data)
		fmt.Fprintf(h, "%s\x00%x\n", rel, sum)

		if isBinary(data) {
			skip(rel, "binary", nil)
			return nil
		}
		if rootManifests[rel] {
			manifests[rel] = data
		}
		texts = append(texts, scanned{rel: rel, data: data})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan %s: %w", root, walkErr)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	if m.cache != nil {
		if idx, ok := m.cache.Get(hash); ok {
			m.logger.Debug("structure index cache hit", zap.String("hash", hash))
			idx.Root = root
			return idx, nil
		}
	}

	idx := m.build(texts, manifests)
	idx.Hash = hash
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })
	idx.Skipped = skipped

	if m.cache != nil {
		if err := m.cache.Put(idx); err != nil {
			m.logger.Warn("structure index cache write failed", zap.Error(err))
		}
	}
	idx.Root = root
	m.logger.Info("mapped repository",
		zap.String("root", root),
		zap.Int("files", len(idx.Files)),
		zap.Int("modules", len(idx.Modules)),
		zap.Int("skipped", len(idx.Skipped)))
	return idx, nil
}

func (m *Mapper) build(texts []scanned, manifests map[string][]byte) *Index {
	idx := &Index{
		Modules:   map[string]*Module{},
		Files:     map[string]*File{},
		Deps:      map[string][]string{},
		Languages: map[string]int{},
		Projects:  detectProjects(manifests),
	}
	goModule := idx.GoModulePath()

	conv := map[TestConvention]int{}
	dirLangs := map[string]map[string]int{}

	for _, t := range texts {
		lang := LanguageOf(t.rel)
		if lang == "" {
			continue
		}
		f := &File{Path: t.rel, Module: path.Dir(t.rel), Language: lang, Size: len(t.data)}
		if pattern, location, ok := testPattern(t.rel, lang); ok {
			f.Test = true
			conv[TestConvention{Language: lang, Pattern: pattern, Location: location}]++
		}

		if lang == LangGo {
			imports, symbols, err := goFacts(t.rel, t.data)
			if err != nil {
				m.logger.Warn("go parse error, symbols may be incomplete", zap.String("path", t.rel), zap.Error(err))
			}
			f.Imports, f.Symbols = imports, symbols
		} else {
			f.Imports, f.Symbols = scriptFacts(lang, t.data)
		}
		f.Imports = sortedUnique(f.Imports)
		f.Symbols = sortedUnique(f.Symbols)
		idx.Files[f.Path] = f

		mod := idx.Modules[f.Module]
		if mod == nil {
			mod = &Module{Name: f.Module}
			idx.Modules[f.Module] = mod
		}
		if f.Test {
			mod.Tests = append(mod.Tests, f.Path)
			continue
		}
		mod.Files = append(mod.Files, f.Path)
		idx.Languages[lang]++
		if dirLangs[f.Module] == nil {
			dirLangs[f.Module] = map[string]int{}
		}
		dirLangs[f.Module][lang]++
	}

	for name, mod := range idx.Modules {
		sort.Strings(mod.Files)
		sort.Strings(mod.Tests)
		mod.Language = majority(dirLangs[name])
		if mod.Language == "" && len(mod.Tests) > 0 {
			mod.Language = idx.Files[mod.Tests[0]].Language
		}
	}

	for c, n := range conv {
		c.Count = n
		idx.Conventions = append(idx.Conventions, c)
	}
	sort.Slice(idx.Conventions, func(i, j int) bool {
		a, b := idx.Conventions[i], idx.Conventions[j]
		if a.Language != b.Language {
			return a.Language < b.Language
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Pattern+a.Location < b.Pattern+b.Location
	})

	res := newResolver(idx.Files, goModule)
	for p, f := range idx.Files {
		if deps := res.resolve(f); len(deps) > 0 {
			idx.Deps[p] = deps
		}
	}
	return idx
}

func (m *Mapper) ignored(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range m.ignore {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if strings.HasSuffix(pattern, "/") && (rel+"/" == pattern || strings.HasPrefix(rel, pattern)) {
			return true
		}
	}
	return false
}

// isBinary applies the usual heuristic: a NUL byte in the first 8KiB, or
// content that is not valid UTF-8.
func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

func majority(counts map[string]int) string {
	best, n := "", 0
	for lang, c := range counts {
		if c > n || (c == n && lang < best) {
			best, n = lang, c
		}
	}
	return best
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// ErrNotIndexed is returned when a path is not part of an index.
var ErrNotIndexed = errors.New("path not indexed")

// Lookup returns the indexed file at rel.
func (idx *Index) Lookup(rel string) (*File, error) {
	f, ok := idx.Files[path.Clean(filepath.ToSlash(rel))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, rel)
	}
	return f, nil
}
