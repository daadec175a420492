package testrun

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/codegen"
	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/structure"
)

// Generator writes smoke tests that reference the public entry points a
// change added. Existing test files are extended, never replaced.
type Generator struct {
	logger *zap.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{logger: logger.Named("testgen")}
}

// entry is a public symbol introduced by the change.
type entry struct {
	Name    string // Func, Type, or Type.Method
	Kind    string // func, type, method
	Generic bool
}

// Generate returns test file changes for the given implementation. Files
// the change itself already touches as tests are left alone.
func (g *Generator) Generate(root, recID string, idx *structure.Index, changes []codegen.FileChange) ([]codegen.FileChange, error) {
	touched := make(map[string]bool, len(changes))
	for _, c := range changes {
		touched[c.Path] = true
	}

	pending := make(map[string]*codegen.FileChange)
	var order []string
	for _, c := range changes {
		if isTestPath(c.Path) {
			continue
		}
		lang := structure.LanguageOf(c.Path)
		entries := newEntries(lang, c.Path, c.Original, c.Content)
		if len(entries) == 0 {
			continue
		}
		testPath, body, header := g.stub(lang, recID, idx, c, entries)
		if testPath == "" {
			g.logger.Debug("no test stub generator", zap.String("path", c.Path), zap.String("language", lang))
			continue
		}
		if lang == structure.LangGo {
			testPath = goTestPath(root, testPath, header, recID)
		}
		if touched[testPath] {
			continue
		}

		fc, ok := pending[testPath]
		if !ok {
			fc = &codegen.FileChange{Path: testPath, Mode: 0o644}
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(testPath)))
			switch {
			case err == nil:
				if info, serr := os.Stat(filepath.Join(root, filepath.FromSlash(testPath))); serr == nil {
					fc.Mode = info.Mode().Perm()
				}
				fc.Existed = true
				fc.Original = string(data)
				fc.Content = fc.Original
				fc.Action = integration.ActionAppend
			case errors.Is(err, os.ErrNotExist):
				fc.Content = header
				fc.Action = integration.ActionCreate
			default:
				return nil, fmt.Errorf("read %s: %w", testPath, err)
			}
			pending[testPath] = fc
			order = append(order, testPath)
		}
		if strings.Contains(fc.Content, firstLine(body)) {
			continue
		}
		fc.Content = joinCode(fc.Content, body)
	}

	var out []codegen.FileChange
	for _, p := range order {
		fc := pending[p]
		if fc.Content == fc.Original {
			continue
		}
		fc.LinesAdded = strings.Count(fc.Content, "\n") - strings.Count(fc.Original, "\n")
		out = append(out, *fc)
	}
	return out, nil
}

func (g *Generator) stub(lang, recID string, idx *structure.Index, c codegen.FileChange, entries []entry) (testPath, body, header string) {
	switch lang {
	case structure.LangGo:
		return goStub(recID, c, entries)
	case structure.LangPython:
		return pythonStub(recID, idx, c, entries)
	case structure.LangJavaScript, structure.LangTypeScript:
		return jsStub(recID, idx, c, entries)
	}
	return "", "", ""
}

func isTestPath(p string) bool {
	base := path.Base(p)
	return strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_") ||
		strings.HasSuffix(base, "_test.py") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.")
}

// newEntries lists public symbols in after that are not in before.
func newEntries(lang, p, before, after string) []entry {
	var now, was []entry
	switch lang {
	case structure.LangGo:
		now, was = goEntries(p, after), goEntries(p, before)
	case structure.LangPython:
		now, was = regexEntries(pyDefRe, after), regexEntries(pyDefRe, before)
	case structure.LangJavaScript, structure.LangTypeScript:
		now, was = regexEntries(jsExportRe, after), regexEntries(jsExportRe, before)
	default:
		return nil
	}
	old := make(map[string]bool, len(was))
	for _, e := range was {
		old[e.Name] = true
	}
	var out []entry
	for _, e := range now {
		if !old[e.Name] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func goEntries(p, src string) []entry {
	if src == "" {
		return nil
	}
	f, err := parser.ParseFile(token.NewFileSet(), p, src, parser.SkipObjectResolution)
	if err != nil {
		return nil
	}
	var out []entry
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if !d.Name.IsExported() {
				continue
			}
			if d.Recv == nil {
				out = append(out, entry{Name: d.Name.Name, Kind: "func", Generic: d.Type.TypeParams != nil})
				continue
			}
			recv, generic := receiverName(d.Recv)
			if recv != "" && ast.IsExported(recv) {
				out = append(out, entry{Name: recv + "." + d.Name.Name, Kind: "method", Generic: generic})
			}
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, s := range d.Specs {
				ts := s.(*ast.TypeSpec)
				if ts.Name.IsExported() {
					out = append(out, entry{Name: ts.Name.Name, Kind: "type", Generic: ts.TypeParams != nil})
				}
			}
		}
	}
	return out
}

func receiverName(fl *ast.FieldList) (string, bool) {
	if fl == nil || len(fl.List) == 0 {
		return "", false
	}
	t := fl.List[0].Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	switch x := t.(type) {
	case *ast.Ident:
		return x.Name, false
	case *ast.IndexExpr:
		if id, ok := x.X.(*ast.Ident); ok {
			return id.Name, true
		}
	case *ast.IndexListExpr:
		if id, ok := x.X.(*ast.Ident); ok {
			return id.Name, true
		}
	}
	return "", false
}

var (
	pyDefRe    = regexp.MustCompile(`(?m)^(?:async\s+)?(?:def|class)\s+([A-Za-z]\w*)`)
	jsExportRe = regexp.MustCompile(`(?m)^export\s+(?:default\s+)?(?:async\s+)?(?:function\*?|class|const|let|var)\s+([A-Za-z_$][\w$]*)`)
	goPkgRe    = regexp.MustCompile(`(?m)^package\s+(\w+)`)
)

func regexEntries(re *regexp.Regexp, src string) []entry {
	var out []entry
	for _, m := range re.FindAllStringSubmatch(src, -1) {
		out = append(out, entry{Name: m[1], Kind: "func"})
	}
	return out
}

// testName turns a recommendation id into an identifier fragment.
func testName(recID string) string {
	var b strings.Builder
	for _, r := range recID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func goStub(recID string, c codegen.FileChange, entries []entry) (string, string, string) {
	m := goPkgRe.FindStringSubmatch(c.Content)
	if m == nil {
		return "", "", ""
	}
	var refs []string
	for _, e := range entries {
		if e.Generic {
			continue
		}
		switch e.Kind {
		case "func":
			refs = append(refs, "\t_ = "+e.Name)
		case "type":
			refs = append(refs, "\t_ = (*"+e.Name+")(nil)")
		case "method":
			recv, method, _ := strings.Cut(e.Name, ".")
			refs = append(refs, "\t_ = (*"+recv+")."+method)
		}
	}
	if len(refs) == 0 {
		return "", "", ""
	}
	stem := strings.TrimSuffix(c.Path, ".go")
	fn := "TestGenerated_" + testName(recID) + "_" + testName(path.Base(stem))
	body := fmt.Sprintf("// %s checks the entry points added for %s are declared.\nfunc %s(t *testing.T) {\n%s\n}\n",
		fn, recID, fn, strings.Join(refs, "\n"))
	header := fmt.Sprintf("package %s\n\nimport \"testing\"\n", m[1])
	return stem + "_test.go", body, header
}

func pythonStub(recID string, idx *structure.Index, c codegen.FileChange, entries []entry) (string, string, string) {
	dir, base := path.Split(c.Path)
	stem := strings.TrimSuffix(base, ".py")
	module := strings.TrimSuffix(strings.TrimPrefix(c.Path, "src/"), ".py")
	module = strings.ReplaceAll(module, "/", ".")
	if stem == "__init__" {
		module = strings.TrimSuffix(module, ".__init__")
		stem = path.Base(strings.TrimSuffix(dir, "/"))
	}

	testPath := dir + "test_" + stem + ".py"
	if idx != nil {
		if conv, ok := idx.Convention(structure.LangPython); ok && conv.Location != "colocated" {
			testPath = conv.Location + "/test_" + stem + ".py"
		}
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "\ndef test_%s_%s_importable():\n    from %s import %s\n\n    assert %s is not None\n\n",
			strings.ToLower(testName(recID)), strings.ToLower(e.Name), module, e.Name, e.Name)
	}
	return testPath, strings.TrimLeft(b.String(), "\n"), ""
}

func jsStub(recID string, idx *structure.Index, c codegen.FileChange, entries []entry) (string, string, string) {
	dir, base := path.Split(c.Path)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	testPath := dir + stem + ".test" + ext
	importPath := "./" + base
	if idx != nil {
		if conv, ok := idx.Convention(structure.LanguageOf(c.Path)); ok && conv.Location == "__tests__" {
			testPath = dir + "__tests__/" + stem + ".test" + ext
			importPath = "../" + base
		}
	}
	if ext == ".ts" || ext == ".tsx" {
		importPath = strings.TrimSuffix(importPath, ext)
	}

	var names []string
	for _, e := range entries {
		names = append(names, fmt.Sprintf("  expect(mod.%s).toBeDefined();", e.Name))
	}
	body := fmt.Sprintf("test('%s exports its new entry points', async () => {\n  const mod = await import('%s');\n%s\n});\n",
		recID, importPath, strings.Join(names, "\n"))

	header := ""
	if usesVitest(idx) {
		header = "import { expect, test } from 'vitest';\n"
	}
	return testPath, body, header
}

func usesVitest(idx *structure.Index) bool {
	if idx == nil {
		return false
	}
	for _, p := range idx.Projects {
		if strings.Contains(p.TestCommand, "vitest") {
			return true
		}
	}
	return false
}

// goTestPath keeps the conventional <stem>_test.go unless it exists in a
// different package (an external _test package) or without a testing
// import, in which case a separate per-recommendation file is used.
func goTestPath(root, testPath, header, recID string) string {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(testPath)))
	if err != nil || sameGoPackage(string(data), header) {
		return testPath
	}
	return strings.TrimSuffix(testPath, "_test.go") + "_" + strings.ToLower(testName(recID)) + "_test.go"
}

// sameGoPackage reports whether an existing test file is in the package
// named by header and already imports testing.
func sameGoPackage(existing, header string) bool {
	a, b := goPkgRe.FindStringSubmatch(existing), goPkgRe.FindStringSubmatch(header)
	if a == nil || b == nil || a[1] != b[1] {
		return false
	}
	return strings.Contains(existing, `"testing"`)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// joinCode appends code to existing content separated by one blank line.
func joinCode(existing, code string) string {
	if existing == "" {
		return code
	}
	return strings.TrimRight(existing, "\n") + "\n\n" + code
}
