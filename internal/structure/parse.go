package structure

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// goFacts parses Go source for import paths and exported top-level names.
func goFacts(name string, src []byte) (imports, symbols []string, err error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name, src, parser.SkipObjectResolution)
	if f == nil {
		return nil, nil, err
	}
	for _, imp := range f.Imports {
		if p, uerr := strconv.Unquote(imp.Path.Value); uerr == nil {
			imports = append(imports, p)
		}
	}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if !d.Name.IsExported() {
				continue
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				if recv := receiverName(d.Recv.List[0].Type); recv != "" && ast.IsExported(recv) {
					symbols = append(symbols, recv+"."+d.Name.Name)
				}
				continue
			}
			symbols = append(symbols, d.Name.Name)
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					if s.Name.IsExported() {
						symbols = append(symbols, s.Name.Name)
					}
				case *ast.ValueSpec:
					for _, n := range s.Names {
						if n.IsExported() {
							symbols = append(symbols, n.Name)
						}
					}
				}
			}
		}
	}
	return imports, symbols, err
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return ""
}

var (
	pyImport    = regexp.MustCompile(`(?m)^\s*(?:from\s+(\.*[\w.]*)\s+import\s|import\s+([\w.]+))`)
	pySymbol    = regexp.MustCompile(`(?m)^(?:async\s+)?(?:def|class)\s+([A-Za-z]\w*)`)
	jsImport    = regexp.MustCompile(`(?:\bimport\s+(?:[\w*{}\s,]+\s+from\s+)?|\brequire\(\s*|\bimport\(\s*)['"]([^'"]+)['"]`)
	jsExport    = regexp.MustCompile(`(?m)^export\s+(?:default\s+)?(?:async\s+)?(?:function\*?|class|const|let|var|interface|type|enum)\s+([A-Za-z_$][\w$]*)`)
	rubySymbol  = regexp.MustCompile(`(?m)^\s*(?:class|module|def)\s+([A-Z]\w*|[a-z_]\w*[?!]?)`)
	rubyRequire = regexp.MustCompile(`(?m)^\s*require_relative\s+['"]([^'"]+)['"]`)
	javaImport  = regexp.MustCompile(`(?m)^import\s+(?:static\s+)?([\w.]+)\s*;`)
	javaSymbol  = regexp.MustCompile(`(?m)^\s*public\s+(?:final\s+|abstract\s+)*(?:class|interface|enum|record)\s+(\w+)`)
	rustSymbol  = regexp.MustCompile(`(?m)^\s*pub\s+(?:fn|struct|enum|trait|mod|const|type)\s+(\w+)`)
	rustMod     = regexp.MustCompile(`(?m)^\s*(?:pub\s+)?mod\s+(\w+)\s*;`)
)

// scriptFacts extracts imports and public names from non-Go sources with
// line-oriented patterns.
func scriptFacts(lang string, src []byte) (imports, symbols []string) {
	text := string(src)
	switch lang {
	case LangPython:
		for _, m := range pyImport.FindAllStringSubmatch(text, -1) {
			imports = append(imports, firstNonEmpty(m[1], m[2]))
		}
		for _, m := range pySymbol.FindAllStringSubmatch(text, -1) {
			if !strings.HasPrefix(m[1], "_") {
				symbols = append(symbols, m[1])
			}
		}
	case LangJavaScript, LangTypeScript:
		for _, m := range jsImport.FindAllStringSubmatch(text, -1) {
			imports = append(imports, m[1])
		}
		for _, m := range jsExport.FindAllStringSubmatch(text, -1) {
			symbols = append(symbols, m[1])
		}
	case LangRuby:
		for _, m := range rubyRequire.FindAllStringSubmatch(text, -1) {
			imports = append(imports, m[1])
		}
		for _, m := range rubySymbol.FindAllStringSubmatch(text, -1) {
			symbols = append(symbols, m[1])
		}
	case LangJava:
		for _, m := range javaImport.FindAllStringSubmatch(text, -1) {
			imports = append(imports, m[1])
		}
		for _, m := range javaSymbol.FindAllStringSubmatch(text, -1) {
			symbols = append(symbols, m[1])
		}
	case LangRust:
		for _, m := range rustMod.FindAllStringSubmatch(text, -1) {
			imports = append(imports, m[1])
		}
		for _, m := range rustSymbol.FindAllStringSubmatch(text, -1) {
			symbols = append(symbols, m[1])
		}
	}
	return imports, symbols
}

// resolver maps raw import strings to indexed repository files.
type resolver struct {
	files    map[string]*File
	byDir    map[string][]string
	goModule string
}

func newResolver(files map[string]*File, goModule string) *resolver {
	r := &resolver{files: files, byDir: map[string][]string{}, goModule: goModule}
	for p, f := range files {
		if !f.Test {
			r.byDir[path.Dir(p)] = append(r.byDir[path.Dir(p)], p)
		}
	}
	for d := range r.byDir {
		sort.Strings(r.byDir[d])
	}
	return r
}

func (r *resolver) resolve(f *File) []string {
	set := map[string]bool{}
	from := path.Dir(f.Path)
	for _, imp := range f.Imports {
		for _, target := range r.targets(f.Language, from, imp) {
			if target != f.Path {
				set[target] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *resolver) targets(lang, from, imp string) []string {
	switch lang {
	case LangGo:
		if r.goModule == "" {
			return nil
		}
		var dir string
		switch {
		case imp == r.goModule:
			dir = "."
		case strings.HasPrefix(imp, r.goModule+"/"):
			dir = strings.TrimPrefix(imp, r.goModule+"/")
		default:
			return nil
		}
		return r.byDir[dir]
	case LangPython:
		return r.python(from, imp)
	case LangJavaScript, LangTypeScript:
		if !strings.HasPrefix(imp, ".") {
			return nil
		}
		base := path.Join(from, imp)
		return r.firstExisting(base,
			base+".ts", base+".tsx", base+".js", base+".jsx", base+".mjs", base+".cjs",
			base+"/index.ts", base+"/index.tsx", base+"/index.js")
	case LangRuby:
		base := path.Join(from, imp)
		return r.firstExisting(base, base+".rb")
	case LangJava:
		cls := strings.ReplaceAll(imp, ".", "/") + ".java"
		var out []string
		for p := range r.files {
			if strings.HasSuffix(p, "/"+cls) || p == cls {
				out = append(out, p)
			}
		}
		return out
	case LangRust:
		base := path.Join(from, imp)
		return r.firstExisting(base+".rs", base+"/mod.rs")
	}
	return nil
}

func (r *resolver) python(from, imp string) []string {
	dots := len(imp) - len(strings.TrimLeft(imp, "."))
	rest := strings.ReplaceAll(strings.TrimLeft(imp, "."), ".", "/")
	var bases []string
	if dots > 0 {
		dir := from
		for i := 1; i < dots; i++ {
			dir = path.Dir(dir)
		}
		bases = append(bases, path.Join(dir, rest))
	} else if rest != "" {
		bases = append(bases, rest, path.Join("src", rest))
	}
	for _, b := range bases {
		if got := r.firstExisting(b+".py", b+"/__init__.py"); len(got) > 0 {
			return got
		}
	}
	return nil
}

func (r *resolver) firstExisting(candidates ...string) []string {
	for _, c := range candidates {
		c = path.Clean(c)
		if _, ok := r.files[c]; ok {
			return []string{c}
		}
	}
	return nil
}
