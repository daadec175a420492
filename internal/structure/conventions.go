package structure

import (
	"path"
	"strings"
)

// testPattern classifies rel as a test file and reports the pattern and
// location that matched.
func testPattern(rel, lang string) (pattern, location string, ok bool) {
	base := path.Base(rel)
	dir := path.Dir(rel)
	segs := strings.Split(dir, "/")
	inDir := func(names ...string) string {
		for _, s := range segs {
			for _, n := range names {
				if s == n {
					return n
				}
			}
		}
		return ""
	}
	location = "colocated"

	switch lang {
	case LangGo:
		if strings.HasSuffix(base, "_test.go") {
			return "*_test.go", location, true
		}
	case LangPython:
		switch {
		case strings.HasPrefix(base, "test_"):
			pattern = "test_*.py"
		case strings.HasSuffix(base, "_test.py"):
			pattern = "*_test.py"
		case base == "conftest.py":
			return "", "", false
		}
		if d := inDir("tests", "test"); d != "" {
			if pattern == "" {
				pattern = "*.py"
			}
			return pattern, d, true
		}
		if pattern != "" {
			return pattern, location, true
		}
	case LangJavaScript, LangTypeScript:
		ext := extOf(base)
		stem := strings.TrimSuffix(base, ext)
		switch {
		case strings.HasSuffix(stem, ".test"):
			pattern = "*.test" + ext
		case strings.HasSuffix(stem, ".spec"):
			pattern = "*.spec" + ext
		}
		if d := inDir("__tests__", "tests", "test"); d != "" {
			if pattern == "" {
				pattern = "*" + ext
			}
			return pattern, d, true
		}
		if pattern != "" {
			return pattern, location, true
		}
	case LangRuby:
		if strings.HasSuffix(base, "_spec.rb") {
			return "*_spec.rb", firstNonEmpty(inDir("spec"), location), true
		}
		if strings.HasSuffix(base, "_test.rb") {
			return "*_test.rb", firstNonEmpty(inDir("test"), location), true
		}
	case LangJava:
		if strings.HasSuffix(base, "Test.java") || strings.Contains(dir, "src/test/") || strings.HasSuffix(dir, "src/test") {
			return "*Test.java", "src/test", true
		}
	case LangRust:
		if d := inDir("tests"); d != "" {
			return "*.rs", d, true
		}
	}
	return "", "", false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
