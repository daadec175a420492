// Package structure builds a read-only index of a target repository: its
// modules, test conventions, and import graph.
package structure

import (
	"sort"
	"strings"
)

// Language names.
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangRuby       = "ruby"
	LangJava       = "java"
	LangRust       = "rust"
)

// Index is the result of mapping a repository. All slices are sorted so two
// indices of the same tree compare equal.
type Index struct {
	Root        string              `json:"root"`
	Hash        string              `json:"hash"`
	Modules     map[string]*Module  `json:"modules"`
	Files       map[string]*File    `json:"files"`
	Conventions []TestConvention    `json:"test_conventions"`
	Deps        map[string][]string `json:"deps"`
	Projects    []Project           `json:"projects,omitempty"`
	Skipped     []Skipped           `json:"skipped,omitempty"`
	Languages   map[string]int      `json:"languages"`
}

// Module is a directory holding source files. Name is the slash-separated
// directory relative to the root, "." for the root itself.
type Module struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Files    []string `json:"files"`
	Tests    []string `json:"tests,omitempty"`
}

// File is one indexed source file.
type File struct {
	Path     string   `json:"path"`
	Module   string   `json:"module"`
	Language string   `json:"language"`
	Test     bool     `json:"test,omitempty"`
	Size     int      `json:"size"`
	Symbols  []string `json:"symbols,omitempty"`
	Imports  []string `json:"imports,omitempty"`
}

// TestConvention is an observed way the repository lays out tests.
type TestConvention struct {
	Language string `json:"language"`
	Pattern  string `json:"pattern"`
	Location string `json:"location"` // "colocated" or the test directory name
	Count    int    `json:"count"`
}

// Project is a detected build manifest.
type Project struct {
	Kind        string `json:"kind"` // go, python, node, rust
	Manifest    string `json:"manifest"`
	Name        string `json:"name,omitempty"`
	TestCommand string `json:"test_command,omitempty"`
}

// Skipped is a file left out of the index.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ModuleNames returns module names sorted.
func (idx *Index) ModuleNames() []string {
	names := make([]string, 0, len(idx.Modules))
	for n := range idx.Modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PrimaryLanguage is the language with the most source files.
func (idx *Index) PrimaryLanguage() string {
	best, n := "", 0
	for lang, c := range idx.Languages {
		if c > n || (c == n && lang < best) {
			best, n = lang, c
		}
	}
	return best
}

// Importers returns the files that import path, sorted.
func (idx *Index) Importers(path string) []string {
	var out []string
	for from, tos := range idx.Deps {
		for _, to := range tos {
			if to == path {
				out = append(out, from)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Convention returns the most common test convention for lang.
func (idx *Index) Convention(lang string) (TestConvention, bool) {
	var best TestConvention
	found := false
	for _, c := range idx.Conventions {
		if c.Language == lang && (!found || c.Count > best.Count) {
			best, found = c, true
		}
	}
	return best, found
}

// TestCommand returns the first detected project test command.
func (idx *Index) TestCommand() string {
	for _, p := range idx.Projects {
		if p.TestCommand != "" {
			return p.TestCommand
		}
	}
	return ""
}

// GoModulePath returns the module path from go.mod, if any.
func (idx *Index) GoModulePath() string {
	for _, p := range idx.Projects {
		if p.Kind == LangGo {
			return p.Name
		}
	}
	return ""
}

// LanguageOf maps a file extension to a language name, or "" if unknown.
func LanguageOf(path string) string {
	switch strings.ToLower(extOf(path)) {
	case ".go":
		return LangGo
	case ".py":
		return LangPython
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript
	case ".ts", ".tsx", ".mts", ".cts":
		return LangTypeScript
	case ".rb":
		return LangRuby
	case ".java":
		return LangJava
	case ".rs":
		return LangRust
	}
	return ""
}

func extOf(path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[i:]
	}
	return ""
}
