// Package prompt renders the code-generation prompts and keeps them within
// a byte budget.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// ErrTooLarge is returned when a prompt cannot be shrunk under its budget.
var ErrTooLarge = errors.New("prompt exceeds size budget")

// Vars maps variable names to values.
type Vars map[string]string

// Render expands tmpl. {{name}} is replaced by its value and a missing
// variable is an error. {{#if name}}...{{/if}} keeps its body only when
// name is set and non-empty; blocks may nest.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals resolves the innermost block first: the last
// {{#if}} before the first {{/if}}.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}
		prefix := result[:closeIdx]
		openLocs := ifOpenRe.FindAllStringSubmatchIndex(prefix, -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		loc := openLocs[len(openLocs)-1]
		name := prefix[loc[2]:loc[3]]

		var body string
		if val, ok := vars[name]; ok && val != "" {
			body = result[loc[1]:closeIdx]
		}
		result = result[:loc[0]] + body + result[closeIdx+len(ifCloseStr):]
	}
	if loc := ifOpenRe.FindString(result); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return result, nil
}

// RenderBounded renders tmpl and, while the result exceeds maxBytes,
// truncates the largest of the shrinkable variables. Other variables are
// never cut. It reports whether anything was truncated.
func RenderBounded(tmpl string, vars Vars, shrinkable []string, maxBytes int) (string, bool, error) {
	out, err := Render(tmpl, vars)
	if err != nil || maxBytes <= 0 || len(out) <= maxBytes {
		return out, false, err
	}

	work := make(Vars, len(vars))
	for k, v := range vars {
		work[k] = v
	}
	for attempt := 0; attempt < 2*len(shrinkable)+1 && len(out) > maxBytes; attempt++ {
		name := largest(work, shrinkable)
		if name == "" || work[name] == "" {
			break
		}
		over := len(out) - maxBytes
		keep := len(work[name]) - over - len(truncMarker) - 16
		work[name] = Truncate(work[name], keep)
		if out, err = Render(tmpl, work); err != nil {
			return "", false, err
		}
	}
	if len(out) > maxBytes {
		return "", true, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(out), maxBytes)
	}
	return out, true, nil
}

func largest(vars Vars, names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	best := ""
	for _, n := range sorted {
		if best == "" || len(vars[n]) > len(vars[best]) {
			best = n
		}
	}
	return best
}

const truncMarker = "\n... [truncated %d bytes]\n"

// Truncate keeps at most n bytes of s, cut on a rune boundary, and notes how
// much was dropped.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + fmt.Sprintf(truncMarker, len(s)-n)
}

// Load returns the named template, preferring a file in overrideDir over
// the builtin copy.
func Load(name, overrideDir string) (string, error) {
	if overrideDir != "" {
		p := filepath.Join(overrideDir, name)
		absDir, err1 := filepath.Abs(overrideDir)
		absPath, err2 := filepath.Abs(p)
		if err1 == nil && err2 == nil && !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
			return "", fmt.Errorf("template path %q escapes %s", name, overrideDir)
		}
		if data, err := os.ReadFile(p); err == nil {
			return string(data), nil
		}
	}
	if tmpl, ok := builtinTemplates[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// ExportBuiltins writes the builtin templates into dir so operators can
// customise them. Existing files are kept.
func ExportBuiltins(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	var written []string
	for _, name := range Names() {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.WriteFile(p, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, p)
	}
	return written, nil
}

// Names lists the builtin templates.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
