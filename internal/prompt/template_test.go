package prompt

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	result, err := Render("Implement {{rec_id}}: {{title}}.", Vars{"rec_id": "rec-042", "title": "validate input"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Implement rec-042: validate input." {
		t.Errorf("got %q", result)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "c") {
		t.Errorf("error should mention all missing vars, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "Start.{{#if d}}[{{d}}]{{/if}}End.", Vars{"d": "x"}, "Start.[x]End."},
		{"absent", "Start.{{#if d}}[{{d}}]{{/if}}End.", Vars{}, "Start.End."},
		{"empty string", "{{#if d}}has{{/if}}", Vars{"d": ""}, ""},
		{"multiple", "{{#if a}}A={{a}}{{/if}} {{#if b}}B={{b}}{{/if}}", Vars{"a": "yes"}, "A=yes "},
		{"nested both", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "1", "b": "1"}, "outer inner end"},
		{"nested outer absent", "S{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}F", Vars{"b": "1"}, "SF"},
		{"absent block hides missing var", "S{{#if x}}{{y}}{{/if}}F", Vars{}, "SF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_ValuesAreNotReExpanded(t *testing.T) {
	got, err := Render("{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "{{b}} and hello" {
		t.Errorf("got %q", got)
	}
}

func TestRender_MalformedConditionals(t *testing.T) {
	if _, err := Render("START{{#if x}}body", Vars{"x": "1"}); err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("expected unclosed error, got %v", err)
	}
	if _, err := Render("body{{/if}}", Vars{}); err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Errorf("expected dangling error, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := Truncate("héllo world", 2)
	if !strings.HasPrefix(got, "h\n... [truncated") {
		t.Errorf("should cut on a rune boundary, got %q", got)
	}
	if !strings.Contains(Truncate(strings.Repeat("x", 100), 10), "truncated 90 bytes") {
		t.Error("marker should report dropped bytes")
	}
}

func TestRenderBounded(t *testing.T) {
	tmpl := "HEADER {{brief}}\n{{file_context}}\nFOOTER"
	vars := Vars{"brief": "keep me", "file_context": strings.Repeat("line of code\n", 500)}

	out, truncated, err := RenderBounded(tmpl, vars, []string{"file_context"}, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !truncated {
		t.Error("expected truncation")
	}
	if len(out) > 1000 {
		t.Errorf("prompt is %d bytes, want <= 1000", len(out))
	}
	for _, want := range []string{"HEADER keep me", "FOOTER", "truncated"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in bounded prompt", want)
		}
	}
	if vars["file_context"] == "" || len(vars["file_context"]) != 500*len("line of code\n") {
		t.Error("caller's vars must not be modified")
	}
}

func TestRenderBounded_FitsAlready(t *testing.T) {
	out, truncated, err := RenderBounded("{{a}}", Vars{"a": "tiny"}, []string{"a"}, 100)
	if err != nil || truncated || out != "tiny" {
		t.Errorf("got %q, %v, %v", out, truncated, err)
	}
}

func TestRenderBounded_FixedPartTooLarge(t *testing.T) {
	_, _, err := RenderBounded("{{fixed}}{{ctx}}", Vars{"fixed": strings.Repeat("x", 500), "ctx": "y"}, []string{"ctx"}, 100)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	base := Vars{
		"rec_id": "rec-042", "title": "validate input", "description": "", "brief": "modify handlers/x.go",
		"language": "go", "imports": "",
	}
	for _, name := range Names() {
		tmpl, err := Load(name, "")
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		vars := Vars{}
		for k, v := range base {
			vars[k] = v
		}
		if name == Repair {
			vars["attempt"] = "1"
			vars["validation_errors"] = "handlers/x.go:3: expected '}'"
			vars["previous_output"] = "=== FILE: handlers/x.go ==="
		}
		out, err := Render(tmpl, vars)
		if err != nil {
			t.Fatalf("render %s: %v", name, err)
		}
		if !strings.Contains(out, "=== END FILE ===") || !strings.Contains(out, "rec-042") {
			t.Errorf("%s missing output contract or id", name)
		}
		if strings.Contains(out, "## Description") {
			t.Errorf("%s should drop the empty description block", name)
		}
	}
}

func TestLoad_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Implement), []byte("custom {{title}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(Implement, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "custom {{title}}" {
		t.Errorf("got %q", got)
	}
	// Missing override falls back to the builtin.
	if got, err := Load(Repair, dir); err != nil || got != repairTemplate {
		t.Errorf("fallback failed: %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load("nope.md", t.TempDir()); err == nil {
		t.Error("expected not found")
	}

	tmp := t.TempDir()
	dir := filepath.Join(tmp, "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "secret.txt"), []byte("SECRET"), 0o644); err != nil {
		t.Fatal(err)
	}
	if content, err := Load("../secret.txt", dir); err == nil {
		t.Errorf("path traversal read %q", content)
	}
}

func TestExportBuiltins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Implement), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	written, err := ExportBuiltins(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(written) != 1 || filepath.Base(written[0]) != Repair {
		t.Errorf("written = %v", written)
	}
	data, _ := os.ReadFile(filepath.Join(dir, Implement))
	if string(data) != "mine" {
		t.Error("existing template was overwritten")
	}
}
