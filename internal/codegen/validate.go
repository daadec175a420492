package codegen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"go/format"
	"go/parser"
	"go/scanner"
	"go/token"
	"io"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// checkSyntax validates content by file type. Go sources are also gofmt'd;
// the formatted text is returned.
func checkSyntax(path, content string) (string, []string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return checkGo(path, content)
	case ".json":
		if !json.Valid([]byte(content)) {
			var v any
			err := json.Unmarshal([]byte(content), &v)
			return content, []string{fmt.Sprintf("%s: invalid JSON: %v", path, err)}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(content))
		for {
			var v any
			err := dec.Decode(&v)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return content, []string{fmt.Sprintf("%s: invalid YAML: %v", path, err)}
			}
		}
	case ".toml":
		var v map[string]any
		if _, err := toml.Decode(content, &v); err != nil {
			return content, []string{fmt.Sprintf("%s: invalid TOML: %v", path, err)}
		}
	case ".md", ".txt", ".rst", "":
	default:
		if msg := checkBrackets(content, styleFor(strings.ToLower(filepath.Ext(path)))); msg != "" {
			return content, []string{fmt.Sprintf("%s: %s", path, msg)}
		}
	}
	return content, nil
}

func checkGo(path, content string) (string, []string) {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, path, content, parser.AllErrors); err != nil {
		var out []string
		if list, ok := err.(scanner.ErrorList); ok {
			for i, e := range list {
				if i == 10 {
					out = append(out, fmt.Sprintf("%s: %d more errors", path, len(list)-i))
					break
				}
				out = append(out, e.Error())
			}
		} else {
			out = append(out, err.Error())
		}
		return content, out
	}
	formatted, err := format.Source([]byte(content))
	if err != nil {
		return content, []string{fmt.Sprintf("%s: gofmt: %v", path, err)}
	}
	return string(formatted), nil
}

// lexStyle says which comment and quote forms a language uses.
type lexStyle struct {
	hashComment  bool
	slashComment bool
	singleQuote  bool
	backtick     bool
	tripleQuote  bool
}

func styleFor(ext string) lexStyle {
	switch ext {
	case ".py":
		return lexStyle{hashComment: true, singleQuote: true, tripleQuote: true}
	case ".rb", ".sh", ".bash":
		return lexStyle{hashComment: true, singleQuote: true}
	case ".rs":
		return lexStyle{slashComment: true}
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		return lexStyle{slashComment: true, singleQuote: true, backtick: true}
	default:
		return lexStyle{slashComment: true, singleQuote: true}
	}
}

// checkBrackets is a language-agnostic balance check for (), [] and {}
// that skips string literals and comments.
func checkBrackets(content string, st lexStyle) string {
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []byte
	line := 1
	i := 0
	n := len(content)
	for i < n {
		c := content[i]
		switch {
		case c == '\n':
			line++
			i++
		case st.hashComment && c == '#',
			st.slashComment && c == '/' && i+1 < n && content[i+1] == '/':
			for i < n && content[i] != '\n' {
				i++
			}
		case st.slashComment && c == '/' && i+1 < n && content[i+1] == '*':
			end := strings.Index(content[i+2:], "*/")
			if end < 0 {
				return fmt.Sprintf("line %d: unterminated block comment", line)
			}
			line += strings.Count(content[i:i+2+end], "\n")
			i += end + 4
		case st.tripleQuote && (strings.HasPrefix(content[i:], `"""`) || strings.HasPrefix(content[i:], "'''")):
			delim := content[i : i+3]
			end := strings.Index(content[i+3:], delim)
			if end < 0 {
				return fmt.Sprintf("line %d: unterminated string", line)
			}
			line += strings.Count(content[i:i+3+end], "\n")
			i += end + 6
		case c == '"', c == '\'' && st.singleQuote, c == '`' && st.backtick:
			i = skipString(content, i, &line)
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
			i++
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Sprintf("line %d: unbalanced %q", line, c)
			}
			stack = stack[:len(stack)-1]
			i++
		default:
			i++
		}
	}
	if len(stack) > 0 {
		return fmt.Sprintf("unclosed %q at end of file", stack[len(stack)-1])
	}
	return ""
}

// skipString returns the index just past the literal opened at i. Plain
// quotes end at a newline; backtick literals may span lines.
func skipString(s string, i int, line *int) int {
	q := s[i]
	i++
	for i < len(s) {
		switch c := s[i]; {
		case c == '\\':
			i += 2
			continue
		case c == q:
			return i + 1
		case c == '\n':
			if q != '`' {
				return i
			}
			*line++
		}
		i++
	}
	return i
}

// appendContent joins a fragment onto existing file content.
func appendContent(existing, fragment string) string {
	var b bytes.Buffer
	b.WriteString(existing)
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		b.WriteByte('\n')
	}
	if existing != "" {
		b.WriteByte('\n')
	}
	b.WriteString(strings.TrimLeft(fragment, "\n"))
	return b.String()
}
