package codegen

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

var (
	fileStartRe = regexp.MustCompile(`^=== FILE: (.+?) ===\s*$`)
	fileEndRe   = regexp.MustCompile(`^=== END FILE ===\s*$`)
	fenceRe     = regexp.MustCompile("^```[A-Za-z0-9_+-]*\\s*$")
)

// block is one file returned by the backend.
type block struct {
	Path    string
	Content string
}

// parseBlocks extracts FILE blocks from backend output. Text outside blocks
// becomes the summary. An unterminated block means the output was truncated.
func parseBlocks(text string) ([]block, string, error) {
	var (
		blocks  []block
		summary []string
		cur     *block
		body    []string
	)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		l := sc.Text()
		if cur == nil {
			if m := fileStartRe.FindStringSubmatch(l); m != nil {
				cur = &block{Path: strings.TrimSpace(m[1])}
				body = body[:0]
				continue
			}
			if fileEndRe.MatchString(l) {
				return nil, "", fmt.Errorf("line %d: END FILE without FILE", line)
			}
			if t := strings.TrimSpace(l); t != "" && !fenceRe.MatchString(t) {
				summary = append(summary, t)
			}
			continue
		}
		if fileEndRe.MatchString(l) {
			cur.Content = joinBody(stripFence(body))
			blocks = append(blocks, *cur)
			cur = nil
			continue
		}
		if fileStartRe.MatchString(l) {
			return nil, "", fmt.Errorf("line %d: FILE %s opened before %s was closed", line, l, cur.Path)
		}
		body = append(body, l)
	}
	if err := sc.Err(); err != nil {
		return nil, "", fmt.Errorf("read output: %w", err)
	}
	if cur != nil {
		return nil, "", fmt.Errorf("output truncated: FILE %s has no END FILE marker", cur.Path)
	}
	return blocks, strings.Join(summary, " "), nil
}

// stripFence removes a markdown code fence wrapped around a block body.
func stripFence(lines []string) []string {
	if len(lines) >= 2 && fenceRe.MatchString(strings.TrimSpace(lines[0])) && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		return lines[1 : len(lines)-1]
	}
	return lines
}

func joinBody(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
