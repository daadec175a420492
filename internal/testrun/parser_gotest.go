package testrun

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GoTestParser parses `go test -json` event streams.
type GoTestParser struct{}

type goTestEvent struct {
	Action      string `json:"Action"`
	Package     string `json:"Package"`
	Test        string `json:"Test"`
	Output      string `json:"Output"`
	FailedBuild string `json:"FailedBuild"`
	ImportPath  string `json:"ImportPath"`
}

func (p *GoTestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var (
		res        ParseResult
		events     int
		output     = make(map[string]*strings.Builder) // pkg/test -> output
		pkgFailed  = make(map[string]bool)
		testFailed = make(map[string]bool) // pkg with a failing test
	)
	key := func(pkg, test string) string { return pkg + "\x00" + test }

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events++
		pkg := ev.Package
		if pkg == "" {
			pkg = ev.ImportPath
		}
		switch ev.Action {
		case "output", "build-output":
			k := key(pkg, ev.Test)
			if output[k] == nil {
				output[k] = &strings.Builder{}
			}
			output[k].WriteString(ev.Output)
		case "pass":
			if ev.Test != "" {
				res.Passed++
			}
		case "skip":
			if ev.Test != "" {
				res.Skipped++
			}
		case "fail":
			if ev.Test != "" {
				res.Failed++
				testFailed[pkg] = true
				res.Failures = append(res.Failures, Failure{
					Test:    pkg + "." + ev.Test,
					Message: lastLines(output[key(pkg, ev.Test)], 6),
				})
			} else {
				pkgFailed[pkg] = true
			}
		case "build-fail":
			pkgFailed[pkg] = true
		}
	}
	if events == 0 {
		return ParseResult{Summary: fmt.Sprintf("exit code %d (no test events)", exitCode)}
	}

	// A package that failed without a failing test did not build or panicked
	// outside a test.
	var broken []string
	for pkg := range pkgFailed {
		if !testFailed[pkg] {
			broken = append(broken, pkg)
		}
	}
	sort.Strings(broken)
	for _, pkg := range broken {
		res.Errored++
		msg := lastLines(output[key(pkg, "")], 6)
		if msg == "" {
			msg = strings.TrimSpace(stderr)
		}
		res.Failures = append(res.Failures, Failure{Test: pkg, Message: msg})
	}

	res.Parsed = true
	res.Summary = fmt.Sprintf("%d passed, %d failed, %d errored, %d skipped", res.Passed, res.Failed, res.Errored, res.Skipped)
	return res
}

func lastLines(b *strings.Builder, n int) string {
	if b == nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
