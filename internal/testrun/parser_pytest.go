package testrun

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PytestParser reads pytest's terminal summary, e.g.
// "=== 3 passed, 1 failed, 2 skipped in 0.42s ===" or the -q form.
type PytestParser struct{}

var (
	pytestSummaryRe = regexp.MustCompile(`(?m)^=*\s*((?:\d+ \w+(?:, )?)+) in [\d.]+s`)
	pytestCountRe   = regexp.MustCompile(`(\d+) (passed|failed|errors?|skipped|xfailed|xpassed|deselected)`)
	pytestFailRe    = regexp.MustCompile(`(?m)^(FAILED|ERROR) (\S+)(?: - (.*))?$`)
)

func (p *PytestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	matches := pytestSummaryRe.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		if strings.Contains(stdout, "no tests ran") {
			return ParseResult{Summary: "no tests ran", Parsed: true}
		}
		return ParseResult{Summary: fmt.Sprintf("exit code %d (no pytest summary)", exitCode)}
	}
	var res ParseResult
	for _, m := range pytestCountRe.FindAllStringSubmatch(matches[len(matches)-1][1], -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "passed", "xpassed":
			res.Passed += n
		case "failed":
			res.Failed += n
		case "error", "errors":
			res.Errored += n
		case "skipped", "xfailed", "deselected":
			res.Skipped += n
		}
	}
	for _, m := range pytestFailRe.FindAllStringSubmatch(stdout, -1) {
		res.Failures = append(res.Failures, Failure{Test: m[2], Message: strings.TrimSpace(m[3])})
	}
	res.Parsed = true
	res.Summary = fmt.Sprintf("%d passed, %d failed, %d errored, %d skipped", res.Passed, res.Failed, res.Errored, res.Skipped)
	return res
}
