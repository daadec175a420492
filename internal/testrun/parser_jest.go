package testrun

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JestParser parses jest/vitest JSON reporter output.
type JestParser struct{}

type jestOutput struct {
	NumTotalTests        int               `json:"numTotalTests"`
	NumPassedTests       int               `json:"numPassedTests"`
	NumFailedTests       int               `json:"numFailedTests"`
	NumPendingTests      int               `json:"numPendingTests"`
	NumRuntimeErrorSuite int               `json:"numRuntimeErrorTestSuites"`
	TestResults          []jestSuiteResult `json:"testResults"`
}

type jestSuiteResult struct {
	Name             string                `json:"name"`
	Status           string                `json:"status"`
	Message          string                `json:"message"`
	AssertionResults []jestAssertionResult `json:"assertionResults"`
}

type jestAssertionResult struct {
	FullName        string   `json:"fullName"`
	Status          string   `json:"status"`
	FailureMessages []string `json:"failureMessages"`
}

func (p *JestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var raw jestOutput
	if err := json.Unmarshal([]byte(jsonObject(stdout)), &raw); err != nil {
		return ParseResult{Summary: fmt.Sprintf("exit code %d (could not parse test JSON)", exitCode)}
	}

	res := ParseResult{
		Passed:  raw.NumPassedTests,
		Failed:  raw.NumFailedTests,
		Skipped: raw.NumPendingTests,
		Errored: raw.NumRuntimeErrorSuite,
		Parsed:  true,
	}
	for _, suite := range raw.TestResults {
		suiteFailed := false
		for _, a := range suite.AssertionResults {
			if a.Status != "failed" {
				continue
			}
			suiteFailed = true
			msg := ""
			if len(a.FailureMessages) > 0 {
				msg = a.FailureMessages[0]
			}
			res.Failures = append(res.Failures, Failure{Test: a.FullName, Message: msg})
		}
		if suite.Status == "failed" && !suiteFailed && len(suite.AssertionResults) == 0 {
			if raw.NumRuntimeErrorSuite == 0 {
				res.Errored++
			}
			res.Failures = append(res.Failures, Failure{Test: suite.Name, Message: suite.Message})
		}
	}
	res.Summary = fmt.Sprintf("%d passed, %d failed, %d errored, %d skipped out of %d",
		res.Passed, res.Failed, res.Errored, res.Skipped, raw.NumTotalTests)
	return res
}

// jsonObject trims anything printed before the reporter's JSON object.
func jsonObject(s string) string {
	if i := strings.Index(s, "{"); i > 0 {
		return s[i:]
	}
	return s
}
