package testrun

import "strings"

// ParseResult is the normalized output of a parser.
type ParseResult struct {
	Passed   int
	Failed   int
	Errored  int
	Skipped  int
	Failures []Failure
	Summary  string
	// Parsed is false when the output was not in the parser's format.
	Parsed bool
}

// Parser converts raw test command output into counts.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}

// Parser names.
const (
	ParserAuto    = "auto"
	ParserGoTest  = "gotest"
	ParserJest    = "jest"
	ParserPytest  = "pytest"
	ParserGeneric = "generic"
)

// DetectParser picks a parser name from the test command.
func DetectParser(command string) string {
	c := strings.ToLower(command)
	switch {
	case strings.Contains(c, "go test") && strings.Contains(c, "-json"):
		return ParserGoTest
	case strings.Contains(c, "jest"), strings.Contains(c, "vitest"):
		return ParserJest
	case strings.Contains(c, "pytest"):
		return ParserPytest
	}
	return ParserGeneric
}

// maxOutputLen caps how much output is retained on failure.
const maxOutputLen = 8000

// tail keeps the end of combined output, where summaries and tracebacks are.
func tail(stdout, stderr string) string {
	combined := stdout
	if stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr
	}
	if len(combined) > maxOutputLen {
		combined = "...(truncated)\n" + combined[len(combined)-maxOutputLen:]
	}
	return combined
}
