package testrun

import "fmt"

// GenericParser is the fallback that only knows the exit code.
type GenericParser struct{}

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	if exitCode == 0 {
		return ParseResult{Passed: 1, Summary: "passed (exit code 0)", Parsed: true}
	}
	return ParseResult{
		Failed:   1,
		Failures: []Failure{{Test: "suite", Message: fmt.Sprintf("exit code %d", exitCode)}},
		Summary:  fmt.Sprintf("exit code %d, stdout=%d bytes, stderr=%d bytes", exitCode, len(stdout), len(stderr)),
		Parsed:   true,
	}
}
