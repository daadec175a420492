// Package testrun generates smoke tests for a change and runs the target
// project's test suite, parsing whatever format it reports in.
package testrun

import "fmt"

// Failure is one failing or erroring test.
type Failure struct {
	Test    string `json:"test"`
	Message string `json:"message,omitempty"`
}

// Outcome is the structured result of running the suite.
type Outcome struct {
	Command    string    `json:"command"`
	Parser     string    `json:"parser"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Errored    int       `json:"errored"`
	Skipped    int       `json:"skipped"`
	Failures   []Failure `json:"failures,omitempty"`
	DurationMs int       `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out"`
	Unstable   bool      `json:"unstable"`
	Runs       int       `json:"runs"`
	Summary    string    `json:"summary"`
	Output     string    `json:"output,omitempty"` // tail of combined output on failure
	Generated  []string  `json:"generated,omitempty"`
}

// Total is the number of tests that ran.
func (o *Outcome) Total() int {
	return o.Passed + o.Failed + o.Errored
}

// String is a one-line description.
func (o *Outcome) String() string {
	switch {
	case o.TimedOut:
		return fmt.Sprintf("timed out after %dms", o.DurationMs)
	case o.Unstable:
		return fmt.Sprintf("unstable across %d runs: %s", o.Runs, o.Summary)
	}
	return fmt.Sprintf("%d/%d passed, %d failed, %d errored", o.Passed, o.Total(), o.Failed, o.Errored)
}
