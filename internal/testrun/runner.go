package testrun

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoTestCommand means no command was configured or detected.
var ErrNoTestCommand = errors.New("no test command configured or detected")

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct {
	// WaitDelay bounds how long output is drained after the context ends,
	// for test binaries that outlive the shell.
	WaitDelay time.Duration
}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Config is what the runner needs to run one suite.
type Config struct {
	Command string
	Parser  string // see DetectParser; "" or "auto" detects from Command
	Timeout time.Duration
	Runs    int // identical runs used for flake detection, at least 2
}

// Runner executes the suite and parses its output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
	logger  *zap.Logger
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cmd: cmd,
		parsers: map[string]Parser{
			ParserGoTest:  &GoTestParser{},
			ParserJest:    &JestParser{},
			ParserPytest:  &PytestParser{},
			ParserGeneric: &GenericParser{},
		},
		logger: logger.Named("testrun"),
	}
}

// Run executes the suite in dir. A timeout is a failed Outcome, not an
// error. When the first run completes, the suite is run again and any
// difference in result marks the Outcome unstable.
func (r *Runner) Run(ctx context.Context, dir string, cfg Config) (*Outcome, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrNoTestCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Runs < 2 {
		cfg.Runs = 2
	}
	parserName := cfg.Parser
	if parserName == "" || parserName == ParserAuto {
		parserName = DetectParser(cfg.Command)
	}
	if _, ok := r.parsers[parserName]; !ok {
		return nil, fmt.Errorf("unknown test output parser %q", parserName)
	}

	first, err := r.runOnce(ctx, dir, cfg, parserName)
	if err != nil {
		return nil, err
	}
	first.Runs = 1
	if first.TimedOut {
		return first, nil
	}

	for i := 2; i <= cfg.Runs; i++ {
		again, err := r.runOnce(ctx, dir, cfg, parserName)
		if err != nil {
			return nil, err
		}
		first.Runs = i
		if again.TimedOut || signature(again) != signature(first) {
			r.logger.Warn("test results differ between identical runs",
				zap.String("dir", dir),
				zap.String("first", first.String()),
				zap.String("rerun", again.String()),
			)
			first.Unstable = true
			first.Success = false
			first.Summary = fmt.Sprintf("run 1: %s; run %d: %s", first.Summary, i, again.Summary)
			break
		}
	}
	return first, nil
}

// runOnce executes the command once and parses the output.
func (r *Runner) runOnce(ctx context.Context, dir string, cfg Config, parserName string) (*Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(runCtx, dir, cfg.Command)
	out := &Outcome{
		Command:    cfg.Command,
		Parser:     parserName,
		DurationMs: int(time.Since(start).Milliseconds()),
		ExitCode:   exitCode,
	}
	if err != nil || runCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.TimedOut = true
			out.ExitCode = -1
			out.Summary = fmt.Sprintf("timeout after %s", cfg.Timeout)
			out.Output = tail(stdout, stderr)
			return out, nil
		}
		return nil, fmt.Errorf("run tests: %w", err)
	}

	parsed := r.parsers[parserName].Parse(stdout, stderr, exitCode)
	if !parsed.Parsed && parserName != ParserGeneric {
		r.logger.Warn("unrecognised test output, falling back to exit code",
			zap.String("parser", parserName), zap.Int("exit_code", exitCode))
		parsed = r.parsers[ParserGeneric].Parse(stdout, stderr, exitCode)
	}
	out.Passed = parsed.Passed
	out.Failed = parsed.Failed
	out.Errored = parsed.Errored
	out.Skipped = parsed.Skipped
	out.Failures = parsed.Failures
	out.Summary = parsed.Summary
	if exitCode != 0 && out.Failed == 0 && out.Errored == 0 {
		out.Errored = 1
		out.Failures = append(out.Failures, Failure{Test: "suite", Message: fmt.Sprintf("exit code %d", exitCode)})
	}
	out.Success = exitCode == 0 && out.Failed == 0 && out.Errored == 0
	if !out.Success {
		out.Output = tail(stdout, stderr)
	}
	return out, nil
}

// signature identifies a result for comparison across runs.
func signature(o *Outcome) string {
	names := make([]string, 0, len(o.Failures))
	for _, f := range o.Failures {
		names = append(names, f.Test)
	}
	sort.Strings(names)
	return fmt.Sprintf("%t|%d|%d|%d|%s", o.Success, o.Passed, o.Failed, o.Errored, strings.Join(names, ","))
}
