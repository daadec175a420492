package testrun

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool // wait for the context to end
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if r.Block {
		<-ctx.Done()
		return r.Stdout, "", -1, ctx.Err()
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

const goJSONPass = `{"Action":"run","Package":"example.com/app/handlers","Test":"TestCreate"}
{"Action":"pass","Package":"example.com/app/handlers","Test":"TestCreate","Elapsed":0.01}
{"Action":"run","Package":"example.com/app/handlers","Test":"TestDelete"}
{"Action":"pass","Package":"example.com/app/handlers","Test":"TestDelete","Elapsed":0.01}
{"Action":"run","Package":"example.com/app/handlers","Test":"TestGenerated_rec_042_user"}
{"Action":"pass","Package":"example.com/app/handlers","Test":"TestGenerated_rec_042_user","Elapsed":0}
{"Action":"pass","Package":"example.com/app/handlers","Elapsed":0.02}
`

const goJSONFail = `{"Action":"run","Package":"example.com/app/handlers","Test":"TestCreate"}
{"Action":"output","Package":"example.com/app/handlers","Test":"TestCreate","Output":"    user_test.go:12: want 201, got 500\n"}
{"Action":"fail","Package":"example.com/app/handlers","Test":"TestCreate","Elapsed":0.01}
{"Action":"run","Package":"example.com/app/handlers","Test":"TestDelete"}
{"Action":"pass","Package":"example.com/app/handlers","Test":"TestDelete","Elapsed":0.01}
{"Action":"fail","Package":"example.com/app/handlers","Elapsed":0.02}
`

func TestRunner_Run_Passes(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: goJSONPass}, {Stdout: goJSONPass}}}
	runner := NewRunner(mock, nil)

	out, err := runner.Run(context.Background(), "/tmp/wt", Config{Command: "go test -json ./...", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success {
		t.Errorf("expected success, got %s", out.Summary)
	}
	if out.Passed != 3 || out.Total() != 3 {
		t.Errorf("expected 3/3 passed, got %d/%d", out.Passed, out.Total())
	}
	if out.Parser != ParserGoTest {
		t.Errorf("expected parser %q, got %q", ParserGoTest, out.Parser)
	}
	if out.Runs != 2 || out.Unstable {
		t.Errorf("expected 2 stable runs, got runs=%d unstable=%v", out.Runs, out.Unstable)
	}
	if len(mock.calls) != 2 || mock.calls[0].Dir != "/tmp/wt" {
		t.Errorf("unexpected calls: %+v", mock.calls)
	}
}

func TestRunner_Run_Fails(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: goJSONFail, ExitCode: 1},
		{Stdout: goJSONFail, ExitCode: 1},
	}}
	out, err := NewRunner(mock, nil).Run(context.Background(), "/tmp/wt", Config{Command: "go test -json ./..."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Success || out.Unstable {
		t.Fatalf("expected a stable failure, got success=%v unstable=%v", out.Success, out.Unstable)
	}
	if out.Failed != 1 || out.Passed != 1 {
		t.Errorf("expected 1 passed 1 failed, got %d/%d", out.Passed, out.Failed)
	}
	if len(out.Failures) != 1 || out.Failures[0].Test != "example.com/app/handlers.TestCreate" {
		t.Fatalf("unexpected failures: %+v", out.Failures)
	}
	if out.Failures[0].Message != "user_test.go:12: want 201, got 500" {
		t.Errorf("unexpected failure message %q", out.Failures[0].Message)
	}
	if out.Output == "" {
		t.Error("expected output tail on failure")
	}
}

func TestRunner_Run_Unstable(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: goJSONPass},
		{Stdout: goJSONFail, ExitCode: 1},
	}}
	out, err := NewRunner(mock, nil).Run(context.Background(), "/tmp/wt", Config{Command: "go test -json ./..."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Unstable {
		t.Fatal("expected unstable outcome")
	}
	if out.Success {
		t.Error("unstable outcome must not be successful")
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true, Stdout: "partial"}}}
	out, err := NewRunner(mock, nil).Run(context.Background(), "/tmp/wt", Config{
		Command: "go test -json ./...",
		Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !out.TimedOut || out.Success {
		t.Fatalf("expected timed-out failure, got %+v", out)
	}
	if out.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", out.ExitCode)
	}
	if len(mock.calls) != 1 {
		t.Errorf("a timed-out suite is not rerun, got %d calls", len(mock.calls))
	}
}

func TestRunner_Run_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	_, err := NewRunner(mock, nil).Run(ctx, "/tmp/wt", Config{Command: "make test"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunner_Run_ExecError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: errors.New("exec: sh not found"), ExitCode: -1}}}
	if _, err := NewRunner(mock, nil).Run(context.Background(), "/tmp/wt", Config{Command: "make test"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunner_Run_NoCommand(t *testing.T) {
	_, err := NewRunner(&mockCmd{}, nil).Run(context.Background(), "/tmp/wt", Config{})
	if !errors.Is(err, ErrNoTestCommand) {
		t.Fatalf("expected ErrNoTestCommand, got %v", err)
	}
}

func TestRunner_Run_UnknownParser(t *testing.T) {
	_, err := NewRunner(&mockCmd{}, nil).Run(context.Background(), "/tmp/wt", Config{Command: "make test", Parser: "tap"})
	if err == nil {
		t.Fatal("expected error for unknown parser")
	}
}

func TestRunner_Run_UnparseableFallsBackToExitCode(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: "ok  \texample.com/app\t0.1s\n"},
		{Stdout: "ok  \texample.com/app\t0.1s\n"},
	}}
	out, err := NewRunner(mock, nil).Run(context.Background(), "/tmp/wt", Config{Command: "go test -json ./...", Parser: ParserGoTest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success || out.Passed != 1 {
		t.Errorf("expected exit-code success, got %+v", out)
	}
}

func TestRunner_Run_NonZeroExitWithoutFailures(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: goJSONPass, ExitCode: 2},
		{Stdout: goJSONPass, ExitCode: 2},
	}}
	out, err := NewRunner(mock, nil).Run(context.Background(), "/tmp/wt", Config{Command: "go test -json ./..."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Success || out.Errored != 1 {
		t.Errorf("expected an errored suite, got %+v", out)
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &ExecRunner{}
	stdout, _, code, err := r.Run(context.Background(), t.TempDir(), "echo hello; exit 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 || stdout != "hello\n" {
		t.Errorf("got code=%d stdout=%q", code, stdout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, _, err := (&ExecRunner{WaitDelay: 100 * time.Millisecond}).Run(ctx, t.TempDir(), "sleep 5"); err == nil {
		t.Error("expected error when the context expires")
	}
}
