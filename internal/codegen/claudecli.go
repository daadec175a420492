package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ProcessRunner runs a command with stdin and returns its output.
type ProcessRunner interface {
	Run(ctx context.Context, dir, stdin, name string, args ...string) (stdout, stderr string, err error)
}

// ExecProcess implements ProcessRunner with os/exec.
type ExecProcess struct{}

// Run implements ProcessRunner.
func (ExecProcess) Run(ctx context.Context, dir, stdin, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ClaudeCLIBackend runs the claude CLI non-interactively and reads the cost
// it reports.
type ClaudeCLIBackend struct {
	Binary string // defaults to "claude"
	Model  string
	Dir    string
	Runner ProcessRunner
}

type claudeResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Name implements Backend.
func (b *ClaudeCLIBackend) Name() string {
	return "claude-cli"
}

// Generate implements Backend. The prompt is passed on stdin.
func (b *ClaudeCLIBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	bin := b.Binary
	if bin == "" {
		bin = "claude"
	}
	runner := b.Runner
	if runner == nil {
		runner = ExecProcess{}
	}
	args := []string{"--print", "--output-format", "json"}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}

	stdout, stderr, err := runner.Run(ctx, b.Dir, composePrompt(req), bin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("claude: %w: %s", err, strings.TrimSpace(stderr))
	}

	var res claudeResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &res); err != nil {
		return nil, fmt.Errorf("claude: parse output: %w", err)
	}
	resp := &Response{
		Text:         res.Result,
		Model:        b.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostUSD:      res.TotalCostUSD,
	}
	if res.IsError {
		return resp, errors.New("claude: " + firstLine(res.Result, res.Subtype))
	}
	return resp, nil
}

func firstLine(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			if i := strings.IndexByte(v, '\n'); i >= 0 {
				return v[:i]
			}
			return v
		}
	}
	return "error"
}
