// Package codegen turns an integration plan into validated file contents by
// calling a code-generation backend.
package codegen

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors.
var (
	// ErrImplementationInvalid means every attempt produced output that
	// failed validation.
	ErrImplementationInvalid = errors.New("implementation invalid")
	// ErrBackend means the backend call itself failed on the last attempt.
	ErrBackend = errors.New("code generation backend failed")
)

// Request is one call to a backend.
type Request struct {
	Instruction     string // rendered task, plan and output contract
	Context         string // current contents of the target files
	MaxOutputTokens int
}

// Response is what a backend returned and what it cost.
type Response struct {
	Text         string  `json:"-"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Backend generates code. Implementations must be safe for concurrent use
// and should return a partially filled Response alongside an error when a
// failed call still incurred cost.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Pricing converts token usage to USD.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the USD cost of a call.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1e6
}

const systemPrompt = `You are a careful senior engineer making a small, focused change to an existing codebase.
Follow the repository's existing style. Keep public APIs stable unless the task requires otherwise.
Return only what the output format asks for.`

// composePrompt is the full text sent to a backend.
func composePrompt(req Request) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	b.WriteString(req.Instruction)
	if req.Context != "" {
		b.WriteString("\n\n## Current Files\n\n")
		b.WriteString(req.Context)
	}
	return b.String()
}

// estimateTokens approximates tokens from text length when a backend does
// not report usage.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
