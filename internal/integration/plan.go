// Package integration decides where a recommendation's code change goes.
package integration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoViableInsertionPoint means no writable location exists in the
// repository. Low placement confidence never produces it.
var ErrNoViableInsertionPoint = errors.New("no viable insertion point")

// Action is what happens to a target file.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionAppend Action = "append"
)

// Target is one file the change touches.
type Target struct {
	Path   string  `json:"path"`
	Action Action  `json:"action"`
	Module string  `json:"module"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Symbol is an existing name the new code must interoperate with.
type Symbol struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Plan is the decided placement and shape of a change.
type Plan struct {
	RecommendationID string   `json:"recommendation_id"`
	Title            string   `json:"title"`
	Targets          []Target `json:"targets"`
	Brief            string   `json:"brief"`
	Symbols          []Symbol `json:"symbols,omitempty"`
	Imports          []string `json:"imports,omitempty"`
	Language         string   `json:"language"`
	Confidence       float64  `json:"confidence"`
	Fallback         bool     `json:"fallback"`
	IndexHash        string   `json:"index_hash"`
}

// Paths returns the target paths in plan order.
func (p *Plan) Paths() []string {
	out := make([]string, len(p.Targets))
	for i, t := range p.Targets {
		out[i] = t.Path
	}
	return out
}

// Primary returns the first target.
func (p *Plan) Primary() Target {
	if len(p.Targets) == 0 {
		return Target{}
	}
	return p.Targets[0]
}

// Summary is a one-line description for logs and explanations.
func (p *Plan) Summary() string {
	parts := make([]string, 0, len(p.Targets))
	for _, t := range p.Targets {
		parts = append(parts, fmt.Sprintf("%s %s", t.Action, t.Path))
	}
	s := strings.Join(parts, ", ")
	if p.Fallback {
		s += " (fallback location)"
	}
	return fmt.Sprintf("%s, confidence %.2f", s, p.Confidence)
}
