package safety

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Policy is an operator-supplied CEL expression that forces approval when it
// evaluates to true, e.g. `domain == "auth" || files > 5`.
//
// Variables: score, lines, files, confidence, tests_passed, unstable,
// secrets, domain.
type Policy struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles expr. An empty expression returns a nil policy.
func NewPolicy(expr string) (*Policy, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("lines", cel.IntType),
		cel.Variable("files", cel.IntType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("tests_passed", cel.BoolType),
		cel.Variable("unstable", cel.BoolType),
		cel.Variable("secrets", cel.IntType),
		cel.Variable("domain", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile approval policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("approval policy must return bool, got %v", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("approval policy program: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// Expression returns the source expression.
func (p *Policy) Expression() string {
	return p.expr
}

// RequiresApproval evaluates the policy for a change.
func (p *Policy) RequiresApproval(in RiskInput, score float64) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"score":        score,
		"lines":        int64(in.LinesChanged),
		"files":        int64(in.FilesTouched),
		"confidence":   in.Confidence,
		"tests_passed": in.TestsPassed,
		"unstable":     in.TestsUnstable,
		"secrets":      int64(in.SecretFindings),
		"domain":       in.Domain,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate approval policy: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("approval policy result not boolean")
	}
	return v, nil
}
