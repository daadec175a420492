package safety

import (
	"fmt"
	"math"
)

// Weights are the tunable coefficients of the risk score.
type Weights struct {
	Lines      float64
	Files      float64
	Confidence float64
	Tests      float64
	Secrets    float64
}

// RiskInput is what the scorer knows about a change.
type RiskInput struct {
	LinesChanged   int
	FilesTouched   int
	Confidence     float64 // placement confidence in [0,1]
	TestsPassed    bool
	TestsUnstable  bool
	SecretFindings int
	Domain         string
}

// Assessment is the scorer's verdict.
type Assessment struct {
	Score            float64            `json:"score"`
	Factors          map[string]float64 `json:"factors"`
	RequiresApproval bool               `json:"requires_approval"`
	Reasons          []string           `json:"reasons,omitempty"`
}

// Scorer computes a 0-1 risk score as the weight-normalised sum of
// per-factor risks, each itself in [0,1].
type Scorer struct {
	weights   Weights
	lineScale int
	fileScale int
	threshold float64
	policy    *Policy
}

// ScorerOpts configures a Scorer.
type ScorerOpts struct {
	Weights   Weights
	LineScale int // lines at which the line factor saturates
	FileScale int // files at which the file factor saturates
	Threshold float64
	Policy    *Policy // optional extra approval rule
}

// NewScorer creates a Scorer.
func NewScorer(opts ScorerOpts) *Scorer {
	if opts.LineScale <= 0 {
		opts.LineScale = 200
	}
	if opts.FileScale <= 0 {
		opts.FileScale = 10
	}
	return &Scorer{
		weights:   opts.Weights,
		lineScale: opts.LineScale,
		fileScale: opts.FileScale,
		threshold: opts.Threshold,
		policy:    opts.Policy,
	}
}

// Threshold returns the approval threshold.
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Assess scores in and decides whether human approval is required.
// Unstable tests and detected secrets always require approval.
func (s *Scorer) Assess(in RiskInput) (*Assessment, error) {
	factors := map[string]float64{
		"lines":      saturate(float64(in.LinesChanged), float64(s.lineScale)),
		"files":      saturate(float64(in.FilesTouched), float64(s.fileScale)),
		"confidence": clamp01(1 - in.Confidence),
		"tests":      0,
		"secrets":    0,
	}
	if !in.TestsPassed || in.TestsUnstable {
		factors["tests"] = 1
	}
	if in.SecretFindings > 0 {
		factors["secrets"] = 1
	}

	w := s.weights
	total := w.Lines + w.Files + w.Confidence + w.Tests + w.Secrets
	score := 0.0
	if total > 0 {
		score = (w.Lines*factors["lines"] +
			w.Files*factors["files"] +
			w.Confidence*factors["confidence"] +
			w.Tests*factors["tests"] +
			w.Secrets*factors["secrets"]) / total
	}
	score = clamp01(score)

	a := &Assessment{Score: math.Round(score*1000) / 1000, Factors: factors}
	if a.Score > s.threshold {
		a.Reasons = append(a.Reasons, fmt.Sprintf("risk score %.3f exceeds threshold %.3f", a.Score, s.threshold))
	}
	if in.TestsUnstable {
		a.Reasons = append(a.Reasons, "test results differed between identical runs")
	}
	if in.SecretFindings > 0 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("%d potential secret(s) in generated code", in.SecretFindings))
	}
	if s.policy != nil {
		hit, err := s.policy.RequiresApproval(in, a.Score)
		if err != nil {
			return nil, err
		}
		if hit {
			a.Reasons = append(a.Reasons, "approval policy matched: "+s.policy.Expression())
		}
	}
	a.RequiresApproval = len(a.Reasons) > 0
	return a, nil
}

func saturate(v, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return clamp01(v / scale)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
