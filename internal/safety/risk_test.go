package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultScorer(t *testing.T, policy string) *Scorer {
	t.Helper()
	p, err := NewPolicy(policy)
	require.NoError(t, err)
	return NewScorer(ScorerOpts{
		Weights:   Weights{Lines: 0.3, Files: 0.2, Confidence: 0.3, Tests: 0.2, Secrets: 1.0},
		LineScale: 200,
		FileScale: 10,
		Threshold: 0.5,
		Policy:    p,
	})
}

func TestScorer_SmallConfidentChangeIsLowRisk(t *testing.T) {
	s := defaultScorer(t, "")
	a, err := s.Assess(RiskInput{LinesChanged: 12, FilesTouched: 1, Confidence: 0.9, TestsPassed: true})
	require.NoError(t, err)
	assert.Less(t, a.Score, 0.5)
	assert.False(t, a.RequiresApproval)
	assert.Empty(t, a.Reasons)
}

func TestScorer_LargeChangeRequiresApproval(t *testing.T) {
	s := defaultScorer(t, "")
	a, err := s.Assess(RiskInput{LinesChanged: 900, FilesTouched: 25, Confidence: 0.2, TestsPassed: false})
	require.NoError(t, err)
	assert.Greater(t, a.Score, 0.5)
	assert.True(t, a.RequiresApproval)
}

func TestScorer_ScoreStaysInUnitInterval(t *testing.T) {
	s := defaultScorer(t, "")
	for _, in := range []RiskInput{
		{},
		{LinesChanged: 1 << 20, FilesTouched: 1 << 10, Confidence: -3, SecretFindings: 9},
		{Confidence: 7, TestsPassed: true},
	} {
		a, err := s.Assess(in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a.Score, 0.0)
		assert.LessOrEqual(t, a.Score, 1.0)
	}
}

func TestScorer_UnstableAlwaysRequiresApproval(t *testing.T) {
	s := defaultScorer(t, "")
	a, err := s.Assess(RiskInput{LinesChanged: 1, FilesTouched: 1, Confidence: 1, TestsPassed: true, TestsUnstable: true})
	require.NoError(t, err)
	assert.True(t, a.RequiresApproval)
	assert.Contains(t, a.Reasons, "test results differed between identical runs")
}

func TestScorer_SecretsRequireApproval(t *testing.T) {
	s := defaultScorer(t, "")
	a, err := s.Assess(RiskInput{LinesChanged: 1, FilesTouched: 1, Confidence: 1, TestsPassed: true, SecretFindings: 1})
	require.NoError(t, err)
	assert.True(t, a.RequiresApproval)
	assert.Equal(t, 1.0, a.Factors["secrets"])
}

func TestScorer_PolicyForcesApproval(t *testing.T) {
	s := defaultScorer(t, `domain == "auth"`)
	a, err := s.Assess(RiskInput{LinesChanged: 1, FilesTouched: 1, Confidence: 1, TestsPassed: true, Domain: "auth"})
	require.NoError(t, err)
	assert.True(t, a.RequiresApproval)

	a, err = s.Assess(RiskInput{LinesChanged: 1, FilesTouched: 1, Confidence: 1, TestsPassed: true, Domain: "billing"})
	require.NoError(t, err)
	assert.False(t, a.RequiresApproval)
}

func TestScorer_ZeroWeights(t *testing.T) {
	s := NewScorer(ScorerOpts{Threshold: 0.5})
	a, err := s.Assess(RiskInput{LinesChanged: 1000})
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Score)
}
