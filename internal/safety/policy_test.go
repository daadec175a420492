package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy_Empty(t *testing.T) {
	p, err := NewPolicy("")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNewPolicy_RejectsNonBool(t *testing.T) {
	_, err := NewPolicy("lines + 1")
	assert.Error(t, err)
}

func TestNewPolicy_RejectsUnknownVariable(t *testing.T) {
	_, err := NewPolicy("owner == 'me'")
	assert.Error(t, err)
}

func TestPolicy_Evaluate(t *testing.T) {
	p, err := NewPolicy("files > 3 || (score > 0.2 && !tests_passed)")
	require.NoError(t, err)
	assert.Equal(t, "files > 3 || (score > 0.2 && !tests_passed)", p.Expression())

	hit, err := p.RequiresApproval(RiskInput{FilesTouched: 4, TestsPassed: true}, 0.1)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = p.RequiresApproval(RiskInput{FilesTouched: 1, TestsPassed: true}, 0.9)
	require.NoError(t, err)
	assert.False(t, hit)

	hit, err = p.RequiresApproval(RiskInput{FilesTouched: 1}, 0.3)
	require.NoError(t, err)
	assert.True(t, hit)
}
