package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlocks(t *testing.T) {
	text := "Added a Deactivate handler.\n" +
		"=== FILE: handlers/user.go ===\n" +
		"```go\n" +
		"package handlers\n" +
		"```\n" +
		"=== END FILE ===\n" +
		"=== FILE: handlers/user_test.go ===\n" +
		"package handlers\n" +
		"=== END FILE ===\n"

	blocks, summary, err := parseBlocks(text)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "handlers/user.go", blocks[0].Path)
	assert.Equal(t, "package handlers\n", blocks[0].Content, "fence stripped")
	assert.Equal(t, "handlers/user_test.go", blocks[1].Path)
	assert.Equal(t, "Added a Deactivate handler.", summary)
}

func TestParseBlocks_Truncated(t *testing.T) {
	_, _, err := parseBlocks("=== FILE: a.go ===\npackage a\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestParseBlocks_Malformed(t *testing.T) {
	_, _, err := parseBlocks("=== END FILE ===\n")
	assert.Error(t, err)

	_, _, err = parseBlocks("=== FILE: a.go ===\n=== FILE: b.go ===\n=== END FILE ===\n")
	assert.Error(t, err)
}

func TestParseBlocks_NoBlocks(t *testing.T) {
	blocks, summary, err := parseBlocks("I could not do this.\n")
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.Equal(t, "I could not do this.", summary)
}
