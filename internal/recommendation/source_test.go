package recommendation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadFile_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml list", "recs.yaml", "- id: rec-1\n  title: one\n- id: rec-2\n  title: two\n  hints: [a/b.go]\n"},
		{"yaml mapping", "recs.yml", "recommendations:\n  - id: rec-1\n    title: one\n  - id: rec-2\n    title: two\n"},
		{"json", "recs.json", `[{"id":"rec-1","title":"one"},{"id":"rec-2","title":"two"}]`},
		{"jsonl", "recs.jsonl", "{\"id\":\"rec-1\",\"title\":\"one\"}\n\n# comment\n{\"id\":\"rec-2\",\"title\":\"two\"}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := LoadFile(writeTemp(t, tt.file, tt.content))
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "rec-1", recs[0].ID)
			assert.Equal(t, "two", recs[1].Title)
		})
	}
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(writeTemp(t, "recs.txt", "x"))
	assert.Error(t, err)

	_, err = LoadFile(writeTemp(t, "dup.json", `[{"id":"a","title":"x"},{"id":"a","title":"y"}]`))
	assert.ErrorContains(t, err, "duplicate")

	_, err = LoadFile(writeTemp(t, "bad.jsonl", "{\"id\":\"a\",\"title\":\"x\"}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")

	_, err = LoadFile(writeTemp(t, "invalid.json", `[{"id":"a"}]`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFileSource_Streams(t *testing.T) {
	path := writeTemp(t, "recs.json", `[{"id":"rec-1","title":"one"},{"id":"rec-2","title":"two"}]`)
	out := make(chan Recommendation, 4)
	require.NoError(t, FileSource{Path: path}.Recommendations(context.Background(), out))
	close(out)

	var ids []string
	for r := range out {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"rec-1", "rec-2"}, ids)
}

func TestFileSource_StopsOnCancel(t *testing.T) {
	path := writeTemp(t, "recs.json", `[{"id":"rec-1","title":"one"},{"id":"rec-2","title":"two"}]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FileSource{Path: path}.Recommendations(ctx, make(chan Recommendation))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFind(t *testing.T) {
	recs := []Recommendation{{ID: "a"}, {ID: "b"}}
	r, ok := Find(recs, "b")
	assert.True(t, ok)
	assert.Equal(t, "b", r.ID)
	_, ok = Find(recs, "c")
	assert.False(t, ok)
}
