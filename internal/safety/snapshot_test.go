package safety

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestSnapshot_RestoreModifiedAndCreated(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pkg/a.go", "package pkg\n")

	snap := NewSnapshot(root)
	require.NoError(t, snap.Track("pkg/a.go", "pkg/new/b.go"))
	before := snap.Digest()

	writeFile(t, root, "pkg/a.go", "package pkg\n\nfunc Changed() {}\n")
	writeFile(t, root, "pkg/new/b.go", "package new\n")
	assert.Error(t, snap.Verify())

	require.NoError(t, snap.Restore())
	require.NoError(t, snap.Verify())

	data, err := os.ReadFile(filepath.Join(root, "pkg/a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(data))
	_, err = os.Stat(filepath.Join(root, "pkg/new"))
	assert.True(t, os.IsNotExist(err), "created directory should be pruned")

	after, err := CurrentDigest(root, snap.Paths())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSnapshot_TrackIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "one")

	snap := NewSnapshot(root)
	require.NoError(t, snap.Track("a.txt"))
	writeFile(t, root, "a.txt", "two")
	// Re-tracking must keep the original capture.
	require.NoError(t, snap.Track("a.txt", "./a.txt"))
	require.Len(t, snap.Files, 1)

	require.NoError(t, snap.Restore())
	data, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	assert.Equal(t, "one", string(data))
}

func TestSnapshot_PreservesMode(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "run.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))

	snap := NewSnapshot(root)
	require.NoError(t, snap.Track("run.sh"))
	require.NoError(t, os.WriteFile(p, []byte("echo hi\n"), 0o600))
	require.NoError(t, os.Chmod(p, 0o600))

	require.NoError(t, snap.Restore())
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestSnapshot_RejectsEscapingPaths(t *testing.T) {
	snap := NewSnapshot(t.TempDir())
	assert.Error(t, snap.Track("../outside.go"))
	assert.Error(t, snap.Track("/etc/passwd"))
	assert.Error(t, snap.Track("."))
}

func TestSnapshot_RoundTripsThroughJSON(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.go", "package x\n")
	snap := NewSnapshot(root)
	require.NoError(t, snap.Track("x.go"))

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var loaded Snapshot
	require.NoError(t, json.Unmarshal(data, &loaded))

	writeFile(t, root, "x.go", "package y\n")
	require.NoError(t, loaded.Restore())
	require.NoError(t, loaded.Verify())
}
