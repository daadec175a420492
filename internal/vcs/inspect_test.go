package vcs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) (string, *git.Repository, plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "handlers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handlers", "user.go"), []byte("package handlers\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("handlers/user.go")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, repo, hash
}

func TestHeadCommitAndBranch(t *testing.T) {
	dir, _, hash := initRepo(t)

	head, err := HeadCommit(dir)
	require.NoError(t, err)
	assert.Equal(t, hash.String(), head)

	// Lookups from a subdirectory find the enclosing repository.
	head, err = HeadCommit(filepath.Join(dir, "handlers"))
	require.NoError(t, err)
	assert.Equal(t, hash.String(), head)

	branch, err := CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "master", branch)
}

func TestCurrentBranchDetached(t *testing.T) {
	dir, repo, hash := initRepo(t)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Hash: hash}))

	branch, err := CurrentBranch(dir)
	require.NoError(t, err)
	assert.Empty(t, branch)
}

func TestBranchExists(t *testing.T) {
	dir, repo, hash := initRepo(t)
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName("auto/rec-042"), hash)
	require.NoError(t, repo.Storer.SetReference(ref))

	ok, err := BranchExists(dir, "auto/rec-042")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = BranchExists(dir, "auto/rec-043")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInspectOutsideRepository(t *testing.T) {
	_, err := HeadCommit(t.TempDir())
	assert.Error(t, err)
}
