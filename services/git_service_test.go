package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"

	"docdigest/shared"
)

// newTestRepo commits files into an in-memory repository and returns the service and commit hash.
func newTestRepo(t *testing.T, files map[string]string) (*GitService, string) {
	t.Helper()

	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	for p, content := range files {
		require.NoError(t, util.WriteFile(fs, p, []byte(content), 0o644))
		_, err := wt.Add(p)
		require.NoError(t, err)
	}

	hash, err := wt.Commit("docs", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	return NewGitServiceFromRepository("mem://docs", repo), hash.String()
}

func TestGitService_ListFiles(t *testing.T) {
	gs, commit := newTestRepo(t, map[string]string{
		"README.md":           "# Readme",
		"docs/workflows.md":   "Workflows.",
		"docs/activities.md":  "Activities.",
		"docs/diagram.png":    "png",
		"main.go":             "package main",
		"docs/nested/deep.md": "Deep.",
	})

	head, err := gs.HeadCommit()
	require.NoError(t, err)
	require.Equal(t, commit, head)
	require.True(t, gs.HasCommit(commit))

	paths, err := gs.ListFiles(commit, "*.md")
	require.NoError(t, err)
	require.Equal(t, []string{"README.md", "docs/activities.md", "docs/nested/deep.md", "docs/workflows.md"}, paths)

	paths, err = gs.ListFiles(commit, "*.go")
	require.NoError(t, err)
	require.Equal(t, []string{"main.go"}, paths)
}

func TestGitService_ListFiles_BadInput(t *testing.T) {
	gs, commit := newTestRepo(t, map[string]string{"README.md": "x"})

	_, err := gs.ListFiles(commit, "[")
	require.ErrorIs(t, err, ErrInvalidGlob)

	_, err = gs.ListFiles("not-a-hash", "*.md")
	require.ErrorIs(t, err, ErrRepoNotFound)

	_, err = gs.ListFiles("0123456789012345678901234567890123456789", "*.md")
	require.ErrorIs(t, err, ErrRepoNotFound)
}

func TestGitService_ReadFile(t *testing.T) {
	gs, commit := newTestRepo(t, map[string]string{"docs/workers.md": "Workers poll task queues."})

	doc, err := gs.ReadFile(commit, "docs/workers.md")
	require.NoError(t, err)
	require.Equal(t, "docs/workers.md", doc.Path)
	require.Equal(t, "Workers poll task queues.", doc.Content)
	require.Len(t, doc.Hash, 40)

	_, err = gs.ReadFile(commit, "docs/missing.md")
	require.ErrorIs(t, err, ErrRepoNotFound)
}

func TestNewGitService_InvalidURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewGitService(ctx, "", "", shared.GitCredentials{})
	require.Error(t, err)
}
