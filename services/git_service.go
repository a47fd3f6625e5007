package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"docdigest/shared"
)

// ErrRepoNotFound covers missing repositories, refs and commits, and rejected credentials.
var ErrRepoNotFound = errors.New("repository not found")

// ErrInvalidGlob is returned when a path pattern is malformed.
var ErrInvalidGlob = errors.New("invalid path glob")

// GitService provides read access to an in-memory clone of a repository.
type GitService struct {
	repo *git.Repository
	url  string
}

// NewGitService clones url into memory. ref is a branch name or a full
// reference ("refs/tags/v1"); empty means the remote HEAD.
func NewGitService(ctx context.Context, url, ref string, creds shared.GitCredentials) (*GitService, error) {
	opts := &git.CloneOptions{
		URL:  url,
		Tags: git.NoTags,
	}
	if creds.Username != "" && creds.Password != "" {
		opts.Auth = &http.BasicAuth{Username: creds.Username, Password: creds.Password}
	}
	if ref != "" {
		opts.ReferenceName = referenceName(ref)
		opts.SingleBranch = true
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), opts)
	if err != nil {
		return nil, classifyGitError(fmt.Errorf("cloning %s: %w", url, err))
	}
	return &GitService{repo: repo, url: url}, nil
}

// NewGitServiceFromRepository wraps an already opened repository.
func NewGitServiceFromRepository(url string, repo *git.Repository) *GitService {
	return &GitService{repo: repo, url: url}
}

func (gs *GitService) URL() string { return gs.url }

// HeadCommit returns the hash of the checked out commit.
func (gs *GitService) HeadCommit() (string, error) {
	head, err := gs.repo.Head()
	if err != nil {
		return "", classifyGitError(fmt.Errorf("resolving HEAD: %w", err))
	}
	return head.Hash().String(), nil
}

// HasCommit reports whether the clone contains the given commit.
func (gs *GitService) HasCommit(commit string) bool {
	_, err := gs.repo.CommitObject(plumbing.NewHash(commit))
	return err == nil
}

// ListFiles returns the paths at commit whose base name matches glob, sorted.
func (gs *GitService) ListFiles(commit, glob string) ([]string, error) {
	if _, err := path.Match(glob, ""); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidGlob, glob, err)
	}

	c, err := gs.commit(commit)
	if err != nil {
		return nil, err
	}

	iter, err := c.Files()
	if err != nil {
		return nil, fmt.Errorf("listing files at %s: %w", commit, err)
	}
	defer iter.Close()

	var paths []string
	err = iter.ForEach(func(f *object.File) error {
		if ok, _ := path.Match(glob, path.Base(f.Name)); ok {
			paths = append(paths, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking files at %s: %w", commit, err)
	}

	sort.Strings(paths)
	return paths, nil
}

// ReadFile returns the content of p at commit.
func (gs *GitService) ReadFile(commit, p string) (shared.Document, error) {
	c, err := gs.commit(commit)
	if err != nil {
		return shared.Document{}, err
	}

	f, err := c.File(p)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return shared.Document{}, fmt.Errorf("%s at %s: %w", p, commit, ErrRepoNotFound)
		}
		return shared.Document{}, fmt.Errorf("opening %s: %w", p, err)
	}

	r, err := f.Reader()
	if err != nil {
		return shared.Document{}, fmt.Errorf("reading %s: %w", p, err)
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return shared.Document{}, fmt.Errorf("reading %s: %w", p, err)
	}

	return shared.Document{Path: p, Content: string(content), Hash: f.Hash.String()}, nil
}

func (gs *GitService) commit(commit string) (*object.Commit, error) {
	if !plumbing.IsHash(commit) {
		return nil, fmt.Errorf("invalid commit hash %q: %w", commit, ErrRepoNotFound)
	}
	c, err := gs.repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, classifyGitError(fmt.Errorf("loading commit %s: %w", commit, err))
	}
	return c, nil
}

func referenceName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

func classifyGitError(err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, plumbing.ErrObjectNotFound):
		return fmt.Errorf("%w: %w", ErrRepoNotFound, err)
	}
	return err
}
