package activities

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"golang.org/x/sync/singleflight"

	"docdigest/services"
	"docdigest/shared"
)

// CloneFunc clones a repository. It is swapped out in tests.
type CloneFunc func(ctx context.Context, url, ref string, creds shared.GitCredentials) (*services.GitService, error)

// GitActivities keeps one in-memory clone per workflow ID. The cache is only an
// optimization: an activity that lands on a worker without the clone re-clones
// and checks the pinned commit.
type GitActivities struct {
	clones *ttlcache.Cache[string, *services.GitService]
	group  singleflight.Group
	creds  shared.GitCredentials
	clone  CloneFunc
}

func NewGitActivities(ttl time.Duration, size int, creds shared.GitCredentials) *GitActivities {
	return &GitActivities{
		clones: ttlcache.New(
			ttlcache.WithTTL[string, *services.GitService](ttl),
			ttlcache.WithCapacity[string, *services.GitService](uint64(size)),
		),
		creds: creds,
		clone: services.NewGitService,
	}
}

// WithCloneFunc replaces the clone implementation.
func (a *GitActivities) WithCloneFunc(fn CloneFunc) *GitActivities {
	a.clone = fn
	return a
}

// Start runs cache expiration until ctx is done.
func (a *GitActivities) Start(ctx context.Context) {
	go a.clones.Start()
	<-ctx.Done()
	a.clones.Stop()
}

// ResolveRepo clones the repository for a workflow and returns the commit it resolved to.
func (a *GitActivities) ResolveRepo(ctx context.Context, input shared.ResolveRepoInput) (string, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Resolving repository", "RepoURL", input.RepoURL, "Ref", input.Ref)

	var gs *services.GitService
	err := withHeartbeat(ctx, heartbeatInterval, func() error {
		var err error
		gs, err = a.clone(ctx, input.RepoURL, input.Ref, a.creds)
		return err
	})
	if err != nil {
		logger.Error("Clone failed", "RepoURL", input.RepoURL, "Error", err)
		return "", toApplicationError(err)
	}

	commit, err := gs.HeadCommit()
	if err != nil {
		return "", toApplicationError(err)
	}

	a.clones.Set(input.WorkflowID, gs, ttlcache.DefaultTTL)
	logger.Info("Repository resolved", "RepoURL", input.RepoURL, "Commit", commit)
	return commit, nil
}

// ListDocuments returns the matching document paths at the pinned commit.
func (a *GitActivities) ListDocuments(ctx context.Context, input shared.ListDocumentsInput) ([]string, error) {
	gs, err := a.service(ctx, input.Repo)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = withHeartbeat(ctx, heartbeatInterval, func() error {
		var err error
		paths, err = gs.ListFiles(input.Repo.Commit, input.PathGlob)
		return err
	})
	if err != nil {
		return nil, toApplicationError(err)
	}
	if len(paths) == 0 {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("no files matching %q at %s", input.PathGlob, input.Repo.Commit),
			shared.ErrTypeNoDocuments, nil)
	}
	if input.Limit > 0 && len(paths) > input.Limit {
		activity.GetLogger(ctx).Warn("Truncating document list", "Found", len(paths), "Limit", input.Limit)
		paths = paths[:input.Limit]
	}
	return paths, nil
}

// ReadDocument reads one document at the pinned commit.
func (a *GitActivities) ReadDocument(ctx context.Context, repo shared.RepoRef, path string) (shared.Document, error) {
	gs, err := a.service(ctx, repo)
	if err != nil {
		return shared.Document{}, err
	}
	doc, err := gs.ReadFile(repo.Commit, path)
	if err != nil {
		return shared.Document{}, toApplicationError(err)
	}
	return doc, nil
}

// CleanupRepo drops the cached clone. It is idempotent.
func (a *GitActivities) CleanupRepo(ctx context.Context, input shared.CleanupRepoInput) error {
	activity.GetLogger(ctx).Info("Releasing repository clone", "WorkflowID", input.WorkflowID)
	a.clones.Delete(input.WorkflowID)
	return nil
}

// cloneTimeout bounds a detached re-clone.
const cloneTimeout = 10 * time.Minute

// service returns the cached clone for repo, re-cloning on a miss. The
// re-clone heartbeats like ResolveRepo does.
func (a *GitActivities) service(ctx context.Context, repo shared.RepoRef) (*services.GitService, error) {
	if item := a.clones.Get(repo.WorkflowID); item != nil && item.Value().HasCommit(repo.Commit) {
		return item.Value(), nil
	}

	logger := activity.GetLogger(ctx)
	var gs *services.GitService
	err := withHeartbeat(ctx, heartbeatInterval, func() error {
		var err error
		gs, err = a.sharedClone(ctx, repo, logger)
		return err
	})
	if err != nil {
		return nil, toApplicationError(err)
	}
	return gs, nil
}

// sharedClone runs one clone per workflow ID no matter how many activities
// miss the cache at once. The clone is detached from the caller that started
// it, so a cancelled caller returns early without failing the other waiters.
func (a *GitActivities) sharedClone(ctx context.Context, repo shared.RepoRef, logger log.Logger) (*services.GitService, error) {
	ch := a.group.DoChan(repo.WorkflowID, func() (interface{}, error) {
		cloneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cloneTimeout)
		defer cancel()

		logger.Info("Clone not cached on this worker, cloning", "WorkflowID", repo.WorkflowID, "Ref", repo.Ref, "Commit", repo.Commit)
		gs, err := a.clone(cloneCtx, repo.RepoURL, repo.Ref, a.creds)
		if err != nil {
			return nil, err
		}
		if !gs.HasCommit(repo.Commit) {
			return nil, fmt.Errorf("commit %s in %s: %w", repo.Commit, repo.RepoURL, services.ErrRepoNotFound)
		}
		a.clones.Set(repo.WorkflowID, gs, ttlcache.DefaultTTL)
		return gs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*services.GitService), nil
	}
}

// Len reports the number of cached clones.
func (a *GitActivities) Len() int {
	return a.clones.Len()
}
