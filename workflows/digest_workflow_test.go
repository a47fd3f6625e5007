package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"docdigest/activities"
	"docdigest/shared"
)

const testWorkflowID = "digest-test"

func testStartOptions() client.StartWorkflowOptions {
	return client.StartWorkflowOptions{ID: testWorkflowID, TaskQueue: shared.DefaultTaskQueue}
}

// hasAppErrorType walks the cause chain for an application error of the given type.
func hasAppErrorType(err error, errType string) bool {
	for err != nil {
		var appErr *temporal.ApplicationError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type() == errType {
			return true
		}
		err = appErr.Unwrap()
	}
	return false
}

// memStore is an in-memory run store for workflow tests.
type memStore struct {
	mu   sync.Mutex
	runs map[string]shared.RunRecord
	log  []string
}

func newMemStore() *memStore {
	return &memStore{runs: map[string]shared.RunRecord{}}
}

func (s *memStore) CreatePending(_ context.Context, workflowID, repoURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[workflowID]; !ok {
		s.runs[workflowID] = shared.RunRecord{WorkflowID: workflowID, RepoURL: repoURL, Status: shared.StatusPending}
	}
	return nil
}

func (s *memStore) Save(_ context.Context, in shared.SaveResultInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.runs[in.WorkflowID]
	rec.WorkflowID = in.WorkflowID
	if in.Status != "" {
		rec.Status = in.Status
		s.log = append(s.log, in.Status)
	}
	if in.Commit != "" {
		rec.Commit = in.Commit
	}
	if in.Digest != "" {
		rec.Digest = in.Digest
	}
	if in.ErrorDetails != "" {
		rec.ErrorDetails = in.ErrorDetails
	}
	s.runs[in.WorkflowID] = rec
	return nil
}

func (s *memStore) Get(_ context.Context, workflowID string) (*shared.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[workflowID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &rec, nil
}

func (s *memStore) List(context.Context, int) ([]shared.RunRecord, error) {
	return nil, nil
}

type DigestWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env   *testsuite.TestWorkflowEnvironment
	store *memStore
}

func TestDigestWorkflow(t *testing.T) {
	suite.Run(t, new(DigestWorkflowTestSuite))
}

func (s *DigestWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.store = newMemStore()

	s.env.RegisterWorkflowWithOptions(DigestWorkflow, workflow.RegisterOptions{Name: shared.WorkflowName})
	// git and llm activities are mocked by name; record activities run for real against memStore
	activities.Register(s.env, nil, nil, activities.NewRecordActivities(s.store))
}

func (s *DigestWorkflowTestSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func (s *DigestWorkflowTestSuite) run(input shared.DigestInput) *shared.RunRecord {
	s.env.SetStartWorkflowOptions(testStartOptions())
	s.env.ExecuteWorkflow(shared.WorkflowName, input)
	s.True(s.env.IsWorkflowCompleted())

	rec, err := s.store.Get(context.Background(), testWorkflowID)
	s.Require().NoError(err)
	return rec
}

func (s *DigestWorkflowTestSuite) mockFetch(paths []string) {
	s.env.OnActivity(activities.ActivityNameResolveRepo, mock.Anything, shared.ResolveRepoInput{
		WorkflowID: testWorkflowID, RepoURL: "https://example.com/docs.git",
	}).Return("abc123", nil).Once()
	s.env.OnActivity(activities.ActivityNameListDocuments, mock.Anything, mock.Anything).Return(paths, nil).Once()
	s.env.OnActivity(activities.ActivityNameCleanupRepo, mock.Anything, shared.CleanupRepoInput{WorkflowID: testWorkflowID}).Return(nil).Once()
}

func (s *DigestWorkflowTestSuite) Test_Success() {
	s.mockFetch([]string{"README.md", "docs/replay.md", "docs/workers.md"})
	s.env.OnActivity(activities.ActivityNameSummarizeDocument, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in shared.SummarizeDocumentInput) (shared.DocSummary, error) {
			s.Equal("abc123", in.Repo.Commit)
			return shared.DocSummary{Path: in.Path, Summary: "About " + in.Path, Words: 10}, nil
		}).Times(3)
	s.env.OnActivity(activities.ActivityNameCombineDigest, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in shared.CombineDigestInput) (string, error) {
			s.Equal("abc123", in.Commit)
			s.Len(in.Summaries, 3)
			return "the digest", nil
		}).Once()

	rec := s.run(shared.DigestInput{RepoURL: "https://example.com/docs.git", MaxParallel: 2})

	s.NoError(s.env.GetWorkflowError())
	var out shared.DigestOutput
	s.NoError(s.env.GetWorkflowResult(&out))
	s.Equal("abc123", out.Commit)
	s.Equal(3, out.Documents)
	s.Equal("the digest", out.Digest)
	s.Equal([]string{"README.md", "docs/replay.md", "docs/workers.md"},
		[]string{out.Summaries[0].Path, out.Summaries[1].Path, out.Summaries[2].Path})

	s.Equal(shared.StatusCompleted, rec.Status)
	s.Equal("the digest", rec.Digest)
	s.Equal("abc123", rec.Commit)
	s.Equal([]string{shared.StatusFetching, shared.StatusSummarizing, shared.StatusCombining, shared.StatusCompleted}, s.store.log)

	val, err := s.env.QueryWorkflow(shared.ProgressQuery)
	s.NoError(err)
	var progress shared.Progress
	s.NoError(val.Get(&progress))
	s.Equal(shared.Progress{Stage: shared.StatusCompleted, Total: 3, Done: 3}, progress)
}

func (s *DigestWorkflowTestSuite) Test_SkipsFailedDocument() {
	s.mockFetch([]string{"a.md", "b.md"})
	s.env.OnActivity(activities.ActivityNameSummarizeDocument, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in shared.SummarizeDocumentInput) (shared.DocSummary, error) {
			if in.Path == "a.md" {
				return shared.DocSummary{}, temporal.NewNonRetryableApplicationError("gone", shared.ErrTypeRepoNotFound, nil)
			}
			return shared.DocSummary{Path: in.Path, Summary: "B."}, nil
		})
	s.env.OnActivity(activities.ActivityNameCombineDigest, mock.Anything, mock.Anything).Return("digest", nil).Once()

	rec := s.run(shared.DigestInput{RepoURL: "https://example.com/docs.git"})

	s.NoError(s.env.GetWorkflowError())
	var out shared.DigestOutput
	s.NoError(s.env.GetWorkflowResult(&out))
	s.Equal(1, out.Documents)
	s.Equal("b.md", out.Summaries[0].Path)
	s.Equal(shared.StatusCompleted, rec.Status)

	val, err := s.env.QueryWorkflow(shared.ProgressQuery)
	s.NoError(err)
	var progress shared.Progress
	s.NoError(val.Get(&progress))
	s.Equal([]string{"a.md"}, progress.Failed)
	s.Equal(2, progress.Done)
}

func (s *DigestWorkflowTestSuite) Test_AllDocumentsFail() {
	s.mockFetch([]string{"a.md", "b.md"})
	s.env.OnActivity(activities.ActivityNameSummarizeDocument, mock.Anything, mock.Anything).Return(
		shared.DocSummary{}, temporal.NewNonRetryableApplicationError("bad key", shared.ErrTypeAPIKey, nil))

	rec := s.run(shared.DigestInput{RepoURL: "https://example.com/docs.git"})

	s.Error(s.env.GetWorkflowError())
	s.Equal(shared.StatusFailed, rec.Status)
	s.Contains(rec.ErrorDetails, "every document failed")
}

func (s *DigestWorkflowTestSuite) Test_NoDocuments() {
	s.env.OnActivity(activities.ActivityNameResolveRepo, mock.Anything, mock.Anything).Return("abc123", nil).Once()
	s.env.OnActivity(activities.ActivityNameListDocuments, mock.Anything, mock.Anything).Return(
		[]string(nil), temporal.NewNonRetryableApplicationError("none", shared.ErrTypeNoDocuments, nil)).Once()
	s.env.OnActivity(activities.ActivityNameCleanupRepo, mock.Anything, mock.Anything).Return(nil).Once()

	rec := s.run(shared.DigestInput{RepoURL: "https://example.com/docs.git"})

	err := s.env.GetWorkflowError()
	s.Error(err)
	s.True(hasAppErrorType(err, shared.ErrTypeNoDocuments))
	s.Equal(shared.StatusFailed, rec.Status)
}

func (s *DigestWorkflowTestSuite) Test_RepoNotFound_SkipsCleanup() {
	s.env.OnActivity(activities.ActivityNameResolveRepo, mock.Anything, mock.Anything).Return(
		"", temporal.NewNonRetryableApplicationError("missing", shared.ErrTypeRepoNotFound, nil)).Once()

	rec := s.run(shared.DigestInput{RepoURL: "https://example.com/docs.git"})

	s.Error(s.env.GetWorkflowError())
	s.Equal(shared.StatusFailed, rec.Status)
	s.Empty(rec.Commit)
}

func (s *DigestWorkflowTestSuite) Test_InvalidInput() {
	s.env.SetStartWorkflowOptions(testStartOptions())
	s.env.ExecuteWorkflow(shared.WorkflowName, shared.DigestInput{})

	s.True(s.env.IsWorkflowCompleted())
	s.True(hasAppErrorType(s.env.GetWorkflowError(), shared.ErrTypeInvalidInput))

	_, getErr := s.store.Get(context.Background(), testWorkflowID)
	s.Error(getErr)
}

func (s *DigestWorkflowTestSuite) Test_InvalidPathGlob() {
	s.env.SetStartWorkflowOptions(testStartOptions())
	s.env.ExecuteWorkflow(shared.WorkflowName, shared.DigestInput{RepoURL: "https://example.com/docs.git", PathGlob: "docs/["})

	s.True(s.env.IsWorkflowCompleted())
	s.True(hasAppErrorType(s.env.GetWorkflowError(), shared.ErrTypeInvalidInput))

	_, getErr := s.store.Get(context.Background(), testWorkflowID)
	s.Error(getErr)
}

func (s *DigestWorkflowTestSuite) Test_RefPinnedForActivities() {
	s.env.OnActivity(activities.ActivityNameResolveRepo, mock.Anything, shared.ResolveRepoInput{
		WorkflowID: testWorkflowID, RepoURL: "https://example.com/docs.git", Ref: "release",
	}).Return("abc123", nil).Once()
	want := shared.RepoRef{WorkflowID: testWorkflowID, RepoURL: "https://example.com/docs.git", Ref: "release", Commit: "abc123"}
	s.env.OnActivity(activities.ActivityNameListDocuments, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in shared.ListDocumentsInput) ([]string, error) {
			s.Equal(want, in.Repo)
			return []string{"a.md"}, nil
		}).Once()
	s.env.OnActivity(activities.ActivityNameSummarizeDocument, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in shared.SummarizeDocumentInput) (shared.DocSummary, error) {
			s.Equal(want, in.Repo)
			return shared.DocSummary{Path: in.Path, Summary: "A."}, nil
		}).Once()
	s.env.OnActivity(activities.ActivityNameCombineDigest, mock.Anything, mock.Anything).Return("digest", nil).Once()
	s.env.OnActivity(activities.ActivityNameCleanupRepo, mock.Anything, mock.Anything).Return(nil).Once()

	rec := s.run(shared.DigestInput{RepoURL: "https://example.com/docs.git", Ref: "release"})

	s.NoError(s.env.GetWorkflowError())
	s.Equal(shared.StatusCompleted, rec.Status)
}

func (s *DigestWorkflowTestSuite) Test_MaxParallelCapsSummaries() {
	paths := []string{"a.md", "b.md", "c.md", "d.md", "e.md"}
	s.mockFetch(paths)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	s.env.OnActivity(activities.ActivityNameSummarizeDocument, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in shared.SummarizeDocumentInput) (shared.DocSummary, error) {
			mu.Lock()
			inFlight++
			peak = max(peak, inFlight)
			mu.Unlock()

			time.Sleep(50 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return shared.DocSummary{Path: in.Path, Summary: "About " + in.Path}, nil
		}).Times(len(paths))
	s.env.OnActivity(activities.ActivityNameCombineDigest, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in shared.CombineDigestInput) (string, error) {
			got := make([]string, 0, len(in.Summaries))
			for _, sum := range in.Summaries {
				got = append(got, sum.Path)
			}
			s.Equal(paths, got)
			return "digest", nil
		}).Once()

	rec := s.run(shared.DigestInput{RepoURL: "https://example.com/docs.git", MaxParallel: 2})

	s.NoError(s.env.GetWorkflowError())
	s.Equal(shared.StatusCompleted, rec.Status)
	mu.Lock()
	defer mu.Unlock()
	s.LessOrEqual(peak, 2)
	s.Positive(peak)
}
