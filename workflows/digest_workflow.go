package workflows

import (
	"errors"
	"fmt"
	"path"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"docdigest/activities"
	"docdigest/shared"
)

// Activity options shared by the digest workflow.
var (
	activityOptions = workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        4,
			NonRetryableErrorTypes: shared.NonRetryableErrorTypes,
		},
	}

	localActivityOptions = workflow.LocalActivityOptions{
		ScheduleToCloseTimeout: 15 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
)

// DigestWorkflow fetches the documentation files of a repository, summarizes
// each one and combines the summaries into a digest.
func DigestWorkflow(ctx workflow.Context, input shared.DigestInput) (out *shared.DigestOutput, err error) {
	logger := workflow.GetLogger(ctx)

	if input.RepoURL == "" {
		return nil, temporal.NewNonRetryableApplicationError("repo url is required", shared.ErrTypeInvalidInput, nil)
	}
	input = input.Normalize()
	if _, err := path.Match(input.PathGlob, ""); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid path glob %q", input.PathGlob), shared.ErrTypeInvalidInput, err)
	}

	workflowID := workflow.GetInfo(ctx).WorkflowExecution.ID
	logger.Info("DigestWorkflow started", "RepoURL", input.RepoURL, "Ref", input.Ref, "PathGlob", input.PathGlob)

	actCtx := workflow.WithActivityOptions(ctx, activityOptions)
	localCtx := workflow.WithLocalActivityOptions(ctx, localActivityOptions)

	progress := shared.Progress{Stage: shared.StatusPending}
	if err := workflow.SetQueryHandler(ctx, shared.ProgressQuery, func() (shared.Progress, error) {
		return progress, nil
	}); err != nil {
		return nil, fmt.Errorf("registering progress query: %w", err)
	}

	setStage := func(stage string) {
		progress.Stage = stage
		saveErr := workflow.ExecuteLocalActivity(localCtx, activities.ActivityNameSaveResult,
			shared.SaveResultInput{WorkflowID: workflowID, Status: stage}).Get(localCtx, nil)
		if saveErr != nil {
			logger.Warn("Failed to save run status", "Status", stage, "Error", saveErr)
		}
	}

	var commit, digest string

	// --- Deferred cleanup and final save ---
	defer func() {
		disconnectedCtx, _ := workflow.NewDisconnectedContext(ctx)

		if commit != "" {
			cleanupCtx := workflow.WithActivityOptions(disconnectedCtx, activityOptions)
			cleanupErr := workflow.ExecuteActivity(cleanupCtx, activities.ActivityNameCleanupRepo,
				shared.CleanupRepoInput{WorkflowID: workflowID}).Get(cleanupCtx, nil)
			if cleanupErr != nil {
				logger.Error("Failed to release repository clone", "Error", cleanupErr)
			}
		}

		final := shared.SaveResultInput{WorkflowID: workflowID, Commit: commit, Digest: digest, Status: shared.StatusCompleted}
		if err != nil {
			final.Status = shared.StatusFailed
			final.ErrorDetails = err.Error()
			logger.Error("DigestWorkflow failed", "Error", err)
		}
		progress.Stage = final.Status

		saveCtx := workflow.WithLocalActivityOptions(disconnectedCtx, localActivityOptions)
		if saveErr := workflow.ExecuteLocalActivity(saveCtx, activities.ActivityNameSaveResult, final).Get(saveCtx, nil); saveErr != nil {
			logger.Error("Final save failed", "Status", final.Status, "Error", saveErr)
		}
	}()

	// 1. Pending record
	if saveErr := workflow.ExecuteLocalActivity(localCtx, activities.ActivityNameCreatePendingRecord,
		workflowID, input.RepoURL).Get(localCtx, nil); saveErr != nil {
		logger.Warn("CreatePendingRecord failed, continuing", "Error", saveErr)
	}

	// 2. Fetch
	setStage(shared.StatusFetching)
	err = workflow.ExecuteActivity(actCtx, activities.ActivityNameResolveRepo, shared.ResolveRepoInput{
		WorkflowID: workflowID,
		RepoURL:    input.RepoURL,
		Ref:        input.Ref,
	}).Get(actCtx, &commit)
	if err != nil {
		return nil, fmt.Errorf("resolving repository: %w", err)
	}
	repo := shared.RepoRef{WorkflowID: workflowID, RepoURL: input.RepoURL, Ref: input.Ref, Commit: commit}

	var paths []string
	err = workflow.ExecuteActivity(actCtx, activities.ActivityNameListDocuments, shared.ListDocumentsInput{
		Repo:     repo,
		PathGlob: input.PathGlob,
		Limit:    input.MaxDocuments,
	}).Get(actCtx, &paths)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	logger.Info("Documents listed", "Count", len(paths), "Commit", commit)

	// 3. Summarize, at most MaxParallel at a time
	setStage(shared.StatusSummarizing)
	progress.Total = len(paths)
	summaries := summarizeAll(ctx, actCtx, repo, paths, input.MaxParallel, &progress)
	if len(summaries) == 0 {
		return nil, errors.New("every document failed to summarize")
	}

	// 4. Combine
	setStage(shared.StatusCombining)
	err = workflow.ExecuteActivity(actCtx, activities.ActivityNameCombineDigest, shared.CombineDigestInput{
		RepoURL:   input.RepoURL,
		Commit:    commit,
		Summaries: summaries,
	}).Get(actCtx, &digest)
	if err != nil {
		return nil, fmt.Errorf("combining digest: %w", err)
	}

	logger.Info("DigestWorkflow completed", "Documents", len(summaries), "Failed", len(progress.Failed))
	return &shared.DigestOutput{
		RepoURL:   input.RepoURL,
		Commit:    commit,
		Documents: len(summaries),
		Digest:    digest,
		Summaries: summaries,
	}, nil
}

// summarizeAll keeps up to parallel SummarizeDocument activities in flight and
// returns the successful summaries in path order. Failed paths go to progress.Failed.
func summarizeAll(ctx, actCtx workflow.Context, repo shared.RepoRef, paths []string, parallel int, progress *shared.Progress) []shared.DocSummary {
	logger := workflow.GetLogger(ctx)
	results := make([]*shared.DocSummary, len(paths))
	selector := workflow.NewSelector(ctx)

	launch := func(i int) {
		f := workflow.ExecuteActivity(actCtx, activities.ActivityNameSummarizeDocument,
			shared.SummarizeDocumentInput{Repo: repo, Path: paths[i]})
		selector.AddFuture(f, func(f workflow.Future) {
			var s shared.DocSummary
			if err := f.Get(ctx, &s); err != nil {
				logger.Warn("Skipping document", "Path", paths[i], "Error", err)
				progress.Failed = append(progress.Failed, paths[i])
			} else {
				results[i] = &s
			}
			progress.Done++
		})
	}

	next := 0
	for ; next < len(paths) && next < parallel; next++ {
		launch(next)
	}
	for completed := 0; completed < len(paths); completed++ {
		selector.Select(ctx)
		if next < len(paths) {
			launch(next)
			next++
		}
	}

	summaries := make([]shared.DocSummary, 0, len(paths))
	for _, s := range results {
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	return summaries
}
