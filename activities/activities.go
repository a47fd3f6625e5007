package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"docdigest/services"
	"docdigest/shared"
)

const (
	ActivityNameResolveRepo         = "ResolveRepo"
	ActivityNameListDocuments       = "ListDocuments"
	ActivityNameCleanupRepo         = "CleanupRepo"
	ActivityNameSummarizeDocument   = "SummarizeDocument"
	ActivityNameCombineDigest       = "CombineDigest"
	ActivityNameCreatePendingRecord = "CreatePendingRecord"
	ActivityNameSaveResult          = "SaveResult"
)

// Registry is satisfied by worker.Worker and the SDK test environments.
type Registry interface {
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register registers every activity under its stable name.
func Register(r Registry, git *GitActivities, llm *LLMActivities, records *RecordActivities) {
	r.RegisterActivityWithOptions(git.ResolveRepo, activity.RegisterOptions{Name: ActivityNameResolveRepo})
	r.RegisterActivityWithOptions(git.ListDocuments, activity.RegisterOptions{Name: ActivityNameListDocuments})
	r.RegisterActivityWithOptions(git.CleanupRepo, activity.RegisterOptions{Name: ActivityNameCleanupRepo})

	r.RegisterActivityWithOptions(llm.SummarizeDocument, activity.RegisterOptions{Name: ActivityNameSummarizeDocument})
	r.RegisterActivityWithOptions(llm.CombineDigest, activity.RegisterOptions{Name: ActivityNameCombineDigest})

	// Local activities, executed by name from the workflow.
	r.RegisterActivityWithOptions(records.CreatePendingRecord, activity.RegisterOptions{Name: ActivityNameCreatePendingRecord})
	r.RegisterActivityWithOptions(records.SaveResult, activity.RegisterOptions{Name: ActivityNameSaveResult})
}

// toApplicationError maps service sentinel errors to non-retryable application errors.
// Anything else is returned unchanged and retried by the activity retry policy.
func toApplicationError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrRepoNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), shared.ErrTypeRepoNotFound, err)
	case errors.Is(err, services.ErrInvalidGlob):
		return temporal.NewNonRetryableApplicationError(err.Error(), shared.ErrTypeInvalidInput, err)
	case errors.Is(err, services.ErrInvalidAPIKey):
		return temporal.NewNonRetryableApplicationError(err.Error(), shared.ErrTypeAPIKey, err)
	}
	return err
}

// heartbeatInterval paces withHeartbeat for clones and model calls. It stays
// well under the workflow's 30s heartbeat timeout.
var heartbeatInterval = 10 * time.Second

// withHeartbeat runs fn and records a heartbeat every interval until it returns.
func withHeartbeat(ctx context.Context, interval time.Duration, fn func() error) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()

	return fn()
}
