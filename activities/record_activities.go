package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"

	"docdigest/db"
	"docdigest/shared"
)

// RecordActivities persist run state. They run as local activities.
type RecordActivities struct {
	Store db.RunStore
}

func NewRecordActivities(store db.RunStore) *RecordActivities {
	return &RecordActivities{Store: store}
}

// CreatePendingRecord creates the initial run record if it does not exist.
func (a *RecordActivities) CreatePendingRecord(ctx context.Context, workflowID, repoURL string) error {
	if a.Store == nil {
		return errors.New("run store is not initialized")
	}
	return a.Store.CreatePending(ctx, workflowID, repoURL)
}

// SaveResult upserts the run record.
func (a *RecordActivities) SaveResult(ctx context.Context, input shared.SaveResultInput) error {
	if a.Store == nil {
		return errors.New("run store is not initialized")
	}
	activity.GetLogger(ctx).Debug("Saving run state", "WorkflowID", input.WorkflowID, "Status", input.Status)
	return a.Store.Save(ctx, input)
}
