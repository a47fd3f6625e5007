package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"docdigest/services"
	"docdigest/shared"
)

// DocumentSource reads documents at a pinned commit. Document content is read
// inside the activity so it never enters workflow history.
type DocumentSource interface {
	ReadDocument(ctx context.Context, repo shared.RepoRef, path string) (shared.Document, error)
}

type LLMActivities struct {
	Summarizer services.Summarizer
	Docs       DocumentSource
}

func NewLLMActivities(summarizer services.Summarizer, docs DocumentSource) *LLMActivities {
	return &LLMActivities{Summarizer: summarizer, Docs: docs}
}

func (a *LLMActivities) SummarizeDocument(ctx context.Context, input shared.SummarizeDocumentInput) (shared.DocSummary, error) {
	logger := activity.GetLogger(ctx)

	doc, err := a.Docs.ReadDocument(ctx, input.Repo, input.Path)
	if err != nil {
		return shared.DocSummary{}, err
	}

	var summary string
	err = withHeartbeat(ctx, heartbeatInterval, func() error {
		var err error
		summary, err = a.Summarizer.Summarize(ctx, doc)
		return err
	})
	if err != nil {
		logger.Error("Summarize failed", "Path", input.Path, "Attempt", activity.GetInfo(ctx).Attempt, "Error", err)
		return shared.DocSummary{}, toApplicationError(err)
	}

	logger.Info("Document summarized", "Path", input.Path, "SummaryLength", len(summary))
	return shared.DocSummary{
		Path:    input.Path,
		Summary: summary,
		Words:   services.CountWords(doc.Content),
	}, nil
}

func (a *LLMActivities) CombineDigest(ctx context.Context, input shared.CombineDigestInput) (string, error) {
	var overview string
	err := withHeartbeat(ctx, heartbeatInterval, func() error {
		var err error
		overview, err = a.Summarizer.Overview(ctx, input.RepoURL, input.Summaries)
		return err
	})
	if err != nil {
		activity.GetLogger(ctx).Error("Overview failed", "Error", err)
		return "", toApplicationError(err)
	}

	return services.RenderDigest(input.RepoURL, input.Commit, overview, input.Summaries), nil
}
