package temporal

import (
	"context"
	"fmt"
	"io"

	enumspb "go.temporal.io/api/enums/v1"
	historypb "go.temporal.io/api/history/v1"
	"go.temporal.io/api/temporalproto"
	"go.temporal.io/sdk/client"
)

// HistoryClient is the part of client.Client the exporter needs.
type HistoryClient interface {
	GetWorkflowHistory(ctx context.Context, workflowID string, runID string, isLongPoll bool, filterType enumspb.HistoryEventFilterType) client.HistoryEventIterator
}

// HistoryExporter downloads event histories in the JSON format the replayer reads.
type HistoryExporter struct {
	client HistoryClient
}

func NewHistoryExporter(c HistoryClient) *HistoryExporter {
	return &HistoryExporter{client: c}
}

// Fetch loads the full event history of a run. An empty runID means the latest run.
func (e *HistoryExporter) Fetch(ctx context.Context, workflowID, runID string) (*historypb.History, error) {
	iter := e.client.GetWorkflowHistory(ctx, workflowID, runID, false, enumspb.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)

	h := &historypb.History{}
	for iter.HasNext() {
		event, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("reading history of %s: %w", workflowID, err)
		}
		h.Events = append(h.Events, event)
	}
	return h, nil
}

// Export writes the history of a run as indented JSON.
func (e *HistoryExporter) Export(ctx context.Context, workflowID, runID string, w io.Writer) error {
	h, err := e.Fetch(ctx, workflowID, runID)
	if err != nil {
		return err
	}

	b, err := temporalproto.CustomJSONMarshalOptions{Indent: "  "}.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding history of %s: %w", workflowID, err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing history of %s: %w", workflowID, err)
	}
	return nil
}

// ReadHistory parses a JSON history as written by Export or the Temporal CLI.
func ReadHistory(r io.Reader) (*historypb.History, error) {
	h, err := client.HistoryFromJSON(r, client.HistoryJSONOptions{})
	if err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return h, nil
}
