package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	enumspb "go.temporal.io/api/enums/v1"
	historypb "go.temporal.io/api/history/v1"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
)

var (
	ErrEmptyHistory        = errors.New("history has no events")
	ErrMissingStartEvent   = errors.New("history does not start with WorkflowExecutionStarted")
	ErrUnknownWorkflowType = errors.New("workflow type is not registered")
	// ErrReplayFailed wraps SDK replay errors, most commonly a nondeterminism
	// mismatch between the recorded events and the commands the code produces.
	ErrReplayFailed = errors.New("replay failed")
)

// Replayer checks recorded histories against the current workflow code.
type Replayer struct {
	replayer worker.WorkflowReplayer
	known    map[string]bool
	logger   tlog.Logger
}

func NewReplayer(logger *slog.Logger) *Replayer {
	r := worker.NewWorkflowReplayer()
	RegisterWorkflows(r)

	known := make(map[string]bool)
	for _, name := range RegisteredWorkflowTypes() {
		known[name] = true
	}
	return &Replayer{replayer: r, known: known, logger: NewLogger(logger)}
}

// ReplayHistory replays one history. A nil error means the code is compatible with it.
func (r *Replayer) ReplayHistory(h *historypb.History) error {
	events := h.GetEvents()
	if len(events) == 0 {
		return ErrEmptyHistory
	}

	first := events[0]
	attrs := first.GetWorkflowExecutionStartedEventAttributes()
	if first.GetEventType() != enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_STARTED || attrs == nil {
		return fmt.Errorf("%w: first event is %s", ErrMissingStartEvent, first.GetEventType())
	}

	name := attrs.GetWorkflowType().GetName()
	if !r.known[name] {
		return fmt.Errorf("%w: %q", ErrUnknownWorkflowType, name)
	}

	if err := r.replayer.ReplayWorkflowHistory(r.logger, h); err != nil {
		return fmt.Errorf("%w: %w", ErrReplayFailed, err)
	}
	return nil
}

// ReplayFile replays a JSON history file.
func (r *Replayer) ReplayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close()

	h, err := ReadHistory(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return r.ReplayHistory(h)
}

// HistorySource names a history and knows how to load it.
type HistorySource struct {
	Name string
	Load func(ctx context.Context) (*historypb.History, error)
}

// FileSource loads a history from a JSON file.
func FileSource(path string) HistorySource {
	return HistorySource{
		Name: path,
		Load: func(context.Context) (*historypb.History, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("opening history file: %w", err)
			}
			defer f.Close()
			return ReadHistory(f)
		},
	}
}

// ExecutionSource loads a history from the Temporal server.
func ExecutionSource(e *HistoryExporter, workflowID, runID string) HistorySource {
	name := workflowID
	if runID != "" {
		name += "/" + runID
	}
	return HistorySource{
		Name: name,
		Load: func(ctx context.Context) (*historypb.History, error) {
			return e.Fetch(ctx, workflowID, runID)
		},
	}
}

type ReplayReport struct {
	Source string
	Events int
	Err    error
}

// ReplayAll replays every source and reports each result; it does not stop at the first failure.
func (r *Replayer) ReplayAll(ctx context.Context, sources []HistorySource) []ReplayReport {
	reports := make([]ReplayReport, 0, len(sources))
	for _, src := range sources {
		report := ReplayReport{Source: src.Name}
		h, err := src.Load(ctx)
		if err != nil {
			report.Err = err
		} else {
			report.Events = len(h.GetEvents())
			report.Err = r.ReplayHistory(h)
		}
		reports = append(reports, report)
	}
	return reports
}

// Failed counts reports with an error.
func Failed(reports []ReplayReport) int {
	n := 0
	for _, rep := range reports {
		if rep.Err != nil {
			n++
		}
	}
	return n
}
