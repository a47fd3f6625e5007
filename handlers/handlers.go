// handlers/handlers.go
package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"

	"docdigest/db"
	"docdigest/shared"
	t "docdigest/temporal"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	describeCacheTTL  = time.Minute
	describeCacheSize = 1024
	defaultListLimit  = 20
	maxListLimit      = 200
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	temporal  client.Client
	runs      db.RunStore
	history   *t.HistoryExporter
	taskQueue string
	logger    *slog.Logger
	templates *template.Template

	// only closed executions are cached; their description no longer changes
	describes *ttlcache.Cache[string, *workflowservice.DescribeWorkflowExecutionResponse]
}

// NewHandler creates a new Handler instance
func NewHandler(tc client.Client, runs db.RunStore, taskQueue string, logger *slog.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return &Handler{
		temporal:  tc,
		runs:      runs,
		history:   t.NewHistoryExporter(tc),
		taskQueue: taskQueue,
		logger:    logger,
		templates: tmpl,
		describes: ttlcache.New(
			ttlcache.WithTTL[string, *workflowservice.DescribeWorkflowExecutionResponse](describeCacheTTL),
			ttlcache.WithCapacity[string, *workflowservice.DescribeWorkflowExecutionResponse](describeCacheSize),
		),
	}, nil
}

// Routes builds the router with all endpoints and middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger, middleware.Recoverer, middleware.Timeout(60*time.Second))

	r.Get("/", h.HandleIndex)
	r.Get("/healthz", h.HandleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.HandleListRuns)
		r.Post("/", h.HandleStartRun)
		r.Get("/{workflowID}", h.HandleGetRun)
		r.Get("/{workflowID}/history", h.HandleHistory)
	})
	return r
}

type startRunResponse struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

// RunView is a run record merged with the live execution state.
type RunView struct {
	shared.RunRecord
	RunID           string           `json:"runId,omitempty"`
	ExecutionStatus string           `json:"executionStatus,omitempty"`
	Progress        *shared.Progress `json:"progress,omitempty"`
}

// Finished reports whether the run reached a final status.
func (v RunView) Finished() bool {
	return v.Status == shared.StatusCompleted || v.Status == shared.StatusFailed
}

// HandleStartRun accepts a JSON DigestInput or a form post and starts the workflow.
func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	input, err := decodeDigestInput(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(input.RepoURL) == "" {
		h.writeError(w, r, http.StatusBadRequest, "repoUrl cannot be empty")
		return
	}
	if input.PathGlob != "" {
		if _, err := path.Match(input.PathGlob, ""); err != nil {
			h.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("pathGlob %q is not a valid pattern", input.PathGlob))
			return
		}
	}

	options := client.StartWorkflowOptions{
		ID:        "digest-" + uuid.NewString(),
		TaskQueue: h.taskQueue,
	}

	run, err := h.temporal.ExecuteWorkflow(r.Context(), options, shared.WorkflowName, input)
	if err != nil {
		h.logger.Error("Error starting workflow", "error", err, "repo_url", input.RepoURL)
		h.writeError(w, r, http.StatusInternalServerError, "failed to start digest")
		return
	}
	h.logger.Info("Workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID(), "repo_url", input.RepoURL)

	if isHTMX(r) {
		view := RunView{
			RunRecord: shared.RunRecord{WorkflowID: run.GetID(), RepoURL: input.RepoURL, Status: shared.StatusPending},
			RunID:     run.GetRunID(),
		}
		h.render(w, http.StatusAccepted, "run", view)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{WorkflowID: run.GetID(), RunID: run.GetRunID()})
}

// HandleListRuns returns the most recent runs from the store.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("Listing runs failed", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []shared.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleGetRun returns the stored record merged with the execution status and,
// while the workflow runs, its progress query result.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	ctx := r.Context()

	view := RunView{RunRecord: shared.RunRecord{WorkflowID: workflowID}}
	rec, err := h.runs.Get(ctx, workflowID)
	switch {
	case err == nil:
		view.RunRecord = *rec
	case errors.Is(err, db.ErrNotFound):
	default:
		h.logger.Error("Reading run failed", "workflow_id", workflowID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to read run")
		return
	}
	found := err == nil

	desc, err := h.describe(r, workflowID)
	var notFound *serviceerror.NotFound
	switch {
	case err == nil:
		found = true
		h.mergeExecution(r, &view, desc)
	case errors.As(err, &notFound):
	default:
		// the stored record is still useful when Temporal is unreachable
		h.logger.Warn("Describing workflow failed", "workflow_id", workflowID, "error", err)
	}

	if !found {
		h.writeError(w, r, http.StatusNotFound, fmt.Sprintf("run %s not found", workflowID))
		return
	}
	if view.Status == "" {
		view.Status = shared.StatusPending
	}

	if isHTMX(r) {
		h.render(w, http.StatusOK, "run", view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleHistory downloads the event history of a run as replayable JSON.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	runID := r.URL.Query().Get("runId")

	var buf bytes.Buffer
	if err := h.history.Export(r.Context(), workflowID, runID, &buf); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			h.writeError(w, r, http.StatusNotFound, fmt.Sprintf("run %s not found", workflowID))
			return
		}
		h.logger.Error("Exporting history failed", "workflow_id", workflowID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "failed to export history")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.json"`, workflowID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) describe(r *http.Request, workflowID string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	if item := h.describes.Get(workflowID); item != nil {
		return item.Value(), nil
	}

	resp, err := h.temporal.DescribeWorkflowExecution(r.Context(), workflowID, "")
	if err != nil {
		return nil, err
	}
	if resp.GetWorkflowExecutionInfo().GetStatus() != enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		h.describes.Set(workflowID, resp, ttlcache.DefaultTTL)
	}
	return resp, nil
}

func (h *Handler) mergeExecution(r *http.Request, view *RunView, desc *workflowservice.DescribeWorkflowExecutionResponse) {
	info := desc.GetWorkflowExecutionInfo()
	status := info.GetStatus()
	view.RunID = info.GetExecution().GetRunId()
	view.ExecutionStatus = strings.TrimPrefix(status.String(), "WORKFLOW_EXECUTION_STATUS_")

	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		val, err := h.temporal.QueryWorkflow(r.Context(), view.WorkflowID, view.RunID, shared.ProgressQuery)
		if err != nil {
			h.logger.Warn("Progress query failed", "workflow_id", view.WorkflowID, "error", err)
			return
		}
		var progress shared.Progress
		if err := val.Get(&progress); err != nil {
			h.logger.Warn("Decoding progress failed", "workflow_id", view.WorkflowID, "error", err)
			return
		}
		view.Progress = &progress
		if view.Status == "" || view.Status == shared.StatusPending {
			view.Status = progress.Stage
		}
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		// the final save may not have landed yet
		if !view.Finished() {
			view.Status = shared.StatusCompleted
		}
	default:
		// terminated or timed out executions never run their final save
		if !view.Finished() {
			view.Status = shared.StatusFailed
			if view.ErrorDetails == "" {
				view.ErrorDetails = "workflow execution " + strings.ToLower(view.ExecutionStatus)
			}
		}
	}
}

func decodeDigestInput(r *http.Request) (shared.DigestInput, error) {
	var input shared.DigestInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return input, fmt.Errorf("invalid JSON body: %w", err)
		}
		return input, nil
	}

	if err := r.ParseForm(); err != nil {
		return input, fmt.Errorf("invalid form: %w", err)
	}
	input.RepoURL = r.FormValue("repoUrl")
	input.Ref = r.FormValue("ref")
	input.PathGlob = r.FormValue("pathGlob")
	for field, dst := range map[string]*int{"maxDocuments": &input.MaxDocuments, "maxParallel": &input.MaxParallel} {
		raw := r.FormValue(field)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return input, fmt.Errorf("%s must be a number", field)
		}
		*dst = n
	}
	return input, nil
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, `<p class="error">%s</p>`, template.HTMLEscapeString(msg))
		return
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
