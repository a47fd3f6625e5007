// temporal/worker.go
package temporal

import (
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"docdigest/activities"
	"docdigest/config"
	"docdigest/shared"
	"docdigest/workflows"
)

// WorkflowRegistry is satisfied by worker.Worker and worker.WorkflowReplayer.
type WorkflowRegistry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
}

// Activities groups the activity implementations a worker hosts.
type Activities struct {
	Git     *activities.GitActivities
	LLM     *activities.LLMActivities
	Records *activities.RecordActivities
}

// RegisterWorkflows registers every workflow under its stable name.
func RegisterWorkflows(r WorkflowRegistry) {
	r.RegisterWorkflowWithOptions(workflows.DigestWorkflow, workflow.RegisterOptions{Name: shared.WorkflowName})
}

// RegisteredWorkflowTypes lists the names RegisterWorkflows registers.
func RegisteredWorkflowTypes() []string {
	return []string{shared.WorkflowName}
}

// NewWorker creates a worker polling cfg.TaskQueue with all workflows and activities registered.
func NewWorker(c client.Client, cfg *config.Config, acts Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.MaxConcurrentWorkflowTasks,
	})

	RegisterWorkflows(w)
	activities.Register(w, acts.Git, acts.LLM, acts.Records)
	return w
}

// RunWorker blocks until the process receives an interrupt.
func RunWorker(w worker.Worker, logger *slog.Logger, taskQueue string) error {
	logger.Info("Starting Temporal worker", "task_queue", taskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("Temporal worker stopped with error", "error", err)
		return err
	}
	logger.Info("Temporal worker stopped gracefully")
	return nil
}
