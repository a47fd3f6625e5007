package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"docdigest/activities"
	"docdigest/config"
	"docdigest/db"
	"docdigest/handlers"
	"docdigest/services"
	"docdigest/temporal"
)

const usage = `usage: docdigest [serve|worker|replay|history] [flags]

  serve                                   run the worker and the HTTP API (default)
  worker                                  run only the worker
  replay FILE...                          replay exported histories against this build
  replay --workflow-id ID [--run-id RUN]  replay a history fetched from Temporal
  history --workflow-id ID [--run-id RUN] [--out FILE]
                                          export an event history as JSON
`

func main() {
	mode, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "worker":
		err = runWorker(ctx, cfg, logger)
	case "replay":
		err = runReplay(ctx, cfg, logger, args)
	case "history":
		err = runHistory(ctx, cfg, logger, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("docdigest failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}

// app holds what both serve and worker modes need.
type app struct {
	client client.Client
	runs   db.RunStore
	acts   temporal.Activities
	close  func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	database, err := db.InitDB(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	c, err := temporal.Dial(ctx, cfg, logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, using extractive summaries")
	}
	runs := db.NewRunStore(database)
	gitActs := activities.NewGitActivities(cfg.RepoCacheTTL, cfg.RepoCacheSize, cfg.Credentials())
	go gitActs.Start(ctx)

	return &app{
		client: c,
		runs:   runs,
		acts: temporal.Activities{
			Git:     gitActs,
			LLM:     activities.NewLLMActivities(services.NewSummarizer(cfg.OpenAIAPIKey, cfg.OpenAIModel), gitActs),
			Records: activities.NewRecordActivities(runs),
		},
		close: func() {
			c.Close()
			database.Close()
		},
	}, nil
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	w := temporal.NewWorker(a.client, cfg, a.acts)
	return temporal.RunWorker(w, logger, cfg.TaskQueue)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	w := temporal.NewWorker(a.client, cfg, a.acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("unable to start Temporal worker: %w", err)
	}
	defer w.Stop()

	h, err := handlers.NewHandler(a.client, a.runs, cfg.TaskQueue, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runReplay(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	workflowID := fs.String("workflow-id", "", "replay the history of this workflow from Temporal")
	runID := fs.String("run-id", "", "run ID, latest run if empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var sources []temporal.HistorySource
	for _, path := range fs.Args() {
		sources = append(sources, temporal.FileSource(path))
	}
	if *workflowID != "" {
		c, err := temporal.Dial(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		sources = append(sources, temporal.ExecutionSource(temporal.NewHistoryExporter(c), *workflowID, *runID))
	}
	if len(sources) == 0 {
		return errors.New("replay needs at least one history file or --workflow-id")
	}

	replayer := temporal.NewReplayer(logger)
	reports := replayer.ReplayAll(ctx, sources)
	for _, rep := range reports {
		if rep.Err != nil {
			logger.Error("Replay failed", "history", rep.Source, "events", rep.Events, "error", rep.Err)
			continue
		}
		logger.Info("Replay passed", "history", rep.Source, "events", rep.Events)
	}
	if n := temporal.Failed(reports); n > 0 {
		return fmt.Errorf("%d of %d histories failed to replay", n, len(reports))
	}
	return nil
}

func runHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	workflowID := fs.String("workflow-id", "", "workflow to export (required)")
	runID := fs.String("run-id", "", "run ID, latest run if empty")
	out := fs.String("out", "", "output file, stdout if empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowID == "" {
		return errors.New("history needs --workflow-id")
	}

	c, err := temporal.Dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *out, err)
		}
		defer f.Close()
		w = f
	}

	if err := temporal.NewHistoryExporter(c).Export(ctx, *workflowID, *runID, w); err != nil {
		return err
	}
	logger.Info("History exported", "workflow_id", *workflowID, "out", *out)
	return nil
}
