package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/coordinator"
	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/expr"
	"github.com/taskwave/taskwave/internal/loader"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/plugin"
)

// exit codes per spec.md §6: 0 succeeded, 1 failed, 2 cancelled, 3 timed
// out (workflow-wide), 64 a document/validation error before anything ran.
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitCancelled = 2
	exitTimedOut  = 3
	exitLoader    = 64
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	var timeoutFlag time.Duration
	var concurrency int
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run [workflow.yaml]",
		Short: "run a single workflow document to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolve(v)
			ctx, cancel := notifyContext()
			defer cancel()
			shutdown, _, _ := setupObservability(ctx, "taskwave-run", cfg)
			defer func() { _ = shutdown(context.Background()) }()

			code := runWorkflowFile(ctx, args[0], cfg, concurrency, timeoutFlag, quiet)
			if code != exitSucceeded {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "workflow-wide deadline; 0 means none")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max tasks per wave run concurrently; 0 means unbounded")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress per-task progress lines")
	return cmd
}

func runWorkflowFile(ctx context.Context, path string, cfg config.Config, concurrency int, timeout time.Duration, quiet bool) int {
	wf, err := loader.LoadFile(path)
	if err != nil {
		var validation *errs.Validation
		if errors.As(err, &validation) {
			fmt.Fprintln(os.Stderr, "workflow document error:", err)
			return exitLoader
		}
		fmt.Fprintln(os.Stderr, "failed to load workflow:", err)
		return exitLoader
	}
	if err := wf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "workflow validation error:", err)
		return exitLoader
	}

	bus := events.New()
	if !quiet {
		attachProgressPrinter(bus)
	}

	exprEngine, err := expr.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize expression engine:", err)
		return exitLoader
	}

	coord := coordinator.New(int64(concurrency), bus, nil).
		WithPlugins(plugin.NewRegistry(exprEngine, nil, cfg.ModelRegistryURL))

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	rs, err := coord.Run(runCtx, runID, wf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run failed to start:", err)
		return exitLoader
	}

	if runCtx.Err() == context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "workflow timed out after", timeout)
		return exitTimedOut
	}

	status := rs.OverallStatus(func(taskID string) bool {
		t, ok := wf.TaskByID(taskID)
		return ok && t.ContinueOnError
	})

	switch status {
	case model.StatusSucceeded:
		return exitSucceeded
	case model.StatusCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func attachProgressPrinter(bus *events.Bus) {
	for _, kind := range []events.Kind{
		events.KindTaskStarted, events.KindTaskSucceeded, events.KindTaskFailed,
		events.KindTaskSkipped, events.KindTaskTimedOut, events.KindTaskCancelled,
	} {
		kind := kind
		bus.Subscribe(kind, func(ev events.Event) {
			fmt.Fprintf(os.Stderr, "[%s] task=%s\n", kind, ev.TaskID)
		})
	}
}
