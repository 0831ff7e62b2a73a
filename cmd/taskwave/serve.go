package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/coordinator"
	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/expr"
	"github.com/taskwave/taskwave/internal/httpapi"
	"github.com/taskwave/taskwave/internal/plugin"
	"github.com/taskwave/taskwave/internal/resilience"
	"github.com/taskwave/taskwave/internal/scheduler"
	"github.com/taskwave/taskwave/internal/store"
)

// newServeCommand starts the long-running HTTP API with the scheduler
// attached, mirroring the teacher's services/orchestrator/main.go
// listen/signal/shutdown shape, generalized from its in-memory
// workflowStore to internal/store.Store and from its inline sequential
// execute() to internal/coordinator.Coordinator + internal/scheduler.
func newServeCommand(v *viper.Viper) *cobra.Command {
	var rateLimit int64
	var eventWindow time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the HTTP API, with cron and event-triggered schedules running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolve(v)
			ctx, cancel := notifyContext()
			defer cancel()

			shutdown, promHandler, _ := setupObservability(ctx, "taskwave-serve", cfg)
			defer func() { _ = shutdown(context.Background()) }()

			st, err := store.Open(cfg.StoreDataDir, nil)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			exprEngine, err := expr.New()
			if err != nil {
				return fmt.Errorf("building expression engine: %w", err)
			}

			bus := events.New()
			breaker := resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 15*time.Second, 3)
			reg := plugin.NewRegistry(exprEngine, breaker, cfg.ModelRegistryURL)
			coord := coordinator.New(0, bus, nil).WithPlugins(reg)

			var limiter *resilience.RateLimiter
			if rateLimit > 0 {
				limiter = resilience.NewRateLimiter(rateLimit, float64(rateLimit)/eventWindow.Seconds(), eventWindow, rateLimit)
			}
			sched := scheduler.New(st, coord, limiter, nil)
			if err := sched.RestoreSchedules(ctx); err != nil {
				slog.Warn("failed to restore persisted schedules", "error", err)
			}
			sched.Start()
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = sched.Stop(sctx)
			}()

			srv := httpapi.NewServer(st, coord, bus, promHandler, nil)
			addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
			httpSrv := &http.Server{Addr: addr, Handler: srv.Mux()}

			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("http server error", "error", err)
					cancel()
				}
			}()
			slog.Info("taskwave serve started", "addr", addr)

			<-ctx.Done()
			slog.Info("shutdown initiated")
			sdCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer sdCancel()
			cancelled := srv.Shutdown(sdCtx)
			_ = httpSrv.Shutdown(sdCtx)
			slog.Info("shutdown complete", "runs_cancelled", cancelled)
			return nil
		},
	}
	cmd.Flags().Int64Var(&rateLimit, "event-rate-limit", 0, "max event-triggered runs per window; 0 disables the limiter")
	cmd.Flags().DurationVar(&eventWindow, "event-rate-window", time.Minute, "window duration for --event-rate-limit")
	return cmd
}
