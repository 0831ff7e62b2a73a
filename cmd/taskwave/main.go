// Command taskwave is the engine's CLI: run a workflow document once,
// serve the HTTP API with the scheduler attached, or manage persisted
// schedules. Grounded on the teacher's services/orchestrator/main.go
// (signal.NotifyContext + otelinit wiring) and 88lin-divinesense's
// cmd/divinesense/main.go (viper-bound cobra PersistentFlags), widened
// from a single binary with one Run func into a three-subcommand cobra
// tree since this repo's CLI surface actually needs one.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/telemetry/logging"
	"github.com/taskwave/taskwave/internal/telemetry/otelinit"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:   "taskwave",
		Short: "taskwave runs declarative, wave-scheduled task workflows",
	}
	// Flag names match config.go's viper keys exactly (snake_case, not the
	// usual cobra dash-case) so a plain BindPFlags wires every flag without
	// a per-flag BindPFlag call, the way the Config type already expects.
	root.PersistentFlags().String("addr", "", "HTTP listen address for serve")
	root.PersistentFlags().Int("port", 7070, "HTTP listen port for serve")
	root.PersistentFlags().String("store_data_dir", "./data", "BoltDB data directory")
	root.PersistentFlags().String("log_level", "info", "debug, info, warn, or error")
	root.PersistentFlags().Bool("log_json", false, "emit JSON logs instead of text")
	root.PersistentFlags().String("default_shell", "", "shell used when a task sets none")
	root.PersistentFlags().String("policy_service_url", "", "base URL of an external policy approval service")
	root.PersistentFlags().String("model_registry_url", "", "base URL of the model inference registry")
	if err := config.BindFlags(v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(newRunCommand(v))
	root.AddCommand(newServeCommand(v))
	root.AddCommand(newScheduleCommand(v))
	return root
}

// setupObservability initializes logging and OTel for a subcommand and
// returns a combined shutdown func, the Prometheus scrape handler (nil if
// the exporter failed to register), and the shared resilience instruments.
func setupObservability(ctx context.Context, service string, cfg config.Config) (shutdown func(context.Context) error, promHandler http.Handler, metrics otelinit.Metrics) {
	os.Setenv("TASKWAVE_JSON_LOG", boolEnvString(cfg.LogJSON))
	os.Setenv("TASKWAVE_LOG_LEVEL", cfg.LogLevel)
	logging.Init(service)

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, m := otelinit.InitMetrics(ctx, service)
	return func(ctx context.Context) error {
		otelinit.Flush(ctx, shutdownTrace)
		return shutdownMetrics(ctx)
	}, promHandler, m
}

func boolEnvString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
