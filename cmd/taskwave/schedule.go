package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/store"
)

// newScheduleCommand manages persisted cron/event schedules directly
// against the BoltDB store, for operators who don't want to go through the
// HTTP API just to register a trigger binding.
func newScheduleCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "schedules",
		Short: "list, add, or remove persisted cron/event schedules",
	}
	root.AddCommand(newScheduleListCommand(v))
	root.AddCommand(newScheduleAddCommand(v))
	root.AddCommand(newScheduleRemoveCommand(v))
	return root
}

func openStoreForCLI(v *viper.Viper) (*store.Store, error) {
	cfg := config.Resolve(v)
	return store.Open(cfg.StoreDataDir, nil)
}

func newScheduleListCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list all persisted schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(v)
			if err != nil {
				return err
			}
			defer st.Close()

			scheds, err := st.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKFLOW\tCRON\tEVENT\tENABLED\tMAX_CONCURRENT")
			for _, s := range scheds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d\n", s.WorkflowName, s.CronExpr, s.EventType, s.Enabled, s.MaxConcurrent)
			}
			return tw.Flush()
		},
	}
}

func newScheduleAddCommand(v *viper.Viper) *cobra.Command {
	var cronExpr, eventType, filterJSON string
	var maxConcurrent int
	var timeoutMS int64

	cmd := &cobra.Command{
		Use:   "add [workflow-name]",
		Short: "register a cron or event schedule for a stored workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cronExpr == "" && eventType == "" {
				return fmt.Errorf("one of --cron or --event is required")
			}
			var filter map[string]interface{}
			if filterJSON != "" {
				if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
					return fmt.Errorf("parsing --filter: %w", err)
				}
			}

			st, err := openStoreForCLI(v)
			if err != nil {
				return err
			}
			defer st.Close()

			sched := store.Schedule{
				WorkflowName:  args[0],
				CronExpr:      cronExpr,
				EventType:     eventType,
				EventFilter:   filter,
				Enabled:       true,
				MaxConcurrent: maxConcurrent,
				TimeoutMS:     timeoutMS,
			}
			if err := st.PutSchedule(cmd.Context(), sched); err != nil {
				return err
			}
			fmt.Printf("schedule registered for %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "robfig/cron expression (seconds precision)")
	cmd.Flags().StringVar(&eventType, "event", "", "event type this schedule triggers on")
	cmd.Flags().StringVar(&filterJSON, "filter", "", "JSON object the event payload must match")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 1, "max concurrent runs for this schedule")
	cmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 0, "per-run timeout in milliseconds; 0 means none")
	return cmd
}

func newScheduleRemoveCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "remove [workflow-name]",
		Short: "remove a persisted schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(v)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteSchedule(cmd.Context(), args[0])
		},
	}
}
