package main

import (
	"context"
	"testing"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/store"
)

func TestScheduleAddListRemove_RoundTrips(t *testing.T) {
	v := config.New()
	v.Set("store_data_dir", t.TempDir())

	addCmd := newScheduleAddCommand(v)
	addCmd.SetArgs([]string{"nightly-build", "--cron", "0 0 * * *", "--max-concurrent", "2"})
	if err := addCmd.Execute(); err != nil {
		t.Fatalf("add Execute() error = %v", err)
	}

	st, err := openStoreForCLI(v)
	if err != nil {
		t.Fatalf("openStoreForCLI() error = %v", err)
	}
	scheds, err := st.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("ListSchedules() error = %v", err)
	}
	if len(scheds) != 1 || scheds[0].WorkflowName != "nightly-build" {
		t.Fatalf("ListSchedules() = %+v, want one schedule for nightly-build", scheds)
	}
	if scheds[0].CronExpr != "0 0 * * *" || scheds[0].MaxConcurrent != 2 {
		t.Fatalf("schedule = %+v, want cron %q and max_concurrent 2", scheds[0], "0 0 * * *")
	}
	st.Close()

	listCmd := newScheduleListCommand(v)
	if err := listCmd.Execute(); err != nil {
		t.Fatalf("list Execute() error = %v", err)
	}

	removeCmd := newScheduleRemoveCommand(v)
	removeCmd.SetArgs([]string{"nightly-build"})
	if err := removeCmd.Execute(); err != nil {
		t.Fatalf("remove Execute() error = %v", err)
	}

	st2, err := openStoreForCLI(v)
	if err != nil {
		t.Fatalf("openStoreForCLI() error = %v", err)
	}
	defer st2.Close()
	remaining, err := st2.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("ListSchedules() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining = %+v, want none after remove", remaining)
	}
}

func TestScheduleAdd_RequiresCronOrEvent(t *testing.T) {
	v := config.New()
	v.Set("store_data_dir", t.TempDir())

	addCmd := newScheduleAddCommand(v)
	addCmd.SetArgs([]string{"no-trigger"})
	if err := addCmd.Execute(); err == nil {
		t.Fatal("expected an error when neither --cron nor --event is set")
	}
}

func TestScheduleAdd_RejectsInvalidFilterJSON(t *testing.T) {
	v := config.New()
	v.Set("store_data_dir", t.TempDir())

	addCmd := newScheduleAddCommand(v)
	addCmd.SetArgs([]string{"bad-filter", "--event", "build.completed", "--filter", "{not json"})
	if err := addCmd.Execute(); err == nil {
		t.Fatal("expected an error for malformed --filter JSON")
	}
}

func TestOpenStoreForCLI_OpensUnderConfiguredDataDir(t *testing.T) {
	dir := t.TempDir()
	v := config.New()
	v.Set("store_data_dir", dir)

	st, err := openStoreForCLI(v)
	if err != nil {
		t.Fatalf("openStoreForCLI() error = %v", err)
	}
	defer st.Close()

	if err := st.PutSchedule(context.Background(), store.Schedule{WorkflowName: "wf", CronExpr: "* * * * *", Enabled: true}); err != nil {
		t.Fatalf("PutSchedule() error = %v", err)
	}
}
