package config

import "testing"

func TestResolve_Defaults(t *testing.T) {
	v := New()
	cfg := Resolve(v)
	if cfg.Port != 7070 {
		t.Fatalf("port = %d, want 7070", cfg.Port)
	}
	if cfg.InputSizeCapBytes != 10<<20 {
		t.Fatalf("input cap = %d, want 10MiB", cfg.InputSizeCapBytes)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestResolve_EnvOverridesDefault(t *testing.T) {
	t.Setenv("TASKWAVE_PORT", "9090")
	v := New()
	cfg := Resolve(v)
	if cfg.Port != 9090 {
		t.Fatalf("port = %d, want 9090 from env override", cfg.Port)
	}
}

func TestResolve_InvalidJitterFallsBackToZero(t *testing.T) {
	v := New()
	v.Set("scheduler_max_jitter", "not-a-duration")
	cfg := Resolve(v)
	if cfg.SchedulerMaxJitter != 0 {
		t.Fatalf("jitter = %v, want 0 on parse failure", cfg.SchedulerMaxJitter)
	}
}
