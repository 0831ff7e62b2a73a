package shellprovider

import (
	"errors"
	"testing"

	"github.com/taskwave/taskwave/internal/errs"
)

func TestResolve_EmptyNameReturnsDefault(t *testing.T) {
	s, err := Resolve("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != Default().Name {
		t.Fatalf("got %q, want platform default %q", s.Name, Default().Name)
	}
}

func TestResolve_KnownShell(t *testing.T) {
	s, err := Resolve("bash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args := s.BuildArgs("echo hi")
	if len(args) != 2 || args[0] != "-c" || args[1] != "echo hi" {
		t.Fatalf("got %v", args)
	}
}

func TestResolve_UnknownShellIsFatal(t *testing.T) {
	_, err := Resolve("fish")
	var unsupported *errs.UnsupportedShell
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected *errs.UnsupportedShell, got %v (%T)", err, err)
	}
	if unsupported.Name != "fish" {
		t.Fatalf("got name %q", unsupported.Name)
	}
}

func TestResolve_PowershellBuildsArgs(t *testing.T) {
	s, err := Resolve("powershell")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args := s.BuildArgs("Get-Process")
	if len(args) != 4 || args[len(args)-1] != "Get-Process" {
		t.Fatalf("got %v", args)
	}
}
