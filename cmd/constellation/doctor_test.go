package main

import (
	"context"
	"testing"

	"github.com/basket/constellation/internal/doctor"
)

func TestExitCode_FailPropagates(t *testing.T) {
	diag := doctor.Diagnosis{Results: []doctor.CheckResult{{Name: "x", Status: "PASS"}, {Name: "y", Status: "FAIL"}}}
	if exitCode(diag) != 1 {
		t.Fatalf("expected 1 when any check fails")
	}
}

func TestExitCode_AllPass(t *testing.T) {
	diag := doctor.Diagnosis{Results: []doctor.CheckResult{{Name: "x", Status: "PASS"}, {Name: "y", Status: "WARN"}}}
	if exitCode(diag) != 0 {
		t.Fatalf("expected 0 when no check fails")
	}
}

func TestRunDoctorCommand_JSONExitsCleanly(t *testing.T) {
	t.Setenv("CONSTELLATION_HOME", t.TempDir())
	code := runDoctorCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}
