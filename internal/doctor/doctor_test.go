package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/constellation/internal/config"
)

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	cfg := &config.Config{HomeDir: "/tmp/constellation-test"}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckDatabase_NilConfig(t *testing.T) {
	result := checkDatabase(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckDatabase_OpensAndQueries(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{HomeDir: dir, DBPath: filepath.Join(dir, "constellations.db")}

	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckPermissions_NilConfig(t *testing.T) {
	result := checkPermissions(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckPermissions_WritableDir(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestRun_AggregatesAllChecks(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{HomeDir: dir, DBPath: filepath.Join(dir, "constellations.db")}

	diag := Run(context.Background(), cfg, "v-test")
	if len(diag.Results) != 3 {
		t.Fatalf("expected 3 check results, got %d", len(diag.Results))
	}
	if diag.System.Version != "v-test" {
		t.Fatalf("expected version v-test, got %s", diag.System.Version)
	}
}
