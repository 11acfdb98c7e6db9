package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"folio/internal/audible"
	"folio/internal/librarydb"
)

func TestCLIConfigInitCreatesSample(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(env.baseDir, "fresh", "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.configPath)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("output should name the target, got %q", out)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[paths]") {
		t.Fatalf("sample config missing [paths] section")
	}

	_, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal without --overwrite, got %v", err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, env.configPath); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestCLIConfigShowRendersEffectiveConfig(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, env.configPath) {
		t.Fatalf("expected config path header in %q", out)
	}
	if !strings.Contains(out, env.cfg.Paths.StateDir) {
		t.Fatalf("expected resolved state_dir in output")
	}
}

func TestCLIStatusWithoutSession(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "not logged in") {
		t.Fatalf("expected logged-out status, got %q", out)
	}
}

func TestCLIActivationRequiresSession(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"activation"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "folio login") {
		t.Fatalf("expected login hint, got %v", err)
	}
}

func TestCLIMergeRejectsEmptyDirectory(t *testing.T) {
	env := setupCLITestEnv(t)
	empty := filepath.Join(env.baseDir, "segments")
	if err := os.MkdirAll(empty, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, _, err := runCLI(t, []string{"merge", empty}, env.configPath); err == nil {
		t.Fatal("expected an error for a directory without segments")
	}
}

func TestCLILibraryListsCachedItemsOffline(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.MkdirAll(env.cfg.Paths.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	store, err := librarydb.Open(env.cfg.LibraryDBPath())
	if err != nil {
		t.Fatalf("librarydb.Open: %v", err)
	}
	items := []audible.Item{
		{
			ASIN:           "B0TESTASIN1",
			Title:          "A Cached Book",
			Authors:        []audible.Person{{Name: "Test Author"}},
			RuntimeMinutes: 95,
		},
	}
	if err := store.ReplaceAll(context.Background(), items); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	store.Close()

	out, _, err := runCLI(t, []string{"library"}, env.configPath)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	for _, want := range []string{"B0TESTASIN1", "A Cached Book", "Test Author", "1h 35m"} {
		if !strings.Contains(out, want) {
			t.Fatalf("library output missing %q:\n%s", want, out)
		}
	}
}
