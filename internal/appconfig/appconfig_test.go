// internal/appconfig/appconfig_test.go
package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"backendUrl": "http://localhost:8800",
		"projectId": "proj-1",
		"timeout": 30,
		"chunking": {"maxChars": 1000, "minChars": 200, "overlapChars": 50}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.BackendURL != "http://localhost:8800" {
		t.Fatalf("unexpected backendUrl: %q", cfg.BackendURL)
	}
	if cfg.RequestTimeout().Seconds() != 30 {
		t.Fatalf("unexpected timeout: %v", cfg.RequestTimeout())
	}
	bounds := cfg.ChunkBounds()
	if bounds.MaxChars != 1000 || bounds.MinChars != 200 || bounds.OverlapChars != 50 {
		t.Fatalf("unexpected chunk bounds: %+v", bounds)
	}
}

func TestLoadMissingBackendURL(t *testing.T) {
	path := writeConfig(t, `{"debug": true}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing backendUrl")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"backendUrl": "http://x", "bckendUrl": "typo"}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected schema error for unknown key")
	}
	if !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestChunkBoundsDefaults(t *testing.T) {
	var cfg Config
	bounds := cfg.ChunkBounds()
	if bounds.MaxChars != 1500 || bounds.MinChars != 350 || bounds.OverlapChars != 120 {
		t.Fatalf("unexpected defaults: %+v", bounds)
	}
}

func TestRetrievalTuningDefaults(t *testing.T) {
	var cfg Config
	tuning := cfg.RetrievalTuning()
	if tuning.TopK != 8 {
		t.Fatalf("unexpected topK default: %d", tuning.TopK)
	}
	if tuning.DenseWeight != 0.6 {
		t.Fatalf("unexpected denseWeight default: %v", tuning.DenseWeight)
	}
	if tuning.HistoryWindow != 6 {
		t.Fatalf("unexpected historyWindow default: %d", tuning.HistoryWindow)
	}
}

func TestLogFilePathDefault(t *testing.T) {
	var cfg Config
	if got := cfg.LogFilePath(); got != "loom.log" {
		t.Fatalf("unexpected log path: %q", got)
	}
	cfg.LogFile = "out/custom.log"
	if got := cfg.LogFilePath(); got != "out/custom.log" {
		t.Fatalf("unexpected log path: %q", got)
	}
}
