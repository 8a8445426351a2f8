package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Ledger.Rates) != 3 {
		t.Fatalf("default rates = %d, want 3", len(cfg.Ledger.Rates))
	}
	if len(cfg.Ledger.Quotas) != 2 {
		t.Fatalf("default quotas = %d, want 2", len(cfg.Ledger.Quotas))
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, path, exists, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("exists = true for a missing file")
	}
	if path == "" {
		t.Fatal("resolved path not reported")
	}
	if cfg.Segmentation.TokenThreshold != defaultTokenThreshold {
		t.Fatalf("token threshold = %d, want default %d", cfg.Segmentation.TokenThreshold, defaultTokenThreshold)
	}
	if !filepath.IsAbs(cfg.Paths.DataDir) {
		t.Fatalf("data dir %q not expanded to an absolute path", cfg.Paths.DataDir)
	}
}

func TestLoadMergesOverridesWithDefaults(t *testing.T) {
	base := t.TempDir()
	path := writeConfigFile(t, `
[paths]
data_dir = "`+filepath.Join(base, "data")+`"
checkpoint_dir = "`+filepath.Join(base, "cp")+`"

[segmentation]
token_threshold = 8000

[pipeline]
quality_threshold = 0.7
`)

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("exists = false for a present file")
	}
	if cfg.Segmentation.TokenThreshold != 8000 {
		t.Fatalf("token threshold = %d, want override 8000", cfg.Segmentation.TokenThreshold)
	}
	if cfg.Pipeline.QualityThreshold != 0.7 {
		t.Fatalf("quality threshold = %f, want 0.7", cfg.Pipeline.QualityThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Narrative.Model != defaultNarrativeModel {
		t.Fatalf("narrative model = %q, want default", cfg.Narrative.Model)
	}
	if cfg.Recovery.MaxAttempts != defaultRecoveryAttempts {
		t.Fatalf("max attempts = %d, want default", cfg.Recovery.MaxAttempts)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative token threshold", "[segmentation]\ntoken_threshold = -1\n"},
		{"quality out of range", "[pipeline]\nquality_threshold = 1.5\n"},
		{"retry max below base", "[recovery]\nretry_base_seconds = 10.0\nretry_max_seconds = 5.0\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, _, err := Load(writeConfigFile(t, tc.content)); err == nil {
				t.Fatal("Load accepted invalid config")
			}
		})
	}
}

func TestEnvOverridesAPIKeys(t *testing.T) {
	t.Setenv("CHRONICLE_TRANSCRIPTION_API_KEY", "trans-secret")
	t.Setenv("CHRONICLE_NARRATIVE_API_KEY", "narr-secret")

	cfg, _, _, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transcription.APIKey != "trans-secret" {
		t.Fatalf("transcription key = %q", cfg.Transcription.APIKey)
	}
	if cfg.Narrative.APIKey != "narr-secret" {
		t.Fatalf("narrative key = %q", cfg.Narrative.APIKey)
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := CreateSample(target); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := Load(target)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("sample config not found by Load")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample config invalid: %v", err)
	}
	found := false
	for _, quota := range cfg.Ledger.Quotas {
		if quota.Name == "daily-spend" {
			found = true
		}
	}
	if !found {
		t.Fatal("sample quotas missing daily-spend")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := ExpandPath("~/chronicle-data")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if !strings.HasPrefix(got, home) {
		t.Fatalf("expanded path %q does not start with home %q", got, home)
	}
	abs, err := ExpandPath("relative/dir")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if !filepath.IsAbs(abs) {
		t.Fatalf("expanded path %q not absolute", abs)
	}
}
