package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	content := fmt.Sprintf(`[paths]
data_dir = %q
checkpoint_dir = %q
log_dir = %q
`,
		filepath.Join(base, "data"),
		filepath.Join(base, "checkpoints"),
		filepath.Join(base, "logs"),
	)
	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	output, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, output)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	if _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("second init without --overwrite should fail")
	}
	if _, err := runCLI(t, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("init with --overwrite: %v", err)
	}
}

func TestConfigValidateUsesDefaults(t *testing.T) {
	cfgPath := writeTestConfig(t)
	output, err := runCLI(t, "--config", cfgPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, output)
	}
	if !strings.Contains(output, "Configuration valid") {
		t.Fatalf("output = %q", output)
	}
}

func TestOperationsListEmpty(t *testing.T) {
	cfgPath := writeTestConfig(t)
	output, err := runCLI(t, "--config", cfgPath, "operations", "list")
	if err != nil {
		t.Fatalf("operations list: %v\n%s", err, output)
	}
	if !strings.Contains(output, "No operations recorded.") {
		t.Fatalf("output = %q", output)
	}
}

func TestOperationsListRejectsUnknownState(t *testing.T) {
	cfgPath := writeTestConfig(t)
	_, err := runCLI(t, "--config", cfgPath, "operations", "list", "--state", "completed,bogus")
	if err == nil {
		t.Fatal("unknown state filter should fail")
	}
	if !strings.Contains(err.Error(), `unknown state "bogus"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestUsageEmptyWindow(t *testing.T) {
	cfgPath := writeTestConfig(t)
	output, err := runCLI(t, "--config", cfgPath, "usage", "--hours", "1")
	if err != nil {
		t.Fatalf("usage: %v\n%s", err, output)
	}
	if !strings.Contains(output, "No usage recorded") {
		t.Fatalf("output = %q", output)
	}
}

func TestQuotasShowConfiguredDefaults(t *testing.T) {
	cfgPath := writeTestConfig(t)
	output, err := runCLI(t, "--config", cfgPath, "quotas")
	if err != nil {
		t.Fatalf("quotas: %v\n%s", err, output)
	}
	if !strings.Contains(output, "hourly-tokens") || !strings.Contains(output, "daily-spend") {
		t.Fatalf("output = %q", output)
	}
}

func TestRunReportsMissingInput(t *testing.T) {
	cfgPath := writeTestConfig(t)
	missing := filepath.Join(t.TempDir(), "absent.wav")
	output, err := runCLI(t, "--config", cfgPath, "run", missing)
	if err == nil {
		t.Fatalf("run with missing input should fail\n%s", output)
	}
	if !strings.Contains(output, "failed") {
		t.Fatalf("output = %q", output)
	}
}
