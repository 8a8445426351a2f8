package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir       string `toml:"data_dir"`
	CheckpointDir string `toml:"checkpoint_dir"`
	LogDir        string `toml:"log_dir"`
}

// Transcription contains settings for the transcription backend.
type Transcription struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	FallbackModel  string `toml:"fallback_model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Narrative contains settings for the narrative generation backend.
type Narrative struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Segmentation tunes how oversized inputs are split and reconciled.
type Segmentation struct {
	TokenThreshold     int `toml:"token_threshold"`
	MinBoundarySpacing int `toml:"min_boundary_spacing"`
	ContextSummaries   int `toml:"context_summaries"`
	SummaryMaxChars    int `toml:"summary_max_chars"`
	KeyEventCap        int `toml:"key_event_cap"`
}

// Recovery tunes failure classification and retry behavior.
type Recovery struct {
	MaxAttempts      int     `toml:"max_attempts"`
	RetryBaseSeconds float64 `toml:"retry_base_seconds"`
	RetryMaxSeconds  float64 `toml:"retry_max_seconds"`
	StaleAfterMin    int     `toml:"stale_after_minutes"`
}

// Rate prices one metered usage kind. Model is optional; a rate with a model
// is more specific than one without.
type Rate struct {
	Service  string  `toml:"service"`
	Kind     string  `toml:"kind"`
	Model    string  `toml:"model"`
	UnitCost float64 `toml:"unit_cost"`
}

// Quota caps usage over a sliding window. Empty filters match everything.
type Quota struct {
	Name         string  `toml:"name"`
	Service      string  `toml:"service"`
	Kind         string  `toml:"kind"`
	WindowHours  int     `toml:"window_hours"`
	MaxAmount    float64 `toml:"max_amount"`
	MaxCost      float64 `toml:"max_cost"`
	AlertPercent float64 `toml:"alert_percent"`
}

// Ledger contains rate and quota configuration for metered usage.
type Ledger struct {
	RetentionDays int     `toml:"retention_days"`
	Rates         []Rate  `toml:"rates"`
	Quotas        []Quota `toml:"quotas"`
}

// Pipeline tunes orchestration behavior.
type Pipeline struct {
	QualityThreshold    float64 `toml:"quality_threshold"`
	AttributionEnabled  bool    `toml:"attribution_enabled"`
	StageTimeoutSeconds int     `toml:"stage_timeout_seconds"`
}

// Alerts contains push alert settings.
type Alerts struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Quota          bool   `toml:"quota"`
	Corruption     bool   `toml:"corruption"`
	Recovery       bool   `toml:"recovery"`
	Completion     bool   `toml:"completion"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for chronicle.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Transcription Transcription `toml:"transcription"`
	Narrative     Narrative     `toml:"narrative"`
	Segmentation  Segmentation  `toml:"segmentation"`
	Recovery      Recovery      `toml:"recovery"`
	Ledger        Ledger        `toml:"ledger"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Alerts        Alerts        `toml:"alerts"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/chronicle/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. API keys may be
// supplied through the environment (CHRONICLE_TRANSCRIPTION_API_KEY,
// CHRONICLE_NARRATIVE_API_KEY), optionally via a .env file.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func applyEnvOverrides(cfg *Config) {
	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()
	if key := strings.TrimSpace(os.Getenv("CHRONICLE_TRANSCRIPTION_API_KEY")); key != "" {
		cfg.Transcription.APIKey = key
	}
	if key := strings.TrimSpace(os.Getenv("CHRONICLE_NARRATIVE_API_KEY")); key != "" {
		cfg.Narrative.APIKey = key
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("chronicle.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for pipeline operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.CheckpointDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
