package config

const (
	defaultDataDir             = "~/.local/share/chronicle"
	defaultCheckpointDir       = "~/.local/share/chronicle/checkpoints"
	defaultLogDir              = "~/.local/share/chronicle/logs"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultTranscriptionURL    = "http://127.0.0.1:9090"
	defaultTranscriptionModel  = "large-v3"
	defaultTranscriptionFallbk = "base"
	defaultTranscribeTimeout   = 600
	defaultNarrativeURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultNarrativeModel      = "google/gemini-3-flash-preview"
	defaultNarrativeReferer    = "https://github.com/chronicle-pipeline/chronicle"
	defaultNarrativeTitle      = "Chronicle Narrative Generator"
	defaultNarrativeTimeout    = 120
	defaultTokenThreshold      = 4000
	defaultMinBoundarySpacing  = 1000
	defaultContextSummaries    = 5
	defaultSummaryMaxChars     = 200
	defaultKeyEventCap         = 20
	defaultRecoveryAttempts    = 3
	defaultRetryBaseSeconds    = 2.0
	defaultRetryMaxSeconds     = 60.0
	defaultStaleAfterMinutes   = 30
	defaultLedgerRetentionDays = 90
	defaultQualityThreshold    = 0.5
	defaultStageTimeoutSeconds = 900
	defaultAlertTimeout        = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:       defaultDataDir,
			CheckpointDir: defaultCheckpointDir,
			LogDir:        defaultLogDir,
		},
		Transcription: Transcription{
			BaseURL:        defaultTranscriptionURL,
			Model:          defaultTranscriptionModel,
			FallbackModel:  defaultTranscriptionFallbk,
			TimeoutSeconds: defaultTranscribeTimeout,
		},
		Narrative: Narrative{
			BaseURL:        defaultNarrativeURL,
			Model:          defaultNarrativeModel,
			Referer:        defaultNarrativeReferer,
			Title:          defaultNarrativeTitle,
			TimeoutSeconds: defaultNarrativeTimeout,
		},
		Segmentation: Segmentation{
			TokenThreshold:     defaultTokenThreshold,
			MinBoundarySpacing: defaultMinBoundarySpacing,
			ContextSummaries:   defaultContextSummaries,
			SummaryMaxChars:    defaultSummaryMaxChars,
			KeyEventCap:        defaultKeyEventCap,
		},
		Recovery: Recovery{
			MaxAttempts:      defaultRecoveryAttempts,
			RetryBaseSeconds: defaultRetryBaseSeconds,
			RetryMaxSeconds:  defaultRetryMaxSeconds,
			StaleAfterMin:    defaultStaleAfterMinutes,
		},
		Ledger: Ledger{
			RetentionDays: defaultLedgerRetentionDays,
			Rates: []Rate{
				{Service: "transcription", Kind: "audio_minutes", UnitCost: 0.006},
				{Service: "narrative", Kind: "input_tokens", UnitCost: 0.000002},
				{Service: "narrative", Kind: "output_tokens", UnitCost: 0.000008},
			},
			Quotas: []Quota{
				{Name: "hourly-tokens", Service: "narrative", WindowHours: 1, MaxAmount: 100000, AlertPercent: 80},
				{Name: "daily-spend", WindowHours: 24, MaxCost: 10, AlertPercent: 80},
			},
		},
		Pipeline: Pipeline{
			QualityThreshold:    defaultQualityThreshold,
			AttributionEnabled:  true,
			StageTimeoutSeconds: defaultStageTimeoutSeconds,
		},
		Alerts: Alerts{
			RequestTimeout: defaultAlertTimeout,
			Quota:          true,
			Corruption:     true,
			Recovery:       true,
			Completion:     true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
