package config

import "strings"

// normalize expands path fields and fills zero-valued tuning knobs with defaults.
func (c *Config) normalize() error {
	for _, field := range []*string{&c.Paths.DataDir, &c.Paths.CheckpointDir, &c.Paths.LogDir} {
		if strings.TrimSpace(*field) == "" {
			continue
		}
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	if c.Segmentation.TokenThreshold == 0 {
		c.Segmentation.TokenThreshold = defaultTokenThreshold
	}
	if c.Segmentation.MinBoundarySpacing == 0 {
		c.Segmentation.MinBoundarySpacing = defaultMinBoundarySpacing
	}
	if c.Segmentation.ContextSummaries == 0 {
		c.Segmentation.ContextSummaries = defaultContextSummaries
	}
	if c.Segmentation.SummaryMaxChars == 0 {
		c.Segmentation.SummaryMaxChars = defaultSummaryMaxChars
	}
	if c.Segmentation.KeyEventCap == 0 {
		c.Segmentation.KeyEventCap = defaultKeyEventCap
	}
	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = defaultRecoveryAttempts
	}
	if c.Recovery.RetryBaseSeconds == 0 {
		c.Recovery.RetryBaseSeconds = defaultRetryBaseSeconds
	}
	if c.Recovery.RetryMaxSeconds == 0 {
		c.Recovery.RetryMaxSeconds = defaultRetryMaxSeconds
	}
	if c.Recovery.StaleAfterMin == 0 {
		c.Recovery.StaleAfterMin = defaultStaleAfterMinutes
	}
	if c.Ledger.RetentionDays == 0 {
		c.Ledger.RetentionDays = defaultLedgerRetentionDays
	}
	if c.Pipeline.StageTimeoutSeconds == 0 {
		c.Pipeline.StageTimeoutSeconds = defaultStageTimeoutSeconds
	}
	if c.Alerts.RequestTimeout == 0 {
		c.Alerts.RequestTimeout = defaultAlertTimeout
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}

	for i := range c.Ledger.Rates {
		c.Ledger.Rates[i].Service = strings.ToLower(strings.TrimSpace(c.Ledger.Rates[i].Service))
		c.Ledger.Rates[i].Kind = strings.ToLower(strings.TrimSpace(c.Ledger.Rates[i].Kind))
		c.Ledger.Rates[i].Model = strings.TrimSpace(c.Ledger.Rates[i].Model)
	}
	for i := range c.Ledger.Quotas {
		c.Ledger.Quotas[i].Service = strings.ToLower(strings.TrimSpace(c.Ledger.Quotas[i].Service))
		c.Ledger.Quotas[i].Kind = strings.ToLower(strings.TrimSpace(c.Ledger.Quotas[i].Kind))
	}
	return nil
}
