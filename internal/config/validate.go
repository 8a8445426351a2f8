package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSegmentation(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.CheckpointDir) == "" {
		return errors.New("paths.checkpoint_dir must be set")
	}
	return nil
}

func (c *Config) validateSegmentation() error {
	if c.Segmentation.TokenThreshold <= 0 {
		return errors.New("segmentation.token_threshold must be positive")
	}
	if c.Segmentation.MinBoundarySpacing <= 0 {
		return errors.New("segmentation.min_boundary_spacing must be positive")
	}
	if c.Segmentation.ContextSummaries < 0 {
		return errors.New("segmentation.context_summaries must not be negative")
	}
	if c.Segmentation.KeyEventCap <= 0 {
		return errors.New("segmentation.key_event_cap must be positive")
	}
	return nil
}

func (c *Config) validateRecovery() error {
	if c.Recovery.MaxAttempts <= 0 {
		return errors.New("recovery.max_attempts must be positive")
	}
	if c.Recovery.RetryBaseSeconds <= 0 {
		return errors.New("recovery.retry_base_seconds must be positive")
	}
	if c.Recovery.RetryMaxSeconds < c.Recovery.RetryBaseSeconds {
		return errors.New("recovery.retry_max_seconds must be at least retry_base_seconds")
	}
	return nil
}

func (c *Config) validateLedger() error {
	for i, rate := range c.Ledger.Rates {
		if strings.TrimSpace(rate.Service) == "" {
			return fmt.Errorf("ledger.rates[%d].service must be set", i)
		}
		if strings.TrimSpace(rate.Kind) == "" {
			return fmt.Errorf("ledger.rates[%d].kind must be set", i)
		}
		if rate.UnitCost < 0 {
			return fmt.Errorf("ledger.rates[%d].unit_cost must not be negative", i)
		}
	}
	for i, quota := range c.Ledger.Quotas {
		if quota.WindowHours <= 0 {
			return fmt.Errorf("ledger.quotas[%d].window_hours must be positive", i)
		}
		if quota.MaxAmount <= 0 && quota.MaxCost <= 0 {
			return fmt.Errorf("ledger.quotas[%d] must set max_amount or max_cost", i)
		}
		if quota.AlertPercent < 0 || quota.AlertPercent > 100 {
			return fmt.Errorf("ledger.quotas[%d].alert_percent must be between 0 and 100", i)
		}
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.QualityThreshold < 0 || c.Pipeline.QualityThreshold > 1 {
		return errors.New("pipeline.quality_threshold must be between 0 and 1")
	}
	if c.Pipeline.StageTimeoutSeconds <= 0 {
		return errors.New("pipeline.stage_timeout_seconds must be positive")
	}
	return nil
}
