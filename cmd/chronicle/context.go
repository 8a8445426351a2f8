package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"chronicle/internal/alerts"
	"chronicle/internal/checkpoint"
	"chronicle/internal/config"
	"chronicle/internal/ledger"
	"chronicle/internal/logging"
	"chronicle/internal/pipeline"
	"chronicle/internal/services/narrative"
	"chronicle/internal/services/transcribe"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// appEnv bundles the wired application dependencies for one command
// invocation. Close releases stores in reverse open order.
type appEnv struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *checkpoint.Manager
	usage   *ledger.Ledger
	alerts  alerts.Service
	runner  *pipeline.Runner

	closers []func() error
}

func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func (c *commandContext) openEnv(ctx context.Context) (*appEnv, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewFile(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, cfg.Paths.LogDir, "chronicle.log")
	if err != nil {
		return nil, err
	}

	env := &appEnv{cfg: cfg, logger: logger}

	cpStore, err := checkpoint.OpenStore(cfg.Paths.DataDir)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, cpStore.Close)

	retryBase := time.Duration(cfg.Recovery.RetryBaseSeconds * float64(time.Second))
	retryMax := time.Duration(cfg.Recovery.RetryMaxSeconds * float64(time.Second))
	env.manager = checkpoint.NewManager(cpStore, cfg.Paths.CheckpointDir,
		cfg.Recovery.MaxAttempts, retryBase, retryMax, logger)

	ledgerStore, err := ledger.OpenStore(cfg.Paths.DataDir)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, ledgerStore.Close)

	env.usage, err = ledger.New(ctx, ledgerStore,
		ledger.RatesFromConfig(cfg), ledger.QuotasFromConfig(cfg))
	if err != nil {
		env.Close()
		return nil, err
	}

	env.alerts = alerts.NewService(cfg)

	transcriber := transcribe.NewClient(transcribe.Config{
		BaseURL:        cfg.Transcription.BaseURL,
		APIKey:         cfg.Transcription.APIKey,
		Model:          cfg.Transcription.Model,
		FallbackModel:  cfg.Transcription.FallbackModel,
		TimeoutSeconds: cfg.Transcription.TimeoutSeconds,
	})
	narrator := narrative.NewClient(narrative.Config{
		BaseURL:        cfg.Narrative.BaseURL,
		APIKey:         cfg.Narrative.APIKey,
		Model:          cfg.Narrative.Model,
		Referer:        cfg.Narrative.Referer,
		Title:          cfg.Narrative.Title,
		TimeoutSeconds: cfg.Narrative.TimeoutSeconds,
	})

	env.runner = pipeline.NewRunner(cfg, env.manager, env.usage, transcriber, narrator, env.alerts, logger)
	return env, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
