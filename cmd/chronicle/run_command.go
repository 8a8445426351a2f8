package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"chronicle/internal/config"
	"chronicle/internal/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		userID      string
		kind        string
		speakers    string
		operationID string
		outputDir   string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run <input> [input...]",
		Short: "Process inputs through the pipeline",
		Long: "Run each input through corruption detection, quality assessment, speaker\n" +
			"attribution, transcription, and narrative generation. Failed runs keep\n" +
			"their checkpoints; rerunning with the same --operation-id resumes from\n" +
			"the last good checkpoint.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			lock := flock.New(filepath.Join(env.cfg.Paths.LogDir, "chronicle.lock"))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire run lock: %w", err)
			}
			if !locked {
				return errors.New("another chronicle run is already in progress")
			}
			defer func() { _ = lock.Unlock() }()

			if operationID != "" && len(args) > 1 {
				return errors.New("--operation-id only applies to a single input")
			}

			reqs := make([]pipeline.Request, 0, len(args))
			for _, arg := range args {
				path, err := config.ExpandPath(arg)
				if err != nil {
					return err
				}
				metadata := map[string]string{}
				if names := strings.TrimSpace(speakers); names != "" {
					metadata[pipeline.MetaSpeakers] = names
				}
				opID := operationID
				if opID == "" {
					opID = uuid.NewString()
				}
				reqs = append(reqs, pipeline.Request{
					OperationID: opID,
					InputRef:    path,
					Kind:        kind,
					UserID:      userID,
					Metadata:    metadata,
				})
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results := env.runner.RunAll(runCtx, reqs, concurrency)

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			failures := 0
			for i, result := range results {
				if i > 0 {
					fmt.Fprintln(out)
				}
				renderResult(out, reqs[i].InputRef, result, colorize)
				if result.Success && result.Narrative != "" {
					path, err := writeNarrative(outputDir, reqs[i].InputRef, result.Narrative)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, renderStatusLine("Narrative", statusInfo, path, colorize))
				}
				if !result.Success && !result.Cancelled {
					failures++
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d inputs failed", failures, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User the processed usage is attributed to")
	cmd.Flags().StringVarP(&kind, "kind", "k", "session", "Input kind recorded on the operation")
	cmd.Flags().StringVar(&speakers, "speakers", "", "Comma-separated speaker names (skips automatic attribution)")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "Reuse an operation ID to resume a failed run")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for generated narratives (defaults to the input's directory)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "Number of inputs processed in parallel")
	return cmd
}

func writeNarrative(outputDir, inputRef, narrative string) (string, error) {
	dir := outputDir
	if dir == "" {
		dir = filepath.Dir(inputRef)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(inputRef), filepath.Ext(inputRef))
	path := filepath.Join(dir, base+".narrative.md")
	if err := os.WriteFile(path, []byte(narrative), 0o644); err != nil {
		return "", fmt.Errorf("write narrative: %w", err)
	}
	return path, nil
}
