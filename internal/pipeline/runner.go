package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chronicle/internal/alerts"
	"chronicle/internal/checkpoint"
	"chronicle/internal/config"
	"chronicle/internal/corruption"
	"chronicle/internal/ledger"
	"chronicle/internal/logging"
	"chronicle/internal/segment"
	"chronicle/internal/services"
	"chronicle/internal/services/transcribe"
)

// Stage names in execution order.
const (
	StageQuality       = "quality"
	StageAttribution   = "attribution"
	StageTranscription = "transcription"
	StageNarrative     = "narrative"
)

// Stage progress marks. Cleanup closes the operation at 100.
const (
	progressQuality       = 15
	progressAttribution   = 30
	progressTranscription = 60
	progressNarrative     = 90
)

// errStageSkipped signals that recovery chose to skip the stage entirely.
var errStageSkipped = errors.New("stage skipped")

// TranscriptionBackend turns an audio reference into text.
type TranscriptionBackend interface {
	Transcribe(ctx context.Context, audioRef string, useFallback bool) (transcribe.Transcript, error)
}

// StorageQuota is consulted before an operation opens.
type StorageQuota interface {
	IsUploadAllowed(ctx context.Context, userID string, size int64) (bool, error)
}

// Request identifies one input to process.
type Request struct {
	OperationID string
	InputRef    string
	Kind        string
	UserID      string
	Metadata    map[string]string
}

// Runner sequences the pipeline stages for each request.
type Runner struct {
	cfg         *config.Config
	detector    *corruption.Detector
	manager     *checkpoint.Manager
	ledger      *ledger.Ledger
	transcriber TranscriptionBackend
	narrator    segment.Backend
	storage     StorageQuota
	alerts      alerts.Service
	logger      *slog.Logger

	stageTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option customizes runner construction.
type Option func(*Runner)

// WithStorageQuota installs the pre-operation storage consult.
func WithStorageQuota(storage StorageQuota) Option {
	return func(r *Runner) { r.storage = storage }
}

// WithDetector overrides the corruption detector.
func WithDetector(detector *corruption.Detector) Option {
	return func(r *Runner) {
		if detector != nil {
			r.detector = detector
		}
	}
}

// NewRunner wires the pipeline dependencies together.
func NewRunner(
	cfg *config.Config,
	manager *checkpoint.Manager,
	usage *ledger.Ledger,
	transcriber TranscriptionBackend,
	narrator segment.Backend,
	alertSvc alerts.Service,
	logger *slog.Logger,
	opts ...Option,
) *Runner {
	timeout := time.Duration(cfg.Pipeline.StageTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	r := &Runner{
		cfg:          cfg,
		detector:     corruption.NewDetector(),
		manager:      manager,
		ledger:       usage,
		transcriber:  transcriber,
		narrator:     narrator,
		alerts:       alertSvc,
		logger:       logging.WithComponent(logger, "pipeline"),
		stageTimeout: timeout,
		cancels:      map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes one input end to end and always returns a ProcessingResult,
// even on total failure.
func (r *Runner) Run(ctx context.Context, req Request) *ProcessingResult {
	start := time.Now()
	opID := strings.TrimSpace(req.OperationID)
	if opID == "" {
		opID = uuid.NewString()
	}
	result := &ProcessingResult{OperationID: opID, InputRef: req.InputRef, UserID: req.UserID}
	defer func() { result.Elapsed = time.Since(start) }()

	ctx = services.WithOperationID(ctx, opID)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	if req.UserID != "" {
		ctx = services.WithUserID(ctx, req.UserID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.registerCancel(opID, cancel)
	defer r.releaseCancel(opID)

	logger := logging.WithContext(ctx, r.logger)

	// Corruption gate: a positive verdict aborts before any operation or
	// checkpoint exists.
	report, err := r.detector.Inspect(req.InputRef)
	if err != nil {
		result.addError("validation", err)
		return result
	}
	if report.IsCorrupted {
		reason := strings.Join(report.Issues, "; ")
		if recErr := r.manager.RecordCorrupted(runCtx, opID, req.InputRef, req.Kind, req.UserID, report.Issues); recErr != nil {
			result.addError("validation", recErr)
		}
		_ = r.alerts.NotifyCorruptionDetected(runCtx, req.InputRef, reason)
		result.addError("validation", services.Wrap(services.ErrCorrupt, "validation", "inspect", reason, nil))
		logger.Warn("input rejected as corrupt", logging.String("reason", reason))
		return result
	}

	if r.storage != nil {
		allowed, quotaErr := r.storage.IsUploadAllowed(runCtx, req.UserID, report.Size)
		if quotaErr != nil {
			result.addWarning("storage quota consult failed: %v", quotaErr)
		} else if !allowed {
			result.addError("validation", services.Wrap(services.ErrQuota, "validation", "storage consult",
				fmt.Sprintf("storage quota denies %d bytes for user %s", report.Size, req.UserID), nil))
			return result
		}
	}

	transcript, ok := r.openOperation(runCtx, req, opID, result)
	if !ok {
		return result
	}

	// Quality assessment.
	var score float64
	err = r.runStage(runCtx, result, opID, StageQuality, progressQuality, func(context.Context) ([]byte, error) {
		score = AssessQuality(report)
		result.QualityScore = score
		if score < r.cfg.Pipeline.QualityThreshold {
			result.addWarning("quality score %.2f below threshold %.2f, preprocessing applied",
				score, r.cfg.Pipeline.QualityThreshold)
		}
		return json.Marshal(map[string]any{"score": score, "issues": report.Issues})
	})
	if err != nil && !errors.Is(err, errStageSkipped) {
		return r.finish(runCtx, result, opID, StageQuality, err)
	}

	// Speaker attribution.
	if r.cfg.Pipeline.AttributionEnabled {
		err = r.runStage(runCtx, result, opID, StageAttribution, progressAttribution, func(context.Context) ([]byte, error) {
			text := transcript
			if text == "" && !corruption.IsAudioPath(req.InputRef) {
				data, readErr := os.ReadFile(req.InputRef)
				if readErr != nil {
					return nil, readErr
				}
				text = string(data)
			}
			result.Speakers = AttributeSpeakers(req.Metadata, text)
			return json.Marshal(map[string]any{"speakers": result.Speakers})
		})
		if err != nil && !errors.Is(err, errStageSkipped) {
			return r.finish(runCtx, result, opID, StageAttribution, err)
		}
	}

	// Transcription (audio) or direct read (documents).
	if transcript == "" {
		err = r.runStage(runCtx, result, opID, StageTranscription, progressTranscription, func(stageCtx context.Context) ([]byte, error) {
			text, trErr := r.transcribeInput(stageCtx, req, report, result)
			if trErr != nil {
				return nil, trErr
			}
			transcript = text
			return json.Marshal(map[string]string{"transcript": transcript})
		})
		if err != nil {
			// A skipped transcription leaves nothing to narrate.
			return r.finish(runCtx, result, opID, StageTranscription, err)
		}
	}
	result.Transcript = transcript
	if r.cfg.Pipeline.AttributionEnabled && len(result.Speakers) == 0 {
		result.Speakers = AttributeSpeakers(req.Metadata, transcript)
	}

	// Narrative generation through the segmentation engine.
	err = r.runStage(runCtx, result, opID, StageNarrative, progressNarrative, func(stageCtx context.Context) ([]byte, error) {
		return r.generateNarrative(stageCtx, req, opID, transcript, result)
	})
	if err != nil && !errors.Is(err, errStageSkipped) {
		return r.finish(runCtx, result, opID, StageNarrative, err)
	}

	// Cleanup: close the operation and purge its checkpoints.
	if err := r.manager.Complete(runCtx, opID, true); err != nil {
		return r.finish(runCtx, result, opID, "cleanup", err)
	}
	result.Success = true
	result.LastProgress = 100
	_ = r.alerts.NotifyOperationCompleted(runCtx, opID, true, time.Since(start))
	logger.Info("operation succeeded",
		logging.Int("segments", result.SegmentCount),
		logging.String("cost", result.TotalCost.String()),
	)
	return result
}

// openOperation starts a fresh operation, or resumes a previously failed one
// from its last good checkpoint. It returns any transcript recovered from
// the resume point, and whether the run may proceed.
func (r *Runner) openOperation(ctx context.Context, req Request, opID string, result *ProcessingResult) (string, bool) {
	existing, err := r.manager.Operation(ctx, opID)
	if err == nil && existing != nil && existing.State == checkpoint.StateFailed {
		return r.resumeOperation(ctx, opID, result)
	}

	started, err := r.manager.Start(ctx, opID, req.InputRef, req.Kind, req.UserID, req.Metadata)
	if err != nil {
		result.addError("start", err)
		return "", false
	}
	if !started {
		result.addError("start", services.Wrap(services.ErrCorrupt, "start", "open operation",
			"input previously flagged as corrupt", nil))
		return "", false
	}
	return "", true
}

func (r *Runner) resumeOperation(ctx context.Context, opID string, result *ProcessingResult) (string, bool) {
	cp, err := r.manager.RecoverPartial(ctx, opID)
	if err != nil {
		// Integrity failure: never trust a corrupt checkpoint, restart the
		// stage from scratch.
		result.addWarning("checkpoint rejected, restarting from scratch: %v", err)
		cp = nil
	}

	outcome, recErr := r.manager.AttemptRecovery(ctx, opID, "resume", checkpoint.StrategyRetry)
	if recErr != nil || !outcome.Resolved {
		result.addError("resume", fmt.Errorf("operation cannot be resumed: %v", recErr))
		return "", false
	}
	if cp == nil {
		result.addRecovery("resume: restarted from 0%%")
		return "", true
	}

	result.ResumedFrom = cp.Progress
	result.LastProgress = cp.Progress
	result.addRecovery("resume: continued from %.0f%% (%s)", cp.Progress, cp.Stage)

	switch cp.Stage {
	case StageTranscription:
		var payload struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(cp.Payload, &payload); err == nil {
			return payload.Transcript, true
		}
	case StageNarrative:
		var payload struct {
			Narrative string `json:"narrative"`
			Segments  int    `json:"segments"`
			Skipped   []int  `json:"skipped"`
		}
		if err := json.Unmarshal(cp.Payload, &payload); err == nil {
			result.Narrative = payload.Narrative
			result.SegmentCount = payload.Segments
			result.SkippedSegments = payload.Skipped
		}
	}
	return "", true
}

// runStage executes fn under the stage timeout and checkpoints its payload.
// Failures route through error classification; retry and fallback loop back
// into fn, skip returns errStageSkipped, everything else fails the stage.
func (r *Runner) runStage(ctx context.Context, result *ProcessingResult, opID, stage string, progress float64, fn func(context.Context) ([]byte, error)) error {
	// Stages at or below the resume point already checkpointed; rerunning
	// them would regress recorded progress.
	if result.ResumedFrom > 0 && progress <= result.ResumedFrom {
		return nil
	}
	for {
		stageCtx, cancel := context.WithTimeout(services.WithStage(ctx, stage), r.stageTimeout)
		payload, err := fn(stageCtx)
		cancel()
		if err == nil {
			if _, cpErr := r.manager.SaveCheckpoint(ctx, opID, stage, progress, payload); cpErr != nil {
				return cpErr
			}
			result.LastProgress = progress
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = services.Wrap(services.ErrTimeout, stage, "run", "stage timed out", err)
		}

		result.addError(stage, err)
		strategy, handleErr := r.manager.HandleError(ctx, opID, stage, err, nil)
		if handleErr != nil {
			return err
		}
		outcome, recErr := r.manager.AttemptRecovery(ctx, opID, stage, strategy)
		if recErr != nil {
			_ = r.alerts.NotifyRecoveryFailed(ctx, opID, stage, recErr.Error())
			return err
		}
		result.addRecovery("%s: %s (%s)", stage, strategy, outcome.Note)
		if !outcome.Resolved {
			_ = r.alerts.NotifyRecoveryFailed(ctx, opID, stage, outcome.Note)
			return err
		}
		if strategy == checkpoint.StrategySkipSegment {
			result.addWarning("%s skipped after unrecoverable resource failure", stage)
			return errStageSkipped
		}
		// Retry and fallback re-run the stage body.
	}
}

func (r *Runner) transcribeInput(ctx context.Context, req Request, report corruption.Report, result *ProcessingResult) (string, error) {
	if !corruption.IsAudioPath(req.InputRef) {
		data, err := os.ReadFile(req.InputRef)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	minutes := estimateAudioMinutes(report.Size)
	usage := ledger.Usage{
		Service:     "transcription",
		Kind:        "audio_minutes",
		Amount:      minutes,
		OperationID: result.OperationID,
		UserID:      req.UserID,
	}
	if _, allowed, err := r.ledger.EstimateCost(usage); err != nil {
		if !errors.Is(err, ledger.ErrNoRate) {
			return "", err
		}
	} else if !allowed {
		_ = r.alerts.NotifyQuotaExceeded(ctx, "transcription budget",
			fmt.Sprintf("projected %.1f audio minutes would exceed a quota", minutes))
		return "", services.Wrap(services.ErrQuota, StageTranscription, "precheck",
			"projected transcription usage exceeds quota", nil)
	}

	transcriptResult, err := r.transcriber.Transcribe(ctx, req.InputRef, r.fallbackFlagged(ctx, result.OperationID))
	if err != nil {
		return "", err
	}

	if transcriptResult.DurationSeconds > 0 {
		usage.Amount = transcriptResult.DurationSeconds / 60
	}
	usage.Model = transcriptResult.Model
	event, signals, err := r.ledger.RecordUsage(ctx, usage)
	if err != nil {
		if !errors.Is(err, ledger.ErrNoRate) {
			return "", err
		}
	} else {
		result.TotalCost += event.Cost
		r.notifySignals(ctx, signals, result)
	}
	return transcriptResult.Text, nil
}

func (r *Runner) generateNarrative(ctx context.Context, req Request, opID, transcript string, result *ProcessingResult) ([]byte, error) {
	estTokens := float64(segment.EstimateTokens(transcript))
	usage := ledger.Usage{
		Service:     "narrative",
		Kind:        "input_tokens",
		Amount:      estTokens,
		OperationID: opID,
		UserID:      req.UserID,
	}
	if _, allowed, err := r.ledger.EstimateCost(usage); err != nil {
		if !errors.Is(err, ledger.ErrNoRate) {
			return nil, err
		}
	} else if !allowed {
		_ = r.alerts.NotifyQuotaExceeded(ctx, "narrative budget",
			fmt.Sprintf("projected %.0f tokens would exceed a quota", estTokens))
		return nil, services.Wrap(services.ErrQuota, StageNarrative, "precheck",
			"projected narrative usage exceeds quota", nil)
	}

	engine := segment.NewEngine(
		&meteredBackend{inner: r.narrator, runner: r, opID: opID, userID: req.UserID, result: result},
		segment.Options{
			TokenThreshold:     r.cfg.Segmentation.TokenThreshold,
			MinBoundarySpacing: r.cfg.Segmentation.MinBoundarySpacing,
			ContextSummaries:   r.cfg.Segmentation.ContextSummaries,
			SummaryMaxChars:    r.cfg.Segmentation.SummaryMaxChars,
			KeyEventCap:        r.cfg.Segmentation.KeyEventCap,
		},
		r.logger,
	).WithSkipHandler(func(index int, segErr error) bool {
		strategy, _ := checkpoint.Classify(checkpoint.DefaultRules(), segErr)
		if strategy != checkpoint.StrategySkipSegment {
			return false
		}
		result.addWarning("segment %d skipped: %v", index+1, segErr)
		return true
	})

	segResult, err := engine.Process(ctx, transcript, req.Metadata)
	if err != nil {
		return nil, err
	}

	result.NoContent = segResult.NoContent
	result.Narrative = segResult.Narrative
	result.SegmentCount = len(segResult.Segments)
	result.SkippedSegments = segResult.Skipped
	return json.Marshal(map[string]any{
		"narrative": segResult.Narrative,
		"segments":  len(segResult.Segments),
		"skipped":   segResult.Skipped,
	})
}

// meteredBackend wraps the narrative backend so every generation call is
// priced into the ledger regardless of which backend implementation runs.
type meteredBackend struct {
	inner  segment.Backend
	runner *Runner
	opID   string
	userID string
	result *ProcessingResult
}

func (m *meteredBackend) Generate(ctx context.Context, text string, genCtx segment.GenerationContext) (string, error) {
	out, err := m.inner.Generate(ctx, text, genCtx)
	if err != nil {
		return "", err
	}
	m.record(ctx, "input_tokens", float64(segment.EstimateTokens(text)))
	m.record(ctx, "output_tokens", float64(segment.EstimateTokens(out)))
	return out, nil
}

func (m *meteredBackend) record(ctx context.Context, kind string, amount float64) {
	event, signals, err := m.runner.ledger.RecordUsage(ctx, ledger.Usage{
		Service:     "narrative",
		Kind:        kind,
		Amount:      amount,
		OperationID: m.opID,
		UserID:      m.userID,
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrNoRate) {
			m.result.addWarning("usage not recorded: %v", err)
		}
		return
	}
	m.result.TotalCost += event.Cost
	m.runner.notifySignals(ctx, signals, m.result)
}

func (r *Runner) notifySignals(ctx context.Context, signals []ledger.QuotaSignal, result *ProcessingResult) {
	for _, signal := range signals {
		switch signal.Level {
		case ledger.SignalExceeded:
			result.addWarning("quota %q exceeded", signal.Quota.Name)
			_ = r.alerts.NotifyQuotaExceeded(ctx, signal.Quota.Name,
				fmt.Sprintf("window amount %.0f, cost %s", signal.WindowAmount, signal.WindowCost))
		case ledger.SignalApproaching:
			percent := signal.AmountPercent
			if signal.CostPercent > percent {
				percent = signal.CostPercent
			}
			result.addWarning("quota %q at %.0f%%", signal.Quota.Name, percent)
			_ = r.alerts.NotifyQuotaApproaching(ctx, signal.Quota.Name, percent)
		}
	}
}

// fallbackFlagged reports whether recovery marked the operation for the
// fallback method.
func (r *Runner) fallbackFlagged(ctx context.Context, opID string) bool {
	op, err := r.manager.Operation(ctx, opID)
	if err != nil || op == nil {
		return false
	}
	return op.Metadata[checkpoint.MetaFallback] == "true"
}

// finish closes a failed or cancelled run, preserving checkpoints and
// reporting the last known good progress.
func (r *Runner) finish(ctx context.Context, result *ProcessingResult, opID, stage string, err error) *ProcessingResult {
	if progress, progressErr := r.manager.LastProgress(opID); progressErr == nil && progress > result.LastProgress {
		result.LastProgress = progress
	}

	logger := logging.WithContext(ctx, r.logger)
	if errors.Is(err, context.Canceled) {
		result.Cancelled = true
		if cancelErr := r.manager.Cancel(context.WithoutCancel(ctx), opID); cancelErr != nil {
			result.addWarning("cancel bookkeeping failed: %v", cancelErr)
		}
		logger.Info("operation cancelled", logging.String(logging.FieldStage, stage))
		return result
	}

	if completeErr := r.manager.Complete(ctx, opID, false); completeErr != nil && !errors.Is(completeErr, checkpoint.ErrTerminalState) {
		result.addWarning("failure bookkeeping failed: %v", completeErr)
	}
	_ = r.alerts.NotifyOperationCompleted(ctx, opID, false, result.Elapsed)
	logger.Error("operation failed",
		logging.String(logging.FieldStage, stage),
		logging.Float64("resumable_from", result.LastProgress),
		logging.Error(err),
	)
	return result
}

// RunAll processes independent requests concurrently. Results keep the
// input order.
func (r *Runner) RunAll(ctx context.Context, reqs []Request, concurrency int) []*ProcessingResult {
	if concurrency <= 0 {
		concurrency = 2
	}
	results := make([]*ProcessingResult, len(reqs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, req := range reqs {
		group.Go(func() error {
			results[i] = r.Run(groupCtx, req)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// Cancel stops an in-flight operation. It reports whether the operation was
// running.
func (r *Runner) Cancel(operationID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[operationID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) registerCancel(opID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[opID] = cancel
	r.mu.Unlock()
}

func (r *Runner) releaseCancel(opID string) {
	r.mu.Lock()
	delete(r.cancels, opID)
	r.mu.Unlock()
}

// estimateAudioMinutes is a coarse size-based estimate used only for the
// quota pre-check; recorded usage uses the backend-reported duration.
func estimateAudioMinutes(size int64) float64 {
	const bytesPerMinute = 1 << 20
	minutes := float64(size) / bytesPerMinute
	if minutes < 0.1 {
		minutes = 0.1
	}
	return minutes
}
