package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chronicle/internal/logging"
	"chronicle/internal/services"
)

var (
	// ErrUnknownOperation indicates no operation exists for the identifier.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrTerminalState indicates the operation can no longer transition.
	ErrTerminalState = errors.New("operation is in a terminal state")
	// ErrProgressRegression indicates a checkpoint tried to move progress backwards.
	ErrProgressRegression = errors.New("checkpoint progress must not decrease")
	// ErrRecoveryExhausted indicates the retry budget is spent.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
)

// RecoveryOutcome reports what a recovery attempt did and whether the caller
// should re-run the failed stage.
type RecoveryOutcome struct {
	Strategy  Strategy
	Resolved  bool
	Permanent bool
	Waited    time.Duration
	Note      string
}

// Manager owns operation lifecycle, checkpoint persistence, and recovery.
type Manager struct {
	store  *Store
	dir    string
	logger *slog.Logger
	rules  []Rule

	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customizes manager construction.
type Option func(*Manager)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleeper overrides how retry waits are performed (used in tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithRules replaces the default classification table.
func WithRules(rules []Rule) Option {
	return func(m *Manager) {
		if len(rules) > 0 {
			m.rules = rules
		}
	}
}

// NewManager constructs a checkpoint manager writing payloads under dir.
func NewManager(store *Store, dir string, maxAttempts int, retryBase, retryMax time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryBase <= 0 {
		retryBase = 2 * time.Second
	}
	if retryMax < retryBase {
		retryMax = retryBase
	}
	m := &Manager{
		store:       store,
		dir:         dir,
		logger:      logging.WithComponent(logger, "checkpoint-manager"),
		rules:       DefaultRules(),
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		retryMax:    retryMax,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start opens a new operation in StateStarted. It returns false without
// creating anything when corruption was already recorded for the identifier.
func (m *Manager) Start(ctx context.Context, id, inputRef, kind, userID string, metadata map[string]string) (bool, error) {
	existing, err := m.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if existing.State == StateCorrupted {
			return false, nil
		}
		return false, fmt.Errorf("operation %s already exists in state %s", id, existing.State)
	}

	op := &Operation{
		ID:        id,
		InputRef:  inputRef,
		Kind:      kind,
		UserID:    userID,
		State:     StateStarted,
		StartedAt: m.now().UTC(),
		Metadata:  cloneMetadata(metadata),
	}
	if err := m.store.Insert(ctx, op); err != nil {
		return false, err
	}
	m.logger.Info("operation started",
		logging.String(logging.FieldOperationID, id),
		logging.String("kind", kind),
		logging.String("input_ref", inputRef),
	)
	return true, nil
}

// RecordCorrupted records a terminal corrupted operation for audit. The
// pipeline never runs for it and no checkpoint is ever written.
func (m *Manager) RecordCorrupted(ctx context.Context, id, inputRef, kind, userID string, issues []string) error {
	now := m.now().UTC()
	op := &Operation{
		ID:        id,
		InputRef:  inputRef,
		Kind:      kind,
		UserID:    userID,
		State:     StateCorrupted,
		StartedAt: now,
		EndedAt:   &now,
		Metadata:  map[string]string{"corruption_issues": strings.Join(issues, "; ")},
	}
	return m.store.Insert(ctx, op)
}

// SaveCheckpoint computes a payload digest, writes the checkpoint durably,
// and advances the operation to StateInProgress. Progress is clamped to
// [0, 100] and must never decrease across an operation's checkpoints.
func (m *Manager) SaveCheckpoint(ctx context.Context, operationID, stage string, progress float64, payload []byte) (Checkpoint, error) {
	var cp Checkpoint
	op, err := m.requireOperation(ctx, operationID)
	if err != nil {
		return cp, err
	}
	if op.State.IsTerminal() {
		return cp, fmt.Errorf("%w: %s", ErrTerminalState, op.State)
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if last, err := m.highestProgress(operationID); err != nil {
		return cp, err
	} else if progress < last {
		return cp, fmt.Errorf("%w: %s at %.1f%% after %.1f%%", ErrProgressRegression, stage, progress, last)
	}

	cp = Checkpoint{
		OperationID: operationID,
		Stage:       stage,
		Progress:    progress,
		Payload:     payload,
		Digest:      Digest(payload),
		CreatedAt:   m.now().UTC(),
	}
	if err := m.writeCheckpointFile(cp); err != nil {
		return cp, err
	}

	if CanTransition(op.State, StateInProgress) {
		op.State = StateInProgress
		if err := m.store.Update(ctx, op); err != nil {
			return cp, err
		}
	}
	m.logger.Debug("checkpoint saved",
		logging.String(logging.FieldOperationID, operationID),
		logging.String(logging.FieldStage, stage),
		logging.Float64("progress", progress),
	)
	return cp, nil
}

// HandleError classifies a stage failure, appends it to the operation's
// error list, and moves the operation to StateFailed. The returned strategy
// tells the caller how recovery should proceed.
func (m *Manager) HandleError(ctx context.Context, operationID, stage string, stageErr error, contextMeta map[string]string) (Strategy, error) {
	op, err := m.requireOperation(ctx, operationID)
	if err != nil {
		return "", err
	}
	if op.State.IsTerminal() {
		return "", fmt.Errorf("%w: %s", ErrTerminalState, op.State)
	}

	strategy, ruleName := Classify(m.rules, stageErr)
	message := "stage failed without error detail"
	if stageErr != nil {
		message = stageErr.Error()
	}
	op.Errors = append(op.Errors, StageError{
		Stage:    stage,
		Message:  message,
		Strategy: strategy,
		At:       m.now().UTC(),
	})
	for key, value := range contextMeta {
		if op.Metadata == nil {
			op.Metadata = map[string]string{}
		}
		op.Metadata[key] = value
	}
	if CanTransition(op.State, StateFailed) {
		op.State = StateFailed
	}
	if err := m.store.Update(ctx, op); err != nil {
		return strategy, err
	}

	m.logger.Error("stage failed",
		logging.String(logging.FieldOperationID, operationID),
		logging.String(logging.FieldStage, stage),
		logging.String("strategy", string(strategy)),
		logging.String("rule", ruleName),
		logging.Error(stageErr),
	)
	return strategy, nil
}

// AttemptRecovery executes the strategy's handler. It increments the
// operation's retry counter and fails permanently once the configured
// maximum is exceeded. A resolved outcome means the caller should re-run
// the failed stage (retry), downgrade fidelity (fallback), or continue past
// the skipped unit.
func (m *Manager) AttemptRecovery(ctx context.Context, operationID, stage string, strategy Strategy) (RecoveryOutcome, error) {
	outcome := RecoveryOutcome{Strategy: strategy}
	op, err := m.requireOperation(ctx, operationID)
	if err != nil {
		return outcome, err
	}
	if op.State.IsTerminal() {
		return outcome, fmt.Errorf("%w: %s", ErrTerminalState, op.State)
	}

	op.RecoveryAttempts++
	if op.RecoveryAttempts > m.maxAttempts {
		if err := m.store.Update(ctx, op); err != nil {
			return outcome, err
		}
		outcome.Permanent = true
		outcome.Note = fmt.Sprintf("exceeded %d recovery attempts", m.maxAttempts)
		return outcome, fmt.Errorf("%w: operation %s", ErrRecoveryExhausted, operationID)
	}

	switch strategy {
	case StrategyRetry:
		delay := m.retryDelay(op.RecoveryAttempts)
		if err := m.sleep(ctx, delay); err != nil {
			return outcome, err
		}
		outcome.Waited = delay
		outcome.Resolved = true
		outcome.Note = fmt.Sprintf("retry after %s", delay)
	case StrategyFallbackMethod:
		if op.Metadata == nil {
			op.Metadata = map[string]string{}
		}
		op.Metadata[MetaFallback] = "true"
		outcome.Resolved = true
		outcome.Note = "downgrading to fallback method"
	case StrategySkipSegment:
		if op.Metadata == nil {
			op.Metadata = map[string]string{}
		}
		if existing := op.Metadata[MetaSkipped]; existing != "" {
			op.Metadata[MetaSkipped] = existing + "," + stage
		} else {
			op.Metadata[MetaSkipped] = stage
		}
		outcome.Resolved = true
		outcome.Note = "unit skipped, processing continues"
	case StrategyManualIntervention:
		outcome.Note = "manual intervention required"
	default:
		outcome.Note = fmt.Sprintf("no handler for strategy %q", strategy)
	}

	if outcome.Resolved && CanTransition(op.State, StateRecovered) {
		op.State = StateRecovered
	}
	if err := m.store.Update(ctx, op); err != nil {
		return outcome, err
	}

	m.logger.Info("recovery attempted",
		logging.String(logging.FieldOperationID, operationID),
		logging.String(logging.FieldStage, stage),
		logging.String("strategy", string(strategy)),
		logging.Bool("resolved", outcome.Resolved),
		logging.Int("attempt", op.RecoveryAttempts),
	)
	return outcome, nil
}

// retryDelay grows exponentially from the base interval and is capped at the
// configured maximum.
func (m *Manager) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retryBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = m.retryMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := m.retryBase
	for i := 0; i < attempt; i++ {
		next := bo.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	if delay > m.retryMax {
		delay = m.retryMax
	}
	return delay
}

// Complete writes the terminal state. Checkpoints are purged only on
// success; failed operations retain them for diagnosis and resume.
func (m *Manager) Complete(ctx context.Context, operationID string, success bool) error {
	op, err := m.requireOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if op.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, op.State)
	}

	now := m.now().UTC()
	op.EndedAt = &now
	if success {
		op.State = StateCompleted
	} else {
		op.State = StateFailed
	}
	if err := m.store.Update(ctx, op); err != nil {
		return err
	}
	if success {
		if err := m.purgeCheckpoints(operationID); err != nil {
			return err
		}
	}
	m.logger.Info("operation completed",
		logging.String(logging.FieldOperationID, operationID),
		logging.Bool("success", success),
	)
	return nil
}

// Cancel stops an in-flight operation. The last checkpoint stays intact and
// no recovery is owed.
func (m *Manager) Cancel(ctx context.Context, operationID string) error {
	op, err := m.requireOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if op.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, op.State)
	}
	now := m.now().UTC()
	op.EndedAt = &now
	op.State = StateCancelled
	if err := m.store.Update(ctx, op); err != nil {
		return err
	}
	m.logger.Info("operation cancelled", logging.String(logging.FieldOperationID, operationID))
	return nil
}

// RecoverPartial re-reads the operation's last checkpoint and accepts it as
// a resume point only when the recomputed payload digest matches the stored
// one. A tampered or truncated checkpoint is rejected so the stage restarts
// from scratch instead of trusting corrupt state.
func (m *Manager) RecoverPartial(ctx context.Context, operationID string) (*Checkpoint, error) {
	if _, err := m.requireOperation(ctx, operationID); err != nil {
		return nil, err
	}
	cp, err := m.LastCheckpoint(operationID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	if Digest(cp.Payload) != cp.Digest {
		return nil, services.Wrap(services.ErrIntegrity, cp.Stage, "recover partial",
			"checkpoint digest mismatch, full stage restart required", nil)
	}
	return cp, nil
}

// Operation returns the persisted operation, or ErrUnknownOperation.
func (m *Manager) Operation(ctx context.Context, operationID string) (*Operation, error) {
	return m.requireOperation(ctx, operationID)
}

// List returns operations filtered by state.
func (m *Manager) List(ctx context.Context, states ...State) ([]*Operation, error) {
	return m.store.List(ctx, states...)
}

// ReclaimStale fails active operations that have not been updated since
// cutoff, so interrupted runs surface instead of hanging forever.
func (m *Manager) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.store.ReclaimStale(ctx, cutoff)
}

// LastProgress reports the highest checkpoint progress recorded, so failures
// can be reported as "resumable from N%".
func (m *Manager) LastProgress(operationID string) (float64, error) {
	return m.highestProgress(operationID)
}

func (m *Manager) highestProgress(operationID string) (float64, error) {
	checkpoints, err := m.Checkpoints(operationID)
	if err != nil {
		return 0, err
	}
	var highest float64
	for _, cp := range checkpoints {
		if cp.Progress > highest {
			highest = cp.Progress
		}
	}
	return highest, nil
}

func (m *Manager) requireOperation(ctx context.Context, operationID string) (*Operation, error) {
	op, err := m.store.GetByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operationID)
	}
	return op, nil
}

func cloneMetadata(metadata map[string]string) map[string]string {
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
