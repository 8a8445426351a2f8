package checkpoint

import (
	"strings"
	"time"
)

// State represents the lifecycle of an operation.
type State string

const (
	StatePending    State = "pending"
	StateStarted    State = "started"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateRecovered  State = "recovered"
	StateCorrupted  State = "corrupted"
)

var allStates = []State{
	StatePending,
	StateStarted,
	StateInProgress,
	StateCompleted,
	StateFailed,
	StateCancelled,
	StateRecovered,
	StateCorrupted,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// validTransitions encodes the operation state machine. StateRecovered
// behaves as StateInProgress for subsequent stages, so everything permitted
// from in_progress is permitted from recovered.
var validTransitions = map[State][]State{
	StatePending:    {StateStarted, StateCancelled, StateCorrupted},
	StateStarted:    {StateInProgress, StateCompleted, StateFailed, StateCancelled},
	StateInProgress: {StateInProgress, StateCompleted, StateFailed, StateCancelled},
	StateFailed:     {StateRecovered},
	StateRecovered:  {StateInProgress, StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state permits no further transitions.
// StateFailed is not terminal: recovery may still move it to recovered.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateCorrupted:
		return true
	default:
		return false
	}
}

// IsActive reports whether the operation still owns pipeline work.
func (s State) IsActive() bool {
	switch s {
	case StateStarted, StateInProgress, StateRecovered:
		return true
	default:
		return false
	}
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// Strategy is the classified response to a stage failure.
type Strategy string

const (
	StrategyRetry              Strategy = "retry"
	StrategySkipSegment        Strategy = "skip_segment"
	StrategyFallbackMethod     Strategy = "fallback_method"
	StrategyManualIntervention Strategy = "manual_intervention"
)

// MetaFallback is the metadata key flagged when a fallback strategy fires so
// callers downgrade to a faster or alternate backend.
const MetaFallback = "fallback_method"

// MetaSkipped is the metadata key listing stage units skipped during recovery.
const MetaSkipped = "skipped_units"

// Operation is one end-to-end processing attempt for a single input.
type Operation struct {
	ID               string
	InputRef         string
	Kind             string
	UserID           string
	State            State
	StartedAt        time.Time
	EndedAt          *time.Time
	RecoveryAttempts int
	Metadata         map[string]string
	Errors           []StageError
}

// StageError is one classified failure appended to an operation.
type StageError struct {
	Stage    string    `json:"stage"`
	Message  string    `json:"message"`
	Strategy Strategy  `json:"strategy"`
	At       time.Time `json:"at"`
}

// Checkpoint is a durable, digest-verified snapshot of an operation's
// progress at one stage. Checkpoints are immutable once written; a newer
// checkpoint for the same stage supersedes the older one.
type Checkpoint struct {
	OperationID string    `json:"operation_id"`
	Stage       string    `json:"stage"`
	Progress    float64   `json:"progress"`
	Payload     []byte    `json:"payload"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"created_at"`
}
