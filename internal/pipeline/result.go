package pipeline

import (
	"fmt"
	"time"

	"chronicle/internal/ledger"
)

// ProcessingResult is the always-returned outcome of one pipeline run.
// Partial success is a first-class outcome: whatever stages completed are
// populated alongside every error and recovery action taken.
type ProcessingResult struct {
	OperationID string
	InputRef    string
	UserID      string

	Success   bool
	Cancelled bool
	NoContent bool

	QualityScore    float64
	Speakers        []string
	Transcript      string
	Narrative       string
	SegmentCount    int
	SkippedSegments []int

	ResumedFrom  float64
	LastProgress float64
	TotalCost    ledger.Cost
	Elapsed      time.Duration

	Errors          []string
	Warnings        []string
	RecoveryActions []string
}

func (r *ProcessingResult) addError(stage string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", stage, err))
}

func (r *ProcessingResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ProcessingResult) addRecovery(format string, args ...any) {
	r.RecoveryActions = append(r.RecoveryActions, fmt.Sprintf(format, args...))
}
