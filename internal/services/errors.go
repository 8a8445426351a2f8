package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for stage failures. Wrap tags errors with one of these so
// the recovery manager can classify them without string matching at call sites.
var (
	ErrCorrupt    = errors.New("input corrupted")
	ErrQuota      = errors.New("quota exceeded")
	ErrTransient  = errors.New("transient failure")
	ErrTimeout    = errors.New("timeout")
	ErrResource   = errors.New("resource exhausted")
	ErrBackend    = errors.New("backend failure")
	ErrIntegrity  = errors.New("integrity failure")
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
