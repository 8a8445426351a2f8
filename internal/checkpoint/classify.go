package checkpoint

import (
	"errors"
	"strings"

	"chronicle/internal/services"
)

// Rule maps an error to a recovery strategy. Rules are evaluated in order;
// the first match wins. Marker matching (errors.Is against a sentinel) takes
// the same slot as keyword matching so wrapped errors classify without
// string inspection while raw backend errors still land somewhere sensible.
type Rule struct {
	Name     string
	Markers  []error
	Keywords []string
	Strategy Strategy
}

// DefaultRules is the ordered classification table. New error kinds are new
// entries, not new code paths.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "missing input",
			Markers:  []error{services.ErrNotFound},
			Keywords: []string{"no such file", "file not found", "missing file", "does not exist"},
			Strategy: StrategyManualIntervention,
		},
		{
			Name:     "resource exhaustion",
			Markers:  []error{services.ErrResource},
			Keywords: []string{"out of memory", "cannot allocate", "resource temporarily unavailable", "too large"},
			Strategy: StrategySkipSegment,
		},
		{
			Name:     "quota exceeded",
			Markers:  []error{services.ErrQuota},
			Keywords: []string{"quota exceeded", "budget exceeded"},
			Strategy: StrategyManualIntervention,
		},
		{
			Name:     "transient network",
			Markers:  []error{services.ErrTransient, services.ErrTimeout},
			Keywords: []string{"timeout", "timed out", "connection refused", "connection reset", "rate limit", "too many requests", "temporarily unavailable", "service unavailable"},
			Strategy: StrategyRetry,
		},
		{
			Name:     "corrupt data",
			Markers:  []error{services.ErrCorrupt, services.ErrIntegrity},
			Keywords: []string{"corrupt", "malformed", "invalid format", "decode error", "unexpected eof", "digest mismatch"},
			Strategy: StrategyManualIntervention,
		},
		{
			Name:     "backend degradation",
			Markers:  []error{services.ErrBackend},
			Keywords: []string{"transcription failed", "audio decode", "model overloaded", "unsupported audio", "generation failed"},
			Strategy: StrategyFallbackMethod,
		},
	}
}

// Classify runs err through the rule table and returns the matched strategy.
// Unmatched errors default to a retry.
func Classify(rules []Rule, err error) (Strategy, string) {
	if err == nil {
		return StrategyRetry, ""
	}
	message := strings.ToLower(err.Error())
	for _, rule := range rules {
		for _, marker := range rule.Markers {
			if errors.Is(err, marker) {
				return rule.Strategy, rule.Name
			}
		}
		for _, keyword := range rule.Keywords {
			if strings.Contains(message, keyword) {
				return rule.Strategy, rule.Name
			}
		}
	}
	return StrategyRetry, "default"
}
