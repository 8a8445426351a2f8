package segment

// SessionMemory accumulates what earlier segments established so later
// segments keep continuity without unbounded context growth. It is a value:
// each merge returns an updated copy, nothing is shared between runs.
type SessionMemory struct {
	Characters []string
	Locations  []string
	KeyEvents  []string
	Summaries  []string

	keyEventCap   int
	summaryWindow int
	summaryChars  int
}

// NewSessionMemory returns an empty accumulator with the given bounds.
func NewSessionMemory(keyEventCap, summaryWindow, summaryChars int) SessionMemory {
	if keyEventCap <= 0 {
		keyEventCap = 20
	}
	if summaryWindow <= 0 {
		summaryWindow = 5
	}
	if summaryChars <= 0 {
		summaryChars = 200
	}
	return SessionMemory{
		keyEventCap:   keyEventCap,
		summaryWindow: summaryWindow,
		summaryChars:  summaryChars,
	}
}

// MergeEntities unions newly seen characters and locations into the memory,
// preserving first-seen order and dropping duplicates.
func (m SessionMemory) MergeEntities(characters, locations []string) SessionMemory {
	m.Characters = appendUnique(m.Characters, characters)
	m.Locations = appendUnique(m.Locations, locations)
	return m
}

// AddKeyEvent appends an event, keeping only the most recent entries up to
// the configured cap.
func (m SessionMemory) AddKeyEvent(event string) SessionMemory {
	if event == "" {
		return m
	}
	m.KeyEvents = append(clone(m.KeyEvents), event)
	if len(m.KeyEvents) > m.keyEventCap {
		m.KeyEvents = m.KeyEvents[len(m.KeyEvents)-m.keyEventCap:]
	}
	return m
}

// AddSummary records a truncated per-segment summary. Only the rolling
// window of the most recent summaries is retained.
func (m SessionMemory) AddSummary(summary string) SessionMemory {
	summary = truncate(summary, m.summaryChars)
	if summary == "" {
		return m
	}
	m.Summaries = append(clone(m.Summaries), summary)
	if len(m.Summaries) > m.summaryWindow {
		m.Summaries = m.Summaries[len(m.Summaries)-m.summaryWindow:]
	}
	return m
}

// RecentSummaries returns the rolling window of prior-segment summaries.
func (m SessionMemory) RecentSummaries() []string {
	return clone(m.Summaries)
}

func appendUnique(existing []string, additions []string) []string {
	if len(additions) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, value := range existing {
		seen[value] = struct{}{}
	}
	merged := clone(existing)
	for _, value := range additions {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		merged = append(merged, value)
	}
	return merged
}

func clone(values []string) []string {
	if values == nil {
		return nil
	}
	cloned := make([]string, len(values))
	copy(cloned, values)
	return cloned
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := value[:limit]
	// Prefer breaking at a word edge near the limit.
	for i := len(cut) - 1; i > limit-40 && i > 0; i-- {
		if cut[i] == ' ' {
			return cut[:i]
		}
	}
	return cut
}
