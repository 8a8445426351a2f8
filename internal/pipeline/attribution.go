package pipeline

import (
	"strings"

	"chronicle/internal/segment"
)

// MetaSpeakers is the session metadata key carrying caller-declared speaker
// names, comma separated.
const MetaSpeakers = "speakers"

// AttributeSpeakers resolves the speaker roster for an input. Declared
// metadata wins; otherwise speakers are extracted from whatever text is
// available (the raw document before transcription, the transcript after).
func AttributeSpeakers(metadata map[string]string, text string) []string {
	if declared := strings.TrimSpace(metadata[MetaSpeakers]); declared != "" {
		var speakers []string
		for _, name := range strings.Split(declared, ",") {
			if name = strings.TrimSpace(name); name != "" {
				speakers = append(speakers, name)
			}
		}
		return speakers
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return segment.ExtractCharacters(text)
}
