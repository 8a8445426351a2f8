package segment

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// Speaker-style lines: "Alice:", "Game Master:".
	speakerPattern = regexp.MustCompile(`(?m)^\s{0,8}([A-Z][A-Za-z'-]{1,24}(?: [A-Z][A-Za-z'-]{1,24})?)\s*:`)
	// Explicit introductions: "Name: Elara Voss".
	namePattern = regexp.MustCompile(`\bName:\s*([A-Z][A-Za-z'-]+(?: [A-Z][A-Za-z'-]+)?)`)
	// Prepositional location references: "at the Broken Anchor", "in Duskhaven".
	locationPattern = regexp.MustCompile(`\b(?:at|in|to|near|inside|outside|toward|towards)\s+(?:the\s+)?([A-Z][a-z]+(?: [A-Z][a-z]+){0,2})\b`)
)

// Labels that match the speaker pattern but never denote a character.
var speakerBlocklist = map[string]struct{}{
	"note": {}, "notes": {}, "warning": {}, "summary": {}, "round": {},
	"part": {}, "chapter": {}, "scene": {}, "act": {}, "location": {},
	"time": {}, "date": {}, "system": {}, "narrator": {}, "name": {},
	"title": {}, "setting": {}, "recap": {},
}

// Words that match the location pattern but denote people or time, not places.
var locationBlocklist = map[string]struct{}{
	"i": {}, "he": {}, "she": {}, "they": {}, "god": {},
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {},
	"friday": {}, "saturday": {}, "sunday": {},
	"january": {}, "february": {}, "march": {}, "april": {}, "may": {},
	"june": {}, "july": {}, "august": {}, "september": {}, "october": {},
	"november": {}, "december": {},
}

var titleCaser = cases.Title(language.English)

// canonicalName folds casing variants of the same entity onto one spelling.
func canonicalName(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return titleCaser.String(strings.ToLower(raw))
}

// ExtractCharacters finds character names in a text slice via speaker-style
// and "Name:" patterns, returned in first-seen order with canonical casing.
func ExtractCharacters(text string) []string {
	var names []string
	seen := map[string]struct{}{}
	collect := func(matches [][]string) {
		for _, match := range matches {
			name := canonicalName(match[1])
			if name == "" {
				continue
			}
			if _, blocked := speakerBlocklist[strings.ToLower(name)]; blocked {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	collect(speakerPattern.FindAllStringSubmatch(text, -1))
	collect(namePattern.FindAllStringSubmatch(text, -1))
	return names
}

// ExtractLocations finds location names referenced through prepositional
// phrases, returned in first-seen order with canonical casing.
func ExtractLocations(text string) []string {
	var locations []string
	seen := map[string]struct{}{}
	for _, match := range locationPattern.FindAllStringSubmatch(text, -1) {
		name := canonicalName(match[1])
		if name == "" {
			continue
		}
		if _, blocked := locationBlocklist[strings.ToLower(name)]; blocked {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		locations = append(locations, name)
	}
	return locations
}
