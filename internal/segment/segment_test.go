package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"chronicle/internal/logging"
)

type fakeBackend struct {
	calls    []GenerationContext
	texts    []string
	response func(call int, text string, genCtx GenerationContext) (string, error)
}

func (f *fakeBackend) Generate(_ context.Context, text string, genCtx GenerationContext) (string, error) {
	call := len(f.calls)
	f.calls = append(f.calls, genCtx)
	f.texts = append(f.texts, text)
	if f.response != nil {
		return f.response(call, text, genCtx)
	}
	return fmt.Sprintf("narrative-%d", call), nil
}

func newTestEngine(backend Backend, opts Options) *Engine {
	return NewEngine(backend, opts, logging.NewNop())
}

func roundSection(n int, minLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d\n\n", n)
	for b.Len() < minLen {
		b.WriteString("Alice: the party advances through the eastern corridor.\n\n")
	}
	return b.String()
}

func TestProcessShortInputSingleSegmentNoSynthesis(t *testing.T) {
	backend := &fakeBackend{}
	engine := newTestEngine(backend, Options{})

	text := "Alice: we should rest here for the night, truly."
	result, err := engine.Process(context.Background(), text, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(result.Segments))
	}
	if len(backend.calls) != 1 {
		t.Fatalf("backend calls = %d, want 1 (no synthesis for single segment)", len(backend.calls))
	}
	if backend.calls[0].Synthesis {
		t.Fatalf("single segment must not be a synthesis call")
	}
	if result.Narrative != "narrative-0" {
		t.Fatalf("narrative = %q", result.Narrative)
	}
}

func TestProcessEmptyInputReturnsNoContent(t *testing.T) {
	backend := &fakeBackend{}
	engine := newTestEngine(backend, Options{})

	for _, input := range []string{"", "   \n\t  \n"} {
		result, err := engine.Process(context.Background(), input, nil)
		if err != nil {
			t.Fatalf("Process(%q): %v", input, err)
		}
		if !result.NoContent {
			t.Fatalf("Process(%q) should report no content", input)
		}
		if len(backend.calls) != 0 {
			t.Fatalf("backend must not be called for empty input")
		}
	}
}

func TestSplitAlignsWithRoundMarkers(t *testing.T) {
	text := roundSection(1, 2800) + roundSection(2, 2800) + roundSection(3, 2800)
	if len(text) < 8000 {
		t.Fatalf("fixture too small: %d chars", len(text))
	}

	segments := Split(text, 1000, 1000)
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}
	for i, seg := range segments {
		wantPrefix := fmt.Sprintf("Round %d\n", i+1)
		if !strings.HasPrefix(seg.Content, wantPrefix) {
			t.Fatalf("segment %d does not start at its marker: %q", i, seg.Content[:20])
		}
	}
}

func TestSplitIsLossless(t *testing.T) {
	inputs := map[string]string{
		"round markers":      roundSection(1, 2800) + roundSection(2, 2800) + roundSection(3, 2800),
		"paragraphs only":    strings.Repeat("The caravan crossed the dunes under a red sky.\n\n", 400),
		"single long line":   strings.Repeat("x", 20000),
		"short":              "just a short note",
		"markdown headings":  "# Opening\n\n" + strings.Repeat("line of prose here\n\n", 200) + "## Closing\n\n" + strings.Repeat("more prose\n\n", 200),
		"trailing separator": strings.Repeat("paragraph body text\n\n", 300) + "tail without newline",
	}
	for name, text := range inputs {
		t.Run(name, func(t *testing.T) {
			segments := Split(text, 500, 200)
			var rebuilt strings.Builder
			prevEnd := 0
			for i, seg := range segments {
				if seg.Start != prevEnd {
					t.Fatalf("segment %d starts at %d, previous ended at %d", i, seg.Start, prevEnd)
				}
				prevEnd = seg.End
				rebuilt.WriteString(seg.Content)
			}
			if prevEnd != len(text) {
				t.Fatalf("segments end at %d, input is %d chars", prevEnd, len(text))
			}
			if rebuilt.String() != text {
				t.Fatalf("concatenated segments do not reproduce the input")
			}
		})
	}
}

func TestSplitParagraphFallbackKeepsParagraphsWhole(t *testing.T) {
	paragraph := "The party debated their next move at length before deciding.\n\n"
	text := strings.Repeat(paragraph, 300)

	segments := Split(text, 1000, 1000)
	if len(segments) < 2 {
		t.Fatalf("expected paragraph fallback to produce multiple segments, got %d", len(segments))
	}
	for i, seg := range segments[:len(segments)-1] {
		if !strings.HasSuffix(seg.Content, "\n\n") {
			t.Fatalf("segment %d does not end on a paragraph boundary", i)
		}
		if len(seg.Content) > 3000 {
			t.Fatalf("segment %d is %d chars, over the 3000-char budget", i, len(seg.Content))
		}
	}
}

func TestSplitOversizedParagraphStaysWhole(t *testing.T) {
	huge := strings.Repeat("a", 10000)
	text := "intro paragraph\n\n" + huge + "\n\nclosing paragraph"

	segments := Split(text, 1000, 100)
	for _, seg := range segments {
		if strings.Contains(seg.Content, "a") && strings.Count(seg.Content, "a") < 10000 && len(seg.Content) > 5000 {
			t.Fatalf("oversized paragraph was split mid-unit")
		}
	}
	var rebuilt strings.Builder
	for _, seg := range segments {
		rebuilt.WriteString(seg.Content)
	}
	if rebuilt.String() != text {
		t.Fatalf("oversized paragraph split lost content")
	}
}

func TestProcessMultiSegmentSynthesis(t *testing.T) {
	backend := &fakeBackend{}
	engine := newTestEngine(backend, Options{TokenThreshold: 1000})

	text := roundSection(1, 2800) + roundSection(2, 2800) + roundSection(3, 2800)
	result, err := engine.Process(context.Background(), text, map[string]string{"session": "42"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(result.Segments))
	}
	if len(backend.calls) != 4 {
		t.Fatalf("backend calls = %d, want 3 segments + 1 synthesis", len(backend.calls))
	}

	last := backend.calls[len(backend.calls)-1]
	if !last.Synthesis {
		t.Fatalf("final call must be the synthesis call")
	}
	if !sliceContains(last.Characters, "Alice") {
		t.Fatalf("synthesis roster missing extracted character: %v", last.Characters)
	}
	if !strings.Contains(backend.texts[3], "narrative-0") || !strings.Contains(backend.texts[3], "narrative-2") {
		t.Fatalf("synthesis input missing segment narratives")
	}
	if result.Narrative != "narrative-3" {
		t.Fatalf("narrative = %q, want synthesis output", result.Narrative)
	}

	// Later segments see prior summaries.
	if len(backend.calls[0].PriorSummaries) != 0 {
		t.Fatalf("first segment should carry no prior summaries")
	}
	if len(backend.calls[2].PriorSummaries) != 2 {
		t.Fatalf("third segment should carry two prior summaries, got %d", len(backend.calls[2].PriorSummaries))
	}
}

func TestProcessSkipHandlerContinues(t *testing.T) {
	backend := &fakeBackend{
		response: func(call int, _ string, genCtx GenerationContext) (string, error) {
			if !genCtx.Synthesis && genCtx.SegmentIndex == 1 {
				return "", errors.New("cannot allocate memory")
			}
			return fmt.Sprintf("narrative-%d", call), nil
		},
	}
	engine := newTestEngine(backend, Options{TokenThreshold: 1000}).
		WithSkipHandler(func(int, error) bool { return true })

	text := roundSection(1, 2800) + roundSection(2, 2800) + roundSection(3, 2800)
	result, err := engine.Process(context.Background(), text, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != 1 {
		t.Fatalf("skipped = %v, want [1]", result.Skipped)
	}
	if result.Narrative == "" {
		t.Fatalf("run should still synthesize the remaining segments")
	}
}

func TestProcessFailureWithoutSkipHandlerAborts(t *testing.T) {
	backend := &fakeBackend{
		response: func(int, string, GenerationContext) (string, error) {
			return "", errors.New("model overloaded")
		},
	}
	engine := newTestEngine(backend, Options{})
	if _, err := engine.Process(context.Background(), "some short text to process", nil); err == nil {
		t.Fatalf("expected error to propagate without a skip handler")
	}
}

func TestSessionMemoryBounds(t *testing.T) {
	memory := NewSessionMemory(20, 5, 200)
	for i := 0; i < 30; i++ {
		memory = memory.AddKeyEvent(fmt.Sprintf("event %d", i))
	}
	if len(memory.KeyEvents) != 20 {
		t.Fatalf("key events = %d, want 20", len(memory.KeyEvents))
	}
	if memory.KeyEvents[0] != "event 10" || memory.KeyEvents[19] != "event 29" {
		t.Fatalf("key events did not keep the most recent entries: %v", memory.KeyEvents)
	}

	for i := 0; i < 8; i++ {
		memory = memory.AddSummary(strings.Repeat("s", 300))
	}
	if len(memory.Summaries) != 5 {
		t.Fatalf("summaries = %d, want 5", len(memory.Summaries))
	}
	for _, summary := range memory.Summaries {
		if len(summary) > 200 {
			t.Fatalf("summary length %d exceeds 200", len(summary))
		}
	}
}

func TestSessionMemoryMergeDeduplicates(t *testing.T) {
	memory := NewSessionMemory(20, 5, 200)
	memory = memory.MergeEntities([]string{"Alice", "Bob"}, []string{"Duskhaven"})
	memory = memory.MergeEntities([]string{"Bob", "Cora"}, []string{"Duskhaven", "Broken Anchor"})

	wantChars := []string{"Alice", "Bob", "Cora"}
	if len(memory.Characters) != len(wantChars) {
		t.Fatalf("characters = %v", memory.Characters)
	}
	for i, name := range wantChars {
		if memory.Characters[i] != name {
			t.Fatalf("characters = %v, want %v", memory.Characters, wantChars)
		}
	}
	if len(memory.Locations) != 2 {
		t.Fatalf("locations = %v", memory.Locations)
	}
}

func TestExtractCharacters(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			"speaker lines",
			"Alice: hello there.\nBob Smith: greetings.\nalice: lowercase is no speaker.",
			[]string{"Alice", "Bob Smith"},
		},
		{
			"name introduction",
			"A stranger approaches. Name: Elara Voss. She waits.",
			[]string{"Elara Voss"},
		},
		{
			"blocked labels",
			"Note: remember this.\nWarning: danger ahead.\nRound: two.",
			nil,
		},
		{
			"casing folds",
			"ALICE: shouting now.\nAlice: normal again.",
			[]string{"Alice"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractCharacters(tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("ExtractCharacters = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("ExtractCharacters = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestExtractLocations(t *testing.T) {
	text := "They met at the Broken Anchor before riding to Duskhaven. " +
		"She was born in March but lives near the Shattered Coast."
	got := ExtractLocations(text)

	for _, want := range []string{"Broken Anchor", "Duskhaven", "Shattered Coast"} {
		if !sliceContains(got, want) {
			t.Fatalf("locations %v missing %q", got, want)
		}
	}
	if sliceContains(got, "March") {
		t.Fatalf("month extracted as location: %v", got)
	}
}

func sliceContains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
