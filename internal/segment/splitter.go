package segment

import "regexp"

// Segment is one bounded slice of the original text. Start and End are byte
// offsets into the input; the concatenation of all segment contents in order
// reproduces the input exactly.
type Segment struct {
	Index      int
	Total      int
	Start      int
	End        int
	Content    string
	Characters []string
	Locations  []string
}

// EstimateTokens is the conservative character-to-token ratio used for
// threshold decisions.
func EstimateTokens(text string) int {
	return len(text) / 3
}

// Structural markers that indicate a natural segment boundary: explicit
// part/round/scene headers, markdown headings, horizontal rules.
var boundaryPattern = regexp.MustCompile(`(?mi)^[ \t]*(?:(?:round|part|chapter|scene|act|session)[ \t]+(?:\d+|[ivxlc]+)\b[^\n]*|#{1,6}[ \t][^\n]*|(?:-{3,}|\*{3,}|={3,}|_{3,})[ \t]*)$`)

var paragraphGapPattern = regexp.MustCompile(`\n[ \t]*\n+`)

// Split divides text into segments of at most tokenThreshold estimated
// tokens. Natural boundaries win; boundaries closer than minSpacing
// characters to the previous cut are discarded. When no natural boundary
// exists, whole paragraphs are packed greedily. Oversized segments are
// re-split recursively through the paragraph fallback; a single paragraph
// is never split mid-unit even when it exceeds the threshold.
func Split(text string, tokenThreshold, minSpacing int) []Segment {
	if tokenThreshold <= 0 {
		tokenThreshold = 4000
	}
	if minSpacing <= 0 {
		minSpacing = 1000
	}
	maxChars := tokenThreshold * 3

	var ranges [][2]int
	if len(text) <= maxChars {
		ranges = [][2]int{{0, len(text)}}
	} else {
		ranges = boundaryRanges(text, maxChars, minSpacing)
	}

	segments := make([]Segment, 0, len(ranges))
	for _, r := range ranges {
		segments = append(segments, Segment{
			Start:   r[0],
			End:     r[1],
			Content: text[r[0]:r[1]],
		})
	}
	for i := range segments {
		segments[i].Index = i
		segments[i].Total = len(segments)
	}
	return segments
}

func boundaryRanges(text string, maxChars, minSpacing int) [][2]int {
	cuts := naturalCuts(text, minSpacing)

	var coarse [][2]int
	if len(cuts) == 0 {
		coarse = paragraphRanges(text, 0, len(text), maxChars)
	} else {
		prev := 0
		for _, cut := range cuts {
			coarse = append(coarse, [2]int{prev, cut})
			prev = cut
		}
		coarse = append(coarse, [2]int{prev, len(text)})
	}

	var ranges [][2]int
	for _, r := range coarse {
		if r[1]-r[0] > maxChars {
			ranges = append(ranges, paragraphRanges(text, r[0], r[1], maxChars)...)
		} else {
			ranges = append(ranges, r)
		}
	}
	return ranges
}

// naturalCuts returns the byte offsets of structural markers, spaced at
// least minSpacing characters apart.
func naturalCuts(text string, minSpacing int) []int {
	matches := boundaryPattern.FindAllStringIndex(text, -1)
	var cuts []int
	lastCut := 0
	for _, match := range matches {
		start := match[0]
		if start == 0 {
			continue
		}
		if start-lastCut < minSpacing {
			continue
		}
		if len(text)-start < minSpacing {
			continue
		}
		cuts = append(cuts, start)
		lastCut = start
	}
	return cuts
}

// paragraphRanges greedily packs whole paragraphs of text[start:end] into
// ranges of at most maxChars. The blank-line separator stays with the
// preceding range so the slices remain contiguous.
func paragraphRanges(text string, start, end, maxChars int) [][2]int {
	section := text[start:end]
	gaps := paragraphGapPattern.FindAllStringIndex(section, -1)

	candidates := make([]int, 0, len(gaps)+1)
	for _, gap := range gaps {
		candidates = append(candidates, start+gap[1])
	}
	candidates = append(candidates, end)

	var ranges [][2]int
	segStart := start
	lastViable := -1
	for i := 0; i < len(candidates); i++ {
		cut := candidates[i]
		if cut-segStart <= maxChars {
			lastViable = cut
			continue
		}
		if lastViable > segStart {
			// Close at the last cut that still fit and reconsider this one.
			ranges = append(ranges, [2]int{segStart, lastViable})
			segStart = lastViable
			lastViable = -1
			i--
			continue
		}
		// A single paragraph larger than the budget stays whole.
		ranges = append(ranges, [2]int{segStart, cut})
		segStart = cut
		lastViable = -1
	}
	if segStart < end {
		ranges = append(ranges, [2]int{segStart, end})
	}
	if len(ranges) == 0 {
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}
