package segment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chronicle/internal/logging"
	"chronicle/internal/services"
)

// GenerationContext carries the continuity state handed to the backend for
// one generation call.
type GenerationContext struct {
	Characters     []string
	Locations      []string
	PriorSummaries []string
	SegmentIndex   int
	SegmentTotal   int
	Synthesis      bool
	Metadata       map[string]string
}

// Backend produces a narrative for one text slice. It is invoked once per
// segment and, for multi-segment inputs, once more for synthesis.
type Backend interface {
	Generate(ctx context.Context, text string, genCtx GenerationContext) (string, error)
}

// Result is the outcome of one segmentation run.
type Result struct {
	Narrative string
	Segments  []Segment
	Memory    SessionMemory
	NoContent bool
	Skipped   []int
}

// Options bound a run. Zero values fall back to the engine defaults.
type Options struct {
	TokenThreshold     int
	MinBoundarySpacing int
	ContextSummaries   int
	SummaryMaxChars    int
	KeyEventCap        int
}

func (o Options) withDefaults() Options {
	if o.TokenThreshold <= 0 {
		o.TokenThreshold = 4000
	}
	if o.MinBoundarySpacing <= 0 {
		o.MinBoundarySpacing = 1000
	}
	if o.ContextSummaries <= 0 {
		o.ContextSummaries = 5
	}
	if o.SummaryMaxChars <= 0 {
		o.SummaryMaxChars = 200
	}
	if o.KeyEventCap <= 0 {
		o.KeyEventCap = 20
	}
	return o
}

// SkipHandler decides what to do when one segment's generation fails.
// Returning true skips the segment and continues; returning false aborts
// the run with the error.
type SkipHandler func(segmentIndex int, err error) bool

// Engine drives the split / per-segment generation / synthesis cycle.
type Engine struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	onSkip  SkipHandler
}

// NewEngine constructs an engine around a narrative backend.
func NewEngine(backend Backend, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		backend: backend,
		opts:    opts.withDefaults(),
		logger:  logging.WithComponent(logger, "segmentation"),
	}
}

// WithSkipHandler installs the per-segment failure policy. Without one,
// any segment failure aborts the run.
func (e *Engine) WithSkipHandler(handler SkipHandler) *Engine {
	e.onSkip = handler
	return e
}

// Process turns fullText into one continuous narrative. Inputs under the
// token threshold go through a single generation call with no synthesis
// step. Larger inputs are split, generated segment by segment with carried
// memory, then synthesized into one narrative.
func (e *Engine) Process(ctx context.Context, fullText string, metadata map[string]string) (Result, error) {
	memory := NewSessionMemory(e.opts.KeyEventCap, e.opts.ContextSummaries, e.opts.SummaryMaxChars)
	result := Result{Memory: memory}

	if strings.TrimSpace(fullText) == "" {
		result.NoContent = true
		return result, nil
	}

	segments := Split(fullText, e.opts.TokenThreshold, e.opts.MinBoundarySpacing)
	e.logger.Info("input segmented",
		logging.Int("segments", len(segments)),
		logging.Int("chars", len(fullText)),
		logging.Int("estimated_tokens", EstimateTokens(fullText)),
	)

	narratives := make([]string, 0, len(segments))
	for i := range segments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		seg := &segments[i]
		seg.Characters = ExtractCharacters(seg.Content)
		seg.Locations = ExtractLocations(seg.Content)
		memory = e.noteArrivals(memory, seg)
		memory = memory.MergeEntities(seg.Characters, seg.Locations)

		narrative, err := e.backend.Generate(ctx, seg.Content, GenerationContext{
			Characters:     memory.Characters,
			Locations:      memory.Locations,
			PriorSummaries: memory.RecentSummaries(),
			SegmentIndex:   seg.Index,
			SegmentTotal:   seg.Total,
			Metadata:       metadata,
		})
		if err != nil {
			if e.onSkip != nil && e.onSkip(seg.Index, err) {
				result.Skipped = append(result.Skipped, seg.Index)
				e.logger.Warn("segment skipped",
					logging.Int("segment", seg.Index),
					logging.Error(err),
				)
				continue
			}
			return result, services.Wrap(services.ErrBackend, "narrative",
				fmt.Sprintf("segment %d/%d", seg.Index+1, seg.Total), "generation failed", err)
		}
		narratives = append(narratives, narrative)
		memory = memory.AddSummary(narrative)
	}

	result.Segments = segments
	result.Memory = memory

	if len(narratives) == 0 {
		result.NoContent = true
		return result, nil
	}
	if len(segments) == 1 {
		// A single segment is the narrative; synthesis is a no-op.
		result.Narrative = narratives[0]
		return result, nil
	}

	combined := strings.Join(narratives, "\n\n---\n\n")
	synthesized, err := e.backend.Generate(ctx, combined, GenerationContext{
		Characters:     memory.Characters,
		Locations:      memory.Locations,
		PriorSummaries: memory.RecentSummaries(),
		SegmentTotal:   len(segments),
		Synthesis:      true,
		Metadata:       metadata,
	})
	if err != nil {
		return result, services.Wrap(services.ErrBackend, "narrative", "synthesis", "synthesis failed", err)
	}
	result.Narrative = synthesized
	return result, nil
}

// noteArrivals records first appearances of characters and locations as key
// events so later segments know who is already on stage.
func (e *Engine) noteArrivals(memory SessionMemory, seg *Segment) SessionMemory {
	for _, name := range seg.Characters {
		if !contains(memory.Characters, name) {
			memory = memory.AddKeyEvent(fmt.Sprintf("%s first appears in segment %d", name, seg.Index+1))
		}
	}
	for _, name := range seg.Locations {
		if !contains(memory.Locations, name) {
			memory = memory.AddKeyEvent(fmt.Sprintf("scene reaches %s in segment %d", name, seg.Index+1))
		}
	}
	return memory
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
