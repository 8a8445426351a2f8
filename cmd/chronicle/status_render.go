package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"chronicle/internal/pipeline"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

const (
	statusLabelWidth = 12
	statusIndent     = "  "
	timeRounding     = 10 * time.Millisecond
)

func shouldColorize(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", message)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	default:
		return ""
	}
}

func renderResult(out io.Writer, inputRef string, result *pipeline.ProcessingResult, colorize bool) {
	fmt.Fprintf(out, "%s:\n", inputRef)

	switch {
	case result.Success:
		fmt.Fprintln(out, renderStatusLine("Status", statusOK, fmt.Sprintf("completed in %s", result.Elapsed.Round(timeRounding)), colorize))
	case result.Cancelled:
		fmt.Fprintln(out, renderStatusLine("Status", statusWarn, "cancelled", colorize))
	default:
		message := "failed"
		if result.LastProgress > 0 {
			message = fmt.Sprintf("failed, resumable from %.0f%%", result.LastProgress)
		}
		fmt.Fprintln(out, renderStatusLine("Status", statusError, message, colorize))
	}

	fmt.Fprintln(out, renderStatusLine("Operation", statusInfo, result.OperationID, colorize))
	if result.QualityScore > 0 {
		fmt.Fprintln(out, renderStatusLine("Quality", statusInfo, fmt.Sprintf("%.2f", result.QualityScore), colorize))
	}
	if len(result.Speakers) > 0 {
		fmt.Fprintln(out, renderStatusLine("Speakers", statusInfo, strings.Join(result.Speakers, ", "), colorize))
	}
	if result.SegmentCount > 0 {
		segments := fmt.Sprintf("%d", result.SegmentCount)
		if len(result.SkippedSegments) > 0 {
			segments += fmt.Sprintf(" (%d skipped)", len(result.SkippedSegments))
		}
		fmt.Fprintln(out, renderStatusLine("Segments", statusInfo, segments, colorize))
	}
	if result.NoContent {
		fmt.Fprintln(out, renderStatusLine("Content", statusWarn, "input held no processable content", colorize))
	}
	if result.TotalCost > 0 {
		fmt.Fprintln(out, renderStatusLine("Cost", statusInfo, "$"+result.TotalCost.String(), colorize))
	}
	if result.ResumedFrom > 0 {
		fmt.Fprintln(out, renderStatusLine("Resumed", statusInfo, fmt.Sprintf("from %.0f%%", result.ResumedFrom), colorize))
	}
	for _, action := range result.RecoveryActions {
		fmt.Fprintln(out, renderStatusLine("Recovery", statusWarn, action, colorize))
	}
	for _, warning := range result.Warnings {
		fmt.Fprintln(out, renderStatusLine("Warning", statusWarn, warning, colorize))
	}
	for _, failure := range result.Errors {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, failure, colorize))
	}
}
