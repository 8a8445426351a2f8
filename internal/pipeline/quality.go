package pipeline

import "chronicle/internal/corruption"

// smallInputBytes marks inputs too short to score reliably.
const smallInputBytes = 32 * 1024

// AssessQuality derives a heuristic quality score in [0, 1] from the
// corruption report. The detector's confidence is the base signal; very
// small inputs and accumulated issues lower it further.
func AssessQuality(report corruption.Report) float64 {
	score := report.Confidence
	if report.Size > 0 && report.Size < smallInputBytes {
		score *= 0.8
	}
	for range report.Issues {
		score *= 0.9
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
