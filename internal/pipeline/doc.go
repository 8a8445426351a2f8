// Package pipeline orchestrates one input end to end: corruption gate,
// storage consult, quality assessment, speaker attribution, transcription,
// segmented narrative generation, cleanup. Stage failures route through the
// checkpoint manager's classification and recovery; a best-effort
// ProcessingResult is always produced, even on total failure.
package pipeline
