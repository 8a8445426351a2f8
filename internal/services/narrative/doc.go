// Package narrative generates prose from transcript text through an
// OpenAI-compatible chat completion API. It implements the segmentation
// engine's backend contract: one call per segment plus one synthesis call.
package narrative
