// Package segment splits oversized text into bounded, natural-boundary
// segments, carries cross-segment memory (characters, locations, key
// events) through an explicit accumulator, and synthesizes a single
// continuous narrative from the per-segment results.
package segment
