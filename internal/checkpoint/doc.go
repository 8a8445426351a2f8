// Package checkpoint owns the per-operation state machine, durable stage
// checkpoints with integrity digests, failure classification, and recovery
// strategy execution.
package checkpoint
