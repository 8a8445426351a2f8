// Package alerts delivers push notifications for quota breaches, corruption
// detections, recovery failures, and completed operations. Without a
// configured ntfy topic a noop implementation is used.
package alerts
