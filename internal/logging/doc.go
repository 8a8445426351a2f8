// Package logging constructs the slog loggers used across chronicle and
// provides attribute helpers so call sites stay terse.
package logging
