// Package transcribe talks to a whisper-style transcription API: multipart
// audio upload, bounded retries with exponential backoff, Retry-After
// support, and an optional fallback model for degraded backends.
package transcribe
