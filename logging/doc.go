// Package logging provides a minimal logging interface and adapters for Handoff.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the delegation engine uses for observability. This
// package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - HandoffLogger with execution/delegation contextual helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	h := handoff.New(runner, handoff.WithLogger(logger))
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging
