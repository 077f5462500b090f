// Package logging provides structured logging for the Gray Link agent.
//
// It wraps log/slog with service-level default fields and per-component
// attribute scoping. Each subsystem derives its own logger:
//
//	modemLog := log.With("component", "modem")
//
// Field units run unattended; logs are the only user-visible error surface,
// so every failure path is expected to log with its component tag.
package logging
