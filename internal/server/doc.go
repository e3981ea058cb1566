// Package server implements the core HTTP and WebSocket functionality for
// MoodChat: the live session registry, identity resolution, the per-connection
// event dispatcher, and roster broadcasting.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, sessions, dispatching, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package server
