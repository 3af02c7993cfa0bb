// Package types defines the core domain model shared across NetRaven's
// job execution subsystem: devices, tags, credentials, job definitions
// and runs, per-device results, and structured log entries.
package types
