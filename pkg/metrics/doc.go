// Package metrics exposes NetRaven's Prometheus instrumentation for
// the job execution subsystem: scheduler fire-loop activity,
// dispatcher fan-out and per-device outcomes, handler latency, and
// credential rotation.
package metrics
