// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the Strato orchestrator. Components receive
// their logger and metrics by reference at construction; nothing here keeps
// mutable package-level state beyond the otel global provider registration.
package telemetry
