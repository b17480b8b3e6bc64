// Package telemetry provides the observability surface for Helmstead:
// structured logging (zerolog), Prometheus metrics, OpenTelemetry tracing,
// and an in-process event bus that carries node, sync and drift lifecycle
// events between components and out to subscribers.
package telemetry
