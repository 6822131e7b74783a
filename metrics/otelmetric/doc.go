// Package otelmetric records engine metrics as OpenTelemetry instruments.
//
// The caller owns the MeterProvider; with the global no-op provider every
// recording is discarded.
package otelmetric
