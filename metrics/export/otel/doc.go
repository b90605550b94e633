// Package otel bridges core counters and histograms into OpenTelemetry
// metric instruments.
//
// [NewExporter] registers an Int64ObservableCounter per core counter and
// an Int64ObservableGauge per histogram bucket. A single callback reads
// one engine snapshot per collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider; callers supply the Meter.
//   - Mutate engine state.
package otel
