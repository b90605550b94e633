// Package prometheus exposes core metrics to Prometheus scrapers.
//
// [NewExporter] accepts a [tessera.Engine] and renders the text
// exposition format directly, with no registry involved. [NewCollector]
// offers the same series as a client_golang prometheus.Collector for
// services that already run a registry and want one scrape endpoint.
// Counter names are prefixed tessera_*_total; the single histogram is
// tessera_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in a global Prometheus registry; callers own registration.
//   - Mutate engine state.
package prometheus
