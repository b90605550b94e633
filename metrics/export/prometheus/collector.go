package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/tessera-id/tessera"
	"github.com/tessera-id/tessera/metrics/export/internaldefs"
)

// Collector bridges core metrics into a client_golang registry, for
// services that already run one and want a single scrape endpoint.
// Values are read fresh from the source on every Collect, so the
// collector itself holds no state beyond the descriptors.
type Collector struct {
	source       metricsSource
	counterDescs []*prom.Desc
	histDescs    []*prom.Desc
	droppedDesc  *prom.Desc
}

var _ prom.Collector = (*Collector)(nil)

// NewCollector reads from an engine.
func NewCollector(engine *tessera.Engine) *Collector {
	return NewCollectorFromSource(engine)
}

// NewCollectorFromSource reads from any snapshot source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source: source,
		droppedDesc: prom.NewDesc(
			"tessera_audit_dropped_total",
			"Audit events dropped by dispatcher backpressure.",
			nil, nil,
		),
	}
	for _, def := range internaldefs.CounterDefs {
		c.counterDescs = append(c.counterDescs, prom.NewDesc(def.Name, def.Help, nil, nil))
	}
	for _, def := range internaldefs.HistogramDefs {
		c.histDescs = append(c.histDescs, prom.NewDesc(def.Name, def.Help, nil, nil))
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prom.Desc) {
	for _, d := range c.counterDescs {
		ch <- d
	}
	for _, d := range c.histDescs {
		ch <- d
	}
	ch <- c.droppedDesc
}

func (c *Collector) Collect(ch chan<- prom.Metric) {
	if c == nil || c.source == nil {
		return
	}

	snapshot := c.source.MetricsSnapshot()

	for i, def := range internaldefs.CounterDefs {
		ch <- prom.MustNewConstMetric(c.counterDescs[i], prom.CounterValue, float64(snapshot.Counters[def.ID]))
	}

	for i, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramBoundValues))
		for j, bound := range internaldefs.HistogramBoundValues {
			buckets[bound] = cumulative[j]
		}
		count := cumulative[len(cumulative)-1]
		// Core snapshots carry no sum; zero keeps the series shape stable.
		ch <- prom.MustNewConstHistogram(c.histDescs[i], count, 0, buckets)
	}

	ch <- prom.MustNewConstMetric(c.droppedDesc, prom.CounterValue, float64(c.source.AuditDropped()))
}
