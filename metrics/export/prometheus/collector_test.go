package prometheus

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/tessera-id/tessera"
)

func gatherFamilies(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()

	// A pedantic registry rejects inconsistent descriptors at Gather
	// time, so registering here doubles as a validity check.
	reg := prom.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	out := make(map[string]float64, len(families))
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			if ctr := m.GetCounter(); ctr != nil {
				out[fam.GetName()] = ctr.GetValue()
			}
		}
	}
	return out
}

func TestCollectorExportsCounters(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: tessera.MetricsSnapshot{
			Counters: map[tessera.MetricID]uint64{
				tessera.MetricLoginSuccess:        7,
				tessera.MetricTokenReplayDetected: 1,
			},
			Histograms: map[tessera.MetricID][]uint64{},
		},
		dropped: 3,
	})

	values := gatherFamilies(t, c)

	if got := values["tessera_login_success_total"]; got != 7 {
		t.Fatalf("tessera_login_success_total = %v, want 7", got)
	}
	if got := values["tessera_token_replay_detected_total"]; got != 1 {
		t.Fatalf("tessera_token_replay_detected_total = %v, want 1", got)
	}
	if got := values["tessera_audit_dropped_total"]; got != 3 {
		t.Fatalf("tessera_audit_dropped_total = %v, want 3", got)
	}
	// Untouched counters still expose a zero-valued series.
	if got, ok := values["tessera_refresh_failure_total"]; !ok || got != 0 {
		t.Fatalf("tessera_refresh_failure_total = %v (present %v), want 0", got, ok)
	}
}

func TestCollectorExportsHistogram(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: tessera.MetricsSnapshot{
			Counters: map[tessera.MetricID]uint64{},
			Histograms: map[tessera.MetricID][]uint64{
				tessera.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
	})

	reg := prom.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, fam := range families {
		if fam.GetName() != "tessera_validate_latency_seconds" {
			continue
		}
		hist := fam.GetMetric()[0].GetHistogram()
		if hist == nil {
			t.Fatal("expected a histogram metric")
		}
		if got := hist.GetSampleCount(); got != 36 {
			t.Fatalf("sample count = %d, want 36", got)
		}
		buckets := hist.GetBucket()
		if len(buckets) == 0 {
			t.Fatal("histogram has no buckets")
		}
		first := buckets[0]
		if first.GetUpperBound() != 0.005 || first.GetCumulativeCount() != 1 {
			t.Fatalf("first bucket = (%v, %d), want (0.005, 1)", first.GetUpperBound(), first.GetCumulativeCount())
		}
		return
	}
	t.Fatal("tessera_validate_latency_seconds not gathered")
}

func TestCollectorReadsFreshValues(t *testing.T) {
	source := &mutableSource{
		snapshot: tessera.MetricsSnapshot{
			Counters:   map[tessera.MetricID]uint64{tessera.MetricLogout: 1},
			Histograms: map[tessera.MetricID][]uint64{},
		},
	}
	c := NewCollectorFromSource(source)

	reg := prom.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("first Gather failed: %v", err)
	}

	source.set(tessera.MetricLogout, 5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("second Gather failed: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "tessera_logout_total" {
			if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 5 {
				t.Fatalf("tessera_logout_total = %v after update, want 5", got)
			}
			return
		}
	}
	t.Fatal("tessera_logout_total not gathered")
}

type mutableSource struct {
	snapshot tessera.MetricsSnapshot
}

func (m *mutableSource) MetricsSnapshot() tessera.MetricsSnapshot { return m.snapshot }
func (m *mutableSource) AuditDropped() uint64                     { return 0 }

func (m *mutableSource) set(id tessera.MetricID, v uint64) {
	m.snapshot.Counters[id] = v
}
