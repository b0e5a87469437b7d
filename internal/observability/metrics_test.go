package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("tasks_completed_total", map[string]string{"model": "base", "gpu": "0"}, 3)
	r.SetGauge("gpu_allocated_gb", map[string]string{"gpu": "0"}, 2.5)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `tasks_completed_total{gpu="0",model="base"} 3`) {
		t.Fatalf("missing completed counter in output: %s", out)
	}
	if !strings.Contains(out, `gpu_allocated_gb{gpu="0"} 2.5`) {
		t.Fatalf("missing allocated gauge in output: %s", out)
	}
}

func TestSnapshotSortedAndIsolated(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("b_total", nil, 1)
	r.IncCounter("a_total", nil, 2)
	r.SetGauge("queue_depth", map[string]string{"model": "tiny"}, 4)

	s := r.Snapshot()
	if len(s.Counters) != 2 || s.Counters[0].Name != "a_total" || s.Counters[1].Name != "b_total" {
		t.Fatalf("counters not sorted by name: %+v", s.Counters)
	}
	if len(s.Gauges) != 1 || s.Gauges[0].Value != 4 {
		t.Fatalf("unexpected gauges: %+v", s.Gauges)
	}
	// Mutating the snapshot's label map must not leak back into the registry.
	s.Gauges[0].Labels["model"] = "mutated"
	s2 := r.Snapshot()
	if s2.Gauges[0].Labels["model"] != "tiny" {
		t.Fatalf("snapshot labels are not isolated: %+v", s2.Gauges)
	}
}
