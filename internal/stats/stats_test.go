package stats

import (
	"errors"
	"testing"
)

func findFamily(t *testing.T, r *Reporter, name string) map[string]float64 {
	t.Helper()
	families, err := r.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			label := ""
			for _, lp := range m.GetLabel() {
				label += lp.GetName() + "=" + lp.GetValue() + ";"
			}
			switch {
			case m.GetCounter() != nil:
				out[label] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[label] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestRecordAPICall(t *testing.T) {
	r := New("discovery")
	r.RecordAPICall("GetOneInstance", "ok", 0.01)
	r.RecordAPICall("GetOneInstance", "ok", 0.02)
	r.RecordAPICall("GetOneInstance", "error", 0.5)

	calls := findFamily(t, r, "discovery_api_calls_total")
	if calls["method=GetOneInstance;outcome=ok;"] != 2 {
		t.Fatalf("ok count = %v", calls)
	}
	if calls["method=GetOneInstance;outcome=error;"] != 1 {
		t.Fatalf("error count = %v", calls)
	}
}

func TestBreakerGaugeAndTaskCounters(t *testing.T) {
	r := New("discovery")
	r.SetBreakerOpenCount("Test/svc.a", 3)
	r.RecordTaskRun("gc", nil)
	r.RecordTaskRun("gc", errors.New("boom"))

	open := findFamily(t, r, "discovery_breaker_open_instances")
	if open["service=Test/svc.a;"] != 3 {
		t.Fatalf("breaker gauge = %v", open)
	}
	runs := findFamily(t, r, "discovery_scheduler_task_runs_total")
	if runs["task=gc;"] != 2 {
		t.Fatalf("task runs = %v", runs)
	}
	errsTotal := findFamily(t, r, "discovery_scheduler_task_errors_total")
	if errsTotal["task=gc;"] != 1 {
		t.Fatalf("task errors = %v", errsTotal)
	}
}
