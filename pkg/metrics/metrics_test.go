package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAggregatesEndpointStats(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/generate", 200, 20*time.Millisecond)
	r.Observe("/v1/generate", 500, 40*time.Millisecond)

	snap := r.Snapshot()
	stat, ok := snap.Endpoints["/v1/generate"]
	if !ok {
		t.Fatal("expected endpoint stat")
	}
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected counts: %+v", stat)
	}
	if stat.MaxMillis != 40 || stat.AverageMillis != 30 {
		t.Fatalf("unexpected latency stats: %+v", stat)
	}
	if stat.LastStatusCode != 500 {
		t.Fatalf("unexpected last status: %d", stat.LastStatusCode)
	}
}

func TestCounters(t *testing.T) {
	r := NewRegistry()
	r.IncGeneration("resources")
	r.IncGeneration("resources")
	r.IncGeneration("actions")
	r.IncGeneration("")
	r.IncDecision("Allow", "Deny")
	r.IncDecision("Allow", "Allow")
	r.AddEventsConsumed(10)
	r.AddEventsConsumed(-1)
	r.IncSinkFailures()

	snap := r.Snapshot()
	if snap.Generations["resources"] != 2 || snap.Generations["actions"] != 1 {
		t.Fatalf("unexpected generation counts: %#v", snap.Generations)
	}
	if len(snap.Generations) != 2 {
		t.Fatalf("empty mode must not be counted: %#v", snap.Generations)
	}
	if snap.Decisions["Allow|Deny"] != 1 {
		t.Fatalf("unexpected decision counts: %#v", snap.Decisions)
	}
	if snap.EventsConsumed != 10 || snap.SinkFailures != 1 {
		t.Fatalf("unexpected totals: events=%d sinks=%d", snap.EventsConsumed, snap.SinkFailures)
	}
}

func TestSynthLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveSynthLatency(10 * time.Millisecond)
	r.ObserveSynthLatency(30 * time.Millisecond)

	snap := r.Snapshot()
	if snap.SynthLatencyMS.Count != 2 || snap.SynthLatencyMS.MaxMS != 30 || snap.SynthLatencyMS.LastMS != 30 {
		t.Fatalf("unexpected synth latency: %+v", snap.SynthLatencyMS)
	}
	if snap.SynthLatencyMS.AvgMS != 20 {
		t.Fatalf("unexpected average: %v", snap.SynthLatencyMS.AvgMS)
	}
}

func TestHandlerJSON(t *testing.T) {
	r := NewRegistry()
	r.IncGeneration("actions")
	r.SetGauge("usage_records", 42)

	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest(http.MethodGet, "/metrics.json", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Generations["actions"] != 1 || snap.Gauges["usage_records"] != 42 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/simulate", 200, 5*time.Millisecond)
	r.IncGeneration("resources")
	r.IncDecision("Allow", "Deny")
	r.ObserveLatency("/v1/simulate", 7*time.Millisecond)
	r.AddEventsConsumed(3)

	rr := httptest.NewRecorder()
	r.PrometheusHandler()(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`iamlp_endpoint_count{endpoint="/v1/simulate"} 1`,
		`iamlp_generation_total{mode="resources"} 1`,
		`iamlp_decision_total{before="Allow",after="Deny"} 1`,
		`iamlp_events_consumed_total 3`,
		`iamlp_latency_seconds_count{endpoint="/v1/simulate"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("synth")
	for i := 0; i < 100; i++ {
		h.Observe(8 * time.Millisecond)
	}
	h.Observe(2 * time.Second)

	snap := h.Snapshot()
	if snap.Count != 101 {
		t.Fatalf("unexpected count: %d", snap.Count)
	}
	if snap.P50 != 0.01 {
		t.Fatalf("unexpected p50: %v", snap.P50)
	}
	if snap.P99 > 2.5 {
		t.Fatalf("unexpected p99: %v", snap.P99)
	}
}

func TestHistogramRegistrySnapshotsSorted(t *testing.T) {
	r := NewHistogramRegistry()
	r.ObserveDuration("/v1/simulate", time.Millisecond)
	r.ObserveDuration("/v1/generate", time.Millisecond)

	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "/v1/generate" {
		t.Fatalf("expected name-sorted snapshots, got %+v", snaps)
	}
}
