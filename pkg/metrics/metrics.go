// Package metrics keeps in-process counters for the API server and exposes
// them as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	generation     map[string]int64
	decision       map[string]int64
	gauges         map[string]float64
	eventsConsumed int64
	sinkFailures   int64
	synthLatency   SynthLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type SynthLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Generations    map[string]int64        `json:"generations"`
	Decisions      map[string]int64        `json:"decisions"`
	Gauges         map[string]float64      `json:"gauges"`
	EventsConsumed int64                   `json:"events_consumed_total"`
	SinkFailures   int64                   `json:"sink_failures_total"`
	SynthLatencyMS SynthLatencyStat        `json:"synth_latency_ms"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		generation: map[string]int64{},
		decision:   map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncGeneration counts one policy generation by synthesis mode.
func (r *Registry) IncGeneration(mode string) {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return
	}
	r.mu.Lock()
	r.generation[mode]++
	r.mu.Unlock()
}

// IncDecision counts one simulated probe outcome, keyed before|after.
func (r *Registry) IncDecision(before, after string) {
	if before == "" || after == "" {
		return
	}
	r.mu.Lock()
	r.decision[before+"|"+after]++
	r.mu.Unlock()
}

func (r *Registry) AddEventsConsumed(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.eventsConsumed += n
	r.mu.Unlock()
}

func (r *Registry) IncSinkFailures() {
	r.mu.Lock()
	r.sinkFailures++
	r.mu.Unlock()
}

func (r *Registry) ObserveSynthLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthLatency.Count++
	r.synthLatency.TotalMS += ms
	r.synthLatency.LastMS = ms
	if ms > r.synthLatency.MaxMS {
		r.synthLatency.MaxMS = ms
	}
	r.synthLatency.AvgMS = float64(r.synthLatency.TotalMS) / float64(r.synthLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Generations:    make(map[string]int64, len(r.generation)),
		Decisions:      make(map[string]int64, len(r.decision)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		EventsConsumed: r.eventsConsumed,
		SinkFailures:   r.sinkFailures,
		SynthLatencyMS: r.synthLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.generation {
		out.Generations[k] = v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP iamlp_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE iamlp_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "iamlp_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP iamlp_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE iamlp_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "iamlp_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP iamlp_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE iamlp_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "iamlp_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP iamlp_generation_total policy generations by mode\n")
		b.WriteString("# TYPE iamlp_generation_total counter\n")
		for _, mode := range SortedKeys(snap.Generations) {
			fmt.Fprintf(b, "iamlp_generation_total{mode=%q} %d\n", mode, snap.Generations[mode])
		}
		b.WriteString("# HELP iamlp_decision_total simulated probe outcomes by before/after decision\n")
		b.WriteString("# TYPE iamlp_decision_total counter\n")
		for _, key := range SortedKeys(snap.Decisions) {
			parts := strings.SplitN(key, "|", 2)
			after := ""
			if len(parts) == 2 {
				after = parts[1]
			}
			fmt.Fprintf(b, "iamlp_decision_total{before=%q,after=%q} %d\n", parts[0], after, snap.Decisions[key])
		}
		b.WriteString("# HELP iamlp_gauge operational gauge metrics\n")
		b.WriteString("# TYPE iamlp_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "iamlp_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP iamlp_latency_seconds latency histogram\n")
			b.WriteString("# TYPE iamlp_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "iamlp_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "iamlp_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "iamlp_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "iamlp_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "iamlp_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "iamlp_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "iamlp_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP iamlp_events_consumed_total audit events consumed from the stream\n")
		b.WriteString("# TYPE iamlp_events_consumed_total counter\n")
		fmt.Fprintf(b, "iamlp_events_consumed_total %d\n", snap.EventsConsumed)

		b.WriteString("# HELP iamlp_sink_failures_total usage sink upsert failures\n")
		b.WriteString("# TYPE iamlp_sink_failures_total counter\n")
		fmt.Fprintf(b, "iamlp_sink_failures_total %d\n", snap.SinkFailures)

		b.WriteString("# HELP iamlp_synth_latency_ms policy synthesis latency in ms\n")
		b.WriteString("# TYPE iamlp_synth_latency_ms gauge\n")
		fmt.Fprintf(b, "iamlp_synth_latency_ms{stat=%q} %d\n", "last", snap.SynthLatencyMS.LastMS)
		fmt.Fprintf(b, "iamlp_synth_latency_ms{stat=%q} %.3f\n", "avg", snap.SynthLatencyMS.AvgMS)
		fmt.Fprintf(b, "iamlp_synth_latency_ms{stat=%q} %d\n", "max", snap.SynthLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
