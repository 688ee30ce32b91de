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

// Registry collects gateway counters: per-endpoint request stats, verdict
// and reason totals, judge latency, and free-form gauges.
type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	verdict      map[string]int64
	reason       map[string]int64
	gauges       map[string]float64
	judgeLatency JudgeLatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type JudgeLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Verdicts       map[string]int64        `json:"verdicts"`
	Reasons        map[string]int64        `json:"reasons"`
	Gauges         map[string]float64      `json:"gauges"`
	JudgeLatencyMS JudgeLatencyStat        `json:"judge_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		verdict:  map[string]int64{},
		reason:   map[string]int64{},
		gauges:   map[string]float64{},
	}
}

// Observe records one served request.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 500 {
		stat.ErrorCount++
	}
	stat.TotalMillis += ms
	if ms > stat.MaxMillis {
		stat.MaxMillis = ms
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) ObserveJudgeLatency(d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.judgeLatency.Count++
	r.judgeLatency.TotalMS += ms
	r.judgeLatency.LastMS = ms
	if ms > r.judgeLatency.MaxMS {
		r.judgeLatency.MaxMS = ms
	}
	r.judgeLatency.AvgMS = float64(r.judgeLatency.TotalMS) / float64(r.judgeLatency.Count)
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
	snap := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      map[string]EndpointStat{},
		Verdicts:       map[string]int64{},
		Reasons:        map[string]int64{},
		Gauges:         map[string]float64{},
		JudgeLatencyMS: r.judgeLatency,
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		snap.Verdicts[k] = v
	}
	for k, v := range r.reason {
		snap.Reasons[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
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

// PrometheusHandler renders the snapshot in Prometheus text exposition
// format, keys in deterministic order.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP pedagogy_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE pedagogy_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "pedagogy_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP pedagogy_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE pedagogy_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "pedagogy_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP pedagogy_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE pedagogy_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "pedagogy_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP pedagogy_verdict_total total judgments by verdict\n")
		b.WriteString("# TYPE pedagogy_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "pedagogy_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP pedagogy_reason_total total judgments by reason code\n")
		b.WriteString("# TYPE pedagogy_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "pedagogy_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP pedagogy_judge_latency_avg_ms average judge completion latency\n")
		b.WriteString("# TYPE pedagogy_judge_latency_avg_ms gauge\n")
		fmt.Fprintf(b, "pedagogy_judge_latency_avg_ms %.3f\n", snap.JudgeLatencyMS.AvgMS)
		b.WriteString("# HELP pedagogy_gauge free-form gauges\n")
		b.WriteString("# TYPE pedagogy_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "pedagogy_gauge{name=%q} %g\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// SortedKeys gives deterministic iteration order for rendered snapshots.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
