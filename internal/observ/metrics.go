package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// registry is a minimal in-process counters/gauges/histograms store,
// dumped as JSON rather than Prometheus exposition format.
type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(d.Milliseconds()), labels)
}

// Handler dumps the raw registry as JSON for quick inspection.
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus is the shape served by /healthz.
type HealthStatus struct {
	Status    string        `json:"status"` // healthy | degraded
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics surfaces the few numbers worth alarming on for this
// service: provider reachability, NAV cache effectiveness, and the most
// recent refresh run's outcome.
type HealthMetrics struct {
	QuoteSuccessRate    float64 `json:"quoteSuccessRate"`
	QuoteCacheHitRate   float64 `json:"quoteCacheHitRate"`
	LastRefreshFailures int64   `json:"lastRefreshFailures"`
	LastRefreshTotal    int64   `json:"lastRefreshTotal"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

func SetVersion(v string) { version = v }

func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		metrics := computeHealthMetrics()
		reg.mu.Unlock()

		status := "healthy"
		if metrics.LastRefreshTotal > 0 && metrics.LastRefreshFailures == metrics.LastRefreshTotal {
			status = "degraded"
		}

		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   metrics,
		}

		code := http.StatusOK
		if status == "degraded" {
			code = http.StatusPartialContent
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// computeHealthMetrics assumes reg.mu is already held.
func computeHealthMetrics() HealthMetrics {
	var m HealthMetrics

	var reqs, ok int64
	for _, c := range reg.counters["quote_requests_total"] {
		reqs += c
	}
	for _, c := range reg.counters["quote_successes_total"] {
		ok += c
	}
	if reqs > 0 {
		m.QuoteSuccessRate = float64(ok) / float64(reqs)
	}

	var hits, misses int64
	for _, c := range reg.counters["nav_cache_hits_total"] {
		hits += c
	}
	for _, c := range reg.counters["nav_cache_misses_total"] {
		misses += c
	}
	if hits+misses > 0 {
		m.QuoteCacheHitRate = float64(hits) / float64(hits+misses)
	}

	for _, v := range reg.gauges["refresh_last_run_total"] {
		m.LastRefreshTotal = int64(v)
	}
	for _, v := range reg.gauges["refresh_last_run_failures"] {
		m.LastRefreshFailures = int64(v)
	}

	return m
}

// Health is a bare liveness probe.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
