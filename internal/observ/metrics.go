package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradeguard"

// registry lazily creates prometheus vectors on first use. The label set
// of a metric is fixed by its first observation.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hists:    map[string]*prometheus.HistogramVec{},
		labels:   map[string][]string{},
	}
	r.prom.MustRegister(collectors.NewGoCollector())
	return r
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fit projects lbl onto the label names fixed for name, filling gaps.
func (r *registry) fit(name string, lbl map[string]string) prometheus.Labels {
	if lbl == nil {
		lbl = map[string]string{}
	}
	names, ok := r.labels[name]
	if !ok {
		names = labelNames(lbl)
		r.labels[name] = names
	}
	out := prometheus.Labels{}
	for _, n := range names {
		out[n] = lbl[n]
	}
	return out
}

func fqName(name string) string {
	if strings.HasPrefix(name, namespace+"_") {
		return name
	}
	return namespace + "_" + name
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	l := reg.fit(name, labels)
	vec, ok := reg.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fqName(name),
			Help: name,
		}, labelNames(l))
		reg.prom.MustRegister(vec)
		reg.counters[name] = vec
	}
	vec.With(l).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	l := reg.fit(name, labels)
	vec, ok := reg.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: fqName(name),
			Help: name,
		}, labelNames(l))
		reg.prom.MustRegister(vec)
		reg.gauges[name] = vec
	}
	vec.With(l).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	l := reg.fit(name, labels)
	vec, ok := reg.hists[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fqName(name),
			Help:    name,
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, labelNames(l))
		reg.prom.MustRegister(vec)
		reg.hists[name] = vec
	}
	vec.With(l).Observe(value)
}

func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name, d.Seconds(), labels)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func Gatherer() prometheus.Gatherer { return reg.prom }

var (
	version   = "dev"
	startedAt = time.Now()
	healthMu  sync.RWMutex
	checks    = map[string]func() error{}
)

func SetVersion(v string) { version = v }

// RegisterHealthCheck adds a named probe to HealthHandler.
func RegisterHealthCheck(name string, fn func() error) {
	healthMu.Lock()
	checks[name] = fn
	healthMu.Unlock()
}

// HealthHandler reports 200 when every registered probe passes.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthMu.RLock()
		defer healthMu.RUnlock()

		status := "ok"
		components := map[string]string{}
		for name, fn := range checks {
			if err := fn(); err != nil {
				components[name] = err.Error()
				status = "degraded"
				continue
			}
			components[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         status,
			"version":        version,
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
			"components":     components,
		})
	})
}
