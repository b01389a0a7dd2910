// Package telemetry publishes the per-tick snapshot described in spec
// §4.3 and §6: an in-memory latest-value holder (grounded on the
// teacher's MetricsStore/Handler exporter pattern), upgraded to a real
// Prometheus registry, plus a JSON snapshot for on-demand inspection.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ftahirops/idlekeepd/model"
)

// Publisher holds the latest tick telemetry and exposes it two ways: a
// Prometheus registry for scraping, and a JSON snapshot for the on-demand
// machine-readable dump.
type Publisher struct {
	mu     sync.RWMutex
	latest model.TickTelemetry
	have   bool

	state          prometheus.Gauge
	cachedP95      prometheus.Gauge
	p95Known       prometheus.Gauge
	currentRatio   prometheus.Gauge
	targetRatio    prometheus.Gauge
	intensityNow   prometheus.Gauge
	memCurrentPct  prometheus.Gauge
	netActive      prometheus.Gauge
	netState       prometheus.Gauge
	storeHealth    prometheus.Gauge
	gatedByLoad    prometheus.Gauge
	gatedByCPUStop prometheus.Gauge
}

// New creates every gauge without registering it anywhere; Handler
// registers them against a fresh prometheus.Registry, keeping the
// daemon's metrics isolated from the default global registry.
func New() *Publisher {
	p := &Publisher{
		state:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_controller_state", Help: "P95Controller state: 0=BUILDING 1=MAINTAINING 2=REDUCING"}),
		cachedP95:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_cached_p95", Help: "7-day cached CPU p95 percentage"}),
		p95Known:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_p95_known", Help: "1 if the cached p95 is backed by sufficient history"}),
		currentRatio:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_exceedance_ratio", Help: "fraction of known slots currently classified high"}),
		targetRatio:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_target_ratio", Help: "configured exceedance budget"}),
		intensityNow:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_intensity_now", Help: "0=baseline 1=high"}),
		memCurrentPct:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_mem_current_pct", Help: "current host memory utilization percentage"}),
		netActive:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_net_active", Help: "1 if synthetic network traffic is currently active"}),
		netState:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_net_state", Help: "NetGenerator state ordinal"}),
		storeHealth:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_store_health", Help: "0=available 1=degraded 2=unavailable"}),
		gatedByLoad:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_gated_by_load", Help: "1 if the load-average safety gate suppressed this tick's intensity"}),
		gatedByCPUStop: prometheus.NewGauge(prometheus.GaugeOpts{Name: "idlekeepd_gated_by_cpu_stop", Help: "1 if the cpu_stop safety gate suppressed this tick's intensity"}),
	}
	return p
}

// MustRegister attaches every gauge to reg. Call once at startup.
func (p *Publisher) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		p.state, p.cachedP95, p.p95Known, p.currentRatio, p.targetRatio,
		p.intensityNow, p.memCurrentPct, p.netActive, p.netState,
		p.storeHealth, p.gatedByLoad, p.gatedByCPUStop,
	)
}

// Handler returns an http.Handler for scraping, wired through a private
// registry so it doesn't collide with anything else in-process.
func (p *Publisher) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	p.MustRegister(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Publish records one tick's telemetry, per spec §4.3's required fields
// {state, cached_p95, current_ratio, target_ratio, intensity_now} plus the
// extended fields used by the JSON snapshot.
func (p *Publisher) Publish(t model.TickTelemetry) {
	p.mu.Lock()
	p.latest = t
	p.have = true
	p.mu.Unlock()

	p.state.Set(float64(t.State))
	p.cachedP95.Set(t.CachedP95)
	p.p95Known.Set(boolToFloat(t.P95Known))
	p.currentRatio.Set(t.CurrentRatio)
	p.targetRatio.Set(t.TargetRatio)
	p.intensityNow.Set(float64(t.IntensityNow))
	p.memCurrentPct.Set(t.MemCurrentPct)
	p.netActive.Set(boolToFloat(t.NetActive))
	p.netState.Set(float64(t.NetState))
	p.storeHealth.Set(float64(t.StoreHealth))
	p.gatedByLoad.Set(boolToFloat(t.GatedByLoad))
	p.gatedByCPUStop.Set(boolToFloat(t.GatedByCPUStop))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Snapshot returns the most recent published telemetry and whether any
// tick has published yet.
func (p *Publisher) Snapshot() (model.TickTelemetry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.have
}

// SnapshotJSON marshals the latest telemetry for the on-demand
// machine-readable dump (spec §6).
func (p *Publisher) SnapshotJSON() ([]byte, error) {
	t, _ := p.Snapshot()
	return json.MarshalIndent(t, "", "  ")
}

// SnapshotHandler serves the JSON snapshot over HTTP, separate from the
// Prometheus scrape endpoint.
func (p *Publisher) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := p.SnapshotJSON()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}
