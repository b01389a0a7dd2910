package model

import "time"

// TickTelemetry is the per-tick publication described in spec §4.3:
// "each tick publishes {state, cached_p95, current_ratio, target_ratio,
// intensity_now}", extended with the other subsystems' state for the
// on-demand machine-readable snapshot (§6).
type TickTelemetry struct {
	TickTs         time.Time       `json:"tick_ts"`
	State          ControllerState `json:"state"`
	CachedP95      float64         `json:"cached_p95"`
	P95Known       bool            `json:"p95_known"`
	CurrentRatio   float64         `json:"current_ratio"`
	TargetRatio    float64         `json:"target_ratio"`
	IntensityNow   Intensity       `json:"intensity_now"`
	MemCurrentPct  float64         `json:"mem_current_pct"`
	NetActive      bool            `json:"net_active"`
	NetState       GenState        `json:"net_state"`
	StoreHealth    StoreHealth     `json:"store_health"`
	GatedByLoad    bool            `json:"gated_by_load"`
	GatedByCPUStop bool            `json:"gated_by_cpu_stop"`
}
