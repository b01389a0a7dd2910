// Package netfallback implements the NetFallbackState machine from spec
// §4.6: it watches whether CPU, network, and (shape-dependent) memory are
// below the risk threshold, and activates synthetic network traffic only
// when every counted metric is at risk — debounced and EMA-smoothed so
// a single noisy tick can't flap the generator on and off.
package netfallback

import (
	"math"
	"time"

	"github.com/ftahirops/idlekeepd/config"
)

// Mode mirrors config.FallbackMode, parsed once at construction.
type Mode int

const (
	ModeAdaptive Mode = iota
	ModeAlways
	ModeOff
)

func parseMode(s string) Mode {
	switch s {
	case "always":
		return ModeAlways
	case "off":
		return ModeOff
	default:
		return ModeAdaptive
	}
}

// State tracks the fallback activation decision across ticks. It is not
// safe for concurrent use; the coordinator owns it.
type State struct {
	cfg  config.Config
	mode Mode

	active bool

	candidate      bool
	candidateSince time.Time
	lastChangeAt   time.Time

	haveEMA    bool
	emaRate    float64 // smoothed risk metric (lower = more at risk)
	lastEvalAt time.Time
}

// New constructs a fallback state machine from configuration.
func New(cfg config.Config) *State {
	return &State{cfg: cfg, mode: parseMode(cfg.FallbackMode)}
}

// Evaluate runs one tick: cpuPct, memPct, and netPct are the current
// utilization readings (memPct ignored for shapes that don't count
// memory). The predicate is S_cpu AND S_net (AND S_mem on memory-counting
// shapes): fallback traffic only activates when every counted metric is
// at risk, per spec §4.6 — a metric that is already safe on its own
// means reclamation isn't imminent regardless of the others. Returns
// whether the generator should be active after this tick.
func (s *State) Evaluate(now time.Time, cpuPct, memPct, netPct float64, countsMemory bool) bool {
	switch s.mode {
	case ModeOff:
		s.active = false
		s.lastEvalAt = now
		return false
	case ModeAlways:
		s.active = true
		s.lastEvalAt = now
		return true
	}

	risk := s.riskMetric(cpuPct, memPct, netPct, countsMemory)
	s.updateEMA(now, risk)

	wantActive := s.emaRate < s.cfg.RiskThreshold
	s.applyDebounce(now, wantActive)
	s.applyMinOnOff(now)
	s.lastEvalAt = now
	return s.active
}

// riskMetric is the highest utilization across the metrics this shape
// counts: it falls below the risk threshold only when every counted
// metric does, which makes the threshold test an AND of the per-metric
// at-risk conditions. Network is always a conjunct — activating
// fallback traffic is pointless (and perturbs co-tenant workloads
// needlessly) once net utilization is already safely above the floor.
func (s *State) riskMetric(cpuPct, memPct, netPct float64, countsMemory bool) float64 {
	risk := cpuPct
	if netPct > risk {
		risk = netPct
	}
	if countsMemory && memPct > risk {
		risk = memPct
	}
	return risk
}

// updateEMA smooths risk over the actual elapsed time since the previous
// call, not a configured cadence: Evaluate runs once per coordinator
// tick (cfg.Interval), which need not equal cfg.Debounce.
func (s *State) updateEMA(now time.Time, sample float64) {
	if !s.haveEMA {
		s.emaRate = sample
		s.haveEMA = true
		return
	}
	tau := s.cfg.RateEMATau.Seconds()
	if tau <= 0 {
		s.emaRate = sample
		return
	}
	elapsed := now.Sub(s.lastEvalAt).Seconds()
	if elapsed <= 0 {
		elapsed = s.cfg.Interval.Seconds()
	}
	alpha := 1 - math.Exp(-elapsed/tau)
	s.emaRate = s.emaRate + alpha*(sample-s.emaRate)
}

// applyDebounce requires the desired state to hold for debounce before it
// becomes a candidate for activation, matching the teacher's sustained
// candidate pattern.
func (s *State) applyDebounce(now time.Time, wantActive bool) {
	if wantActive == s.candidate {
		return
	}
	s.candidate = wantActive
	s.candidateSince = now
}

func (s *State) applyMinOnOff(now time.Time) {
	if s.candidate == s.active {
		return
	}
	if now.Sub(s.candidateSince) < s.cfg.Debounce {
		return
	}
	if s.active && now.Sub(s.lastChangeAt) < s.cfg.MinOn {
		return
	}
	if !s.active && now.Sub(s.lastChangeAt) < s.cfg.MinOff {
		return
	}
	s.active = s.candidate
	s.lastChangeAt = now
}

// Active reports the current activation decision without evaluating a
// new tick.
func (s *State) Active() bool {
	return s.active
}
