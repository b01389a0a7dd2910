// Package config holds the flat, named option set described in spec.md §9.
// Values from a JSON file override the defaults, and the caller applies
// command-line overrides on top; there is no shape template layer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ShapeProfile selects which metrics the net-fallback activation predicate
// counts, and whether the memory occupier is dormant. Shape auto-detection
// itself is out of scope (spec §1); the core only needs the resulting
// profile.
type ShapeProfile string

const (
	// ShapeE2Micro counts only CPU and network; memory is not policed.
	ShapeE2Micro ShapeProfile = "e2-micro"
	// ShapeA1Flex counts CPU, network, and memory.
	ShapeA1Flex ShapeProfile = "a1-flex"
)

// Config is the complete named option set for idlekeepd.
type Config struct {
	DataDir  string        `json:"data_dir"`
	Interval time.Duration `json:"interval"`
	Shape    ShapeProfile  `json:"shape"`

	// MetricsStore
	RetentionDays int           `json:"retention_days"`
	P95CacheTTL   time.Duration `json:"p95_cache_ttl"`

	// P95Controller
	SlotLenSec                 int     `json:"slot_len_sec"`
	RingCapacitySlots          int     `json:"ring_capacity_slots"`
	TargetRatio                float64 `json:"target_ratio"`
	P95Min                     float64 `json:"p95_min"`
	P95Max                     float64 `json:"p95_max"`
	HighIntensity              float64 `json:"high_intensity"`
	BaselineIntensity          float64 `json:"baseline_intensity"`
	DeadbandBuilding           float64 `json:"deadband_building"`
	DeadbandMaintaining        float64 `json:"deadband_maintaining"`
	DeadbandReducing           float64 `json:"deadband_reducing"`
	RingFlushEverySlots        int     `json:"ring_flush_every_slots"`
	MaxConsecutiveSkippedSlots int     `json:"max_consecutive_skipped_slots"`

	// Safety gates
	LoadThreshold       float64 `json:"load_threshold"`
	LoadResumeThreshold float64 `json:"load_resume_threshold"`
	CPUStopPct          float64 `json:"cpu_stop_pct"`

	// MemoryOccupier
	MemTargetPct     float64       `json:"mem_target_pct"`
	MemHysteresisPct float64       `json:"mem_hysteresis_pct"`
	MemStepMB        int           `json:"mem_step_mb"`
	MemMinFreeMB     int           `json:"mem_min_free_mb"`
	MemStopPct       float64       `json:"mem_stop_pct"`
	TouchInterval    time.Duration `json:"touch_interval"`

	// NetFallback
	RiskThreshold float64       `json:"risk_threshold"`
	Debounce      time.Duration `json:"debounce"`
	MinOn         time.Duration `json:"min_on"`
	MinOff        time.Duration `json:"min_off"`
	RateEMATau    time.Duration `json:"rate_ema_tau"`
	FallbackMode  string        `json:"fallback_mode"` // adaptive | always | off

	// NetGenerator
	Peers                []string      `json:"peers"`
	GeneratorPort        int           `json:"generator_port"`
	PacketSizeBytes      int           `json:"packet_size_bytes"`
	TTL                  int           `json:"ttl"`
	ValidationTimeout    time.Duration `json:"validation_timeout"`
	ValidationInterval   time.Duration `json:"validation_interval"`
	MinTxDeltaBytes      uint64        `json:"min_tx_delta_bytes"`
	ValidationFailStreak int           `json:"validation_fail_streak"`
	ReputationFloor      float64       `json:"reputation_floor"`
	UDPFailStreakToTCP   int           `json:"udp_fail_streak_to_tcp"`
	RequireExternalPeers bool          `json:"require_external_peers"`
	LinkBandwidthMbps    float64       `json:"link_bandwidth_mbps"`
}

// Default returns a config with the spec's literal defaults.
func Default() Config {
	return Config{
		DataDir:  "/var/lib/idlekeepd",
		Interval: 5 * time.Second,
		Shape:    ShapeE2Micro,

		RetentionDays: 7,
		P95CacheTTL:   300 * time.Second,

		SlotLenSec:                 60,
		RingCapacitySlots:          7 * 24 * 60,
		TargetRatio:                0.065,
		P95Min:                     22.0,
		P95Max:                     28.0,
		HighIntensity:              35.0,
		BaselineIntensity:          20.0,
		DeadbandBuilding:           1.0,
		DeadbandMaintaining:        1.0,
		DeadbandReducing:           1.0,
		RingFlushEverySlots:        10,
		MaxConsecutiveSkippedSlots: 30,

		LoadThreshold:       0.6,
		LoadResumeThreshold: 0.4,
		CPUStopPct:          90.0,

		MemTargetPct:     0,
		MemHysteresisPct: 2.0,
		MemStepMB:        64,
		MemMinFreeMB:     256,
		MemStopPct:       80.0,
		TouchInterval:    time.Second,

		RiskThreshold: 22.0,
		Debounce:      30 * time.Second,
		MinOn:         5 * time.Minute,
		MinOff:        2 * time.Minute,
		RateEMATau:    30 * time.Second,
		FallbackMode:  "adaptive",

		Peers:                nil,
		GeneratorPort:        15201,
		PacketSizeBytes:      1400,
		TTL:                  64,
		ValidationTimeout:    2 * time.Second,
		ValidationInterval:   30 * time.Second,
		MinTxDeltaBytes:      1024,
		ValidationFailStreak: 3,
		ReputationFloor:      20.0,
		UDPFailStreakToTCP:   5,
		RequireExternalPeers: true,
		LinkBandwidthMbps:    1000.0,
	}
}

// Load reads a JSON config file over Default() and validates the result;
// command-line overrides are not applied here. Returns a
// ConfigurationInvalidError on validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, Validate(cfg)
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, Validate(cfg)
}

// ConfigurationInvalidError names the offending option so startup can
// print a single actionable line, per spec §7.
type ConfigurationInvalidError struct {
	Option string
	Reason string
}

func (e *ConfigurationInvalidError) Error() string {
	return fmt.Sprintf("configuration invalid: %s: %s", e.Option, e.Reason)
}

// Validate cross-checks parameters per spec §7 ConfigurationInvalid.
func Validate(c Config) error {
	switch {
	case c.P95Min >= c.P95Max:
		return &ConfigurationInvalidError{"p95_min/p95_max", fmt.Sprintf("p95_min (%.2f) must be < p95_max (%.2f)", c.P95Min, c.P95Max)}
	case c.BaselineIntensity < 20.0:
		return &ConfigurationInvalidError{"baseline_intensity", fmt.Sprintf("baseline_intensity (%.2f) must be >= 20 to satisfy the reclamation floor even at baseline", c.BaselineIntensity)}
	case c.BaselineIntensity >= c.HighIntensity:
		return &ConfigurationInvalidError{"baseline_intensity/high_intensity", fmt.Sprintf("baseline_intensity (%.2f) must be < high_intensity (%.2f)", c.BaselineIntensity, c.HighIntensity)}
	case c.TargetRatio <= 0 || c.TargetRatio >= 1:
		return &ConfigurationInvalidError{"target_ratio", fmt.Sprintf("target_ratio (%.4f) must be in (0,1)", c.TargetRatio)}
	case c.SlotLenSec <= 0:
		return &ConfigurationInvalidError{"slot_len_sec", "must be positive"}
	case c.RingCapacitySlots <= 0:
		return &ConfigurationInvalidError{"ring_capacity_slots", "must be positive"}
	case c.LoadResumeThreshold >= c.LoadThreshold:
		return &ConfigurationInvalidError{"load_resume_threshold/load_threshold", fmt.Sprintf("load_resume_threshold (%.2f) must be < load_threshold (%.2f)", c.LoadResumeThreshold, c.LoadThreshold)}
	case c.MinOn < 0 || c.MinOff < 0 || c.Debounce < 0:
		return &ConfigurationInvalidError{"min_on/min_off/debounce", "must be non-negative"}
	case c.FallbackMode != "adaptive" && c.FallbackMode != "always" && c.FallbackMode != "off":
		return &ConfigurationInvalidError{"fallback_mode", fmt.Sprintf("unknown mode %q, want adaptive|always|off", c.FallbackMode)}
	case c.Interval <= 0:
		return &ConfigurationInvalidError{"interval", "must be positive"}
	case c.ReputationFloor < 0 || c.ReputationFloor > 100:
		return &ConfigurationInvalidError{"reputation_floor", "must be in [0,100]"}
	case c.RequireExternalPeers && c.FallbackMode != "off" && len(c.Peers) == 0:
		return &ConfigurationInvalidError{"peers", "at least one peer is required when require_external_peers is set and fallback_mode is not off"}
	case c.Shape != ShapeE2Micro && c.Shape != ShapeA1Flex:
		return &ConfigurationInvalidError{"shape", fmt.Sprintf("unknown shape %q, want e2-micro|a1-flex", c.Shape)}
	}
	return nil
}

// CountsMemory reports whether the shape's reclamation policy includes
// memory utilization, per spec §4.6.
func (p ShapeProfile) CountsMemory() bool {
	return p == ShapeA1Flex
}
