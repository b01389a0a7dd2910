package netfallback

import (
	"math"
	"testing"
	"time"

	"github.com/ftahirops/idlekeepd/config"
)

func testState(t *testing.T, mutate func(*config.Config)) *State {
	t.Helper()
	cfg := config.Default()
	cfg.RiskThreshold = 22
	cfg.Debounce = 0
	cfg.MinOn = 0
	cfg.MinOff = 0
	cfg.RateEMATau = time.Nanosecond // effectively no smoothing, for deterministic tests
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestModeOffNeverActivates(t *testing.T) {
	s := testState(t, func(c *config.Config) { c.FallbackMode = "off" })
	if s.Evaluate(time.Now(), 1, 1, 1, true) {
		t.Fatalf("off mode should never activate")
	}
}

func TestModeAlwaysStaysActive(t *testing.T) {
	s := testState(t, func(c *config.Config) { c.FallbackMode = "always" })
	if !s.Evaluate(time.Now(), 99, 99, 99, true) {
		t.Fatalf("always mode should stay active regardless of metrics")
	}
}

func TestAdaptiveActivatesBelowRiskThreshold(t *testing.T) {
	s := testState(t, nil)
	now := time.Now()
	if active := s.Evaluate(now, 10, 10, 10, false); !active {
		t.Fatalf("expected activation when cpu and net are below risk threshold")
	}
}

func TestAdaptiveStaysIdleAboveRiskThreshold(t *testing.T) {
	s := testState(t, nil)
	now := time.Now()
	if active := s.Evaluate(now, 50, 50, 50, false); active {
		t.Fatalf("expected no activation when cpu and net are comfortably above risk threshold")
	}
}

func TestA1FlexMemoryAloneAtRiskDoesNotActivate(t *testing.T) {
	s := testState(t, nil)
	now := time.Now()
	// CPU and net are safe, but memory is below threshold on a shape that
	// counts memory: the AND predicate must not activate.
	if active := s.Evaluate(now, 50, 10, 50, true); active {
		t.Fatalf("expected no activation when only memory is at risk")
	}
}

func TestNetAtRiskIsARequiredConjunct(t *testing.T) {
	s := testState(t, nil)
	now := time.Now()
	// CPU is at risk but net is already safely above the floor: the AND
	// predicate must not activate, since fallback traffic would only
	// perturb a metric that doesn't need help.
	if active := s.Evaluate(now, 10, 10, 99, false); active {
		t.Fatalf("expected no activation when net is already safe, even though cpu is at risk")
	}
}

func TestNetAloneAtRiskDoesNotActivate(t *testing.T) {
	s := testState(t, nil)
	now := time.Now()
	// CPU is safe but net is at risk: CPU is also a required conjunct,
	// so fallback must not activate.
	if active := s.Evaluate(now, 99, 99, 10, false); active {
		t.Fatalf("expected no activation when cpu is already safe, even though net is at risk")
	}
}

func TestMinOnPreventsImmediateDeactivation(t *testing.T) {
	s := testState(t, func(c *config.Config) { c.MinOn = time.Minute })
	now := time.Now()
	s.Evaluate(now, 10, 10, 10, false) // activates
	if !s.Active() {
		t.Fatalf("setup failed: expected activation")
	}
	// Metrics immediately look safe, but min_on should hold activation.
	still := s.Evaluate(now.Add(time.Second), 99, 99, 99, false)
	if !still {
		t.Fatalf("expected min_on to hold the generator active")
	}
}

func TestEMAUsesElapsedTimeNotDebounce(t *testing.T) {
	s := testState(t, func(c *config.Config) {
		c.RateEMATau = 10 * time.Second
		c.Debounce = 30 * time.Second
	})
	now := time.Now()
	s.Evaluate(now, 100, 100, 100, false)
	// One Interval (5s default) later, the EMA should move by the
	// elapsed-time-based alpha, not jump as if 30s (Debounce) had passed.
	s.Evaluate(now.Add(s.cfg.Interval), 0, 0, 0, false)
	wantAlpha := 1 - math.Exp(-s.cfg.Interval.Seconds()/s.cfg.RateEMATau.Seconds())
	wantEMA := 100 + wantAlpha*(0-100)
	if diff := s.emaRate - wantEMA; diff > 0.01 || diff < -0.01 {
		t.Fatalf("expected ema ~%.4f using elapsed interval, got %.4f", wantEMA, s.emaRate)
	}
}
