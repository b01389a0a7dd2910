package memory

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
)

func testOccupier(t *testing.T, mutate func(*config.Config)) *Occupier {
	t.Helper()
	cfg := config.Default()
	cfg.Shape = config.ShapeA1Flex
	cfg.MemTargetPct = 40
	cfg.MemHysteresisPct = 2
	cfg.MemStepMB = 10
	cfg.MemMinFreeMB = 50
	cfg.MemStopPct = 80
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, zerolog.Nop())
}

func TestDormantShapeNeverGrows(t *testing.T) {
	o := testOccupier(t, func(c *config.Config) { c.Shape = config.ShapeE2Micro })
	o.Step(10, 1000)
	if o.CurrentMB() != 0 {
		t.Fatalf("dormant occupier should never allocate, got %dMB", o.CurrentMB())
	}
}

func TestGrowsTowardTargetOutsideHysteresis(t *testing.T) {
	o := testOccupier(t, nil)
	o.Step(10, 1000) // 30pp below target, well outside hysteresis band
	if o.CurrentMB() == 0 {
		t.Fatalf("expected growth when current pct is far below target")
	}
}

func TestHoldsSteadyInsideHysteresisBand(t *testing.T) {
	o := testOccupier(t, nil)
	o.Step(10, 1000)
	before := o.CurrentMB()
	o.Step(39, 1000) // within 2pp of 40 target
	if o.CurrentMB() != before {
		t.Fatalf("expected no change inside hysteresis band, went from %d to %d", before, o.CurrentMB())
	}
}

func TestRespectsMinFreeMB(t *testing.T) {
	o := testOccupier(t, nil)
	o.Step(5, 55) // availableMB - stepMB(10) = 45 < minFree(50)
	if o.CurrentMB() != 0 {
		t.Fatalf("expected growth to be blocked by mem_min_free_mb, got %dMB", o.CurrentMB())
	}
}

func TestStopPctForcesRelease(t *testing.T) {
	o := testOccupier(t, nil)
	o.Step(10, 1000)
	if o.CurrentMB() == 0 {
		t.Fatalf("setup failed: expected initial growth")
	}
	o.Step(81, 1000) // above mem_stop_pct (80)
	if o.CurrentMB() != 0 {
		t.Fatalf("expected full release at mem_stop_pct, still holding %dMB", o.CurrentMB())
	}
}

func TestTouchCyclesWithoutPanic(t *testing.T) {
	o := testOccupier(t, nil)
	o.Step(10, 1000)
	for i := 0; i < 10; i++ {
		o.Touch()
	}
}

func TestTouchDirtiesEveryPageInOneCall(t *testing.T) {
	o := testOccupier(t, nil)
	o.Step(10, 1000)
	if len(o.buf) == 0 {
		t.Fatalf("setup failed: expected growth")
	}
	before := make([]byte, len(o.buf))
	copy(before, o.buf)

	o.Touch()

	for i := 0; i < len(o.buf); i += pageSize {
		if o.buf[i] == before[i] {
			t.Fatalf("expected page at offset %d to be dirtied by a single Touch call", i)
		}
	}
}
