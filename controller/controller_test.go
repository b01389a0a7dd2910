package controller

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
	"github.com/ftahirops/idlekeepd/model"
)

func epochSlot(slotIndex int64, slotLenSec int) time.Time {
	return time.Unix(slotIndex*int64(slotLenSec), 0).UTC()
}

func testController(t *testing.T) *P95Controller {
	t.Helper()
	cfg := config.Default()
	return New(cfg, t.TempDir()+"/p95_ring_buffer.json", zerolog.Nop())
}

func TestBuildingStaysUntilP95ClearsMinPlusDeadband(t *testing.T) {
	c := testController(t)
	c.state = model.StateBuilding

	c.cachedP95, c.p95Known = 21.0, true // below p95_min (22) + deadband (1)
	c.transitionLocked()
	if c.state != model.StateBuilding {
		t.Fatalf("expected to remain BUILDING, got %v", c.state)
	}

	c.cachedP95 = 23.5 // clears 22 + 1
	c.transitionLocked()
	if c.state != model.StateMaintaining {
		t.Fatalf("expected MAINTAINING once p95 clears min+deadband, got %v", c.state)
	}
}

func TestMaintainingEscalatesToReducingAboveMaxPlusDeadband(t *testing.T) {
	c := testController(t)
	c.state = model.StateMaintaining
	c.cachedP95, c.p95Known = 29.5, true // above p95_max (28) + deadband (1)
	c.transitionLocked()
	if c.state != model.StateReducing {
		t.Fatalf("expected REDUCING, got %v", c.state)
	}
}

func TestMaintainingFallsBackToBuildingBelowMinMinusDeadband(t *testing.T) {
	c := testController(t)
	c.state = model.StateMaintaining
	c.cachedP95, c.p95Known = 20.5, true // below p95_min (22) - deadband (1)
	c.transitionLocked()
	if c.state != model.StateBuilding {
		t.Fatalf("expected BUILDING, got %v", c.state)
	}
}

func TestReducingHoldsUntilAtOrBelowMaxMinusDeadband(t *testing.T) {
	c := testController(t)
	c.state = model.StateReducing
	c.cachedP95, c.p95Known = 27.5, true // above p95_max (28) - deadband (1)
	c.transitionLocked()
	if c.state != model.StateReducing {
		t.Fatalf("expected to remain REDUCING, got %v", c.state)
	}
	c.cachedP95 = 26.9
	c.transitionLocked()
	if c.state != model.StateMaintaining {
		t.Fatalf("expected MAINTAINING once p95 drops to max-deadband, got %v", c.state)
	}
}

func TestUnknownP95HoldsState(t *testing.T) {
	c := testController(t)
	c.state = model.StateMaintaining
	c.p95Known = false
	c.transitionLocked()
	if c.state != model.StateMaintaining {
		t.Fatalf("unknown p95 should never change state, got %v", c.state)
	}
}

func TestBuildingAlwaysProposesHigh(t *testing.T) {
	c := testController(t)
	c.state = model.StateBuilding
	if got := c.intensityForStateLocked(); got != model.IntensityHigh {
		t.Fatalf("BUILDING should always propose high intensity, got %v", got)
	}
}

func TestReducingAlwaysProposesBaseline(t *testing.T) {
	c := testController(t)
	c.state = model.StateReducing
	if got := c.intensityForStateLocked(); got != model.IntensityBaseline {
		t.Fatalf("REDUCING should always propose baseline intensity, got %v", got)
	}
}

func TestMaintainingFollowsExceedanceBudget(t *testing.T) {
	c := testController(t)
	c.state = model.StateMaintaining
	c.cfg.TargetRatio = 0.5

	// no ring data yet: known == 0 defaults to high (need to build signal)
	if got := c.intensityForStateLocked(); got != model.IntensityHigh {
		t.Fatalf("empty ring should propose high, got %v", got)
	}

	// push ratio above target: 2 high / 2 known = 1.0 > 0.5
	c.ring.advanceTo(0, 0, model.SlotHigh)
	c.ring.advanceTo(1, 60, model.SlotHigh)
	if got := c.intensityForStateLocked(); got != model.IntensityBaseline {
		t.Fatalf("ratio above target should propose baseline, got %v", got)
	}
}

func TestRecordExecutedClassifiesPostGate(t *testing.T) {
	c := testController(t)
	c.cfg.RingFlushEverySlots = 1000 // avoid touching disk in this test
	c.state = model.StateBuilding

	now := epochSlot(0, c.cfg.SlotLenSec)
	// Controller wanted HIGH (BUILDING always does), but the coordinator
	// gated it down to baseline; the ring must record what ran.
	if err := c.RecordExecuted(now, model.IntensityBaseline); err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	ratio, known := c.ring.exceedanceRatio()
	if known != 1 || ratio != 0 {
		t.Fatalf("expected one known baseline slot, got ratio=%v known=%v", ratio, known)
	}
}

func TestExceedingMaxConsecutiveSkippedSlotsResetsToBuilding(t *testing.T) {
	c := testController(t)
	c.cfg.RingFlushEverySlots = 1000
	c.cfg.MaxConsecutiveSkippedSlots = 2
	c.state = model.StateMaintaining

	slotLen := c.cfg.SlotLenSec
	if err := c.RecordExecuted(epochSlot(0, slotLen), model.IntensityBaseline); err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	// Jump far ahead, simulating many skipped ticks.
	if err := c.RecordExecuted(epochSlot(10, slotLen), model.IntensityBaseline); err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	if c.state != model.StateBuilding {
		t.Fatalf("expected reset to BUILDING after excessive gap, got %v", c.state)
	}
}

func TestSustainedBaselineBelowMinForcesBuildingEvenWithoutGaps(t *testing.T) {
	c := testController(t)
	c.cfg.RingFlushEverySlots = 1000
	c.cfg.MaxConsecutiveSkippedSlots = 2
	c.state = model.StateMaintaining
	c.p95Known = true
	c.cachedP95 = c.cfg.P95Min - 5 // well below p95_min, no restart/gap involved

	slotLen := c.cfg.SlotLenSec
	for i := int64(0); i <= 2; i++ {
		if err := c.RecordExecuted(epochSlot(i, slotLen), model.IntensityBaseline); err != nil {
			t.Fatalf("RecordExecuted: %v", err)
		}
	}
	if c.state != model.StateBuilding {
		t.Fatalf("expected forced BUILDING after sustained baseline below p95_min, got %v", c.state)
	}
}

func TestBaselineBelowMinCounterResetsOnHighSlotOrRecoveredP95(t *testing.T) {
	c := testController(t)
	c.cfg.RingFlushEverySlots = 1000
	c.cfg.MaxConsecutiveSkippedSlots = 2
	c.state = model.StateMaintaining
	c.p95Known = true
	c.cachedP95 = c.cfg.P95Min - 5

	slotLen := c.cfg.SlotLenSec
	if err := c.RecordExecuted(epochSlot(0, slotLen), model.IntensityBaseline); err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	if err := c.RecordExecuted(epochSlot(1, slotLen), model.IntensityBaseline); err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	// p95 recovers above the floor before the counter trips.
	c.cachedP95 = c.cfg.P95Min + 5
	if err := c.RecordExecuted(epochSlot(2, slotLen), model.IntensityBaseline); err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	if err := c.RecordExecuted(epochSlot(3, slotLen), model.IntensityBaseline); err != nil {
		t.Fatalf("RecordExecuted: %v", err)
	}
	if c.state == model.StateBuilding {
		t.Fatalf("expected counter to reset once p95 recovered above p95_min")
	}
}
