// Package controller implements the P95Controller described in spec §4.3:
// a slot-quantized exceedance-budget state machine that decides, once per
// slot, whether the CPU workers should run at baseline or high intensity
// so that the 7-day p95 stays inside [p95_min, p95_max].
//
// Decision and recording are split deliberately. Decide() proposes an
// intensity from the current budget; the coordinator may then gate that
// proposal down (load storm, cpu_stop). RecordExecuted() classifies the
// slot from what actually ran, never from what was proposed, so the
// exceedance ratio always reflects ground truth.
package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
	"github.com/ftahirops/idlekeepd/model"
	"github.com/ftahirops/idlekeepd/store"
)

// P95Controller is safe for concurrent use by a single coordinator
// goroutine; it does not need its own internal mutex for correctness but
// carries one so telemetry snapshots can be read from another goroutine.
type P95Controller struct {
	mu sync.Mutex

	cfg      config.Config
	ringPath string
	logger   zerolog.Logger

	ring  *slotRing
	state model.ControllerState

	cachedP95 float64
	p95Known  bool

	decided      model.Intensity
	decidedSlot  int64
	haveDecision bool

	ticksSinceFlush    int
	consecutiveSkipped int
	warnedSkipped      bool

	consecutiveBaselineBelowMin int
	warnedBaselineBelowMin      bool
}

// New constructs a P95Controller, loading any existing ring document at
// ringPath. A missing or unreadable file starts from an empty ring rather
// than failing, since the ring is a performance cache, not the source of
// truth (the MetricsStore is).
func New(cfg config.Config, ringPath string, logger zerolog.Logger) *P95Controller {
	c := &P95Controller{
		cfg:      cfg,
		ringPath: ringPath,
		logger:   logger,
		ring:     newSlotRing(cfg.RingCapacitySlots),
		state:    model.StateBuilding,
	}
	if data, err := os.ReadFile(ringPath); err == nil {
		var doc model.RingDoc
		if err := json.Unmarshal(data, &doc); err == nil && doc.SlotLenSec == cfg.SlotLenSec {
			c.ring.loadDoc(doc)
		} else {
			logger.Warn().Str("path", ringPath).Msg("ignoring ring buffer file with mismatched slot length or bad JSON")
		}
	}
	return c
}

// Decide queries the store for the cached p95, advances the state machine,
// and returns the intensity the controller wants to run this slot. The
// intensity is chosen on the first call within a slot and repeated for
// every later call in the same slot.
func (c *P95Controller) Decide(now time.Time, st *store.MetricsStore) model.Intensity {
	p95, ok := st.P95(model.KindCPU, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cachedP95, c.p95Known = p95, ok
	c.transitionLocked()

	slotIndex := now.Unix() / int64(c.cfg.SlotLenSec)
	if c.haveDecision && slotIndex == c.decidedSlot {
		return c.decided
	}
	c.decided = c.intensityForStateLocked()
	c.decidedSlot, c.haveDecision = slotIndex, true
	return c.decided
}

// transitionLocked applies the state-dependent deadband hysteresis. With no
// p95 reading yet (cold start, insufficient history) the state holds.
func (c *P95Controller) transitionLocked() {
	if !c.p95Known {
		return
	}
	p95 := c.cachedP95
	switch c.state {
	case model.StateBuilding:
		if p95 >= c.cfg.P95Min+c.cfg.DeadbandBuilding {
			c.state = model.StateMaintaining
		}
	case model.StateMaintaining:
		switch {
		case p95 > c.cfg.P95Max+c.cfg.DeadbandMaintaining:
			c.state = model.StateReducing
		case p95 < c.cfg.P95Min-c.cfg.DeadbandMaintaining:
			c.state = model.StateBuilding
		}
	case model.StateReducing:
		if p95 <= c.cfg.P95Max-c.cfg.DeadbandReducing {
			c.state = model.StateMaintaining
		}
	}
}

// intensityForStateLocked implements the exceedance-budget rule: BUILDING
// pushes high to climb p95 into range, REDUCING forces baseline to let it
// fall, and MAINTAINING follows the target_ratio budget.
func (c *P95Controller) intensityForStateLocked() model.Intensity {
	switch c.state {
	case model.StateBuilding:
		return model.IntensityHigh
	case model.StateReducing:
		return model.IntensityBaseline
	default:
		ratio, known := c.ring.exceedanceRatio()
		if known == 0 || ratio < c.cfg.TargetRatio {
			return model.IntensityHigh
		}
		return model.IntensityBaseline
	}
}

// RecordExecuted classifies the current slot from the intensity that
// actually ran (post-gate), advances the ring, and flushes it to disk
// every ring_flush_every_slots slots.
func (c *P95Controller) RecordExecuted(now time.Time, executed model.Intensity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slotLen := int64(c.cfg.SlotLenSec)
	slotIndex := now.Unix() / slotLen
	slotStart := slotIndex * slotLen

	sv := model.SlotBaseline
	if executed == model.IntensityHigh {
		sv = model.SlotHigh
	}

	newSlot := !c.ring.initialized || slotIndex > c.ring.lastSlotIndex
	skipped := c.ring.advanceTo(slotIndex, slotStart, sv)
	if skipped > 0 {
		c.consecutiveSkipped += skipped
	} else {
		c.consecutiveSkipped = 0
		c.warnedSkipped = false
	}
	if c.consecutiveSkipped > c.cfg.MaxConsecutiveSkippedSlots {
		c.state = model.StateBuilding
		if !c.warnedSkipped {
			c.warnedSkipped = true
			c.logger.Warn().Int("consecutive_skipped_slots", c.consecutiveSkipped).
				Msg("exceeded max_consecutive_skipped_slots, resetting to BUILDING")
		}
	}

	// Spec §4.3 point 7: never allow more than max_consecutive_skipped_slots
	// baseline slots in a row while p95 is below p95_min; force a high slot.
	// This guards sustained steady-state MAINTAINING runs, distinct from the
	// gap-counter above which only fires after a restart or missed boundary.
	if sv == model.SlotBaseline && c.p95Known && c.cachedP95 < c.cfg.P95Min {
		if newSlot {
			c.consecutiveBaselineBelowMin++
		}
	} else {
		c.consecutiveBaselineBelowMin = 0
		c.warnedBaselineBelowMin = false
	}
	if c.consecutiveBaselineBelowMin > c.cfg.MaxConsecutiveSkippedSlots {
		c.state = model.StateBuilding
		if !c.warnedBaselineBelowMin {
			c.warnedBaselineBelowMin = true
			c.logger.Warn().Int("consecutive_baseline_below_min", c.consecutiveBaselineBelowMin).
				Msg("exceeded max_consecutive_skipped_slots of baseline slots below p95_min, forcing BUILDING")
		}
	}

	if !newSlot {
		return nil
	}
	c.ticksSinceFlush++
	if c.ticksSinceFlush < c.cfg.RingFlushEverySlots {
		return nil
	}
	c.ticksSinceFlush = 0
	return c.flushLocked()
}

// Flush forces an immediate ring write, used on graceful shutdown.
func (c *P95Controller) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *P95Controller) flushLocked() error {
	doc := c.ring.toDoc(c.cfg.SlotLenSec)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("controller: marshal ring: %w", err)
	}
	if err := atomic.WriteFile(c.ringPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("controller: write ring %s: %w", c.ringPath, err)
	}
	return nil
}

// Snapshot reports the controller's current state for telemetry.
func (c *P95Controller) Snapshot() (state model.ControllerState, cachedP95 float64, p95Known bool, currentRatio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ratio, _ := c.ring.exceedanceRatio()
	return c.state, c.cachedP95, c.p95Known, ratio
}

// TargetRatio returns the configured exceedance budget.
func (c *P95Controller) TargetRatio() float64 {
	return c.cfg.TargetRatio
}
