// Package memory implements the MemoryOccupier from spec §4.5: a
// page-touching allocation that grows or shrinks toward a target memory
// utilization percentage, with hysteresis so it doesn't chase noise, and
// hard floors so it never pushes the host into real memory pressure.
package memory

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
)

const pageSize = 4096

// Occupier owns a single growable buffer touched periodically so the
// kernel counts it as resident, not merely reserved.
type Occupier struct {
	mu  sync.Mutex
	cfg config.Config
	log zerolog.Logger

	buf     []byte // touched in pageSize strides
	dormant bool
}

// New constructs an Occupier. Dormant shapes (spec §4.6: memory not
// counted) never allocate.
func New(cfg config.Config, logger zerolog.Logger) *Occupier {
	return &Occupier{cfg: cfg, log: logger, dormant: !cfg.Shape.CountsMemory()}
}

// Step runs one control-loop iteration: given the current host memory
// utilization percentage, grow or shrink the buffer toward mem_target_pct,
// respecting mem_hysteresis_pct, mem_min_free_mb, and mem_stop_pct.
// availableMB is the current amount of free/available host memory.
func (o *Occupier) Step(currentMemPct float64, availableMB int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dormant || o.cfg.MemTargetPct <= 0 {
		return
	}

	if currentMemPct >= o.cfg.MemStopPct {
		o.log.Warn().Float64("mem_pct", currentMemPct).Msg("memory occupier halted: mem_stop_pct reached")
		o.shrinkByLocked(len(o.buf)) // release everything, let the host recover
		return
	}

	delta := o.cfg.MemTargetPct - currentMemPct
	if delta > o.cfg.MemHysteresisPct {
		o.growLocked(availableMB)
	} else if delta < -o.cfg.MemHysteresisPct {
		o.shrinkLocked()
	}
	// within the hysteresis band: hold steady
}

func (o *Occupier) growLocked(availableMB int) {
	if availableMB-o.cfg.MemStepMB < o.cfg.MemMinFreeMB {
		return // growing further would breach mem_min_free_mb
	}
	stepBytes := o.cfg.MemStepMB * 1024 * 1024
	grown := make([]byte, len(o.buf)+stepBytes)
	copy(grown, o.buf)
	o.buf = grown
}

func (o *Occupier) shrinkLocked() {
	stepBytes := o.cfg.MemStepMB * 1024 * 1024
	o.shrinkByLocked(stepBytes)
}

func (o *Occupier) shrinkByLocked(bytes int) {
	newLen := len(o.buf) - bytes
	if newLen < 0 {
		newLen = 0
	}
	o.buf = o.buf[:newLen]
}

// Touch dirties one byte per page across the entire buffer so the kernel
// treats every allocated page as resident rather than reclaimable. Per
// spec §9, one byte per page per touch interval is sufficient; the caller
// is responsible for invoking this on cfg.TouchInterval, not every tick.
func (o *Occupier) Touch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; i < len(o.buf); i += pageSize {
		o.buf[i]++
	}
}

// CurrentMB reports how much the occupier currently holds.
func (o *Occupier) CurrentMB() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf) / (1024 * 1024)
}

// TouchInterval is the configured cadence for Touch calls.
func (o *Occupier) TouchInterval() time.Duration {
	return o.cfg.TouchInterval
}

// Dormant reports whether this shape excludes memory from the reclamation
// predicate, per spec §4.6.
func (o *Occupier) Dormant() bool {
	return o.dormant
}
