// Package workers runs the per-core CPU duty-cycle load described in
// spec §4.4: one goroutine per core, alternating short busy and sleep
// slices to approximate a target intensity percentage, runnable at the
// lowest OS scheduling priority so it never competes with real work.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ftahirops/idlekeepd/model"
)

// lowestNiceness is the OS scheduling priority the workers run at, per
// spec §4.4: never compete with real work. 19 is the lowest (most
// deprioritized) value accepted by setpriority(2) without CAP_SYS_NICE.
const lowestNiceness = 19

const busySliceMS = 5

// Pool runs one duty-cycle worker per CPU core. Callers reprogram the
// target intensity at any time; each worker observes the new target
// within one busy/sleep cycle.
type Pool struct {
	intensity atomic.Int32 // percent 0-100, read by every worker each cycle
	paused    atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Pool sized to runtime.NumCPU(), set to the given starting
// intensity.
func New(initial model.Intensity, baselinePct, highPct float64) *Pool {
	p := &Pool{}
	p.setIntensity(initial, baselinePct, highPct)
	return p
}

// Start launches one worker goroutine per core. Cancel ctx, or call Stop,
// to halt them. Best-effort lowers the whole process's scheduling
// priority; Go cannot set per-goroutine thread priority without pinning
// every worker to its own OS thread, which is more overhead than the
// duty cycle itself is worth.
func (p *Pool) Start(ctx context.Context) {
	_ = unix.Setpriority(unix.PRIO_PROCESS, 0, lowestNiceness)

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	cores := runtime.NumCPU()
	p.wg.Add(cores)
	for i := 0; i < cores; i++ {
		go p.runWorker(ctx)
	}
}

// Stop cancels and waits for every worker goroutine to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Pause forces every worker to sleep regardless of the programmed
// intensity, used for the load-average and cpu_stop safety gates (spec §9).
// Workers observe the pause flag within one busy/sleep cycle.
func (p *Pool) Pause(paused bool) {
	p.paused.Store(paused)
}

// SetIntensity reprograms the duty cycle target. Workers pick it up on
// their next cycle boundary, never mid-busy-slice.
func (p *Pool) SetIntensity(i model.Intensity, baselinePct, highPct float64) {
	p.setIntensity(i, baselinePct, highPct)
}

func (p *Pool) setIntensity(i model.Intensity, baselinePct, highPct float64) {
	pct := baselinePct
	if i == model.IntensityHigh {
		pct = highPct
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.intensity.Store(int32(pct))
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.paused.Load() {
			sleepCtx(ctx, busySliceMS*time.Millisecond)
			continue
		}

		pct := float64(p.intensity.Load())
		if pct <= 0 {
			sleepCtx(ctx, busySliceMS*time.Millisecond)
			continue
		}

		busy := time.Duration(busySliceMS) * time.Millisecond
		sleep := time.Duration(float64(busy) * (100 - pct) / pct)
		if sleep < 0 {
			sleep = 0
		}

		spinUntil(ctx, busy)
		if sleep > 0 {
			sleepCtx(ctx, sleep)
		}
	}
}

// spinUntil burns CPU for duration d or until ctx is cancelled, whichever
// comes first. A trivial arithmetic loop keeps the scheduler honest
// without allocating.
func spinUntil(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	var x uint64
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		x = x*1103515245 + 12345
	}
	_ = x
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
