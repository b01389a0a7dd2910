// Package coordinator ties the sensors, store, controller, workers,
// memory occupier, and net fallback/generator subsystems into the single
// tick loop described in spec §5: sample, record, decide, gate, execute,
// publish. Grounded on the teacher's RunDaemon tick loop (engine/daemon.go):
// a PID file, signal-driven graceful shutdown, and a rotating summary log.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/config"
	"github.com/ftahirops/idlekeepd/controller"
	"github.com/ftahirops/idlekeepd/memory"
	"github.com/ftahirops/idlekeepd/model"
	"github.com/ftahirops/idlekeepd/netfallback"
	"github.com/ftahirops/idlekeepd/netgen"
	"github.com/ftahirops/idlekeepd/sensors"
	"github.com/ftahirops/idlekeepd/store"
	"github.com/ftahirops/idlekeepd/telemetry"
	"github.com/ftahirops/idlekeepd/workers"
)

// Coordinator owns every subsystem and the single tick loop that drives
// them.
type Coordinator struct {
	cfg config.Config
	log zerolog.Logger

	sensors    *sensors.Sensors
	store      *store.MetricsStore
	controller *controller.P95Controller
	workers    *workers.Pool
	occupier   *memory.Occupier
	fallback   *netfallback.State
	generator  *netgen.Generator
	telemetry  *telemetry.Publisher

	loadGateActive bool
	summaryPath    string
}

// New wires every subsystem from cfg. st must already be open (the caller
// owns the PersistenceUnavailable fatal-exit decision if Open failed).
func New(cfg config.Config, st *store.MetricsStore, logger zerolog.Logger) *Coordinator {
	ringPath := filepath.Join(cfg.DataDir, "p95_ring_buffer.json")
	ctrl := controller.New(cfg, ringPath, logger)

	return &Coordinator{
		cfg:         cfg,
		log:         logger,
		sensors:     sensors.New("", cfg.LinkBandwidthMbps),
		store:       st,
		controller:  ctrl,
		workers:     workers.New(model.IntensityBaseline, cfg.BaselineIntensity, cfg.HighIntensity),
		occupier:    memory.New(cfg, logger),
		fallback:    netfallback.New(cfg),
		generator:   netgen.New(cfg, logger),
		telemetry:   telemetry.New(),
		summaryPath: filepath.Join(cfg.DataDir, "current.jsonl"),
	}
}

// Telemetry exposes the publisher so main can wire it into an HTTP
// exporter.
func (c *Coordinator) Telemetry() *telemetry.Publisher { return c.telemetry }

// Run executes the tick loop until ctx is cancelled or a termination
// signal arrives, then drains gracefully: stop workers, flush the ring,
// release the store.
func (c *Coordinator) Run(ctx context.Context) error {
	pidPath := filepath.Join(c.cfg.DataDir, "idlekeepd.pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("coordinator: write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	c.workers.Start(ctx)
	c.generator.Start(ctx)
	defer c.workers.Stop()
	defer c.generator.Stop()

	// First sensor read establishes delta baselines; a permanent absence
	// of MemAvailable must fail the daemon loudly at startup, not retry
	// forever on every tick.
	if _, err := c.sensors.Read(time.Now()); err != nil {
		return fmt.Errorf("coordinator: initial sensor probe: %w", err)
	}

	purgeTicker := time.NewTicker(time.Hour)
	defer purgeTicker.Stop()
	probeTicker := time.NewTicker(c.cfg.P95CacheTTL)
	defer probeTicker.Stop()

	touchTicker := time.NewTicker(c.occupier.TouchInterval())
	defer touchTicker.Stop()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.log.Info().Int("pid", os.Getpid()).Str("data_dir", c.cfg.DataDir).Str("shape", string(c.cfg.Shape)).
		Msg("idlekeepd started")

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case sig := <-sigCh:
			c.log.Info().Str("signal", sig.String()).Msg("idlekeepd shutting down")
			return c.shutdown()
		case <-purgeTicker.C:
			cutoff := time.Now().Add(-time.Duration(c.cfg.RetentionDays) * 24 * time.Hour)
			if err := c.store.PurgeOlderThan(cutoff); err != nil {
				c.log.Warn().Err(err).Msg("metrics store purge failed")
			}
		case <-probeTicker.C:
			if err := c.store.ProbeConsistency(); err != nil {
				c.log.Warn().Err(err).Msg("metrics store consistency probe failed")
			}
		case <-touchTicker.C:
			if !c.occupier.Dormant() {
				c.occupier.Touch()
			}
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *Coordinator) shutdown() error {
	c.workers.Stop()
	c.generator.Stop()
	if err := c.controller.Flush(); err != nil {
		c.log.Warn().Err(err).Msg("final ring flush failed")
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("coordinator: close store: %w", err)
	}
	return nil
}

func (c *Coordinator) tick(now time.Time) {
	reading, err := c.sensors.Read(now)
	if err != nil {
		c.log.Warn().Err(err).Msg("sensor read failed, skipping tick")
		return
	}

	if reading.CPUKnown {
		_ = c.store.Record(model.KindCPU, reading.CPUPct, now)
	}
	if reading.MemKnown {
		_ = c.store.Record(model.KindMem, reading.MemPct, now)
	}
	if reading.NetKnown {
		_ = c.store.Record(model.KindNet, reading.NetPct, now)
	}
	_ = c.store.Record(model.KindLoad, reading.Load1, now)

	gatedByLoad := c.evaluateLoadGate(reading.Load1)
	gatedByCPUStop := reading.CPUPct >= c.cfg.CPUStopPct

	wanted := c.controller.Decide(now, c.store)
	executed := wanted
	if gatedByLoad || gatedByCPUStop {
		executed = model.IntensityBaseline
	}
	c.workers.Pause(gatedByLoad || gatedByCPUStop)
	c.workers.SetIntensity(executed, c.cfg.BaselineIntensity, c.cfg.HighIntensity)
	if err := c.controller.RecordExecuted(now, executed); err != nil {
		c.log.Warn().Err(err).Msg("ring flush failed")
	}

	c.occupier.Step(reading.MemPct, reading.MemAvailableMB)

	countsMemory := c.cfg.Shape.CountsMemory()
	netActive := c.fallback.Evaluate(now, reading.CPUPct, reading.MemPct, reading.NetPct, countsMemory)
	c.generator.Tick(now, netActive, reading.NetTxDeltaBytes)

	state, cachedP95, p95Known, currentRatio := c.controller.Snapshot()
	c.telemetry.Publish(model.TickTelemetry{
		TickTs:         now,
		State:          state,
		CachedP95:      cachedP95,
		P95Known:       p95Known,
		CurrentRatio:   currentRatio,
		TargetRatio:    c.controller.TargetRatio(),
		IntensityNow:   executed,
		MemCurrentPct:  reading.MemPct,
		NetActive:      netActive,
		NetState:       c.generator.State(),
		StoreHealth:    c.store.Health(),
		GatedByLoad:    gatedByLoad,
		GatedByCPUStop: gatedByCPUStop,
	})

	c.writeSummaryLine(now, state, cachedP95, executed)
}

// evaluateLoadGate applies load_threshold/load_resume_threshold hysteresis
// so the safety gate doesn't flap at the boundary, per spec §9.
func (c *Coordinator) evaluateLoadGate(load1 float64) bool {
	if !c.loadGateActive && load1 > c.cfg.LoadThreshold {
		c.loadGateActive = true
	} else if c.loadGateActive && load1 < c.cfg.LoadResumeThreshold {
		c.loadGateActive = false
	}
	return c.loadGateActive
}

type summaryLine struct {
	Ts        time.Time `json:"ts"`
	State     string    `json:"state"`
	CachedP95 float64   `json:"cached_p95"`
	Intensity string    `json:"intensity"`
}

// writeSummaryLine appends a compact record of this tick, rotating at
// 10MB, matching the teacher's rolling-log discipline.
func (c *Coordinator) writeSummaryLine(now time.Time, state model.ControllerState, cachedP95 float64, intensity model.Intensity) {
	if info, err := os.Stat(c.summaryPath); err == nil && info.Size() > 10*1024*1024 {
		_ = os.Rename(c.summaryPath, c.summaryPath+".old")
	}
	f, err := os.OpenFile(c.summaryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()

	intensityName := "baseline"
	if intensity == model.IntensityHigh {
		intensityName = "high"
	}
	_ = json.NewEncoder(f).Encode(summaryLine{
		Ts:        now,
		State:     state.String(),
		CachedP95: cachedP95,
		Intensity: intensityName,
	})
}
