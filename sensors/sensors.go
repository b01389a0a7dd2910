// Package sensors reads instantaneous CPU%, mem%, NIC tx rate, and
// load-average from the host. Per spec §6 the exact file/API is this
// layer's concern; the core above only depends on the semantic readings.
package sensors

import (
	"fmt"
	"strings"
	"time"

	"github.com/ftahirops/idlekeepd/model"
	"github.com/ftahirops/idlekeepd/util"
)

// ErrNoAvailableMemory is returned when the kernel does not expose
// MemAvailable. Spec §4.2: "if the OS does not expose such a figure, the
// implementation must fail loudly rather than guess."
var ErrNoAvailableMemory = fmt.Errorf("sensors: kernel does not expose MemAvailable in /proc/meminfo")

type cpuTimes struct {
	idle, total uint64
}

// Sensors holds the previous tick's cumulative counters needed to compute
// deltas. It is not safe for concurrent use; the coordinator owns it.
type Sensors struct {
	iface string // network interface to sample; "" = sum of all non-loopback

	havePrevCPU bool
	prevCPU     cpuTimes

	havePrevNet bool
	prevNetTx   uint64
	prevNetT    time.Time

	linkBandwidthMbps float64
}

// New creates a Sensors reader. iface selects which /sys/class/net
// interface's tx counter to track; empty means sum across all non-loopback
// interfaces. linkBandwidthMbps is the configured cap; it is used when iface
// is empty, and when the named interface does not report its own speed.
func New(iface string, linkBandwidthMbps float64) *Sensors {
	return &Sensors{iface: iface, linkBandwidthMbps: linkBandwidthMbps}
}

// Read samples all four metrics for one tick. The first call after startup
// yields CPUKnown=false and NetKnown=false for the delta-dependent metrics,
// per spec §4.2.
func (s *Sensors) Read(now time.Time) (model.Reading, error) {
	r := model.Reading{T: now}

	cpuPct, cpuKnown, err := s.readCPU()
	if err != nil {
		return r, err
	}
	r.CPUPct, r.CPUKnown = cpuPct, cpuKnown

	memPct, availMB, err := s.readMemAvailablePct()
	if err != nil {
		return r, err
	}
	r.MemPct, r.MemKnown, r.MemAvailableMB = memPct, true, availMB

	netPct, netKnown, txDelta, err := s.readNetPct(now)
	if err != nil {
		return r, err
	}
	r.NetPct, r.NetKnown, r.NetTxDeltaBytes = netPct, netKnown, txDelta

	load1, err := s.readLoadPerCore()
	if err != nil {
		return r, err
	}
	r.Load1 = load1

	return r, nil
}

// readCPU computes a delta-over-delta CPU busy percentage from successive
// cumulative jiffy readings, per spec §4.2.
func (s *Sensors) readCPU() (float64, bool, error) {
	lines, err := util.ReadFileLines("/proc/stat")
	if err != nil {
		return 0, false, fmt.Errorf("read /proc/stat: %w", err)
	}
	var cur cpuTimes
	found := false
	for _, line := range lines {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		found = true
		fields := strings.Fields(line)
		var total uint64
		for _, f := range fields[1:] {
			total += util.ParseUint64(f)
		}
		var idle uint64
		if len(fields) >= 5 {
			idle = util.ParseUint64(fields[4]) // idle
		}
		if len(fields) >= 6 {
			idle += util.ParseUint64(fields[5]) // iowait
		}
		cur = cpuTimes{idle: idle, total: total}
		break
	}
	if !found {
		return 0, false, fmt.Errorf("read /proc/stat: no aggregate cpu line")
	}

	if !s.havePrevCPU {
		s.prevCPU = cur
		s.havePrevCPU = true
		return 0, false, nil
	}
	prev := s.prevCPU
	s.prevCPU = cur
	if cur.total <= prev.total {
		return 0, false, nil
	}
	dTotal := cur.total - prev.total
	dIdle := util.Delta(prev.idle, cur.idle)
	pct := 100 * (1 - float64(dIdle)/float64(dTotal))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true, nil
}

// readMemAvailablePct uses the kernel's MemAvailable figure, which already
// excludes reclaimable page cache per spec §4.2.
func (s *Sensors) readMemAvailablePct() (usedPct float64, availableMB int, err error) {
	kv, err := util.ParseKeyValueFile("/proc/meminfo")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	totalStr, haveTotal := kv["MemTotal"]
	availStr, haveAvail := kv["MemAvailable"]
	if !haveAvail {
		return 0, 0, ErrNoAvailableMemory
	}
	if !haveTotal {
		return 0, 0, fmt.Errorf("read /proc/meminfo: missing MemTotal")
	}
	total := parseKB(totalStr)
	avail := parseKB(availStr)
	if total == 0 {
		return 0, 0, fmt.Errorf("read /proc/meminfo: MemTotal is zero")
	}
	used := float64(total-avail) / float64(total) * 100
	if used < 0 {
		used = 0
	}
	return used, int(avail / (1024 * 1024)), nil
}

func parseKB(s string) uint64 {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "kB")
	return util.ParseUint64(strings.TrimSpace(s)) * 1024
}

// readNetPct computes (tx_bytes_delta / elapsed / link_bandwidth) * 100,
// per spec §4.2.
func (s *Sensors) readNetPct(now time.Time) (pct float64, known bool, txDelta uint64, err error) {
	tx, bandwidthMbps, err := s.sampleInterfaces()
	if err != nil {
		return 0, false, 0, err
	}

	if !s.havePrevNet {
		s.prevNetTx = tx
		s.prevNetT = now
		s.havePrevNet = true
		return 0, false, 0, nil
	}
	dt := now.Sub(s.prevNetT)
	prevTx := s.prevNetTx
	s.prevNetTx = tx
	s.prevNetT = now
	if dt <= 0 {
		return 0, false, 0, nil
	}
	capacityBytesPerSec := bandwidthMbps * 1e6 / 8
	pct = util.RatePct(prevTx, tx, dt, capacityBytesPerSec)
	return pct, true, util.Delta(prevTx, tx), nil
}

func (s *Sensors) sampleInterfaces() (txBytes uint64, bandwidthMbps float64, err error) {
	lines, err := util.ReadFileLines("/proc/net/dev")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/net/dev: %w", err)
	}
	bandwidthMbps = s.linkBandwidthMbps
	for _, line := range lines {
		if !strings.Contains(line, ":") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		name := strings.TrimSpace(parts[0])
		if name == "lo" {
			continue
		}
		if s.iface != "" && name != s.iface {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 10 {
			continue
		}
		txBytes += util.ParseUint64(fields[8])
		if speed, ok := readIfaceSpeed(name); ok && s.iface == name {
			bandwidthMbps = speed
		}
	}
	return txBytes, bandwidthMbps, nil
}

func readIfaceSpeed(name string) (float64, bool) {
	v, err := util.ReadFileString("/sys/class/net/" + name + "/speed")
	if err != nil {
		return 0, false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f := util.ParseFloat64(v)
	if f <= 0 {
		return 0, false
	}
	return f, true
}

// readLoadPerCore divides the 1-minute load average by core count, per
// spec §4.2's controller safety gate.
func (s *Sensors) readLoadPerCore() (float64, error) {
	content, err := util.ReadFileString("/proc/loadavg")
	if err != nil {
		return 0, fmt.Errorf("read /proc/loadavg: %w", err)
	}
	fields := strings.Fields(content)
	if len(fields) < 1 {
		return 0, fmt.Errorf("unexpected /proc/loadavg format")
	}
	load1 := util.ParseFloat64(fields[0])

	cores, err := coreCount()
	if err != nil || cores <= 0 {
		cores = 1
	}
	return load1 / float64(cores), nil
}

func coreCount() (int, error) {
	lines, err := util.ReadFileLines("/proc/stat")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "cpu") && !strings.HasPrefix(line, "cpu ") {
			n++
		}
	}
	if n == 0 {
		return 1, nil
	}
	return n, nil
}
