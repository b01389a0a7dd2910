// Package store implements the 7-day metrics store described in spec §4.1:
// append-only samples, a TTL-cached p95 query, corruption detect/recover,
// and an ENOSPC degraded mode. Persistence ownership (one process per
// directory, enforced by an advisory lock) follows spec §9's
// single-writer discipline.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/ftahirops/idlekeepd/model"
)

// ErrLocked is returned when another process already holds the directory's
// advisory lock.
var ErrLocked = errors.New("store: persistence directory already locked by another process")

// rewriteCounter gives every compaction temp file written by
// PurgeOlderThan a name that is unique within the process, alongside the
// process id.
var rewriteCounter atomic.Uint64

const dbFileName = "metrics.db"
const lockFileName = "instance.lock"

type cacheEntry struct {
	value     float64
	ok        bool
	computed  time.Time
}

// MetricsStore owns metrics.db and instance.lock exclusively for its
// process, per spec §3 Ownership.
type MetricsStore struct {
	mu sync.RWMutex

	dir    string
	dbPath string
	file   *os.File
	lock   *flock.Flock

	retention time.Duration
	cacheTTL  time.Duration

	samples map[model.Kind][]model.Sample // ascending by T, per kind
	cache   map[model.Kind]cacheEntry

	degraded bool
	logger   zerolog.Logger

	lastWarnAt map[string]time.Time // rate-limits runtime warnings, per spec §7
}

// Options configures a MetricsStore.
type Options struct {
	Dir           string
	RetentionDays int
	CacheTTL      time.Duration
	Logger        zerolog.Logger
}

// Open acquires the directory lock, opens (or creates) metrics.db, probes
// it for structural integrity, and loads its contents into memory. Returns
// ErrLocked if another process holds the lock — a fatal PersistenceUnavailable
// condition at the caller.
func Open(opts Options) (*MetricsStore, error) {
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	lk := flock.New(filepath.Join(opts.Dir, lockFileName))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	dbPath := filepath.Join(opts.Dir, dbFileName)
	f, err := os.OpenFile(dbPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		_ = lk.Unlock()
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	s := &MetricsStore{
		dir:        opts.Dir,
		dbPath:     dbPath,
		file:       f,
		lock:       lk,
		retention:  time.Duration(opts.RetentionDays) * 24 * time.Hour,
		cacheTTL:   opts.CacheTTL,
		samples:    make(map[model.Kind][]model.Sample),
		cache:      make(map[model.Kind]cacheEntry),
		logger:     opts.Logger,
		lastWarnAt: make(map[string]time.Time),
	}

	if err := s.loadOrRecover(); err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, err
	}

	return s, nil
}

// Close flushes and releases the store's resources.
func (s *MetricsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.file.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// loadOrRecover performs the structural probe on open (spec §4.1): decode
// every line as JSON. On any decode failure, back up and reinitialize.
func (s *MetricsStore) loadOrRecover() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("store: seek: %w", err)
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var loaded []model.Sample
	corrupt := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var smp model.Sample
		if err := json.Unmarshal(line, &smp); err != nil {
			corrupt = true
			break
		}
		loaded = append(loaded, smp)
	}
	if err := scanner.Err(); err != nil {
		corrupt = true
	}

	if corrupt {
		return s.recoverLocked()
	}

	for _, smp := range loaded {
		s.samples[smp.Kind] = append(s.samples[smp.Kind], smp)
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return fmt.Errorf("store: seek to end: %w", err)
	}
	return nil
}

// recoverLocked backs up the corrupt file and reinitializes an empty
// store, per spec §4.1 and §7 StorageCorrupt.
func (s *MetricsStore) recoverLocked() error {
	backupPath := fmt.Sprintf("%s.corrupt.%d", s.dbPath, time.Now().UnixNano())
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("store: close before recovery: %w", err)
	}
	if err := os.Rename(s.dbPath, backupPath); err != nil {
		return fmt.Errorf("store: backup corrupt file: %w", err)
	}
	f, err := os.OpenFile(s.dbPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("store: reinit after recovery: %w", err)
	}
	s.file = f
	s.samples = make(map[model.Kind][]model.Sample)
	s.cache = make(map[model.Kind]cacheEntry)
	s.logger.Warn().Str("backup", backupPath).Msg("metrics store corrupt, backed up and reinitialized")
	return nil
}

// Record appends a sample. Degraded stores silently drop writes per spec
// §4.1 StorageFull.
func (s *MetricsStore) Record(kind model.Kind, value float64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return nil
	}

	smp := model.Sample{T: t, Kind: kind, Value: value}
	data, err := json.Marshal(smp)
	if err != nil {
		return fmt.Errorf("store: marshal sample: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeWithRetry(data); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			s.degraded = true
			s.rateLimitedWarn("enospc", func() {
				s.logger.Warn().Msg("metrics store out of disk space, entering degraded mode")
			})
			return nil
		}
		s.rateLimitedWarn("write", func() {
			s.logger.Warn().Err(err).Msg("metrics store write failed")
		})
		return err
	}

	s.samples[kind] = append(s.samples[kind], smp)
	delete(s.cache, kind)
	return nil
}

// writeWithRetry retries once on transient errors other than ENOSPC, per
// spec §4.1 Failure.
func (s *MetricsStore) writeWithRetry(data []byte) error {
	_, err := s.file.Write(data)
	if err == nil {
		return s.file.Sync()
	}
	if errors.Is(err, syscall.ENOSPC) {
		return err
	}
	_, err = s.file.Write(data)
	if err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *MetricsStore) rateLimitedWarn(key string, fn func()) {
	now := time.Now()
	if last, ok := s.lastWarnAt[key]; ok && now.Sub(last) < 30*time.Second {
		return
	}
	s.lastWarnAt[key] = now
	fn()
}

// PurgeOlderThan drops samples older than cutoff and rewrites metrics.db
// with the survivors. Idempotent.
func (s *MetricsStore) PurgeOlderThan(cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return nil
	}

	changed := false
	for kind, smps := range s.samples {
		kept := smps[:0:0]
		for _, smp := range smps {
			if !smp.T.Before(cutoff) {
				kept = append(kept, smp)
			}
		}
		if len(kept) != len(smps) {
			changed = true
		}
		s.samples[kind] = kept
	}
	if !changed {
		return nil
	}
	return s.rewriteLocked()
}

// rewriteLocked compacts metrics.db to the in-memory sample set using an
// atomic temp-file-then-rename, per spec §9 and the teacher pack's
// write-temp-then-rename idiom (grounded on natefinch/atomic usage
// elsewhere in the corpus).
func (s *MetricsStore) rewriteLocked() error {
	tmpPath := fmt.Sprintf("%s.tmp.%d.%d", s.dbPath, os.Getpid(), rewriteCounter.Add(1))
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	var all []model.Sample
	for _, smps := range s.samples {
		all = append(all, smps...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].T.Before(all[j].T) })
	for _, smp := range all {
		data, err := json.Marshal(smp)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("store: marshal sample: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("store: write temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: close temp file: %w", err)
	}

	if err := s.file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: close live file: %w", err)
	}
	if err := os.Rename(tmpPath, s.dbPath); err != nil {
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	f, err := os.OpenFile(s.dbPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("store: reopen after compaction: %w", err)
	}
	s.file = f
	s.cache = make(map[model.Kind]cacheEntry)
	return nil
}

// P95 returns the 95th percentile over the last 7 days for kind, cached
// with a TTL per spec §4.1. While degraded, it returns the last cached
// value without attempting a scan.
func (s *MetricsStore) P95(kind model.Kind, now time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.cache[kind]; ok && now.Sub(entry.computed) < s.cacheTTL {
		return entry.value, entry.ok
	}
	if s.degraded {
		if entry, ok := s.cache[kind]; ok {
			return entry.value, entry.ok
		}
		return 0, false
	}

	cutoff := now.Add(-s.retention)
	var values []float64
	for _, smp := range s.samples[kind] {
		if !smp.T.Before(cutoff) {
			values = append(values, smp.Value)
		}
	}
	if len(values) == 0 {
		s.cache[kind] = cacheEntry{computed: now, ok: false}
		return 0, false
	}
	p95 := percentile95(values)
	s.cache[kind] = cacheEntry{value: p95, ok: true, computed: now}
	return p95, true
}

// percentile95 returns the 95th percentile using nearest-rank, matching
// the provider's stated methodology (spec §1).
func percentile95(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted))*0.95 + 0.9999999)
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

// Count7d returns the total number of samples (any kind) retained.
func (s *MetricsStore) Count7d() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, smps := range s.samples {
		n += len(smps)
	}
	return n
}

// Health reports the store's availability per spec §4.1.
func (s *MetricsStore) Health() model.StoreHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded {
		return model.HealthDegraded
	}
	return model.HealthAvailable
}

// ProbeConsistency performs the lightweight periodic integrity check from
// spec §4.1: re-reads the tail of the live file and verifies it still
// parses. On failure, it recovers the same way the open-time probe does.
func (s *MetricsStore) ProbeConsistency() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return nil
	}

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("store: stat during probe: %w", err)
	}
	const tailBytes = 8192
	var offset int64
	if info.Size() > tailBytes {
		offset = info.Size() - tailBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("store: read tail during probe: %w", err)
	}

	lines := splitNonEmptyLines(buf)
	for _, line := range lines {
		var smp model.Sample
		if err := json.Unmarshal(line, &smp); err != nil {
			return s.recoverLocked()
		}
	}
	return nil
}

func splitNonEmptyLines(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range buf {
		if b == '\n' {
			if i > start {
				out = append(out, buf[start:i])
			}
			start = i + 1
		}
	}
	if start < len(buf) {
		out = append(out, buf[start:])
	}
	// The first fragment may be a partial line split by the tail window; drop it.
	if len(out) > 1 {
		out = out[1:]
	}
	return out
}
