// Package trustlog implements the append-only, hash-chained audit log.
//
// Records are stored as newline-delimited JSON in an active primary file.
// Each record's sha256 covers the previous record's sha256 concatenated
// with the canonical JSON of the record minus its two sha fields, so any
// removal, reordering, or in-place edit is detectable by re-verification.
// When the primary grows past the rotation threshold it is renamed to a
// timestamped segment and a rotation marker carries the tail hash across
// the boundary, preserving chain continuity. A bounded mirror of the most
// recent records is maintained for UIs via atomic replacement; the primary
// is always authoritative.
package trustlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/veritas/internal/atomicfile"
	"github.com/ashita-ai/veritas/internal/canonical"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/telemetry"
)

const (
	primaryName = "trust_log.primary"
	mirrorName  = "trust_log.mirror"
	markerName  = "trust_log.rotation.marker"

	segmentPrefix = "trust_log."
	segmentSuffix = ".segment"

	// segmentTimeFormat is fixed-width so lexicographic segment order is
	// chronological order.
	segmentTimeFormat = "20060102T150405.000000000Z07:00"

	// DefaultMirrorSize bounds the mirror file.
	DefaultMirrorSize = 2000

	// DefaultRotateBytes is the primary size threshold that triggers rotation.
	DefaultRotateBytes = 8 << 20

	// maxRecordBytes bounds a single serialized record on the read path.
	maxRecordBytes = 16 << 20
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("trustlog: closed")

// ErrCanonicalize is returned when a payload cannot be canonically
// serialized for hashing. Callers fall back to AppendDegraded so the
// chain never silently skips a decision.
var ErrCanonicalize = errors.New("trustlog: payload cannot be canonicalized")

// Entry is the caller-supplied portion of a record. The log stamps ID,
// CreatedAt, and the chain hashes.
type Entry struct {
	RequestID string
	Stage     model.StageName
	Payload   map[string]any
}

// rotationMarker is the JSON content of trust_log.rotation.marker.
type rotationMarker struct {
	LastSHA256 string `json:"last_sha256"`
	Segment    string `json:"segment"`
	RotatedAt  string `json:"rotated_at"`
}

// Config holds trust log settings.
type Config struct {
	Dir         string
	MirrorSize  int
	RotateBytes int64
	Now         func() time.Time // defaults to time.Now
}

// Log is the hash-chained audit log. All appends are serialized by an
// exclusive lock; the resulting record sequence defines the canonical
// order across requests.
type Log struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	f        *os.File
	size     int64
	lastHash string // "" until the first record of a fresh chain
	closed   bool

	// mirror ring: most recent records, oldest first.
	ring        []model.TrustLogRecord
	mirrorStale bool

	appendLatency metric.Float64Histogram
	appendedTotal metric.Int64Counter
}

// Open opens (or creates) the trust log in cfg.Dir and recovers the tail
// hash from the active primary, falling back to the rotation marker when
// the primary is empty.
func Open(cfg Config, logger *slog.Logger) (*Log, error) {
	if cfg.MirrorSize <= 0 {
		cfg.MirrorSize = DefaultMirrorSize
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = DefaultRotateBytes
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("trustlog: mkdir: %w", err)
	}

	l := &Log{cfg: cfg, logger: logger, now: now}

	path := filepath.Join(cfg.Dir, primaryName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trustlog: open primary: %w", err)
	}
	l.f = f

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("trustlog: stat primary: %w", err)
	}
	l.size = info.Size()

	if err := l.recoverTail(); err != nil {
		_ = f.Close()
		return nil, err
	}
	l.seedMirror()
	l.registerMetrics()

	logger.Info("trustlog: opened",
		"dir", cfg.Dir,
		"primary_bytes", l.size,
		"tail_hash", shortHash(l.lastHash),
		"mirror_records", len(l.ring),
	)
	return l, nil
}

// recoverTail restores lastHash from the primary's final record, or from
// the rotation marker when the primary is empty.
func (l *Log) recoverTail() error {
	line, err := atomicfile.ReadLastLine(filepath.Join(l.cfg.Dir, primaryName))
	if err != nil {
		return fmt.Errorf("trustlog: read tail: %w", err)
	}
	if line != "" {
		var rec model.TrustLogRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return fmt.Errorf("trustlog: parse tail record: %w", err)
		}
		l.lastHash = rec.SHA256
		return nil
	}

	marker, err := l.readMarker()
	if err != nil {
		return err
	}
	if marker != nil {
		l.lastHash = marker.LastSHA256
	}
	return nil
}

func (l *Log) readMarker() (*rotationMarker, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.Dir, markerName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trustlog: read marker: %w", err)
	}
	var m rotationMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("trustlog: parse marker: %w", err)
	}
	return &m, nil
}

// seedMirror loads the in-memory ring. The mirror file is trusted only
// when its tail matches the primary's tail; otherwise the ring is rebuilt
// from the primary (and topped up from the newest segment when short),
// because the primary is authoritative.
func (l *Log) seedMirror() {
	fromFile := l.readRecordsFile(filepath.Join(l.cfg.Dir, mirrorName))
	if n := len(fromFile); n > 0 && fromFile[n-1].SHA256 == l.lastHash && l.lastHash != "" {
		l.ring = trimRing(fromFile, l.cfg.MirrorSize)
		return
	}

	ring := l.readRecordsFile(filepath.Join(l.cfg.Dir, primaryName))
	if len(ring) < l.cfg.MirrorSize {
		if segs := l.segmentNames(); len(segs) > 0 {
			newest := l.readRecordsFile(filepath.Join(l.cfg.Dir, segs[len(segs)-1]))
			ring = append(newest, ring...)
		}
	}
	l.ring = trimRing(ring, l.cfg.MirrorSize)
	l.mirrorStale = len(l.ring) > 0
}

// readRecordsFile reads every parseable record from a JSONL file.
// Unparseable lines are skipped; this is a best-effort read path.
func (l *Log) readRecordsFile(path string) []model.TrustLogRecord {
	var out []model.TrustLogRecord
	err := scanRecords(path, -1, func(_ int, rec model.TrustLogRecord, _ error) bool {
		if rec.ID != "" {
			out = append(out, rec)
		}
		return true
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("trustlog: record scan failed", "path", path, "error", err)
	}
	return out
}

func trimRing(ring []model.TrustLogRecord, size int) []model.TrustLogRecord {
	if len(ring) > size {
		return append([]model.TrustLogRecord(nil), ring[len(ring)-size:]...)
	}
	return ring
}

// segmentNames returns archived segment file names in chain order.
func (l *Log) segmentNames() []string {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		l.logger.Warn("trustlog: read dir failed", "error", err)
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Append seals one record: it resolves the previous hash, stamps the
// chain fields, writes the JSONL line with fsync on file and directory,
// then refreshes the mirror. Appends are globally serialized.
func (l *Log) Append(ctx context.Context, entry Entry) (model.TrustLogRecord, error) {
	rec := model.TrustLogRecord{
		RequestID: entry.RequestID,
		Stage:     string(entry.Stage),
		Payload:   entry.Payload,
	}
	return l.append(ctx, rec)
}

// AppendDegraded seals a fallback record flagged hash_chain=unavailable.
// Used when the canonical payload cannot be sealed; the substitute payload
// records the failure reason so the chain never silently skips a decision.
func (l *Log) AppendDegraded(ctx context.Context, entry Entry, reason string) (model.TrustLogRecord, error) {
	rec := model.TrustLogRecord{
		RequestID: entry.RequestID,
		Stage:     string(entry.Stage),
		Payload:   map[string]any{"error": reason},
		HashChain: model.HashChainUnavailable,
	}
	return l.append(ctx, rec)
}

func (l *Log) append(ctx context.Context, rec model.TrustLogRecord) (model.TrustLogRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.TrustLogRecord{}, fmt.Errorf("trustlog: append: %w", err)
	}
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return model.TrustLogRecord{}, ErrClosed
	}
	if l.size >= l.cfg.RotateBytes {
		if err := l.rotateLocked(); err != nil {
			return model.TrustLogRecord{}, err
		}
	}

	rec.ID = uuid.NewString()
	rec.CreatedAt = l.now().UTC().Format(time.RFC3339Nano)
	if l.lastHash != "" {
		prev := l.lastHash
		rec.SHA256Prev = &prev
	}

	payload, err := canonical.Marshal(hashablePayload(rec))
	if err != nil {
		return model.TrustLogRecord{}, fmt.Errorf("%w: %v", ErrCanonicalize, err)
	}
	rec.SHA256 = canonical.ChainHash(l.lastHash, payload)

	line, err := json.Marshal(rec)
	if err != nil {
		return model.TrustLogRecord{}, fmt.Errorf("trustlog: encode record: %w", err)
	}
	line = append(line, '\n')

	n, err := l.f.Write(line)
	if err != nil {
		// A short write leaves a torn line at the tail; record it so the
		// next verify explains the mismatch.
		l.logger.Error("trustlog: primary write failed", "error", err, "written", n)
		return model.TrustLogRecord{}, fmt.Errorf("trustlog: write primary: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return model.TrustLogRecord{}, fmt.Errorf("trustlog: sync primary: %w", err)
	}
	if err := atomicfile.SyncDir(l.cfg.Dir); err != nil {
		return model.TrustLogRecord{}, err
	}

	l.size += int64(len(line))
	l.lastHash = rec.SHA256

	l.ring = append(l.ring, rec)
	l.ring = trimRing(l.ring, l.cfg.MirrorSize)
	l.writeMirrorLocked()

	if l.appendLatency != nil {
		l.appendLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if l.appendedTotal != nil {
		l.appendedTotal.Add(ctx, 1)
	}
	return rec, nil
}

// writeMirrorLocked rewrites the mirror file from the ring. Failure is
// non-fatal: the primary already holds the record, and the mirror is
// retried on the next successful append.
func (l *Log) writeMirrorLocked() {
	var sb strings.Builder
	for _, rec := range l.ring {
		line, err := json.Marshal(rec)
		if err != nil {
			l.logger.Warn("trustlog: mirror encode failed", "record_id", rec.ID, "error", err)
			continue
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if err := atomicfile.WriteFile(filepath.Join(l.cfg.Dir, mirrorName), []byte(sb.String()), 0o644); err != nil {
		l.mirrorStale = true
		l.logger.Warn("trustlog: mirror update failed", "error", err)
		return
	}
	l.mirrorStale = false
}

// rotateLocked archives the primary as a timestamped segment, writes the
// rotation marker with the tail hash, and opens a fresh primary. The next
// record's sha256_prev equals the marker's hash, so the chain continues
// across the boundary.
func (l *Log) rotateLocked() error {
	if l.size == 0 {
		return nil
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("trustlog: sync before rotate: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("trustlog: close before rotate: %w", err)
	}

	ts := l.now().UTC().Format(segmentTimeFormat)
	segName := segmentPrefix + ts + segmentSuffix
	primaryPath := filepath.Join(l.cfg.Dir, primaryName)
	if err := os.Rename(primaryPath, filepath.Join(l.cfg.Dir, segName)); err != nil {
		return fmt.Errorf("trustlog: archive primary: %w", err)
	}
	if err := atomicfile.SyncDir(l.cfg.Dir); err != nil {
		return err
	}

	marker := rotationMarker{LastSHA256: l.lastHash, Segment: segName, RotatedAt: ts}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("trustlog: encode marker: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(l.cfg.Dir, markerName), data, 0o644); err != nil {
		return err
	}

	f, err := os.OpenFile(primaryPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("trustlog: open fresh primary: %w", err)
	}
	l.f = f
	l.size = 0

	l.logger.Info("trustlog: rotated", "segment", segName, "tail_hash", shortHash(l.lastHash))
	return nil
}

// LastHash returns the current tail hash ("" for an empty chain).
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Tail returns up to n of the most recent records, oldest first.
func (l *Log) Tail(n int) []model.TrustLogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || len(l.ring) == 0 {
		return nil
	}
	if n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]model.TrustLogRecord, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}

// Ready reports whether the log can still accept appends.
func (l *Log) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close syncs and closes the primary. Further appends fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("trustlog: sync on close: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("trustlog: close: %w", err)
	}
	return nil
}

// hashablePayload is the view of a record that participates in chain
// hashing: everything except the two sha fields.
func hashablePayload(rec model.TrustLogRecord) map[string]any {
	m := map[string]any{
		"id":         rec.ID,
		"created_at": rec.CreatedAt,
		"request_id": rec.RequestID,
		"stage":      rec.Stage,
		"payload":    rec.Payload,
	}
	if rec.HashChain != "" {
		m["hash_chain"] = rec.HashChain
	}
	return m
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "genesis"
	}
	return h
}

func (l *Log) registerMetrics() {
	meter := telemetry.Meter("veritas/trustlog")

	l.appendLatency, _ = meter.Float64Histogram("veritas.trustlog.append_ms",
		metric.WithDescription("Trust log append latency in milliseconds"))
	l.appendedTotal, _ = meter.Int64Counter("veritas.trustlog.appended_total",
		metric.WithDescription("Total records appended to the trust log"))

	_, _ = meter.Int64ObservableGauge("veritas.trustlog.primary_bytes",
		metric.WithDescription("Current size of the active primary segment"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			o.Observe(l.size)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("veritas.trustlog.mirror_records",
		metric.WithDescription("Records currently held by the bounded mirror"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			o.Observe(int64(len(l.ring)))
			return nil
		}),
	)
}
