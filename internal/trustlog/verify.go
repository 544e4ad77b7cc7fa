package trustlog

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ashita-ai/veritas/internal/canonical"
	"github.com/ashita-ai/veritas/internal/model"
)

// ErrBadCursor is returned by List for cursors this log did not issue.
var ErrBadCursor = errors.New("trustlog: invalid cursor")

// ErrNotFound is returned by Get when no record carries the requested id.
var ErrNotFound = errors.New("trustlog: record not found")

// scanRecords streams records from a JSONL file in order. When limitBytes
// is non-negative only that prefix of the file is read, which lets callers
// ignore a line being appended concurrently. The callback receives the
// zero-based line index and a parse error for corrupt lines; returning
// false stops the scan.
func scanRecords(path string, limitBytes int64, fn func(idx int, rec model.TrustLogRecord, parseErr error) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if limitBytes >= 0 {
		r = io.LimitReader(f, limitBytes)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), maxRecordBytes)
	idx := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.TrustLogRecord
		parseErr := json.Unmarshal(line, &rec)
		if !fn(idx, rec, parseErr) {
			return nil
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("trustlog: scan %s: %w", filepath.Base(path), err)
	}
	return nil
}

// chainFiles returns every chain file in walk order: archived segments
// oldest first, then the active primary. The primary's readable byte
// count is snapshotted under the lock so a concurrent append cannot
// surface a torn final line.
func (l *Log) chainFiles() ([]string, int64) {
	segs := l.segmentNames()
	files := make([]string, 0, len(segs)+1)
	for _, s := range segs {
		files = append(files, filepath.Join(l.cfg.Dir, s))
	}

	l.mu.Lock()
	size := l.size
	l.mu.Unlock()

	files = append(files, filepath.Join(l.cfg.Dir, primaryName))
	return files, size
}

// Verify re-walks the whole chain from genesis and recomputes every hash.
// It reports the global index of the first mismatching record, counts
// records flagged hash_chain=unavailable (their payload hash is not
// enforced, but their position in the chain is), and treats a missing or
// unparseable line as a mismatch at that index.
func (l *Log) Verify(ctx context.Context) (model.VerifyReport, error) {
	files, primaryBytes := l.chainFiles()

	report := model.VerifyReport{OK: true, Segments: len(files) - 1}
	prev := ""
	global := 0

	fail := func(idx int, reason string) {
		if report.FirstMismatch == nil {
			i := idx
			report.FirstMismatch = &i
			report.Reason = reason
		}
		report.OK = false
	}

	for fi, path := range files {
		if err := ctx.Err(); err != nil {
			return model.VerifyReport{}, fmt.Errorf("trustlog: verify: %w", err)
		}
		limit := int64(-1)
		if fi == len(files)-1 {
			limit = primaryBytes
		}
		err := scanRecords(path, limit, func(_ int, rec model.TrustLogRecord, parseErr error) bool {
			idx := global
			global++
			report.Records++

			if parseErr != nil {
				fail(idx, "unparseable record")
				return false
			}
			if !prevMatches(rec.SHA256Prev, prev) {
				fail(idx, "sha256_prev does not match the preceding record")
				return false
			}
			if rec.Degraded() {
				report.Degraded++
			} else {
				payload, err := canonical.Marshal(hashablePayload(rec))
				if err != nil {
					fail(idx, "record payload cannot be canonicalized")
					return false
				}
				if canonical.ChainHash(prev, payload) != rec.SHA256 {
					fail(idx, "sha256 does not match record content")
					return false
				}
			}
			prev = rec.SHA256
			return true
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return model.VerifyReport{}, err
		}
		if !report.OK {
			break
		}
	}
	return report, nil
}

func prevMatches(stored *string, prev string) bool {
	if stored == nil {
		return prev == ""
	}
	return *stored == prev
}

// Get returns the record with the given id, scanning the mirror ring
// first and falling back to a full chain walk.
func (l *Log) Get(id string) (model.TrustLogRecord, error) {
	l.mu.Lock()
	for i := len(l.ring) - 1; i >= 0; i-- {
		if l.ring[i].ID == id {
			rec := l.ring[i]
			l.mu.Unlock()
			return rec, nil
		}
	}
	l.mu.Unlock()

	files, primaryBytes := l.chainFiles()
	var found *model.TrustLogRecord
	for fi, path := range files {
		limit := int64(-1)
		if fi == len(files)-1 {
			limit = primaryBytes
		}
		err := scanRecords(path, limit, func(_ int, rec model.TrustLogRecord, parseErr error) bool {
			if parseErr == nil && rec.ID == id {
				found = &rec
				return false
			}
			return true
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return model.TrustLogRecord{}, err
		}
		if found != nil {
			return *found, nil
		}
	}
	return model.TrustLogRecord{}, ErrNotFound
}

// ByRequestID collects every record sealed for one request, in chain
// order, and reports whether that subset is internally consistent: each
// non-degraded record's sha256 must re-derive from its own stored
// sha256_prev and payload. Records of other requests interleave in the
// global chain, so cross-record linkage is checked by Verify, not here.
func (l *Log) ByRequestID(requestID string) (model.RequestChainReport, error) {
	report := model.RequestChainReport{RequestID: requestID, Continuity: model.ContinuityEmpty}

	files, primaryBytes := l.chainFiles()
	broken := false
	for fi, path := range files {
		limit := int64(-1)
		if fi == len(files)-1 {
			limit = primaryBytes
		}
		err := scanRecords(path, limit, func(_ int, rec model.TrustLogRecord, parseErr error) bool {
			if parseErr != nil || rec.RequestID != requestID {
				return true
			}
			report.Records = append(report.Records, rec)
			if !rec.Degraded() && !selfConsistent(rec) {
				broken = true
			}
			return true
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return model.RequestChainReport{}, err
		}
	}

	if len(report.Records) > 0 {
		report.Continuity = model.ContinuityOK
		if broken {
			report.Continuity = model.ContinuityBroken
		}
	}
	return report, nil
}

// selfConsistent recomputes a record's hash from its own stored fields.
func selfConsistent(rec model.TrustLogRecord) bool {
	prev := ""
	if rec.SHA256Prev != nil {
		prev = *rec.SHA256Prev
	}
	payload, err := canonical.Marshal(hashablePayload(rec))
	if err != nil {
		return false
	}
	return canonical.ChainHash(prev, payload) == rec.SHA256
}

// List pages through the chain oldest first. The cursor is opaque; an
// empty cursor starts at genesis. The returned cursor is empty once the
// chain is exhausted. Cursors stay valid across rotation because they
// index the global chain, not a file.
func (l *Log) List(cursor string, limit int) ([]model.TrustLogRecord, string, error) {
	if limit <= 0 {
		limit = 50
	}
	start, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	files, primaryBytes := l.chainFiles()
	var out []model.TrustLogRecord
	global := 0
	for fi, path := range files {
		lim := int64(-1)
		if fi == len(files)-1 {
			lim = primaryBytes
		}
		err := scanRecords(path, lim, func(_ int, rec model.TrustLogRecord, parseErr error) bool {
			idx := global
			global++
			if idx < start || parseErr != nil {
				return true
			}
			out = append(out, rec)
			return len(out) < limit
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, "", err
		}
		if len(out) >= limit {
			break
		}
	}

	next := ""
	if len(out) == limit {
		next = encodeCursor(start + len(out))
	}
	return out, next, nil
}

const cursorVersion = "v1:"

func encodeCursor(idx int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorVersion + strconv.Itoa(idx)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrBadCursor
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorVersion) {
		return 0, ErrBadCursor
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(s, cursorVersion))
	if err != nil || idx < 0 {
		return 0, ErrBadCursor
	}
	return idx, nil
}
