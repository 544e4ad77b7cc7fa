package fuji

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 5 * time.Second

// PolicyStore holds the active gate policy and swaps it atomically when the
// backing file changes. Readers call Current on every evaluation; a reload
// never blocks them.
type PolicyStore struct {
	path   string
	logger *slog.Logger
	cur    atomic.Pointer[Policy]
}

// NewPolicyStore loads the initial policy. With an empty path the built-in
// default is used and Reload is a no-op. With a path, the file must parse
// and validate; a broken policy file is a boot failure, not a fallback.
func NewPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyStore{path: path, logger: logger}
	if path == "" {
		s.cur.Store(DefaultPolicy())
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fuji: read policy %s: %w", path, err)
	}
	p, err := ParsePolicy(raw)
	if err != nil {
		return nil, err
	}
	s.cur.Store(p)
	s.logger.Info("fuji: policy loaded", "path", path, "version", p.Version, "hash", p.hash[:12])
	return s, nil
}

// Current returns the active policy. Never nil.
func (s *PolicyStore) Current() *Policy { return s.cur.Load() }

// Hash returns the content hash of the active policy.
func (s *PolicyStore) Hash() string { return s.Current().Hash() }

// Reload re-reads the policy file and swaps the active policy if its content
// changed. It reports whether a swap happened. An unchanged file is detected
// by content hash and skips re-parsing. In-flight evaluations keep the
// policy they started with.
func (s *PolicyStore) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("fuji: read policy %s: %w", s.path, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) == s.Current().Hash() {
		return false, nil
	}
	p, err := ParsePolicy(raw)
	if err != nil {
		return false, err
	}
	s.cur.Store(p)
	s.logger.Info("fuji: policy reloaded", "path", s.path, "version", p.Version, "hash", p.hash[:12])
	return true, nil
}

// Watch polls the policy file until ctx is done, applying changes as they
// appear. A failed reload keeps the last good policy and logs a warning.
// Pass every <= 0 for the default interval.
func (s *PolicyStore) Watch(ctx context.Context, every time.Duration) {
	if s.path == "" {
		return
	}
	if every <= 0 {
		every = defaultPollInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reload(); err != nil {
				s.logger.Warn("fuji: policy reload failed; keeping active policy", "error", err)
			}
		}
	}
}
