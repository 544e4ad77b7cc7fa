package values

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/veritas/internal/atomicfile"
	"github.com/ashita-ai/veritas/internal/model"
)

// emaAlpha is the smoothing factor of the per-user moving average. Small on
// purpose: one great or terrible decision should nudge the trend, not own it.
const emaAlpha = 0.1

// userStats is the persisted per-user state.
type userStats struct {
	EMA       float64   `json:"ema"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists per-user value statistics as one JSON file per user under
// the data directory. Files are written atomically; state is loaded lazily
// on first touch per user and cached.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	users map[string]*userStats
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger, now: time.Now, users: make(map[string]*userStats)}
}

// Update folds total into the user's EMA and persists the result. The first
// observation seeds the EMA with the total itself.
func (s *Store) Update(userID string, total float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked(userID)
	if err != nil {
		return 0, err
	}
	if st.Count == 0 {
		st.EMA = total
	} else {
		st.EMA = emaAlpha*total + (1-emaAlpha)*st.EMA
	}
	st.Count++
	st.UpdatedAt = s.now().UTC()

	if err := s.persistLocked(userID, st); err != nil {
		return 0, err
	}
	return st.EMA, nil
}

// EMA returns the user's current moving average and observation count.
func (s *Store) EMA(userID string) (float64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked(userID)
	if err != nil {
		return 0, 0, err
	}
	return st.EMA, st.Count, nil
}

// loadLocked returns the cached stats for userID, reading the user's file on
// first touch. Caller holds s.mu.
func (s *Store) loadLocked(userID string) (*userStats, error) {
	if st, ok := s.users[userID]; ok {
		return st, nil
	}
	st := &userStats{}
	raw, err := os.ReadFile(s.statsPath(userID))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First observation for this user.
	case err != nil:
		return nil, fmt.Errorf("values: read stats: %w", err)
	default:
		if err := json.Unmarshal(raw, st); err != nil {
			return nil, fmt.Errorf("values: decode stats for %q: %w", userID, err)
		}
	}
	s.users[userID] = st
	return st, nil
}

func (s *Store) persistLocked(userID string, st *userStats) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("values: encode stats: %w", err)
	}
	if err := atomicfile.WriteFile(s.statsPath(userID), append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("values: persist stats for %q: %w", userID, err)
	}
	return nil
}

func (s *Store) statsPath(userID string) string {
	return filepath.Join(s.dir, "value_stats."+safeUserComponent(userID)+".json")
}

// safeUserComponent makes a user id safe as a filename component. Characters
// outside [A-Za-z0-9._-] are replaced with '_' and a short content hash is
// appended so distinct ids cannot collide after sanitization.
func safeUserComponent(userID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, userID)
	if clean == userID && userID != "" {
		return clean
	}
	sum := sha256.Sum256([]byte(userID))
	return clean + "-" + hex.EncodeToString(sum[:4])
}

// Evaluator runs value scoring and maintains the persisted EMA.
type Evaluator struct {
	store  *Store
	logger *slog.Logger
}

// NewEvaluator creates an evaluator over the given store.
func NewEvaluator(store *Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: store, logger: logger}
}

// Evaluate scores the decision and folds the total into the user's EMA. A
// failed persist degrades to the unsmoothed total with a warning — losing
// one EMA update is better than losing the whole value report.
func (e *Evaluator) Evaluate(userID string, in Input) model.ValueReport {
	total, factors := Score(in)
	report := model.ValueReport{Total: total, Factors: factors, EMA: total}

	ema, err := e.store.Update(userID, total)
	if err != nil {
		e.logger.Warn("values: ema update failed", "user_id", userID, "error", err)
		return report
	}
	report.EMA = ema
	return report
}
