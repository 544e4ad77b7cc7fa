package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const episodicFile = "episodic.db"

// recallDecayDays is the characteristic age at which an episode's recall
// weight drops to 1/e. Old episodes still surface when nothing fresher
// matches, they just rank lower.
const recallDecayDays = 30.0

// Episode is a single remembered event: a past decision, an observation, or
// operator-injected knowledge.
type Episode struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecallHit is an episode scored for relevance to a recall query.
type RecallHit struct {
	Episode Episode `json:"episode"`
	Score   float64 `json:"score"`
}

// EpisodicStore persists episodes in a local SQLite database.
type EpisodicStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

const episodicSchema = `
CREATE TABLE IF NOT EXISTS episodes (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	text       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0.5,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS episodes_user_created ON episodes (user_id, created_at DESC);
`

// OpenEpisodic opens (creating if needed) the episodic database in dir.
func OpenEpisodic(dir string, logger *slog.Logger) (*EpisodicStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, episodicFile)
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open episodic db: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids BUSY errors
	// under concurrent observes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(episodicSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: init episodic schema: %w", err)
	}

	logger.Info("memory: episodic store ready", "path", path)
	return &EpisodicStore{db: db, logger: logger, now: time.Now}, nil
}

// Observe records an episode. A missing ID is generated, confidence is
// clamped to [0,1], and a zero CreatedAt is stamped with the current time.
func (s *EpisodicStore) Observe(ctx context.Context, ep Episode) error {
	if strings.TrimSpace(ep.Text) == "" {
		return errors.New("memory: observe: empty text")
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.UserID == "" {
		ep.UserID = "anonymous"
	}
	if ep.Confidence < 0 {
		ep.Confidence = 0
	}
	if ep.Confidence > 1 {
		ep.Confidence = 1
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, user_id, text, source, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			text = excluded.text,
			source = excluded.source,
			confidence = excluded.confidence`,
		ep.ID, ep.UserID, ep.Text, ep.Source, ep.Confidence, ep.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("memory: insert episode: %w", err)
	}
	return nil
}

// Recall returns up to limit episodes for userID relevant to query, ranked by
// a blend of term overlap, stored confidence, and recency. The SQL layer does
// the coarse LIKE filter; scoring happens in Go.
func (s *EpisodicStore) Recall(ctx context.Context, userID, query string, limit int) ([]RecallHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	if userID == "" {
		userID = "anonymous"
	}
	terms := recallTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	args := []any{userID}
	sb.WriteString(`SELECT id, user_id, text, source, confidence, created_at
		FROM episodes WHERE user_id = ? AND (`)
	for i, term := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString(`text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	sb.WriteString(`) ORDER BY created_at DESC LIMIT ?`)
	// Over-fetch so recency-biased SQL ordering doesn't starve high-overlap
	// older episodes before Go-side scoring.
	args = append(args, limit*4)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("memory: recall query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.now()
	var hits []RecallHit
	for rows.Next() {
		var ep Episode
		var createdUnix int64
		if err := rows.Scan(&ep.ID, &ep.UserID, &ep.Text, &ep.Source, &ep.Confidence, &createdUnix); err != nil {
			return nil, fmt.Errorf("memory: scan episode: %w", err)
		}
		ep.CreatedAt = time.Unix(createdUnix, 0)
		hits = append(hits, RecallHit{Episode: ep, Score: recallScore(ep, terms, now)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: recall rows: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Episode.CreatedAt.After(hits[j].Episode.CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the total number of stored episodes.
func (s *EpisodicStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("memory: count episodes: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *EpisodicStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("memory: close episodic db: %w", err)
	}
	return nil
}

// recallScore blends term overlap, stored confidence, and recency decay.
// overlap dominates (0.6) so a full-match old episode still beats a
// one-term fresh one.
func recallScore(ep Episode, terms []string, now time.Time) float64 {
	text := strings.ToLower(ep.Text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			matched++
		}
	}
	overlap := float64(matched) / float64(len(terms))
	ageDays := now.Sub(ep.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Exp(-ageDays / recallDecayDays)

	score := (0.6*overlap + 0.4*ep.Confidence) * decay
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// recallTerms lowercases and tokenizes a query, dropping stopwords
// and short tokens that would turn LIKE filters into full scans.
func recallTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '-')
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || recallStopwords[f] {
			continue
		}
		terms = append(terms, f)
		if len(terms) == 8 {
			break
		}
	}
	return terms
}

var recallStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "should": true, "would": true,
	"can": true, "could": true, "are": true, "was": true, "were": true,
	"what": true, "when": true, "where": true, "how": true, "why": true,
}

// escapeLike escapes LIKE wildcards in a user-derived term.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
