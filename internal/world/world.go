// Package world maintains the agent's shared world state: durable key/value
// facts about the environment (deployment targets, feature flags, operator
// annotations) that decisions can cite as evidence.
//
// Facts live in memory behind a RWMutex and are persisted to
// <dir>/world_state.json with an atomic replace on every mutation, so a crash
// mid-write never leaves a torn state file.
package world

import (
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

	"github.com/ashita-ai/veritas/internal/atomicfile"
)

// ErrNotFound is returned when a fact key does not exist.
var ErrNotFound = errors.New("world: fact not found")

const stateFile = "world_state.json"

// Fact is a single observation about the world.
type Fact struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// stateDoc is the on-disk envelope. Versioned so the layout can evolve
// without guessing at reload time.
type stateDoc struct {
	Version int    `json:"version"`
	Facts   []Fact `json:"facts"`
}

// Store is the world-state fact store.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	facts map[string]Fact
}

// Open loads the world state from dir, creating an empty store when no state
// file exists yet. A corrupt state file is an error: world facts feed safety
// decisions, so silently starting empty would hide the loss.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   filepath.Join(dir, stateFile),
		logger: logger,
		now:    time.Now,
		facts:  make(map[string]Fact),
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("world: starting with empty state", "path", s.path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("world: read state: %w", err)
	}

	var doc stateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("world: decode state %s: %w", s.path, err)
	}
	for _, f := range doc.Facts {
		if f.Key == "" {
			continue
		}
		s.facts[f.Key] = f
	}
	logger.Info("world: loaded state", "path", s.path, "facts", len(s.facts))
	return s, nil
}

// Get returns the fact for key.
func (s *Store) Get(key string) (Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	if !ok {
		return Fact{}, fmt.Errorf("world: get %q: %w", key, ErrNotFound)
	}
	return f, nil
}

// Set records a fact and persists the full state. Confidence is clamped to
// [0,1]; an empty key is rejected.
func (s *Store) Set(key, value, source string, confidence float64) error {
	if key == "" {
		return errors.New("world: set: empty key")
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[key] = Fact{
		Key:        key,
		Value:      value,
		Source:     source,
		Confidence: confidence,
		UpdatedAt:  s.now().UTC(),
	}
	return s.persistLocked()
}

// Delete removes a fact and persists the state. Deleting a missing key is a
// no-op so callers can retract facts idempotently.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[key]; !ok {
		return nil
	}
	delete(s.facts, key)
	return s.persistLocked()
}

// Facts returns all facts sorted by key.
func (s *Store) Facts() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// Relevant returns up to limit facts whose key or value shares a term with
// the query, highest confidence first. Matching is plain lowercase term
// overlap: world facts are operator-curated and small, so anything fancier
// belongs in the semantic index.
func (s *Store) Relevant(query string, limit int) []Fact {
	if limit <= 0 {
		return nil
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		fact    Fact
		matches int
	}
	var hits []hit
	for _, f := range s.facts {
		haystack := strings.ToLower(f.Key + " " + f.Value)
		n := 0
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{fact: f, matches: n})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].matches != hits[j].matches {
			return hits[i].matches > hits[j].matches
		}
		if hits[i].fact.Confidence != hits[j].fact.Confidence {
			return hits[i].fact.Confidence > hits[j].fact.Confidence
		}
		return hits[i].fact.Key < hits[j].fact.Key
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Fact, len(hits))
	for i, h := range hits {
		out[i] = h.fact
	}
	return out
}

// persistLocked writes the full state atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	doc := stateDoc{Version: 1, Facts: make([]Fact, 0, len(s.facts))}
	for _, f := range s.facts {
		doc.Facts = append(doc.Facts, f)
	}
	sort.Slice(doc.Facts, func(i, j int) bool { return doc.Facts[i].Key < doc.Facts[j].Key })

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("world: encode state: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("world: persist state: %w", err)
	}
	return nil
}

// queryTerms lowercases and splits a query, dropping short tokens that only
// add noise to substring matching.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '-' || r == '.')
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
