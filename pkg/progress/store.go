// Package progress persists the per-category crawl cursor: the single source
// of truth for resume. The artifact is a flat JSON map of category id to the
// last completed page index, with a reserved sentinel for fully harvested
// categories. The file is rewritten in full on every commit so a crash can
// lose at most the page currently in flight.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Done is the reserved cursor value meaning "category fully harvested".
// Real cursors are non-negative page indexes.
const Done = -1

var commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvester_progress_commits_total",
	Help: "Total number of committed progress writes",
})

// Store is a durable category → cursor map. All writers serialize on one
// mutex; the file is replaced atomically (write temp, rename).
type Store struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	cursors map[string]int
}

// Open loads the progress file, creating empty state if it does not exist.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger,
		cursors: make(map[string]int),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read progress file: %w", err)
	}

	if err := json.Unmarshal(data, &s.cursors); err != nil {
		return nil, fmt.Errorf("parse progress file %s: %w", path, err)
	}

	logger.Info().
		Int("categories", len(s.cursors)).
		Str("path", path).
		Msg("Loaded progress state")

	return s, nil
}

// Cursor returns the committed cursor for a category and whether one exists.
func (s *Store) Cursor(categoryID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[categoryID]
	return cursor, ok
}

// IsDone reports whether a category is marked fully harvested.
func (s *Store) IsDone(categoryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[categoryID] == Done
}

// Commit records page as the last completed page for a category and flushes
// the whole map to disk. Cursors are monotonically non-decreasing: a commit
// below the recorded cursor is ignored, and a done category is never
// reverted.
func (s *Store) Commit(categoryID string, page int) error {
	if page < 0 {
		return fmt.Errorf("invalid page %d for category %s", page, categoryID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.cursors[categoryID]; ok {
		if current == Done {
			s.logger.Warn().
				Str("category", categoryID).
				Int("page", page).
				Msg("Ignoring commit for done category")
			return nil
		}
		if page < current {
			s.logger.Warn().
				Str("category", categoryID).
				Int("page", page).
				Int("cursor", current).
				Msg("Ignoring regressing commit")
			return nil
		}
	}

	s.cursors[categoryID] = page
	return s.flush()
}

// MarkDone records the done sentinel for a category and flushes.
func (s *Store) MarkDone(categoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[categoryID] = Done
	return s.flush()
}

// All returns a copy of the full progress map.
func (s *Store) All() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out
}

// flush rewrites the progress file atomically. Callers must hold s.mu.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create progress directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}

	commitsTotal.Inc()
	return nil
}
