package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kfalter/catalog-harvester/pkg/client"
	"github.com/kfalter/catalog-harvester/pkg/progress"
	"github.com/kfalter/catalog-harvester/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Snapshot is a point-in-time aggregate persisted for operational visibility
// and post-mortem inspection. Resume correctness never depends on it; the
// progress store and result sink already guarantee that.
type Snapshot struct {
	Timestamp  time.Time         `json:"timestamp"`
	Categories []client.Category `json:"categories"`
	TotalItems int64             `json:"total_items"`
	Limiter    ratelimit.Stats   `json:"limiter"`
	Progress   map[string]int    `json:"progress"`
}

// Snapshotter periodically serializes a Snapshot to disk.
type Snapshotter struct {
	path     string
	interval time.Duration
	logger   zerolog.Logger

	categories func() []client.Category
	totalItems func() int64
	limiter    *ratelimit.Limiter
	store      *progress.Store
}

// NewSnapshotter wires a snapshotter to live state accessors.
func NewSnapshotter(path string, interval time.Duration, categories func() []client.Category, totalItems func() int64, limiter *ratelimit.Limiter, store *progress.Store, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		path:       path,
		interval:   interval,
		logger:     logger,
		categories: categories,
		totalItems: totalItems,
		limiter:    limiter,
		store:      store,
	}
}

// Run writes a snapshot every interval until the context ends, then writes
// one final snapshot.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Write(); err != nil {
				s.logger.Warn().Err(err).Msg("Final snapshot write failed")
			}
			return
		case <-ticker.C:
			if err := s.Write(); err != nil {
				s.logger.Warn().Err(err).Msg("Snapshot write failed")
			}
		}
	}
}

// Write serializes the current aggregate state atomically.
func (s *Snapshotter) Write() error {
	snap := Snapshot{
		Timestamp:  time.Now(),
		Categories: s.categories(),
		TotalItems: s.totalItems(),
		Limiter:    s.limiter.Stats(),
		Progress:   s.store.All(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}

	s.logger.Debug().
		Int64("total_items", snap.TotalItems).
		Float64("rate", snap.Limiter.Rate).
		Msg("Snapshot written")

	return nil
}
