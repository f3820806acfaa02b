// Package harvest runs the crawl: one resumable worker per category, all
// paced by the shared limiter, plus the orchestrator and periodic snapshots.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kfalter/catalog-harvester/pkg/client"
	"github.com/kfalter/catalog-harvester/pkg/progress"
	"github.com/kfalter/catalog-harvester/pkg/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for worker outcomes.
var (
	pagesCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pages_committed_total",
		Help: "Total pages durably committed across all categories",
	})

	itemsCollectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_items_collected_total",
		Help: "Total items appended to the result sink",
	})

	workerCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_worker_cooldowns_total",
		Help: "Total cooldown sleeps after consecutive no-result outcomes",
	})

	workersFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_workers_finished_total",
		Help: "Total workers finished by status",
	}, []string{"status"})
)

// Fetcher is the page-fetching surface the worker needs from the client.
type Fetcher interface {
	FetchPage(ctx context.Context, category client.Category, page, pageSize int) ([]client.Item, error)
}

// Status is a worker's terminal state.
type Status string

const (
	// StatusDone means the category is fully harvested and marked done.
	StatusDone Status = "done"

	// StatusCancelled means the run was interrupted; the category resumes
	// from its last committed cursor next run.
	StatusCancelled Status = "cancelled"

	// StatusAborted means an unexpected fault stopped this category. The
	// last committed cursor is preserved and siblings are unaffected.
	StatusAborted Status = "aborted"
)

// WorkerConfig holds per-category crawl parameters.
type WorkerConfig struct {
	// PageSize is the number of items requested per page.
	PageSize int

	// FailureThreshold is the number of consecutive no-result outcomes
	// before the worker sleeps a cooldown.
	FailureThreshold int

	// Cooldown is the fixed sleep after FailureThreshold is crossed.
	Cooldown time.Duration
}

// DefaultWorkerConfig returns the standard crawl parameters.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PageSize:         20,
		FailureThreshold: 20,
		Cooldown:         60 * time.Second,
	}
}

// Worker crawls one category page by page. Page p+1 is never requested until
// page p's items are in the sink and its cursor committed.
type Worker struct {
	category client.Category
	fetcher  Fetcher
	store    *progress.Store
	results  *sink.CSVSink
	config   WorkerConfig
	logger   zerolog.Logger

	// items is read by the snapshotter while the worker runs.
	items atomic.Int64
}

// NewWorker creates a worker for one category.
func NewWorker(category client.Category, fetcher Fetcher, store *progress.Store, results *sink.CSVSink, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	return &Worker{
		category: category,
		fetcher:  fetcher,
		store:    store,
		results:  results,
		config:   cfg,
		logger:   logger.With().Str("category", category.ID).Logger(),
	}
}

// Items returns the number of items this worker collected during the run.
// Safe to call while the worker is running.
func (w *Worker) Items() int64 {
	return w.items.Load()
}

// Run drives the category to a terminal state. The returned error is only
// set for StatusAborted and describes the fault; it is informational, the
// orchestrator never propagates it to sibling workers.
func (w *Worker) Run(ctx context.Context) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Msg("Worker aborted by panic, cursor preserved")
			status = StatusAborted
			err = fmt.Errorf("worker panic: %v", r)
		}
		workersFinishedTotal.WithLabelValues(string(status)).Inc()
	}()

	if w.store.IsDone(w.category.ID) {
		return StatusDone, nil
	}

	page := 0
	if cursor, ok := w.store.Cursor(w.category.ID); ok {
		page = cursor + 1
		w.logger.Info().Int("page", page).Msg("Resuming category")
	} else {
		w.logger.Info().Msg("Starting category")
	}

	failures := 0

	for {
		if ctx.Err() != nil {
			return StatusCancelled, nil
		}

		items, fetchErr := w.fetcher.FetchPage(ctx, w.category, page, w.config.PageSize)

		switch {
		case fetchErr == nil:
			failures = 0

			done, commitErr := w.commitPage(page, items)
			if commitErr != nil {
				w.logger.Error().Err(commitErr).Int("page", page).Msg("Worker aborted, cursor preserved")
				return StatusAborted, commitErr
			}
			if done {
				w.logger.Info().
					Int("last_page", page).
					Int64("items", w.items.Load()).
					Msg("Category done")
				return StatusDone, nil
			}
			page++

		case errors.Is(fetchErr, client.ErrNoResult):
			// Indeterminate outcome: never advance, never mark done.
			failures++
			w.logger.Warn().
				Int("page", page).
				Int("consecutive_failures", failures).
				Msg("No result for page, will retry same page")

			if failures >= w.config.FailureThreshold {
				workerCooldownsTotal.Inc()
				w.logger.Warn().
					Int("page", page).
					Dur("cooldown", w.config.Cooldown).
					Msg("Failure threshold crossed, cooling down")
				if waitErr := waitWithContext(ctx, w.config.Cooldown); waitErr != nil {
					return StatusCancelled, nil
				}
				failures = 0
			}

		case errors.Is(fetchErr, client.ErrContextCancelled) || ctx.Err() != nil:
			return StatusCancelled, nil

		default:
			// Unexpected fault: abort this category only, keep the cursor.
			w.logger.Error().Err(fetchErr).Int("page", page).Msg("Worker aborted, cursor preserved")
			return StatusAborted, fetchErr
		}
	}
}

// commitPage records a genuine page result: append items to the sink, then
// advance the cursor. Returns true when the category is complete. An empty
// page or a short batch means the previous page was the last.
func (w *Worker) commitPage(page int, items []client.Item) (bool, error) {
	if len(items) == 0 {
		if err := w.store.MarkDone(w.category.ID); err != nil {
			return false, fmt.Errorf("mark done: %w", err)
		}
		return true, nil
	}

	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		record := make(map[string]any, len(item)+2)
		for k, v := range item {
			record[k] = v
		}
		record["category_id"] = w.category.ID
		record["category_name"] = w.category.Name
		records = append(records, record)
	}

	// Durability order: sink first, cursor second. A crash in between
	// re-fetches this page next run but never skips it.
	if err := w.results.Append(records); err != nil {
		return false, fmt.Errorf("append results: %w", err)
	}
	if err := w.store.Commit(w.category.ID, page); err != nil {
		return false, fmt.Errorf("commit cursor: %w", err)
	}

	w.items.Add(int64(len(items)))
	pagesCommittedTotal.Inc()
	itemsCollectedTotal.Add(float64(len(items)))

	w.logger.Debug().
		Int("page", page).
		Int("items", len(items)).
		Msg("Page committed")

	if len(items) < w.config.PageSize {
		if err := w.store.MarkDone(w.category.ID); err != nil {
			return false, fmt.Errorf("mark done: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// waitWithContext sleeps d unless the context ends first.
func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
