package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/kfalter/catalog-harvester/pkg/client"
	"github.com/kfalter/catalog-harvester/pkg/progress"
	"github.com/kfalter/catalog-harvester/pkg/ratelimit"
	"github.com/kfalter/catalog-harvester/pkg/sink"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CatalogClient is the remote surface the orchestrator needs.
type CatalogClient interface {
	Fetcher
	ListCategories(ctx context.Context) ([]client.Category, error)
}

// Config holds orchestrator parameters.
type Config struct {
	// MaxCategories caps how many categories are crawled (0 = all).
	MaxCategories int

	// Worker holds the per-category crawl parameters.
	Worker WorkerConfig

	// SnapshotPath is where periodic snapshots are written ("" disables).
	SnapshotPath string

	// SnapshotInterval is the time between snapshots.
	SnapshotInterval time.Duration
}

// DefaultConfig returns standard orchestrator parameters.
func DefaultConfig() Config {
	return Config{
		MaxCategories:    0,
		Worker:           DefaultWorkerConfig(),
		SnapshotPath:     "output/snapshot.json",
		SnapshotInterval: 30 * time.Second,
	}
}

// Report summarizes one run.
type Report struct {
	Started     time.Time         `json:"started"`
	Duration    time.Duration     `json:"duration"`
	Categories  []client.Category `json:"categories"`
	Completed   []string          `json:"completed"`
	Outstanding []string          `json:"outstanding"`
	TotalItems  int64             `json:"total_items"`
	Limiter     ratelimit.Stats   `json:"limiter"`
}

// Orchestrator launches one worker per unfinished category. Concurrency is
// bounded only by the shared limiter; a worker fault never aborts siblings.
type Orchestrator struct {
	remote  CatalogClient
	limiter *ratelimit.Limiter
	store   *progress.Store
	results *sink.CSVSink
	config  Config
	logger  zerolog.Logger
}

// New creates an orchestrator.
func New(remote CatalogClient, limiter *ratelimit.Limiter, store *progress.Store, results *sink.CSVSink, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		remote:  remote,
		limiter: limiter,
		store:   store,
		results: results,
		config:  cfg,
		logger:  logger,
	}
}

// Run crawls every unfinished category to completion or interruption and
// returns the final report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	started := time.Now()

	categories, err := o.remote.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	if o.config.MaxCategories > 0 && len(categories) > o.config.MaxCategories {
		categories = categories[:o.config.MaxCategories]
	}

	var pending []client.Category
	for _, cat := range categories {
		if o.store.IsDone(cat.ID) {
			o.logger.Debug().Str("category", cat.ID).Msg("Category already done, skipping")
			continue
		}
		pending = append(pending, cat)
	}

	o.logger.Info().
		Int("categories", len(categories)).
		Int("pending", len(pending)).
		Msg("Starting crawl")

	workers := make([]*Worker, len(pending))
	for i, cat := range pending {
		workers[i] = NewWorker(cat, o.remote, o.store, o.results, o.config.Worker, o.logger)
	}

	totalItems := func() int64 {
		var total int64
		for _, w := range workers {
			total += w.Items()
		}
		return total
	}

	// Snapshotting runs until the workers are finished.
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	snapshotDone := make(chan struct{})
	if o.config.SnapshotPath != "" && o.config.SnapshotInterval > 0 {
		snapshotter := NewSnapshotter(
			o.config.SnapshotPath,
			o.config.SnapshotInterval,
			func() []client.Category { return categories },
			totalItems,
			o.limiter,
			o.store,
			o.logger,
		)
		go func() {
			defer close(snapshotDone)
			snapshotter.Run(snapCtx)
		}()
	} else {
		close(snapshotDone)
	}

	// Workers always return nil to the group: a category fault must not
	// cancel or fail its siblings.
	var g errgroup.Group
	for i := range workers {
		w := workers[i]
		g.Go(func() error {
			status, err := w.Run(ctx)
			switch status {
			case StatusDone:
				o.logger.Info().Str("category", w.category.ID).Int64("items", w.Items()).Msg("Worker finished")
			case StatusCancelled:
				o.logger.Info().Str("category", w.category.ID).Msg("Worker cancelled")
			case StatusAborted:
				o.logger.Error().Err(err).Str("category", w.category.ID).Msg("Worker aborted")
			}
			return nil
		})
	}
	_ = g.Wait()

	stopSnapshots()
	<-snapshotDone

	report := o.buildReport(started, categories)

	o.logger.Info().
		Int("completed", len(report.Completed)).
		Int("outstanding", len(report.Outstanding)).
		Int64("total_items", report.TotalItems).
		Float64("rate", report.Limiter.Rate).
		Float64("achieved_rate", report.Limiter.AchievedRate).
		Dur("duration", report.Duration).
		Msg("Crawl finished")

	return report, nil
}

// buildReport classifies every category as completed or outstanding.
func (o *Orchestrator) buildReport(started time.Time, categories []client.Category) *Report {
	report := &Report{
		Started:    started,
		Duration:   time.Since(started),
		Categories: categories,
		TotalItems: o.results.Appended(),
		Limiter:    o.limiter.Stats(),
	}

	for _, cat := range categories {
		if o.store.IsDone(cat.ID) {
			report.Completed = append(report.Completed, cat.ID)
		} else {
			report.Outstanding = append(report.Outstanding, cat.ID)
		}
	}
	return report
}
