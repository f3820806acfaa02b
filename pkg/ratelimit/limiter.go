// Package ratelimit implements the shared adaptive pacing limiter that bounds
// aggregate request throughput across all category workers. Grants are spaced
// 1/rate seconds apart from a single next-allowed-time cursor, so any number
// of concurrent callers collapse into one smooth request stream.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for limiter behavior.
var (
	limiterRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_limiter_rate",
		Help: "Currently configured request rate in requests per second",
	})

	limiterGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_limiter_grants_total",
		Help: "Total number of request slots granted",
	})

	limiterErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_limiter_errors_total",
		Help: "Total number of failure signals reported to the limiter",
	})

	limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_limiter_wait_seconds",
		Help:    "Time callers spent waiting for a pacing slot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)

// SpeedUpFactor is applied to the rate on every successful request.
const SpeedUpFactor = 1.05

// Config holds the limiter rate bounds.
type Config struct {
	// InitialRate is the starting rate in requests per second.
	InitialRate float64

	// MinRate is the floor the rate can be slowed down to.
	MinRate float64

	// MaxRate is the cap the rate can be sped up to.
	MaxRate float64
}

// DefaultConfig returns conservative limiter bounds.
func DefaultConfig() Config {
	return Config{
		InitialRate: 2.0,
		MinRate:     0.2,
		MaxRate:     10.0,
	}
}

// Validate ensures the rate bounds are coherent.
func (c Config) Validate() error {
	if c.MinRate <= 0 {
		return fmt.Errorf("min rate must be positive (got %g)", c.MinRate)
	}
	if c.MaxRate < c.MinRate {
		return fmt.Errorf("max rate %g below min rate %g", c.MaxRate, c.MinRate)
	}
	if c.InitialRate < c.MinRate || c.InitialRate > c.MaxRate {
		return fmt.Errorf("initial rate %g outside [%g, %g]", c.InitialRate, c.MinRate, c.MaxRate)
	}
	return nil
}

// Stats is a point-in-time snapshot of limiter state, for observability only.
type Stats struct {
	Rate         float64       `json:"rate"`
	MinRate      float64       `json:"min_rate"`
	MaxRate      float64       `json:"max_rate"`
	Requests     uint64        `json:"requests"`
	Errors       uint64        `json:"errors"`
	Elapsed      time.Duration `json:"elapsed"`
	AchievedRate float64       `json:"achieved_rate"`
}

// Limiter is the shared adaptive pacing limiter. Exactly one instance is
// passed by reference into every worker; the mutex is held only for the
// compute-and-publish step, never across the pacing sleep.
type Limiter struct {
	mu       sync.Mutex
	rate     float64
	minRate  float64
	maxRate  float64
	next     time.Time
	requests uint64
	errors   uint64
	started  time.Time

	logger zerolog.Logger
}

// New creates a limiter with the given bounds.
func New(cfg Config, logger zerolog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("limiter config: %w", err)
	}

	limiterRate.Set(cfg.InitialRate)

	return &Limiter{
		rate:    cfg.InitialRate,
		minRate: cfg.MinRate,
		maxRate: cfg.MaxRate,
		started: time.Now(),
		logger:  logger,
	}, nil
}

// Acquire blocks until it is the caller's turn to send. Slots are spaced
// 1/rate seconds apart; the wait respects context cancellation, in which case
// the slot is forfeited and ctx.Err() returned.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	wait := l.next.Sub(now)
	l.next = l.next.Add(l.interval())
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			// Forfeited slot: the caller never sends, so it is not a grant.
			return ctx.Err()
		case <-timer.C:
		}
	}

	l.mu.Lock()
	l.requests++
	l.mu.Unlock()

	limiterGrantsTotal.Inc()
	limiterWaitSeconds.Observe(wait.Seconds())
	return nil
}

// SpeedUp nudges the rate up after a successful request, capped at MaxRate.
func (l *Limiter) SpeedUp() {
	l.mu.Lock()
	l.rate *= SpeedUpFactor
	if l.rate > l.maxRate {
		l.rate = l.maxRate
	}
	rate := l.rate
	l.mu.Unlock()

	limiterRate.Set(rate)
}

// SlowDown multiplies the rate down after a failure signal, floored at
// MinRate, and counts the error. Factor must be in (0, 1).
func (l *Limiter) SlowDown(factor float64) {
	l.mu.Lock()
	l.rate *= factor
	if l.rate < l.minRate {
		l.rate = l.minRate
	}
	l.errors++
	rate := l.rate
	errs := l.errors
	l.mu.Unlock()

	limiterRate.Set(rate)
	limiterErrorsTotal.Inc()

	l.logger.Debug().
		Float64("rate", rate).
		Float64("factor", factor).
		Uint64("errors", errs).
		Msg("Limiter slowed down")
}

// Rate returns the currently configured rate in requests per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Interval returns the current pacing interval (1/rate).
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval()
}

// interval computes 1/rate. Callers must hold l.mu.
func (l *Limiter) interval() time.Duration {
	return time.Duration(float64(time.Second) / l.rate)
}

// Stats reports current and achieved rates plus cumulative counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.started)
	achieved := 0.0
	if elapsed > 0 {
		achieved = float64(l.requests) / elapsed.Seconds()
	}

	return Stats{
		Rate:         l.rate,
		MinRate:      l.minRate,
		MaxRate:      l.maxRate,
		Requests:     l.requests,
		Errors:       l.errors,
		Elapsed:      elapsed,
		AchievedRate: achieved,
	}
}
