package client

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry behavior.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_retry_exhausted_total",
		Help: "Total number of times the retry budget was exhausted",
	})
)

// BackoffConfig holds per-class exponential backoff parameters.
type BackoffConfig struct {
	// Initial is the backoff for the first retry.
	Initial time.Duration

	// Max caps the exponential growth.
	Max time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64
}

// backoffForClass returns the backoff parameters for an error class.
// Server errors cap at 60s per the crawl policy; transport failures recover
// faster since the pool replacement usually clears them.
func backoffForClass(class ErrorClass) BackoffConfig {
	switch class {
	case ErrorClassServer:
		return BackoffConfig{
			Initial:    1 * time.Second,
			Max:        60 * time.Second,
			Multiplier: 2.0,
		}
	case ErrorClassTransport:
		return BackoffConfig{
			Initial:    1 * time.Second,
			Max:        30 * time.Second,
			Multiplier: 2.0,
		}
	default:
		return BackoffConfig{
			Initial:    1 * time.Second,
			Max:        30 * time.Second,
			Multiplier: 2.0,
		}
	}
}

// backoffDuration computes the jittered backoff for a zero-based retry
// attempt. Jitter is ±20% to avoid synchronized retries across workers.
func backoffDuration(class ErrorClass, attempt int) time.Duration {
	cfg := backoffForClass(class)

	backoff := cfg.Initial
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff >= cfg.Max {
			backoff = cfg.Max
			break
		}
	}

	return withJitter(backoff)
}

// withJitter spreads a duration by ±20%.
func withJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

// sleepWithContext waits for d, returning early with ErrContextCancelled if
// the context is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ErrContextCancelled
	case <-timer.C:
		return nil
	}
}
